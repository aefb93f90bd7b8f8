package authz

import (
	"errors"

	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/db"
	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/types"
)

// RoleRemoved marks a removal rather than a role change in
// AssertLastAdminSafe.
const RoleRemoved = ""

// AssertLastAdminSafe fails with Conflict when the change would strip the
// group of its final admin membership. It must run inside the same
// transaction as the write it guards, with the membership rows locked;
// checking against stale state and then writing is exactly the race that
// lets two concurrent demotions both observe a spare admin.
func AssertLastAdminSafe(tx *gorm.DB, groupID, userID uint, intendedRole string) error {
	var target models.Membership

	err := db.LockForUpdate(tx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		First(&target).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound("membership")
		}
		return err
	}

	// Only demoting or removing an admin can lose one.
	if target.Role != types.MembershipAdmin || intendedRole == types.MembershipAdmin {
		return nil
	}

	var adminCount int64

	if err := db.LockForUpdate(tx).
		Model(&models.Membership{}).
		Where("group_id = ? AND role = ?", groupID, types.MembershipAdmin).
		Count(&adminCount).Error; err != nil {
		return err
	}

	if adminCount <= 1 {
		return apperrors.Conflict("last administrator")
	}

	return nil
}

// AssertPrivilegedMutationAllowed rejects changes to a super admin's
// membership or global role by anyone who is not a super admin themselves.
func AssertPrivilegedMutationAllowed(callerRole, targetRole string) error {
	if targetRole == types.RoleSuperAdmin && callerRole != types.RoleSuperAdmin {
		return apperrors.AccessDenied("only a super admin may modify a super admin")
	}
	return nil
}
