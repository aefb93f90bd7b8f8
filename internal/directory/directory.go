// Package directory owns actor-to-group memberships: who belongs where, and
// with which local role. Every mutation runs its guards inside the writing
// transaction so the last-admin invariant cannot be raced.
package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/db"
	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/types"
)

type Directory struct {
	db  *gorm.DB
	log *logrus.Entry

	// Read-through cache of group IDs per actor; memberships are read on
	// every request and written rarely.
	mu         sync.RWMutex
	groupCache map[uint][]uint
	adminCache map[uint][]uint
}

func New(conn *gorm.DB) *Directory {
	return &Directory{
		db:         conn,
		log:        logrus.WithField("component", "directory"),
		groupCache: make(map[uint][]uint),
		adminCache: make(map[uint][]uint),
	}
}

// MemberAdd is one entry of a batch add request.
type MemberAdd struct {
	UserID uint
	Role   string
}

// AddResult reports a batch add outcome per actor.
type AddResult struct {
	Created       []uint `json:"created"`
	AlreadyMember []uint `json:"already_member"`
}

// GroupIDsFor returns the IDs of every group the user belongs to.
func (d *Directory) GroupIDsFor(ctx context.Context, userID uint) ([]uint, error) {
	d.mu.RLock()
	if ids, ok := d.groupCache[userID]; ok {
		d.mu.RUnlock()
		return ids, nil
	}
	d.mu.RUnlock()

	var ids []uint

	if err := d.db.WithContext(ctx).
		Model(&models.Membership{}).
		Where("user_id = ?", userID).
		Pluck("group_id", &ids).Error; err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.groupCache[userID] = ids
	d.mu.Unlock()

	return ids, nil
}

// AdminGroupIDsFor returns the IDs of every group the user administers.
func (d *Directory) AdminGroupIDsFor(ctx context.Context, userID uint) ([]uint, error) {
	d.mu.RLock()
	if ids, ok := d.adminCache[userID]; ok {
		d.mu.RUnlock()
		return ids, nil
	}
	d.mu.RUnlock()

	var ids []uint

	if err := d.db.WithContext(ctx).
		Model(&models.Membership{}).
		Where("user_id = ? AND role = ?", userID, types.MembershipAdmin).
		Pluck("group_id", &ids).Error; err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.adminCache[userID] = ids
	d.mu.Unlock()

	return ids, nil
}

// Invalidate drops the cached membership view of one actor. Writers call it
// inside their transaction, before commit, so no reader can observe the old
// view after the write lands.
func (d *Directory) Invalidate(userID uint) {
	d.mu.Lock()
	delete(d.groupCache, userID)
	delete(d.adminCache, userID)
	d.mu.Unlock()
}

// AddMembers adds a batch of members to a group. Idempotent per actor:
// existing members are reported, not duplicated or errored. A batch that
// creates nothing returns Conflict so the caller learns their intent was a
// no-op.
func (d *Directory) AddMembers(ctx context.Context, groupID uint, adds []MemberAdd) (AddResult, error) {
	var result AddResult

	for _, add := range adds {
		if !types.ValidMembershipRole(add.Role) {
			return result, apperrors.Validation("role", "must be admin or member")
		}
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []uint

		if err := db.LockForUpdate(tx).
			Model(&models.Membership{}).
			Where("group_id = ?", groupID).
			Pluck("user_id", &existing).Error; err != nil {
			return err
		}

		present := make(map[uint]struct{}, len(existing))
		for _, id := range existing {
			present[id] = struct{}{}
		}

		for _, add := range adds {
			if _, ok := present[add.UserID]; ok {
				result.AlreadyMember = append(result.AlreadyMember, add.UserID)
				continue
			}

			membership := models.Membership{
				UserID:  add.UserID,
				GroupID: groupID,
				Role:    add.Role,
			}

			if err := tx.Create(&membership).Error; err != nil {
				return err
			}

			present[add.UserID] = struct{}{}
			result.Created = append(result.Created, add.UserID)
			d.Invalidate(add.UserID)
		}

		if len(result.Created) == 0 {
			return apperrors.Conflict("no new members")
		}

		return nil
	})

	if err != nil {
		return AddResult{Created: result.Created, AlreadyMember: result.AlreadyMember}, err
	}

	return result, nil
}

// ChangeRole updates one membership's role, guarded by the last-admin and
// privileged-mutation checks inside the same transaction as the write.
func (d *Directory) ChangeRole(ctx context.Context, caller authz.Actor, groupID, userID uint, newRole string) error {
	if !types.ValidMembershipRole(newRole) {
		return apperrors.Validation("role", "must be admin or member")
	}

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := d.loadTargetUser(tx, userID)
		if err != nil {
			return err
		}

		if err := authz.AssertPrivilegedMutationAllowed(caller.Role, target.Role); err != nil {
			return err
		}

		if err := authz.AssertLastAdminSafe(tx, groupID, userID, newRole); err != nil {
			return err
		}

		res := tx.Model(&models.Membership{}).
			Where("group_id = ? AND user_id = ?", groupID, userID).
			Update("role", newRole)

		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NotFound("membership")
		}

		d.Invalidate(userID)
		return nil
	})
}

// RemoveMember deletes one membership with the same guards as ChangeRole.
// Sole-admin self-removal is rejected like any other last-admin change.
func (d *Directory) RemoveMember(ctx context.Context, caller authz.Actor, groupID, userID uint) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := d.loadTargetUser(tx, userID)
		if err != nil {
			return err
		}

		if err := authz.AssertPrivilegedMutationAllowed(caller.Role, target.Role); err != nil {
			return err
		}

		if err := authz.AssertLastAdminSafe(tx, groupID, userID, authz.RoleRemoved); err != nil {
			return err
		}

		res := tx.Where("group_id = ? AND user_id = ?", groupID, userID).
			Delete(&models.Membership{})

		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NotFound("membership")
		}

		d.Invalidate(userID)
		return nil
	})
}

// ListMembers returns the memberships of a group with their users loaded.
func (d *Directory) ListMembers(ctx context.Context, groupID uint) ([]models.Membership, error) {
	var memberships []models.Membership

	err := d.db.WithContext(ctx).
		Preload("User").
		Where("group_id = ?", groupID).
		Order("created_at ASC").
		Find(&memberships).Error

	return memberships, err
}

// ListGroupsFor returns the groups the user belongs to.
func (d *Directory) ListGroupsFor(ctx context.Context, userID uint) ([]models.Group, error) {
	var groups []models.Group

	err := d.db.WithContext(ctx).
		Joins("JOIN memberships ON memberships.group_id = groups.id AND memberships.deleted_at IS NULL").
		Where("memberships.user_id = ?", userID).
		Find(&groups).Error

	return groups, err
}

// CreateFounderMembership records the group creator's admin membership inside
// the group-creation transaction.
func (d *Directory) CreateFounderMembership(tx *gorm.DB, groupID, userID uint) error {
	membership := models.Membership{
		UserID:  userID,
		GroupID: groupID,
		Role:    types.MembershipAdmin,
	}

	if err := tx.Create(&membership).Error; err != nil {
		return err
	}

	d.Invalidate(userID)
	return nil
}

// RemoveAllForGroup deletes every membership of a group as part of the
// group's explicit deletion transaction.
func (d *Directory) RemoveAllForGroup(tx *gorm.DB, groupID uint) error {
	var userIDs []uint

	if err := tx.Model(&models.Membership{}).
		Where("group_id = ?", groupID).
		Pluck("user_id", &userIDs).Error; err != nil {
		return err
	}

	if err := tx.Where("group_id = ?", groupID).Delete(&models.Membership{}).Error; err != nil {
		return err
	}

	for _, id := range userIDs {
		d.Invalidate(id)
	}

	return nil
}

func (d *Directory) loadTargetUser(tx *gorm.DB, userID uint) (models.User, error) {
	var target models.User

	if err := tx.First(&target, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return target, apperrors.NotFound("user")
		}
		return target, err
	}

	return target, nil
}
