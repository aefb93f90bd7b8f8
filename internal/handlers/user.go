package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/types"
	"github.com/lookout-dev/lookout/internal/utils"
)

type UserHandler struct {
	DB *gorm.DB
}

type UpdateRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// UpdateRole changes a user's global role. Super admin only; changing one's
// own role is rejected outright so a caller can neither escalate themselves
// nor accidentally lock themselves out.
func (h *UserHandler) UpdateRole(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	if !actor.IsSuperAdmin() {
		respondError(ctx, apperrors.AccessDenied("changing global roles requires super admin"))
		return
	}

	targetID, err := utils.IDParam(ctx, "user_id")
	if err != nil {
		respondError(ctx, apperrors.Validation("user_id", err.Error()))
		return
	}

	var req UpdateRoleRequest

	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if !types.ValidGlobalRole(req.Role) {
		respondError(ctx, apperrors.Validation("role", "must be super_admin, admin or user"))
		return
	}

	if targetID == actor.ID {
		respondError(ctx, apperrors.AccessDenied("cannot change your own global role"))
		return
	}

	var target models.User

	if err := h.DB.First(&target, targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(ctx, apperrors.NotFound("user"))
		} else {
			respondError(ctx, err)
		}
		return
	}

	if err := authz.AssertPrivilegedMutationAllowed(actor.Role, target.Role); err != nil {
		respondError(ctx, err)
		return
	}

	if err := h.DB.Model(&target).Update("role", req.Role).Error; err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"user": types.UserResponse{
			ID:    target.ID,
			Name:  target.Name,
			Email: target.Email,
			Role:  req.Role,
		},
	})
}
