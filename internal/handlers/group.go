package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/directory"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/ownership"
	"github.com/lookout-dev/lookout/internal/types"
	"github.com/lookout-dev/lookout/internal/utils"
)

type GroupHandler struct {
	DB        *gorm.DB
	Engine    *authz.Engine
	Directory *directory.Directory
}

type CreateGroupRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type UpdateGroupRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type GroupResponse struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateGroup creates a tenant boundary. Restricted to globally privileged
// actors; the creator becomes the group's first admin member in the same
// transaction.
func (h *GroupHandler) CreateGroup(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	if actor.Role != types.RoleSuperAdmin && actor.Role != types.RoleAdmin {
		respondError(ctx, apperrors.AccessDenied("creating groups requires a privileged global role"))
		return
	}

	var body CreateGroupRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	group := models.Group{
		Name:        body.Name,
		Description: body.Description,
	}

	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		return h.Directory.CreateFounderMembership(tx, group.ID, actor.ID)
	})

	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, GroupResponse{
		ID:          group.ID,
		Name:        group.Name,
		Description: group.Description,
	})
}

func (h *GroupHandler) ListGroups(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	var groups []models.Group

	if actor.IsSuperAdmin() {
		if err := h.DB.Find(&groups).Error; err != nil {
			respondError(ctx, err)
			return
		}
	} else {
		var err error
		groups, err = h.Directory.ListGroupsFor(ctx, actor.ID)
		if err != nil {
			respondError(ctx, err)
			return
		}
	}

	response := make([]GroupResponse, 0, len(groups))

	for _, group := range groups {
		response = append(response, GroupResponse{
			ID:          group.ID,
			Name:        group.Name,
			Description: group.Description,
		})
	}

	ctx.JSON(http.StatusOK, response)
}

func (h *GroupHandler) GetGroup(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	group, err := h.loadGroup(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindGroup, ID: group.ID}

	if err := h.Engine.RequireView(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, GroupResponse{
		ID:          group.ID,
		Name:        group.Name,
		Description: group.Description,
	})
}

func (h *GroupHandler) UpdateGroup(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	group, err := h.loadGroup(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindGroup, ID: group.ID}

	if err := h.Engine.RequireAdmin(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	var body UpdateGroupRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	group.Name = body.Name
	group.Description = body.Description

	if err := h.DB.Save(&group).Error; err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, GroupResponse{
		ID:          group.ID,
		Name:        group.Name,
		Description: group.Description,
	})
}

// DeleteGroup removes a group and its dependents in one explicit, ordered
// transaction: memberships, notification configs, attachment rows, then the
// group itself. Deletion is blocked while the group still owns servers.
func (h *GroupHandler) DeleteGroup(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	group, err := h.loadGroup(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindGroup, ID: group.ID}

	if err := h.Engine.RequireAdmin(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		var serverCount int64

		if err := tx.Table("server_groups").
			Where("group_id = ?", group.ID).
			Count(&serverCount).Error; err != nil {
			return err
		}

		if serverCount > 0 {
			return apperrors.Conflict("group still owns servers")
		}

		if err := h.Directory.RemoveAllForGroup(tx, group.ID); err != nil {
			return err
		}

		if err := tx.Where("group_id = ?", group.ID).
			Delete(&models.NotificationConfig{}).Error; err != nil {
			return err
		}

		if err := tx.Exec("DELETE FROM probe_groups WHERE group_id = ?", group.ID).Error; err != nil {
			return err
		}

		return tx.Delete(&group).Error
	})

	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *GroupHandler) loadGroup(ctx *gin.Context) (models.Group, error) {
	var group models.Group

	groupID, err := utils.IDParam(ctx, "group_id")
	if err != nil {
		return group, apperrors.Validation("group_id", err.Error())
	}

	if err := h.DB.First(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return group, apperrors.NotFound("group")
		}
		return group, err
	}

	return group, nil
}
