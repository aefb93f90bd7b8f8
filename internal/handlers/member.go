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
	"github.com/lookout-dev/lookout/internal/utils"
)

type MemberHandler struct {
	DB        *gorm.DB
	Engine    *authz.Engine
	Directory *directory.Directory
}

type AddMembersRequest struct {
	Members []struct {
		UserID uint   `json:"user_id" binding:"required"`
		Role   string `json:"role" binding:"required"`
	} `json:"members" binding:"required,min=1"`
}

type ChangeRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

type MemberResponse struct {
	UserID uint   `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// AddMembers adds a batch of users to a group. Users already present are
// reported back rather than duplicated; a batch creating nothing is a 409.
func (h *MemberHandler) AddMembers(ctx *gin.Context) {
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

	var body AddMembersRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	adds := make([]directory.MemberAdd, 0, len(body.Members))
	userIDs := make([]uint, 0, len(body.Members))

	for _, m := range body.Members {
		adds = append(adds, directory.MemberAdd{UserID: m.UserID, Role: m.Role})
		userIDs = append(userIDs, m.UserID)
	}

	var found int64

	if err := h.DB.Model(&models.User{}).Where("id IN ?", userIDs).Count(&found).Error; err != nil {
		respondError(ctx, err)
		return
	}

	if int(found) != len(userIDs) {
		respondError(ctx, apperrors.Validation("members", "one or more users do not exist"))
		return
	}

	result, err := h.Directory.AddMembers(ctx, group.ID, adds)

	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, result)
}

func (h *MemberHandler) ListMembers(ctx *gin.Context) {
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

	memberships, err := h.Directory.ListMembers(ctx, group.ID)

	if err != nil {
		respondError(ctx, err)
		return
	}

	response := make([]MemberResponse, 0, len(memberships))

	for _, m := range memberships {
		response = append(response, MemberResponse{
			UserID: m.UserID,
			Name:   m.User.Name,
			Email:  m.User.Email,
			Role:   m.Role,
		})
	}

	ctx.JSON(http.StatusOK, response)
}

func (h *MemberHandler) ChangeRole(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	group, err := h.loadGroup(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	userID, err := utils.IDParam(ctx, "user_id")
	if err != nil {
		respondError(ctx, apperrors.Validation("user_id", err.Error()))
		return
	}

	ref := authz.Ref{Kind: ownership.KindGroup, ID: group.ID}

	if err := h.Engine.RequireAdmin(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	var body ChangeRoleRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.Directory.ChangeRole(ctx, actor, group.ID, userID, body.Role); err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Role updated"})
}

// RemoveMember removes one membership. A member may always remove
// themselves, subject to the same last-admin guard as any other removal.
func (h *MemberHandler) RemoveMember(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	group, err := h.loadGroup(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	userID, err := utils.IDParam(ctx, "user_id")
	if err != nil {
		respondError(ctx, apperrors.Validation("user_id", err.Error()))
		return
	}

	if userID != actor.ID {
		ref := authz.Ref{Kind: ownership.KindGroup, ID: group.ID}

		if err := h.Engine.RequireAdmin(ctx, actor, ref); err != nil {
			respondError(ctx, err)
			return
		}
	}

	if err := h.Directory.RemoveMember(ctx, actor, group.ID, userID); err != nil {
		respondError(ctx, err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *MemberHandler) loadGroup(ctx *gin.Context) (models.Group, error) {
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
