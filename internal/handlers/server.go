package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/ownership"
	"github.com/lookout-dev/lookout/internal/utils"
)

type ServerHandler struct {
	DB     *gorm.DB
	Engine *authz.Engine
	Graph  *ownership.Graph
}

type CreateServerRequest struct {
	Name     string `json:"name" binding:"required"`
	Type     string `json:"type" binding:"required"`
	Address  string `json:"address"`
	GroupIDs []uint `json:"group_ids"`
}

type UpdateServerRequest struct {
	Name     string  `json:"name" binding:"required"`
	Type     string  `json:"type" binding:"required"`
	Address  string  `json:"address"`
	GroupIDs *[]uint `json:"group_ids"` // nil leaves attachments unchanged
}

type ServerResponse struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Address  string `json:"address"`
	GroupIDs []uint `json:"group_ids"`
}

func (h *ServerHandler) CreateServer(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	var body CreateServerRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.requireGroupAccess(ctx, actor, body.GroupIDs); err != nil {
		respondError(ctx, err)
		return
	}

	server := models.Server{
		Name:        body.Name,
		Type:        body.Type,
		Address:     body.Address,
		CreatedByID: actor.ID,
	}

	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&server).Error; err != nil {
			return err
		}

		if len(body.GroupIDs) > 0 {
			groups, err := loadGroups(tx, body.GroupIDs)
			if err != nil {
				return err
			}
			if err := tx.Model(&server).Association("Groups").Append(groups); err != nil {
				return err
			}
		}

		h.Graph.Invalidate(ownership.KindServer, server.ID)
		return nil
	})

	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, ServerResponse{
		ID:       server.ID,
		Name:     server.Name,
		Type:     server.Type,
		Address:  server.Address,
		GroupIDs: body.GroupIDs,
	})
}

// ListServers returns the servers attached to any group the actor can see.
// Super admins see everything, including unattached servers.
func (h *ServerHandler) ListServers(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	visible, all, err := h.Engine.VisibleGroupIDs(ctx, actor)
	if err != nil {
		respondError(ctx, err)
		return
	}

	var servers []models.Server

	query := h.DB.Preload("Groups")

	if all {
		err = query.Find(&servers).Error
	} else if len(visible) == 0 {
		servers = nil
	} else {
		err = query.
			Joins("JOIN server_groups ON server_groups.server_id = servers.id").
			Where("server_groups.group_id IN ?", visible).
			Distinct("servers.*").
			Find(&servers).Error
	}

	if err != nil {
		respondError(ctx, err)
		return
	}

	response := make([]ServerResponse, 0, len(servers))

	for _, server := range servers {
		response = append(response, serverResponse(server))
	}

	ctx.JSON(http.StatusOK, response)
}

func (h *ServerHandler) GetServer(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	server, err := h.loadServer(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindServer, ID: server.ID, CreatorID: server.CreatedByID}

	if err := h.Engine.RequireView(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, serverResponse(server))
}

func (h *ServerHandler) UpdateServer(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	server, err := h.loadServer(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindServer, ID: server.ID, CreatorID: server.CreatedByID}

	if err := h.Engine.RequireAdmin(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	var body UpdateServerRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if body.GroupIDs != nil {
		if err := h.requireGroupAccess(ctx, actor, *body.GroupIDs); err != nil {
			respondError(ctx, err)
			return
		}
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		server.Name = body.Name
		server.Type = body.Type
		server.Address = body.Address

		if err := tx.Save(&server).Error; err != nil {
			return err
		}

		if body.GroupIDs != nil {
			groups, err := loadGroups(tx, *body.GroupIDs)
			if err != nil {
				return err
			}
			if err := tx.Model(&server).Association("Groups").Replace(groups); err != nil {
				return err
			}
		}

		h.Graph.Invalidate(ownership.KindServer, server.ID)
		return nil
	})

	if err != nil {
		respondError(ctx, err)
		return
	}

	server.Groups = nil
	reloaded, err := h.loadServer(ctx)
	if err == nil {
		server = reloaded
	}

	ctx.JSON(http.StatusOK, serverResponse(server))
}

// DeleteServer removes a server and its probes in one explicit, ordered
// transaction: alert history, probe attachments, probes, server attachments,
// then the server row.
func (h *ServerHandler) DeleteServer(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	server, err := h.loadServer(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindServer, ID: server.ID, CreatorID: server.CreatedByID}

	if err := h.Engine.RequireAdmin(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		var probeIDs []uint

		if err := tx.Model(&models.Probe{}).
			Where("server_id = ?", server.ID).
			Pluck("id", &probeIDs).Error; err != nil {
			return err
		}

		if len(probeIDs) > 0 {
			if err := tx.Where("probe_id IN ?", probeIDs).
				Delete(&models.AlertHistory{}).Error; err != nil {
				return err
			}
			if err := tx.Exec("DELETE FROM probe_groups WHERE probe_id IN ?", probeIDs).Error; err != nil {
				return err
			}
			if err := tx.Where("server_id = ?", server.ID).
				Delete(&models.Probe{}).Error; err != nil {
				return err
			}
			for _, id := range probeIDs {
				h.Graph.Invalidate(ownership.KindProbe, id)
			}
		}

		if err := tx.Exec("DELETE FROM server_groups WHERE server_id = ?", server.ID).Error; err != nil {
			return err
		}

		h.Graph.Invalidate(ownership.KindServer, server.ID)
		return tx.Delete(&server).Error
	})

	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

// requireGroupAccess checks the actor belongs to every chosen group.
func (h *ServerHandler) requireGroupAccess(ctx *gin.Context, actor authz.Actor, groupIDs []uint) error {
	if actor.IsSuperAdmin() || len(groupIDs) == 0 {
		return nil
	}

	for _, groupID := range groupIDs {
		ref := authz.Ref{Kind: ownership.KindGroup, ID: groupID}
		if err := h.Engine.RequireView(ctx, actor, ref); err != nil {
			return err
		}
	}

	return nil
}

func (h *ServerHandler) loadServer(ctx *gin.Context) (models.Server, error) {
	var server models.Server

	serverID, err := utils.IDParam(ctx, "server_id")
	if err != nil {
		return server, apperrors.Validation("server_id", err.Error())
	}

	if err := h.DB.Preload("Groups").First(&server, serverID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return server, apperrors.NotFound("server")
		}
		return server, err
	}

	return server, nil
}

func loadGroups(tx *gorm.DB, ids []uint) ([]models.Group, error) {
	var groups []models.Group

	if err := tx.Where("id IN ?", ids).Find(&groups).Error; err != nil {
		return nil, err
	}

	if len(groups) != len(ids) {
		return nil, apperrors.NotFound("group")
	}

	return groups, nil
}

func serverResponse(server models.Server) ServerResponse {
	groupIDs := make([]uint, 0, len(server.Groups))
	for _, group := range server.Groups {
		groupIDs = append(groupIDs, group.ID)
	}

	return ServerResponse{
		ID:       server.ID,
		Name:     server.Name,
		Type:     server.Type,
		Address:  server.Address,
		GroupIDs: groupIDs,
	}
}
