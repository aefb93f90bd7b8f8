package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/ownership"
	"github.com/lookout-dev/lookout/internal/scheduler"
	"github.com/lookout-dev/lookout/internal/types"
	"github.com/lookout-dev/lookout/internal/utils"
)

type ProbeHandler struct {
	DB        *gorm.DB
	Engine    *authz.Engine
	Graph     *ownership.Graph
	Scheduler *scheduler.Scheduler
}

type CreateProbeRequest struct {
	Name     string                 `json:"name" binding:"required"`
	Type     string                 `json:"type" binding:"required"`
	Interval int                    `json:"interval"`
	Config   map[string]interface{} `json:"config"`
	GroupIDs []uint                 `json:"group_ids"`
}

type UpdateProbeRequest struct {
	Name     string                 `json:"name" binding:"required"`
	Type     string                 `json:"type" binding:"required"`
	Interval int                    `json:"interval"`
	Config   map[string]interface{} `json:"config"`
	GroupIDs *[]uint                `json:"group_ids"`
}

type ProbeResponse struct {
	ID            uint                   `json:"id"`
	ServerID      uint                   `json:"server_id"`
	Name          string                 `json:"name"`
	Type          string                 `json:"type"`
	Status        string                 `json:"status"`
	Interval      int                    `json:"interval"`
	Config        map[string]interface{} `json:"config"`
	WebhookToken  *string                `json:"webhook_token,omitempty"`
	LastMessage   string                 `json:"last_message,omitempty"`
	LastCheckedAt interface{}            `json:"last_checked_at"`
	GroupIDs      []uint                 `json:"group_ids"`
}

type AlertHistoryResponse struct {
	ID         uint        `json:"id"`
	Status     string      `json:"status"`
	Message    string      `json:"message"`
	Resolved   bool        `json:"resolved"`
	ResolvedAt interface{} `json:"resolved_at"`
	CreatedAt  interface{} `json:"created_at"`
}

func (h *ProbeHandler) CreateProbe(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	server, err := h.loadServer(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	serverRef := authz.Ref{Kind: ownership.KindServer, ID: server.ID, CreatorID: server.CreatedByID}

	if err := h.Engine.RequireAdmin(ctx, actor, serverRef); err != nil {
		respondError(ctx, err)
		return
	}

	var body CreateProbeRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	configJSON, err := validateProbeConfig(body.Type, body.Config)
	if err != nil {
		respondError(ctx, err)
		return
	}

	if err := h.requireGroupAccess(ctx, actor, body.GroupIDs); err != nil {
		respondError(ctx, err)
		return
	}

	probe := models.Probe{
		ServerID: server.ID,
		Name:     body.Name,
		Type:     body.Type,
		Status:   types.StatusUnknown,
		Interval: body.Interval,
		Config:   configJSON,
	}

	if body.Type == types.ProbeWebhook {
		token := uuid.NewString()
		probe.WebhookToken = &token
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&probe).Error; err != nil {
			return err
		}

		if len(body.GroupIDs) > 0 {
			groups, err := loadGroups(tx, body.GroupIDs)
			if err != nil {
				return err
			}
			if err := tx.Model(&probe).Association("Groups").Append(groups); err != nil {
				return err
			}
		}

		h.Graph.Invalidate(ownership.KindProbe, probe.ID)
		return nil
	})

	if err != nil {
		respondError(ctx, err)
		return
	}

	h.Scheduler.AddProbe(probe)

	ctx.JSON(http.StatusCreated, probeResponse(probe, body.GroupIDs))
}

// ListProbes returns the server's probes the actor can see. A probe with its
// own attachments is scoped by those groups, exactly like GetProbe; only a
// probe with no groups falls back to the server's visibility.
func (h *ProbeHandler) ListProbes(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	server, err := h.loadServer(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	serverRef := authz.Ref{Kind: ownership.KindServer, ID: server.ID, CreatorID: server.CreatedByID}

	if err := h.Engine.RequireView(ctx, actor, serverRef); err != nil {
		respondError(ctx, err)
		return
	}

	visible, all, err := h.Engine.VisibleGroupIDs(ctx, actor)
	if err != nil {
		respondError(ctx, err)
		return
	}

	memberOf := make(map[uint]struct{}, len(visible))
	for _, id := range visible {
		memberOf[id] = struct{}{}
	}

	var probes []models.Probe

	if err := h.DB.Preload("Groups").
		Where("server_id = ?", server.ID).
		Find(&probes).Error; err != nil {
		respondError(ctx, err)
		return
	}

	response := make([]ProbeResponse, 0, len(probes))

	for _, probe := range probes {
		if !all && len(probe.Groups) > 0 && !anyGroupIn(probe.Groups, memberOf) {
			continue
		}
		response = append(response, probeResponse(probe, groupIDsOf(probe.Groups)))
	}

	ctx.JSON(http.StatusOK, response)
}

func (h *ProbeHandler) GetProbe(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	probe, err := h.loadProbe(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	if err := h.Engine.RequireView(ctx, actor, h.probeRef(probe)); err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, probeResponse(probe, groupIDsOf(probe.Groups)))
}

// UpdateProbe replaces the probe definition. The type discriminant and its
// sub-config change together in one UPDATE; the webhook token survives every
// change once assigned.
func (h *ProbeHandler) UpdateProbe(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	probe, err := h.loadProbe(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	if err := h.Engine.RequireAdmin(ctx, actor, h.probeRef(probe)); err != nil {
		respondError(ctx, err)
		return
	}

	var body UpdateProbeRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	configJSON, err := validateProbeConfig(body.Type, body.Config)
	if err != nil {
		respondError(ctx, err)
		return
	}

	if body.GroupIDs != nil {
		if err := h.requireGroupAccess(ctx, actor, *body.GroupIDs); err != nil {
			respondError(ctx, err)
			return
		}
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		probe.Name = body.Name
		probe.Type = body.Type
		probe.Interval = body.Interval
		probe.Config = configJSON

		if body.Type == types.ProbeWebhook && probe.WebhookToken == nil {
			token := uuid.NewString()
			probe.WebhookToken = &token
		}

		if err := tx.Save(&probe).Error; err != nil {
			return err
		}

		if body.GroupIDs != nil {
			groups, err := loadGroups(tx, *body.GroupIDs)
			if err != nil {
				return err
			}
			if err := tx.Model(&probe).Association("Groups").Replace(groups); err != nil {
				return err
			}
		}

		h.Graph.Invalidate(ownership.KindProbe, probe.ID)
		return nil
	})

	if err != nil {
		respondError(ctx, err)
		return
	}

	h.Scheduler.UpdateProbe(probe)

	reloaded, err := h.loadProbe(ctx)
	if err == nil {
		probe = reloaded
	}

	ctx.JSON(http.StatusOK, probeResponse(probe, groupIDsOf(probe.Groups)))
}

func (h *ProbeHandler) DeleteProbe(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	probe, err := h.loadProbe(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	if err := h.Engine.RequireAdmin(ctx, actor, h.probeRef(probe)); err != nil {
		respondError(ctx, err)
		return
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("probe_id = ?", probe.ID).
			Delete(&models.AlertHistory{}).Error; err != nil {
			return err
		}

		if err := tx.Exec("DELETE FROM probe_groups WHERE probe_id = ?", probe.ID).Error; err != nil {
			return err
		}

		h.Graph.Invalidate(ownership.KindProbe, probe.ID)
		return tx.Delete(&probe).Error
	})

	if err != nil {
		respondError(ctx, err)
		return
	}

	h.Scheduler.RemoveProbe(probe.ID)

	ctx.Status(http.StatusNoContent)
}

func (h *ProbeHandler) ListAlerts(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	probe, err := h.loadProbe(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	if err := h.Engine.RequireView(ctx, actor, h.probeRef(probe)); err != nil {
		respondError(ctx, err)
		return
	}

	var alerts []models.AlertHistory

	if err := h.DB.Where("probe_id = ?", probe.ID).
		Order("created_at DESC").
		Limit(50).
		Find(&alerts).Error; err != nil {
		respondError(ctx, err)
		return
	}

	response := make([]AlertHistoryResponse, 0, len(alerts))

	for _, alert := range alerts {
		response = append(response, AlertHistoryResponse{
			ID:         alert.ID,
			Status:     alert.Status,
			Message:    alert.Message,
			Resolved:   alert.Resolved,
			ResolvedAt: alert.ResolvedAt,
			CreatedAt:  alert.CreatedAt,
		})
	}

	ctx.JSON(http.StatusOK, response)
}

// probeRef builds the authorization reference for a probe. A probe with no
// groups of its own inherits visibility from its server's attachments.
func (h *ProbeHandler) probeRef(probe models.Probe) authz.Ref {
	if len(probe.Groups) == 0 {
		return authz.Ref{
			Kind:      ownership.KindServer,
			ID:        probe.ServerID,
			CreatorID: probe.Server.CreatedByID,
		}
	}
	return authz.Ref{Kind: ownership.KindProbe, ID: probe.ID}
}

func (h *ProbeHandler) requireGroupAccess(ctx *gin.Context, actor authz.Actor, groupIDs []uint) error {
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

func (h *ProbeHandler) loadServer(ctx *gin.Context) (models.Server, error) {
	var server models.Server

	serverID, err := utils.IDParam(ctx, "server_id")
	if err != nil {
		return server, apperrors.Validation("server_id", err.Error())
	}

	if err := h.DB.First(&server, serverID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return server, apperrors.NotFound("server")
		}
		return server, err
	}

	return server, nil
}

func (h *ProbeHandler) loadProbe(ctx *gin.Context) (models.Probe, error) {
	var probe models.Probe

	probeID, err := utils.IDParam(ctx, "probe_id")
	if err != nil {
		return probe, apperrors.Validation("probe_id", err.Error())
	}

	if err := h.DB.Preload("Server").Preload("Groups").First(&probe, probeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return probe, apperrors.NotFound("probe")
		}
		return probe, err
	}

	return probe, nil
}

// validateProbeConfig checks the sub-config matches the declared type and
// normalizes it to the typed shape before storage.
func validateProbeConfig(probeType string, raw map[string]interface{}) (datatypes.JSON, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, apperrors.Validation("config", "invalid config format")
	}

	switch probeType {
	case types.ProbeHTTP:
		var cfg types.HTTPProbeConfig
		if err := json.Unmarshal(encoded, &cfg); err != nil {
			return nil, apperrors.Validation("config", "does not match an http probe config")
		}
		if cfg.URL == "" {
			return nil, apperrors.Validation("config.url", "required for http probes")
		}
		normalized, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(normalized), nil
	case types.ProbeWebhook:
		var cfg types.WebhookProbeConfig
		if err := json.Unmarshal(encoded, &cfg); err != nil {
			return nil, apperrors.Validation("config", "does not match a webhook probe config")
		}
		normalized, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(normalized), nil
	default:
		return nil, apperrors.Validation("type", "must be http or webhook")
	}
}

func probeResponse(probe models.Probe, groupIDs []uint) ProbeResponse {
	var cfg map[string]interface{}
	if err := json.Unmarshal(probe.Config, &cfg); err != nil {
		cfg = map[string]interface{}{}
	}

	if groupIDs == nil {
		groupIDs = []uint{}
	}

	return ProbeResponse{
		ID:            probe.ID,
		ServerID:      probe.ServerID,
		Name:          probe.Name,
		Type:          probe.Type,
		Status:        probe.Status,
		Interval:      probe.Interval,
		Config:        cfg,
		WebhookToken:  probe.WebhookToken,
		LastMessage:   probe.LastMessage,
		LastCheckedAt: probe.LastCheckedAt,
		GroupIDs:      groupIDs,
	}
}

func anyGroupIn(groups []models.Group, memberOf map[uint]struct{}) bool {
	for _, group := range groups {
		if _, ok := memberOf[group.ID]; ok {
			return true
		}
	}
	return false
}

func groupIDsOf(groups []models.Group) []uint {
	ids := make([]uint, 0, len(groups))
	for _, group := range groups {
		ids = append(ids, group.ID)
	}
	return ids
}
