package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/dispatch"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/ownership"
	"github.com/lookout-dev/lookout/internal/types"
	"github.com/lookout-dev/lookout/internal/utils"
)

type NotificationConfigHandler struct {
	DB       *gorm.DB
	Engine   *authz.Engine
	Graph    *ownership.Graph
	Dispatch *dispatch.Engine
}

type NotificationConfigRequest struct {
	Name   string                 `json:"name" binding:"required"`
	Type   string                 `json:"type" binding:"required"`
	Config map[string]interface{} `json:"config"`
}

type NotificationConfigResponse struct {
	ID      uint                   `json:"id"`
	GroupID uint                   `json:"group_id"`
	Name    string                 `json:"name"`
	Type    string                 `json:"type"`
	Config  map[string]interface{} `json:"config"`
}

type TestNotificationRequest struct {
	ServerID uint `json:"server_id" binding:"required"`
}

func (h *NotificationConfigHandler) CreateConfig(ctx *gin.Context) {
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

	var body NotificationConfigRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	configJSON, err := validateChannelConfig(body.Type, body.Config)
	if err != nil {
		respondError(ctx, err)
		return
	}

	config := models.NotificationConfig{
		GroupID: group.ID,
		Name:    body.Name,
		Type:    body.Type,
		Config:  configJSON,
	}

	if err := h.DB.Create(&config).Error; err != nil {
		respondError(ctx, err)
		return
	}

	h.Graph.Invalidate(ownership.KindNotificationConfig, config.ID)

	ctx.JSON(http.StatusCreated, configResponse(config))
}

func (h *NotificationConfigHandler) ListConfigs(ctx *gin.Context) {
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

	var configs []models.NotificationConfig

	if err := h.DB.Where("group_id = ?", group.ID).Find(&configs).Error; err != nil {
		respondError(ctx, err)
		return
	}

	response := make([]NotificationConfigResponse, 0, len(configs))

	for _, config := range configs {
		response = append(response, configResponse(config))
	}

	ctx.JSON(http.StatusOK, response)
}

func (h *NotificationConfigHandler) GetConfig(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	config, err := h.loadConfig(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindNotificationConfig, ID: config.ID}

	if err := h.Engine.RequireView(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, configResponse(config))
}

// UpdateConfig replaces the config definition. The channel type and its
// sub-config change together in one UPDATE, so a type switch can never leave
// a stale sub-config behind.
func (h *NotificationConfigHandler) UpdateConfig(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	config, err := h.loadConfig(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindNotificationConfig, ID: config.ID}

	if err := h.Engine.RequireAdmin(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	var body NotificationConfigRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	configJSON, err := validateChannelConfig(body.Type, body.Config)
	if err != nil {
		respondError(ctx, err)
		return
	}

	updates := map[string]interface{}{
		"name":   body.Name,
		"type":   body.Type,
		"config": configJSON,
	}

	if err := h.DB.Model(&config).Updates(updates).Error; err != nil {
		respondError(ctx, err)
		return
	}

	config.Name = body.Name
	config.Type = body.Type
	config.Config = configJSON

	ctx.JSON(http.StatusOK, configResponse(config))
}

func (h *NotificationConfigHandler) DeleteConfig(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	config, err := h.loadConfig(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindNotificationConfig, ID: config.ID}

	if err := h.Engine.RequireAdmin(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("notification_config_id = ?", config.ID).
			Delete(&models.Notification{}).Error; err != nil {
			return err
		}

		h.Graph.Invalidate(ownership.KindNotificationConfig, config.ID)
		return tx.Delete(&config).Error
	})

	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

// TestConfig pushes a synthetic informational event through the full
// dispatch path. Delivery failure is reported inside the notification, not
// as a request failure.
func (h *NotificationConfigHandler) TestConfig(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	config, err := h.loadConfig(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindNotificationConfig, ID: config.ID}

	if err := h.Engine.RequireAdmin(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	var body TestNotificationRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var server models.Server

	if err := h.DB.First(&server, body.ServerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(ctx, apperrors.NotFound("server"))
		} else {
			respondError(ctx, err)
		}
		return
	}

	serverRef := authz.Ref{Kind: ownership.KindServer, ID: server.ID, CreatorID: server.CreatedByID}

	if err := h.Engine.RequireView(ctx, actor, serverRef); err != nil {
		respondError(ctx, err)
		return
	}

	result, err := h.Dispatch.Test(ctx, config.ID, server.ID, server.Name)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"notification": result.Notification,
		"response":     result.AdapterResponse,
	})
}

// ListNotifications returns the delivery history for one config, newest
// first.
func (h *NotificationConfigHandler) ListNotifications(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	config, err := h.loadConfig(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ref := authz.Ref{Kind: ownership.KindNotificationConfig, ID: config.ID}

	if err := h.Engine.RequireView(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	var notifications []models.Notification

	if err := h.DB.Where("notification_config_id = ?", config.ID).
		Order("created_at DESC").
		Limit(50).
		Find(&notifications).Error; err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, notifications)
}

func (h *NotificationConfigHandler) loadGroup(ctx *gin.Context) (models.Group, error) {
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

func (h *NotificationConfigHandler) loadConfig(ctx *gin.Context) (models.NotificationConfig, error) {
	var config models.NotificationConfig

	configID, err := utils.IDParam(ctx, "config_id")
	if err != nil {
		return config, apperrors.Validation("config_id", err.Error())
	}

	if err := h.DB.First(&config, configID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return config, apperrors.NotFound("notification config")
		}
		return config, err
	}

	return config, nil
}

// validateChannelConfig checks the sub-config parses as the declared channel
// type and carries its destination. Because every type switch passes through
// here, switching away and back can never resurrect the previous type's
// sub-config; the destination must be supplied again.
func validateChannelConfig(channelType string, raw map[string]interface{}) (datatypes.JSON, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, apperrors.Validation("config", "invalid config format")
	}

	switch channelType {
	case types.ChannelEmail:
		var cfg types.EmailChannelConfig
		if err := json.Unmarshal(encoded, &cfg); err != nil {
			return nil, apperrors.Validation("config", "does not match an email channel config")
		}
		if len(cfg.Recipients) == 0 {
			return nil, apperrors.Validation("config.recipients", "required for email channels")
		}
		normalized, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(normalized), nil
	case types.ChannelWebhook:
		var cfg types.WebhookChannelConfig
		if err := json.Unmarshal(encoded, &cfg); err != nil {
			return nil, apperrors.Validation("config", "does not match a webhook channel config")
		}
		if cfg.URL == "" {
			return nil, apperrors.Validation("config.url", "required for webhook channels")
		}
		normalized, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(normalized), nil
	default:
		return nil, apperrors.Validation("type", "must be email or webhook")
	}
}

func configResponse(config models.NotificationConfig) NotificationConfigResponse {
	var cfg map[string]interface{}
	if err := json.Unmarshal(config.Config, &cfg); err != nil {
		cfg = map[string]interface{}{}
	}

	return NotificationConfigResponse{
		ID:      config.ID,
		GroupID: config.GroupID,
		Name:    config.Name,
		Type:    config.Type,
		Config:  cfg,
	}
}
