package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/dispatch"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/ownership"
	"github.com/lookout-dev/lookout/internal/types"
)

type NotificationHandler struct {
	DB       *gorm.DB
	Engine   *authz.Engine
	Dispatch *dispatch.Engine
}

type SendNotificationRequest struct {
	ConfigID uint   `json:"config_id" binding:"required"`
	ServerID uint   `json:"server_id" binding:"required"`
	Level    string `json:"level" binding:"required"`
	Title    string `json:"title" binding:"required"`
	Message  string `json:"message" binding:"required"`
}

// SendNotification dispatches an operator-authored event through one config.
// The call returns 200 with the persisted notification embedded even when
// delivery failed; only a missing config or server is a request failure.
func (h *NotificationHandler) SendNotification(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	var body SendNotificationRequest

	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if body.Level != types.LevelInfo && body.Level != types.LevelWarning && body.Level != types.LevelError {
		respondError(ctx, apperrors.Validation("level", "must be info, warning or error"))
		return
	}

	var config models.NotificationConfig

	if err := h.DB.First(&config, body.ConfigID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(ctx, apperrors.NotFound("notification config"))
		} else {
			respondError(ctx, err)
		}
		return
	}

	ref := authz.Ref{Kind: ownership.KindNotificationConfig, ID: config.ID}

	if err := h.Engine.RequireAdmin(ctx, actor, ref); err != nil {
		respondError(ctx, err)
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

	actorID := actor.ID

	event := dispatch.Event{
		Level:      body.Level,
		Title:      body.Title,
		Message:    body.Message,
		ServerID:   server.ID,
		ServerName: server.Name,
		UserID:     &actorID,
		Timestamp:  time.Now(),
	}

	result, err := h.Dispatch.Send(ctx, config.ID, event)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"notification": result.Notification,
		"response":     result.AdapterResponse,
	})
}
