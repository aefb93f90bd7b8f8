package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lookout-dev/lookout/internal/tracker"
)

type IngestHandler struct {
	Tracker *tracker.Tracker
}

// ReceiveWebhook accepts an out-of-band delivery for a webhook probe.
// Possession of the token is the authentication; there is no session here.
func (h *IngestHandler) ReceiveWebhook(ctx *gin.Context) {
	token := ctx.Param("token")

	if token == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Token is required"})
		return
	}

	var payload map[string]interface{}

	if err := ctx.BindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	if err := h.Tracker.IngestWebhook(ctx, token, payload); err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Payload received"})
}
