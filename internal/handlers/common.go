package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/utils"
)

// respondError maps a domain error through the shared taxonomy. Every
// handler funnels failures through here so the status mapping cannot drift
// between routes.
func respondError(ctx *gin.Context, err error) {
	status := apperrors.Status(err)

	if status == http.StatusInternalServerError {
		logrus.WithError(err).WithFields(logrus.Fields{
			"method": ctx.Request.Method,
			"path":   ctx.FullPath(),
		}).Error("request failed")
	}

	ctx.JSON(status, apperrors.Body(err))
}

// currentActor resolves the authenticated principal or writes a 401.
func currentActor(ctx *gin.Context) (authz.Actor, bool) {
	user, err := utils.GetCurrentUser(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return authz.Actor{}, false
	}

	return authz.Actor{ID: user.ID, Role: user.Role}, true
}
