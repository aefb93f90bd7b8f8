package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/ownership"
	"github.com/lookout-dev/lookout/internal/types"
	"github.com/lookout-dev/lookout/internal/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// WSHandler holds live dashboard connections keyed by group. The tracker
// calls BroadcastRefresh after a probe status transition so every member
// watching an affected group reloads.
type WSHandler struct {
	Engine *authz.Engine

	mu      sync.RWMutex
	clients map[uint]map[*websocket.Conn]bool
	log     *logrus.Entry
}

func NewWSHandler(engine *authz.Engine) *WSHandler {
	return &WSHandler{
		Engine:  engine,
		clients: make(map[uint]map[*websocket.Conn]bool),
		log:     logrus.WithField("component", "ws"),
	}
}

// BroadcastRefresh tells every client subscribed to any of the groups to
// refresh. Failed connections are dropped.
func (h *WSHandler) BroadcastRefresh(groupIDs []uint) {
	for _, groupID := range groupIDs {
		h.mu.RLock()
		clients, exists := h.clients[groupID]
		if !exists || len(clients) == 0 {
			h.mu.RUnlock()
			continue
		}

		conns := make([]*websocket.Conn, 0, len(clients))
		for conn := range clients {
			conns = append(conns, conn)
		}
		h.mu.RUnlock()

		for _, conn := range conns {
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				continue
			}

			err := conn.WriteJSON(map[string]interface{}{
				"type":     "refresh",
				"message":  "Dashboard data updated",
				"group_id": groupID,
			})

			if err != nil {
				h.log.WithError(err).WithField("group_id", groupID).
					Warn("failed to broadcast refresh")
				h.unregister(groupID, conn)
				conn.Close()
			}
		}
	}
}

// Subscribe upgrades the request to a websocket after checking the caller
// can see the group.
func (h *WSHandler) Subscribe(ctx *gin.Context) {
	actor, ok := currentActor(ctx)
	if !ok {
		return
	}

	groupID, err := utils.IDParam(ctx, "group_id")
	if err != nil {
		respondError(ctx, apperrors.Validation("group_id", err.Error()))
		return
	}

	ref := authz.Ref{Kind: ownership.KindGroup, ID: groupID}

	if err := h.Engine.RequireView(ctx, actor, ref); err != nil {
		respondError(ctx, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			for _, allowed := range types.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	h.register(groupID, conn)

	defer func() {
		h.unregister(groupID, conn)
		conn.Close()
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}

	err = conn.WriteJSON(map[string]interface{}{
		"type":     "connected",
		"message":  "WebSocket connection established",
		"group_id": groupID,
	})

	if err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	go func() {
		for range ticker.C {
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			break
		}

		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("group_id", groupID).
					Debug("websocket read error")
			}
			break
		}
	}
}

func (h *WSHandler) register(groupID uint, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[groupID] == nil {
		h.clients[groupID] = make(map[*websocket.Conn]bool)
	}
	h.clients[groupID][conn] = true
}

func (h *WSHandler) unregister(groupID uint, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, exists := h.clients[groupID]; exists {
		delete(clients, conn)
		if len(clients) == 0 {
			delete(h.clients, groupID)
		}
	}
}
