// Push endpoint.
//
//   - GET /ws   (upgrade to WebSocket; frames are {"event": ..., "data": ...})
//
// Authentication happens before the upgrade (middleware.Auth accepts the
// bearer token from the "token" query parameter for browsers). The handler
// blocks for the lifetime of the connection.
package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tbourn/go-marketplace-messaging/internal/http/middleware"
)

// PushHub accepts upgraded connections for a user.
type PushHub interface {
	Serve(userID string, ws *websocket.Conn)
}

// WSHandler upgrades authenticated requests and hands them to the hub.
type WSHandler struct {
	hub      PushHub
	upgrader websocket.Upgrader
}

// NewWSHandler builds the upgrade endpoint. allowedOrigins follows the CORS
// list: empty allows any origin, otherwise the Origin host must match.
func NewWSHandler(hub PushHub, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// Serve godoc
// @ID          pushSocket
// @Summary     Open the push channel
// @Description Upgrades to a WebSocket that receives message:new and notification:new events for the caller.
// @Tags        Realtime
//
// @Param       token  query  string  false "Bearer JWT (browsers cannot set headers on upgrade)"
//
// @Success     101  {string} string "Switching Protocols"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Router      /ws [get]
func (h *WSHandler) Serve(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	if !websocket.IsWebSocketUpgrade(c.Request) {
		fail(c, http.StatusBadRequest, ErrCodeUpgradeFailed, "websocket upgrade required")
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		middleware.LoggerFrom(c).Warn().Err(err).Msg("ws upgrade failed")
		c.Abort()
		return
	}
	h.hub.Serve(uid, ws)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// non-browser clients
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
