package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"companion/internal/hub"
	"companion/internal/logger"
	"companion/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// dashboards are served from other origins
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS handles GET /ws. An entityId (or legacy studentId) query parameter
// subscribes the connection right after the welcome event.
func (a *API) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	var opts []hub.RegisterOption
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		opts = append(opts, hub.WithAuthorizer(p.CanAccessEntity))
	}

	initial := r.URL.Query().Get("entityId")
	if initial == "" {
		initial = r.URL.Query().Get("studentId")
	}

	a.hub.ServeWS(ws, a.wsWriteTimeout, initial, opts...)
}
