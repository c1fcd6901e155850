package handlers

import (
	"errors"
	"net/http"

	"snippet-sync/internal/auth"
	"snippet-sync/internal/services"
	ws "snippet-sync/internal/websocket"
	"snippet-sync/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	verifier auth.Verifier
	rooms    *services.RoomService
	hub      *ws.Hub
	opts     ws.Options
	upgrader websocket.Upgrader
}

func NewWebSocketHandlers(verifier auth.Verifier, rooms *services.RoomService, hub *ws.Hub, opts ws.Options, allowedOrigin string) *WebSocketHandlers {
	return &WebSocketHandlers{
		verifier: verifier,
		rooms:    rooms,
		hub:      hub,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
	}
}

// HandleWebSocket authenticates the handshake before upgrading. The bearer
// credential comes from the Authorization header or, for browsers, the
// token query parameter.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	identity, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		reason := auth.ErrInvalidToken.Error()
		if errors.Is(err, auth.ErrMissingToken) {
			reason = auth.ErrMissingToken.Error()
		}
		logger.Warn("[Gateway] connection rejected from %s: %v", r.RemoteAddr, err)
		http.Error(w, reason, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewClient(conn, h.hub, h.rooms, identity, h.opts)
	logger.Info("[Gateway] conn %s connected (user %s)", client.ID(), identity.Subject)

	go client.WritePump()
	go client.ReadPump()
}
