package realtime

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/subastahub/liveauction/internal/auth"
)

// Handler authenticates and upgrades WebSocket requests. Credential
// verification happens strictly before the transport handshake completes;
// a failed check never produces a partial connection.
type Handler struct {
	gateway  *Gateway
	verifier *auth.Verifier
	upgrader websocket.Upgrader
	config   ConnectionConfig
}

// NewHandler creates the upgrade handler.
func NewHandler(gateway *Gateway, verifier *auth.Verifier, config ConnectionConfig) *Handler {
	return &Handler{
		gateway:  gateway,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// HandleConnection authenticates the upgrade request, upgrades the socket
// and hands the connection to the gateway.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	identity, err := h.verifier.Verify(token)
	if err != nil {
		log.Warn().
			Str("remote", r.RemoteAddr).
			Msg("rejected unauthenticated upgrade")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := newConnection(ws, *identity, h.config)
	h.gateway.register(conn)

	go conn.writePump()
	go conn.readPump(h.gateway.dispatch, h.gateway.disconnect)
}

// HandleStats returns connection and room counts.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	connections, rooms := h.gateway.Stats()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"total_connections":%d,"active_rooms":%d}`, connections, rooms)
}

// RegisterRoutes registers the WebSocket routes on a mux. Requests to any
// other path never reach the upgrade logic.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
	mux.HandleFunc("/ws/stats", h.HandleStats)
}
