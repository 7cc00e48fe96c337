package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/cuemby/hvorchestrator/pkg/auth"
)

// upgrader accepts cross-origin WebSocket connections; the API sits
// behind the same permission checks as the REST surface, so origin
// checking is delegated to the auth layer rather than CORS policy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection, registers it with the hub,
// and blocks in ReadLoop until the client disconnects (spec §6 WS
// surface). The read permission check happens before the upgrade so an
// unauthenticated caller gets a normal 401/403 rather than a socket
// that's immediately closed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	authN := &authenticator{validator: s.Validator, sessions: s.Sessions}
	id, err := authN.identify(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if !id.Permission.Satisfies(auth.PermissionReader) {
		writeError(w, r, http.StatusForbidden, "insufficient permission")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := s.Hub.Connect(conn)
	s.Hub.ReadLoop(clientID, conn)
	s.Hub.Disconnect(clientID)
}
