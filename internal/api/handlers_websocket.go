package api

import (
	"fmt"
	"net/http"

	"github.com/hushnet-labs/chat-relay-node/internal/relay"
)

// handleWebSocket upgrades the connection and hands it to the relay.
// The connection arrives unauthenticated; identity is claimed with a
// register frame on the socket itself.
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(fmt.Sprintf("WebSocket upgrade failed: %v", err), "api")
		return
	}

	client := relay.NewClient(conn, s.hub, s.registry, s.dbManager.Mailbox, s.logger)
	client.Start()
}
