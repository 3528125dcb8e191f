package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hushnet-labs/chat-relay-node/internal/api/middleware"
	"github.com/hushnet-labs/chat-relay-node/internal/database"
	"github.com/hushnet-labs/chat-relay-node/internal/registry"
	"github.com/hushnet-labs/chat-relay-node/internal/relay"
	"github.com/hushnet-labs/chat-relay-node/internal/utils"
)

const serviceVersion = "0.1.0"

// APIServer exposes the relay over HTTP: the websocket push endpoint,
// the poll-transport signaling endpoints, and presence queries.
type APIServer struct {
	ctx      context.Context
	cancel   context.CancelFunc
	server   *http.Server
	listener net.Listener
	port     string

	logger *utils.LogsManager
	config *utils.ConfigManager

	registry  *registry.Registry
	hub       *relay.Hub
	dbManager *database.SQLiteManager

	upgrader websocket.Upgrader

	startTime time.Time
}

// NewAPIServer creates a new API server instance
func NewAPIServer(
	config *utils.ConfigManager,
	logger *utils.LogsManager,
	reg *registry.Registry,
	hub *relay.Hub,
	dbManager *database.SQLiteManager,
) *APIServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &APIServer{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		config:    config,
		registry:  reg,
		hub:       hub,
		dbManager: dbManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients register by name, not by origin; CORS applies to
			// the HTTP endpoints and the socket accepts any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
}

// Start initializes and starts the API server
func (s *APIServer) Start() error {
	apiPort := s.config.GetConfigWithDefault("api_port", "3001")
	s.port = apiPort

	s.logger.Info(fmt.Sprintf("Starting API server on port %s", apiPort), "api")

	fallbackPortsStr := s.config.GetConfigWithDefault("api_fallback_ports", "3002,3003")
	fallbackPorts := parsePortList(fallbackPortsStr)

	// Build ports list: primary port + fallbacks
	ports := append([]string{apiPort}, fallbackPorts...)
	var err error

	for _, port := range ports {
		addr := fmt.Sprintf(":%s", port)
		s.listener, err = net.Listen("tcp", addr)
		if err == nil {
			s.port = port
			s.logger.Info(fmt.Sprintf("API server bound to port %s", port), "api")
			break
		}
	}

	if s.listener == nil {
		return fmt.Errorf("failed to bind API server to any port: %v", err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	// Wrap mux with CORS middleware
	handler := middleware.CORSMiddleware(mux)

	s.server = &http.Server{
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would sever long-lived websocket
		// connections behind the upgrade endpoint.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("API server error: %v", err), "api")
		}
	}()

	if s.config.GetConfigBool("poll_idle_eviction", true) {
		go s.runIdleSweeper()
	}

	s.logger.Info("API server started successfully", "api")
	return nil
}

// registerRoutes sets up all HTTP routes
func (s *APIServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/check-username", s.handleCheckUsername)
	mux.HandleFunc("/api/online-users", s.handleOnlineUsers)
	mux.HandleFunc("/api/user/public-key", s.handlePublicKey)

	mux.HandleFunc("/api/webrtc/offer", s.handleOffer)
	mux.HandleFunc("/api/webrtc/answer", s.handleAnswer)
	mux.HandleFunc("/api/webrtc/ice-candidate", s.handleIceCandidate)
	mux.HandleFunc("/api/webrtc/pending-messages/", s.handlePendingMessages)

	s.logger.Debug("API routes registered", "api")
}

// handleHealth returns service identity and health status
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":   "ok",
		"service":  "chat-relay-node",
		"version":  serviceVersion,
		"protocol": "WebRTC",
	})
}

// runIdleSweeper periodically evicts poll-transport identities that
// have stopped polling, then announces the shrunken presence set.
func (s *APIServer) runIdleSweeper() {
	timeout := s.config.GetConfigDuration("poll_idle_timeout", 5*time.Minute)
	interval := s.config.GetConfigDuration("poll_sweep_interval", 30*time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info(fmt.Sprintf("Idle sweeper running: timeout %s, interval %s", timeout, interval), "api")

	for {
		select {
		case <-ticker.C:
			evicted := s.registry.EvictIdle(timeout)
			if len(evicted) == 0 {
				continue
			}

			for _, username := range evicted {
				if err := s.dbManager.Mailbox.Purge(s.ctx, username); err != nil {
					s.logger.Warn(fmt.Sprintf("Failed to purge mailbox for %s: %v", username, err), "api")
				}
			}
			s.hub.PublishPresence()

		case <-s.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the API server
func (s *APIServer) Stop() error {
	s.logger.Info("Stopping API server", "api")
	s.cancel()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}

	return nil
}

// GetPort returns the port the server is listening on
func (s *APIServer) GetPort() string {
	return s.port
}

// parsePortList parses a comma-separated list of ports
func parsePortList(portList string) []string {
	if portList == "" {
		return []string{}
	}
	ports := strings.Split(portList, ",")
	result := make([]string, 0, len(ports))
	for _, port := range ports {
		port = strings.TrimSpace(port)
		if port != "" {
			result = append(result, port)
		}
	}
	return result
}
