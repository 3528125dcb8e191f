package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hushnet-labs/chat-relay-node/internal/database"
	"github.com/hushnet-labs/chat-relay-node/internal/registry"
)

// RegisterRequest claims a username over the poll transport
type RegisterRequest struct {
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
}

// RegisterResponse confirms a claimed identity
type RegisterResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// CheckUsernameRequest asks whether a name is free
type CheckUsernameRequest struct {
	Username string `json:"username"`
}

// CheckUsernameResponse answers an availability probe
type CheckUsernameResponse struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

// OnlineUsersResponse lists every registered username
type OnlineUsersResponse struct {
	Users []string `json:"users"`
}

// SignalingRequest carries one WebRTC signaling payload between peers.
// The Data field is the SDP or ICE candidate blob; the relay never
// inspects it.
type SignalingRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Data string `json:"data"`
}

// SignalingResponse reports the outcome of a signaling post
type SignalingResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleRegister claims a username for a poll-transport client
func (s *APIServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if request.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	userID, err := s.registry.Register(request.Username, request.PublicKey, registry.OriginPoll)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(SignalingResponse{
			Success: false,
			Message: "Username already exists",
		})
		return
	}

	// Socket users learn about poll users the same way they learn
	// about each other.
	s.hub.PublishPresence()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RegisterResponse{
		UserID:   userID,
		Username: request.Username,
	})
}

// handleCheckUsername answers an availability probe without claiming
func (s *APIServer) handleCheckUsername(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request CheckUsernameRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	available := s.registry.IsAvailable(request.Username)
	message := "Username is available"
	if !available {
		message = "Username already exists"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CheckUsernameResponse{
		Available: available,
		Message:   message,
	})
}

// handleOnlineUsers returns the current presence snapshot
func (s *APIServer) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(OnlineUsersResponse{Users: s.registry.ListNames()})
}

// handleOffer parks a WebRTC offer for the recipient's next poll.
// Offers initiate a connection, so an unregistered sender is rejected
// outright.
func (s *APIServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	request, ok := s.decodeSignaling(w, r, "offer")
	if !ok {
		return
	}

	if s.registry.IsAvailable(request.From) {
		s.respondSignalingError(w, http.StatusUnauthorized, "Sender not registered")
		return
	}
	if s.registry.IsAvailable(request.To) {
		s.respondSignalingError(w, http.StatusNotFound, "Recipient not found or offline")
		return
	}

	s.parkSignaling(w, request, database.KindOffer, "Offer received")
}

// handleAnswer parks a WebRTC answer for the recipient's next poll
func (s *APIServer) handleAnswer(w http.ResponseWriter, r *http.Request) {
	request, ok := s.decodeSignaling(w, r, "answer")
	if !ok {
		return
	}

	if s.registry.IsAvailable(request.From) || s.registry.IsAvailable(request.To) {
		s.respondSignalingError(w, http.StatusNotFound, "User not found")
		return
	}

	s.parkSignaling(w, request, database.KindAnswer, "Answer received")
}

// handleIceCandidate parks an ICE candidate for the recipient's next poll
func (s *APIServer) handleIceCandidate(w http.ResponseWriter, r *http.Request) {
	request, ok := s.decodeSignaling(w, r, "candidate")
	if !ok {
		return
	}

	if s.registry.IsAvailable(request.From) || s.registry.IsAvailable(request.To) {
		s.respondSignalingError(w, http.StatusNotFound, "User not found")
		return
	}

	s.parkSignaling(w, request, database.KindIceCandidate, "ICE candidate received")
}

// handlePendingMessages drains a poller's mailbox. Each drain also
// refreshes the identity's last-seen time so active pollers are not
// idle-evicted.
func (s *APIServer) handlePendingMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	username := strings.TrimPrefix(r.URL.Path, "/api/webrtc/pending-messages/")
	if username == "" || strings.Contains(username, "/") {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	s.registry.Touch(username)

	entries, err := s.dbManager.Mailbox.Drain(r.Context(), username)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to drain mailbox for %s: %v", username, err), "api")
		http.Error(w, "Failed to fetch pending messages", http.StatusInternalServerError)
		return
	}

	// An empty mailbox is an empty array, never null
	if entries == nil {
		entries = []*database.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// decodeSignaling validates the common shape of the three WebRTC
// signaling posts. payloadField names the legacy field the payload may
// arrive under instead of "data".
func (s *APIServer) decodeSignaling(w http.ResponseWriter, r *http.Request, payloadField string) (*SignalingRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}

	request := &SignalingRequest{}
	unquote := func(key string) string {
		var value string
		if data, exists := raw[key]; exists {
			json.Unmarshal(data, &value)
		}
		return value
	}

	request.From = unquote("from")
	request.To = unquote("to")
	request.Data = unquote("data")
	if request.Data == "" {
		request.Data = unquote(payloadField)
	}

	if request.From == "" || request.To == "" {
		http.Error(w, "Both from and to are required", http.StatusBadRequest)
		return nil, false
	}

	return request, true
}

// parkSignaling appends a validated signaling payload to the
// recipient's mailbox and acknowledges the sender.
func (s *APIServer) parkSignaling(w http.ResponseWriter, request *SignalingRequest, kind string, ack string) {
	s.registry.Touch(request.From)

	entry := &database.Entry{
		From:    request.From,
		To:      request.To,
		Kind:    kind,
		Payload: request.Data,
	}

	if err := s.dbManager.Mailbox.Append(s.ctx, entry); err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to park %s for %s: %v", kind, request.To, err), "api")
		s.respondSignalingError(w, http.StatusInsufficientStorage, "Mailbox full")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SignalingResponse{Success: true, Message: ack})
}

func (s *APIServer) respondSignalingError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(SignalingResponse{Success: false, Message: message})
}
