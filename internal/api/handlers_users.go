package api

import (
	"encoding/json"
	"net/http"
)

// PublicKeyRequest asks for a registered user's public key
type PublicKeyRequest struct {
	Username string `json:"username"`
}

// PublicKeyResponse carries the key material back to the caller
type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// ErrorResponse is the error shape for lookup endpoints
type ErrorResponse struct {
	Error string `json:"error"`
}

// handlePublicKey returns the public key a user registered with, so
// peers can encrypt to them before any direct channel exists.
func (s *APIServer) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request PublicKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := s.registry.Lookup(request.Username)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "User not found or offline"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PublicKeyResponse{PublicKey: record.PublicKey})
}
