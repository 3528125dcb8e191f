package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hushnet-labs/chat-relay-node/internal/api/middleware"
	"github.com/hushnet-labs/chat-relay-node/internal/database"
	"github.com/hushnet-labs/chat-relay-node/internal/registry"
	"github.com/hushnet-labs/chat-relay-node/internal/relay"
	"github.com/hushnet-labs/chat-relay-node/internal/utils"
)

func newTestServer(t *testing.T) (*APIServer, *httptest.Server) {
	t.Helper()

	cm := utils.NewConfigManager("")
	logger := utils.NewLogsManager(cm)
	t.Cleanup(func() { logger.Close() })

	dbManager, err := database.NewSQLiteManager(cm, logger)
	if err != nil {
		t.Fatalf("Failed to create database manager: %v", err)
	}
	t.Cleanup(func() { dbManager.Close() })

	reg := registry.NewRegistry(logger)
	hub := relay.NewHub(reg, logger)
	server := NewAPIServer(cm, logger, reg, hub, dbManager)

	mux := http.NewServeMux()
	server.registerRoutes(mux)
	ts := httptest.NewServer(middleware.CORSMiddleware(mux))
	t.Cleanup(ts.Close)

	return server, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var health map[string]string
	decodeBody(t, resp, &health)
	if health["status"] != "ok" || health["service"] != "chat-relay-node" {
		t.Errorf("Unexpected health payload: %v", health)
	}
}

func TestRegisterAndConflict(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/register", RegisterRequest{Username: "alice", PublicKey: "pk1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var registered RegisterResponse
	decodeBody(t, resp, &registered)
	if registered.Username != "alice" || registered.UserID == "" {
		t.Errorf("Unexpected register response: %+v", registered)
	}

	resp = postJSON(t, ts.URL+"/api/register", RegisterRequest{Username: "alice", PublicKey: "pk2"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409 for duplicate, got %d", resp.StatusCode)
	}
	var conflict SignalingResponse
	decodeBody(t, resp, &conflict)
	if conflict.Success || conflict.Message != "Username already exists" {
		t.Errorf("Unexpected conflict response: %+v", conflict)
	}
}

func TestCheckUsername(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/check-username", CheckUsernameRequest{Username: "alice"})
	var check CheckUsernameResponse
	decodeBody(t, resp, &check)
	if !check.Available || check.Message != "Username is available" {
		t.Errorf("Unexpected availability response: %+v", check)
	}

	postJSON(t, ts.URL+"/api/register", RegisterRequest{Username: "alice", PublicKey: "pk1"}).Body.Close()

	resp = postJSON(t, ts.URL+"/api/check-username", CheckUsernameRequest{Username: "alice"})
	decodeBody(t, resp, &check)
	if check.Available || check.Message != "Username already exists" {
		t.Errorf("Unexpected availability response: %+v", check)
	}
}

func TestOnlineUsersIsSorted(t *testing.T) {
	_, ts := newTestServer(t)

	for _, name := range []string{"carol", "alice", "bob"} {
		postJSON(t, ts.URL+"/api/register", RegisterRequest{Username: name, PublicKey: "pk"}).Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/online-users")
	if err != nil {
		t.Fatalf("GET online-users failed: %v", err)
	}
	var online OnlineUsersResponse
	decodeBody(t, resp, &online)
	if len(online.Users) != 3 || online.Users[0] != "alice" || online.Users[1] != "bob" || online.Users[2] != "carol" {
		t.Errorf("Unexpected user list: %v", online.Users)
	}
}

func TestPublicKeyLookup(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/register", RegisterRequest{Username: "alice", PublicKey: "pk-alice"}).Body.Close()

	resp := postJSON(t, ts.URL+"/api/user/public-key", PublicKeyRequest{Username: "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var key PublicKeyResponse
	decodeBody(t, resp, &key)
	if key.PublicKey != "pk-alice" {
		t.Errorf("Unexpected public key: %q", key.PublicKey)
	}

	resp = postJSON(t, ts.URL+"/api/user/public-key", PublicKeyRequest{Username: "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", resp.StatusCode)
	}
	var errResp ErrorResponse
	decodeBody(t, resp, &errResp)
	if errResp.Error != "User not found or offline" {
		t.Errorf("Unexpected error body: %+v", errResp)
	}
}

func TestOfferValidation(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/register", RegisterRequest{Username: "bob", PublicKey: "pk"}).Body.Close()

	// Unregistered sender is rejected before the recipient is checked
	resp := postJSON(t, ts.URL+"/api/webrtc/offer", map[string]string{
		"from": "ghost", "to": "bob", "offer": "sdp",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	postJSON(t, ts.URL+"/api/register", RegisterRequest{Username: "alice", PublicKey: "pk"}).Body.Close()

	resp = postJSON(t, ts.URL+"/api/webrtc/offer", map[string]string{
		"from": "alice", "to": "ghost", "offer": "sdp",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/webrtc/offer", map[string]string{
		"from": "alice", "to": "bob", "offer": "sdp-offer",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var ack SignalingResponse
	decodeBody(t, resp, &ack)
	if !ack.Success || ack.Message != "Offer received" {
		t.Errorf("Unexpected ack: %+v", ack)
	}
}

func TestPendingMessagesDrainOnce(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/register", RegisterRequest{Username: "alice", PublicKey: "pk"}).Body.Close()
	postJSON(t, ts.URL+"/api/register", RegisterRequest{Username: "bob", PublicKey: "pk"}).Body.Close()

	postJSON(t, ts.URL+"/api/webrtc/offer", map[string]string{
		"from": "alice", "to": "bob", "offer": "sdp-offer",
	}).Body.Close()
	postJSON(t, ts.URL+"/api/webrtc/ice-candidate", map[string]string{
		"from": "alice", "to": "bob", "candidate": "cand-1",
	}).Body.Close()

	resp, err := http.Get(ts.URL + "/api/webrtc/pending-messages/bob")
	if err != nil {
		t.Fatalf("GET pending-messages failed: %v", err)
	}
	var entries []database.Entry
	decodeBody(t, resp, &entries)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 pending entries, got %d", len(entries))
	}
	if entries[0].Kind != database.KindOffer || entries[0].Payload != "sdp-offer" {
		t.Errorf("Unexpected first entry: %+v", entries[0])
	}
	if entries[1].Kind != database.KindIceCandidate || entries[1].Payload != "cand-1" {
		t.Errorf("Unexpected second entry: %+v", entries[1])
	}

	// The drain consumed everything; an empty mailbox is an array
	resp, err = http.Get(ts.URL + "/api/webrtc/pending-messages/bob")
	if err != nil {
		t.Fatalf("GET pending-messages failed: %v", err)
	}
	body := new(bytes.Buffer)
	body.ReadFrom(resp.Body)
	resp.Body.Close()
	if strings.TrimSpace(body.String()) != "[]" {
		t.Errorf("Expected empty array, got %q", body.String())
	}
}

// socketFrame is the loose union of everything the relay pushes.
type socketFrame struct {
	Type      string                  `json:"type"`
	Available *bool                   `json:"available,omitempty"`
	Message   string                  `json:"message,omitempty"`
	UserID    string                  `json:"user_id,omitempty"`
	Username  string                  `json:"username,omitempty"`
	Users     []string                `json:"users,omitempty"`
	From      string                  `json:"from,omitempty"`
	To        string                  `json:"to,omitempty"`
	Encrypted *relay.EncryptedMessage `json:"encrypted,omitempty"`
}

func dialSocket(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame interface{}) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

// awaitFrame reads frames until one of the wanted type arrives.
func awaitFrame(t *testing.T, conn *websocket.Conn, wantType string) *socketFrame {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for {
		var frame socketFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("Waiting for %q frame: %v", wantType, err)
		}
		if frame.Type == wantType {
			return &frame
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %q frame", wantType)
		}
	}
}

func registerOnSocket(t *testing.T, conn *websocket.Conn, username string, publicKey string) {
	t.Helper()
	sendFrame(t, conn, map[string]string{
		"type": "register", "username": username, "public_key": publicKey,
	})
	frame := awaitFrame(t, conn, "registered")
	if frame.Username != username || frame.UserID == "" {
		t.Fatalf("Unexpected registered frame: %+v", frame)
	}
}

func TestSocketRelayEndToEnd(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dialSocket(t, ts)
	bob := dialSocket(t, ts)

	registerOnSocket(t, alice, "alice", "pk-alice")
	registerOnSocket(t, bob, "bob", "pk-bob")

	sendFrame(t, alice, map[string]interface{}{
		"type": "send_message",
		"to":   "bob",
		"encrypted": map[string]string{
			"ciphertext": "c1", "nonce": "n1", "public_key": "pk-alice",
		},
	})

	msg := awaitFrame(t, bob, "message")
	if msg.From != "alice" || msg.To != "bob" {
		t.Errorf("Unexpected routed message: %+v", msg)
	}
	if msg.Encrypted == nil || msg.Encrypted.Ciphertext != "c1" || msg.Encrypted.Nonce != "n1" {
		t.Errorf("Ciphertext envelope not preserved: %+v", msg.Encrypted)
	}

	// Alice disconnects; bob's next presence snapshot excludes her
	alice.Close()
	for {
		frame := awaitFrame(t, bob, "online_users")
		if len(frame.Users) == 1 && frame.Users[0] == "bob" {
			break
		}
	}
}

func TestPresenceFanOut(t *testing.T) {
	_, ts := newTestServer(t)

	watchers := make([]*websocket.Conn, 3)
	for i, name := range []string{"alice", "bob", "carol"} {
		watchers[i] = dialSocket(t, ts)
		registerOnSocket(t, watchers[i], name, "pk")
	}

	dave := dialSocket(t, ts)
	registerOnSocket(t, dave, "dave", "pk")

	for _, conn := range watchers {
		for {
			frame := awaitFrame(t, conn, "online_users")
			if contains(frame.Users, "dave") {
				break
			}
		}
	}
}

func TestSocketToPollDelivery(t *testing.T) {
	_, ts := newTestServer(t)

	// Bob registers over the poll transport only
	postJSON(t, ts.URL+"/api/register", RegisterRequest{Username: "bob", PublicKey: "pk-bob"}).Body.Close()

	alice := dialSocket(t, ts)
	registerOnSocket(t, alice, "alice", "pk-alice")

	sendFrame(t, alice, map[string]interface{}{
		"type": "send_message",
		"to":   "bob",
		"encrypted": map[string]string{
			"ciphertext": "c1", "nonce": "n1", "public_key": "pk-alice",
		},
	})

	// The message is parked; bob picks it up on his next poll
	var entries []database.Entry
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/api/webrtc/pending-messages/bob")
		if err != nil {
			t.Fatalf("GET pending-messages failed: %v", err)
		}
		decodeBody(t, resp, &entries)
		if len(entries) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(entries) != 1 {
		t.Fatalf("Expected 1 parked message, got %d", len(entries))
	}
	if entries[0].From != "alice" || entries[0].Kind != database.KindMessage {
		t.Errorf("Unexpected parked entry: %+v", entries[0])
	}
	var envelope relay.EncryptedMessage
	if err := json.Unmarshal([]byte(entries[0].Payload), &envelope); err != nil {
		t.Fatalf("Parked payload is not a ciphertext envelope: %v", err)
	}
	if envelope.Ciphertext != "c1" {
		t.Errorf("Unexpected parked envelope: %+v", envelope)
	}
}

func TestSocketPingPong(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialSocket(t, ts)
	sendFrame(t, conn, map[string]string{"type": "ping"})
	awaitFrame(t, conn, "pong")
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}

func TestParsePortList(t *testing.T) {
	ports := parsePortList(" 3001, 3002 ,,3003 ")
	if fmt.Sprint(ports) != "[3001 3002 3003]" {
		t.Errorf("Unexpected ports: %v", ports)
	}
	if len(parsePortList("")) != 0 {
		t.Errorf("Expected empty slice for empty input")
	}
}
