package relay

import (
	"encoding/json"
	"time"
)

// Frame type tags carried in the "type" field of every socket frame.
const (
	// Inbound
	TypeCheckUsername = "check_username"
	TypeRegister      = "register"
	TypeSendMessage   = "send_message"
	TypePing          = "ping"

	// Outbound
	TypeUsernameAvailable = "username_available"
	TypeRegistered        = "registered"
	TypeOnlineUsers       = "online_users"
	TypeMessage           = "message"
	TypeError             = "error"
	TypePong              = "pong"
)

// EncryptedMessage is an opaque ciphertext envelope. The relay never
// decrypts it: ciphertext, nonce and sender key pass through untouched.
type EncryptedMessage struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	PublicKey  string `json:"public_key"`
}

// InboundFrame is the union of every client request. The Type tag
// selects which of the optional fields are meaningful.
type InboundFrame struct {
	Type      string            `json:"type"`
	Username  string            `json:"username,omitempty"`
	PublicKey string            `json:"public_key,omitempty"`
	To        string            `json:"to,omitempty"`
	Encrypted *EncryptedMessage `json:"encrypted,omitempty"`
}

// UsernameAvailableFrame answers a check_username request.
type UsernameAvailableFrame struct {
	Type      string `json:"type"`
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

// RegisteredFrame confirms a successful registration.
type RegisteredFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// OnlineUsersFrame carries a presence snapshot.
type OnlineUsersFrame struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// MessageFrame is a routed payload delivered to its recipient.
type MessageFrame struct {
	Type      string           `json:"type"`
	ID        string           `json:"id"`
	From      string           `json:"from"`
	To        string           `json:"to"`
	Encrypted EncryptedMessage `json:"encrypted"`
	Timestamp int64            `json:"timestamp"`
}

// ErrorFrame reports a terminal outcome for one request.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type string `json:"type"`
}

func newUsernameAvailable(available bool) *UsernameAvailableFrame {
	message := "Username is available"
	if !available {
		message = "Username already exists"
	}
	return &UsernameAvailableFrame{
		Type:      TypeUsernameAvailable,
		Available: available,
		Message:   message,
	}
}

func newRegistered(userID string, username string) *RegisteredFrame {
	return &RegisteredFrame{Type: TypeRegistered, UserID: userID, Username: username}
}

func newOnlineUsers(users []string) *OnlineUsersFrame {
	return &OnlineUsersFrame{Type: TypeOnlineUsers, Users: users}
}

func newError(message string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Message: message}
}

// nowMillis is the timestamp format routed messages carry on the wire.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func marshalFrame(frame interface{}) ([]byte, error) {
	return json.Marshal(frame)
}
