package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hushnet-labs/chat-relay-node/internal/database"
	"github.com/hushnet-labs/chat-relay-node/internal/registry"
)

func readFrame(t *testing.T, c *Client, out interface{}) {
	t.Helper()
	select {
	case data := <-c.send:
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("Failed to parse frame %q: %v", data, err)
		}
	default:
		t.Fatal("No frame enqueued")
	}
}

func TestCheckUsernameInAnyState(t *testing.T) {
	hub, reg, mailbox := setupTestFixtures(t)
	client := newIdleClient(t, hub, reg, mailbox)

	client.handleFrame(&InboundFrame{Type: TypeCheckUsername, Username: "alice"})

	var avail UsernameAvailableFrame
	readFrame(t, client, &avail)
	if !avail.Available {
		t.Error("Expected alice to be available")
	}

	if _, err := reg.Register("alice", "pk", registry.OriginSocket); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	client.handleFrame(&InboundFrame{Type: TypeCheckUsername, Username: "alice"})
	readFrame(t, client, &avail)
	if avail.Available {
		t.Error("Expected alice to be taken")
	}
}

func TestRegisterTransitionsToActive(t *testing.T) {
	hub, reg, mailbox := setupTestFixtures(t)
	client := newIdleClient(t, hub, reg, mailbox)

	client.handleFrame(&InboundFrame{Type: TypeRegister, Username: "alice", PublicKey: "pk1"})

	var registered RegisteredFrame
	readFrame(t, client, &registered)
	if registered.Type != TypeRegistered || registered.Username != "alice" || registered.UserID == "" {
		t.Errorf("Unexpected registered frame: %+v", registered)
	}

	var presence OnlineUsersFrame
	readFrame(t, client, &presence)
	if presence.Type != TypeOnlineUsers || len(presence.Users) != 1 || presence.Users[0] != "alice" {
		t.Errorf("Unexpected presence snapshot: %+v", presence)
	}

	if client.Username() != "alice" {
		t.Errorf("Expected active connection for alice, got %q", client.Username())
	}
	if !hub.IsBound("alice") {
		t.Error("Expected delivery channel bound after registration")
	}
}

func TestRegisterConflictStaysUnauthenticated(t *testing.T) {
	hub, reg, mailbox := setupTestFixtures(t)

	first := newIdleClient(t, hub, reg, mailbox)
	first.handleFrame(&InboundFrame{Type: TypeRegister, Username: "alice", PublicKey: "pk1"})

	second := newIdleClient(t, hub, reg, mailbox)
	second.handleFrame(&InboundFrame{Type: TypeRegister, Username: "alice", PublicKey: "pk2"})

	var errFrame ErrorFrame
	readFrame(t, second, &errFrame)
	if errFrame.Type != TypeError {
		t.Errorf("Expected error frame, got %+v", errFrame)
	}

	if second.Username() != "" {
		t.Error("Conflicting registration must leave the connection unauthenticated")
	}

	// Original identity's binding untouched
	record, err := reg.Lookup("alice")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if record.PublicKey != "pk1" {
		t.Errorf("Conflict mutated the original record: %+v", record)
	}

	// Re-entrant attempt with a fresh name succeeds
	second.handleFrame(&InboundFrame{Type: TypeRegister, Username: "bob", PublicKey: "pk2"})
	var registered RegisteredFrame
	readFrame(t, second, &registered)
	if registered.Username != "bob" {
		t.Errorf("Retry with fresh name failed: %+v", registered)
	}
}

func TestSecondRegisterOnActiveConnection(t *testing.T) {
	hub, reg, mailbox := setupTestFixtures(t)

	client := newIdleClient(t, hub, reg, mailbox)
	client.handleFrame(&InboundFrame{Type: TypeRegister, Username: "alice", PublicKey: "pk1"})
	drainClient(client)

	client.handleFrame(&InboundFrame{Type: TypeRegister, Username: "alice2", PublicKey: "pk1"})

	var errFrame ErrorFrame
	readFrame(t, client, &errFrame)
	if errFrame.Type != TypeError {
		t.Errorf("Expected error frame for second register, got %+v", errFrame)
	}
	if !reg.IsAvailable("alice2") {
		t.Error("Second register must not create a new identity")
	}
}

func TestSendMessageRequiresRegistration(t *testing.T) {
	hub, reg, mailbox := setupTestFixtures(t)
	client := newIdleClient(t, hub, reg, mailbox)

	client.handleFrame(&InboundFrame{
		Type: TypeSendMessage,
		To:   "bob",
		Encrypted: &EncryptedMessage{
			Ciphertext: "c", Nonce: "n", PublicKey: "pk",
		},
	})

	var errFrame ErrorFrame
	readFrame(t, client, &errFrame)
	if errFrame.Message != "Not authenticated. Please register first." {
		t.Errorf("Unexpected error message: %q", errFrame.Message)
	}
}

func TestSendMessageToUnknownRecipient(t *testing.T) {
	hub, reg, mailbox := setupTestFixtures(t)

	sender := newIdleClient(t, hub, reg, mailbox)
	sender.handleFrame(&InboundFrame{Type: TypeRegister, Username: "alice", PublicKey: "pk1"})
	drainClient(sender)

	before := reg.Count()

	sender.handleFrame(&InboundFrame{
		Type:      TypeSendMessage,
		To:        "ghost",
		Encrypted: &EncryptedMessage{Ciphertext: "c", Nonce: "n", PublicKey: "pk"},
	})

	var errFrame ErrorFrame
	readFrame(t, sender, &errFrame)
	if errFrame.Message != "Recipient not found or offline" {
		t.Errorf("Unexpected error message: %q", errFrame.Message)
	}

	// Nothing may have been mutated on the way out
	if reg.Count() != before {
		t.Error("Send to unknown recipient mutated the registry")
	}
	count, err := mailbox.Count(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Error("Send to unknown recipient leaked into a mailbox")
	}
}

func TestSendMessageDeliversToBoundRecipient(t *testing.T) {
	hub, reg, mailbox := setupTestFixtures(t)

	alice := newIdleClient(t, hub, reg, mailbox)
	alice.handleFrame(&InboundFrame{Type: TypeRegister, Username: "alice", PublicKey: "pk1"})
	drainClient(alice)

	bob := newIdleClient(t, hub, reg, mailbox)
	bob.handleFrame(&InboundFrame{Type: TypeRegister, Username: "bob", PublicKey: "pk2"})
	drainClient(bob)
	drainClient(alice) // presence publish from bob's registration

	alice.handleFrame(&InboundFrame{
		Type:      TypeSendMessage,
		To:        "bob",
		Encrypted: &EncryptedMessage{Ciphertext: "c1", Nonce: "n1", PublicKey: "pk1"},
	})

	var msg MessageFrame
	readFrame(t, bob, &msg)
	if msg.Type != TypeMessage || msg.From != "alice" || msg.To != "bob" {
		t.Errorf("Unexpected routed message: %+v", msg)
	}
	if msg.Encrypted.Ciphertext != "c1" || msg.Encrypted.Nonce != "n1" || msg.Encrypted.PublicKey != "pk1" {
		t.Errorf("Ciphertext envelope not passed through opaquely: %+v", msg.Encrypted)
	}
	if msg.ID == "" || msg.Timestamp == 0 {
		t.Errorf("Routed message missing id or timestamp: %+v", msg)
	}

	// The protocol offers no delivery receipt to the sender
	select {
	case data := <-alice.send:
		t.Errorf("Sender received unexpected frame %q", data)
	default:
	}
}

func TestSendMessageParksForPollRecipient(t *testing.T) {
	hub, reg, mailbox := setupTestFixtures(t)

	alice := newIdleClient(t, hub, reg, mailbox)
	alice.handleFrame(&InboundFrame{Type: TypeRegister, Username: "alice", PublicKey: "pk1"})
	drainClient(alice)

	if _, err := reg.Register("bob", "pk2", registry.OriginPoll); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	alice.handleFrame(&InboundFrame{
		Type:      TypeSendMessage,
		To:        "bob",
		Encrypted: &EncryptedMessage{Ciphertext: "c1", Nonce: "n1", PublicKey: "pk1"},
	})

	entries, err := mailbox.Drain(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 parked entry, got %d", len(entries))
	}
	if entries[0].Kind != database.KindMessage || entries[0].From != "alice" {
		t.Errorf("Unexpected parked entry: %+v", entries[0])
	}

	var envelope EncryptedMessage
	if err := json.Unmarshal([]byte(entries[0].Payload), &envelope); err != nil {
		t.Fatalf("Parked payload is not the ciphertext envelope: %v", err)
	}
	if envelope.Ciphertext != "c1" {
		t.Errorf("Unexpected parked envelope: %+v", envelope)
	}
}

func TestDeadRecipientTriggersCleanup(t *testing.T) {
	hub, reg, mailbox := setupTestFixtures(t)

	alice := newIdleClient(t, hub, reg, mailbox)
	alice.handleFrame(&InboundFrame{Type: TypeRegister, Username: "alice", PublicKey: "pk1"})
	drainClient(alice)

	bob := newIdleClient(t, hub, reg, mailbox)
	bob.handleFrame(&InboundFrame{Type: TypeRegister, Username: "bob", PublicKey: "pk2"})
	bob.closed.Store(true) // connection gone, channel still bound
	drainClient(alice)

	alice.handleFrame(&InboundFrame{
		Type:      TypeSendMessage,
		To:        "bob",
		Encrypted: &EncryptedMessage{Ciphertext: "c", Nonce: "n", PublicKey: "pk"},
	})

	if !reg.IsAvailable("bob") {
		t.Error("Dead recipient should have been removed from the registry")
	}
	if hub.IsBound("bob") {
		t.Error("Dead recipient's channel should have been unbound")
	}

	// Presence republish reaches alice first, then the error reply
	var presence OnlineUsersFrame
	readFrame(t, alice, &presence)
	if len(presence.Users) != 1 || presence.Users[0] != "alice" {
		t.Errorf("Unexpected presence snapshot after cleanup: %v", presence.Users)
	}

	var errFrame ErrorFrame
	readFrame(t, alice, &errFrame)
	if errFrame.Message != "Recipient not found or offline" {
		t.Errorf("Unexpected error message: %q", errFrame.Message)
	}
}

func TestUnrecognizedFrameIsDropped(t *testing.T) {
	hub, reg, mailbox := setupTestFixtures(t)
	client := newIdleClient(t, hub, reg, mailbox)

	client.handleFrame(&InboundFrame{Type: "mystery"})

	select {
	case data := <-client.send:
		t.Errorf("Unrecognized frame produced a reply: %q", data)
	default:
	}
}

// drainClient discards every frame currently buffered for a client.
func drainClient(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}
