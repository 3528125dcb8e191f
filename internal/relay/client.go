package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hushnet-labs/chat-relay-node/internal/database"
	"github.com/hushnet-labs/chat-relay-node/internal/registry"
	"github.com/hushnet-labs/chat-relay-node/internal/utils"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024

	// Outbound buffer per connection
	sendBufferSize = 256
)

// Client is one live socket connection and its protocol state machine.
// A connection starts unauthenticated; exactly one register may succeed,
// after which the connection is active until it closes. The write pump
// is the only goroutine that touches the socket's write half.
type Client struct {
	conn     *websocket.Conn
	hub      *Hub
	registry *registry.Registry
	mailbox  *database.MailboxDB

	send chan []byte
	done chan struct{}

	// username is set exactly once, on successful registration.
	// Empty means the connection is still unauthenticated.
	username string

	closed    atomic.Bool
	closeOnce sync.Once

	logger *utils.LogsManager
}

func NewClient(conn *websocket.Conn, hub *Hub, reg *registry.Registry, mailbox *database.MailboxDB, logger *utils.LogsManager) *Client {
	return &Client{
		conn:     conn,
		hub:      hub,
		registry: reg,
		mailbox:  mailbox,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Start begins the paired read and write pumps for this connection.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// enqueue hands a frame to the write pump without blocking. False
// means the connection is gone or its buffer is exhausted.
func (c *Client) enqueue(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close stops both pumps together. Idempotent.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.conn.Close()
	})
}

// readPump processes inbound frames sequentially until the transport
// closes, then runs disconnect cleanup unconditionally.
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.teardown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn(fmt.Sprintf("WebSocket read error: %v", err), "relay")
			}
			break
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are dropped; the connection stays open
			c.logger.Error(fmt.Sprintf("Failed to parse incoming frame: %v", err), "relay")
			continue
		}

		c.handleFrame(&frame)
	}
}

// writePump owns the socket's write half. Frames arrive from the hub
// and from this connection's own handler; nothing else ever writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn(fmt.Sprintf("Failed to write frame: %v", err), "relay")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// teardown removes this connection's identity and tells everyone else.
// Runs even when the write pump errored first.
func (c *Client) teardown() {
	if c.username == "" {
		return
	}

	c.registry.Remove(c.username)
	c.hub.Unbind(c.username)
	c.hub.PublishPresence()
	c.logger.Info(fmt.Sprintf("User disconnected: %s", c.username), "relay")
}

func (c *Client) handleFrame(frame *InboundFrame) {
	switch frame.Type {
	case TypeCheckUsername:
		c.handleCheckUsername(frame)

	case TypeRegister:
		c.handleRegister(frame)

	case TypeSendMessage:
		c.handleSendMessage(frame)

	case TypePing:
		c.reply(&PongFrame{Type: TypePong})

	default:
		c.logger.Debug(fmt.Sprintf("Dropping unrecognized frame type %q", frame.Type), "relay")
	}
}

// handleCheckUsername is read-only and allowed in any state.
func (c *Client) handleCheckUsername(frame *InboundFrame) {
	available := c.registry.IsAvailable(frame.Username)
	c.reply(newUsernameAvailable(available))
}

func (c *Client) handleRegister(frame *InboundFrame) {
	if c.username != "" {
		c.reply(newError("Already registered on this connection"))
		return
	}

	userID, err := c.registry.Register(frame.Username, frame.PublicKey, registry.OriginSocket)
	if err != nil {
		// Conflict is terminal for this attempt; the connection stays
		// unauthenticated and the client may retry with another name.
		c.reply(newError("Username already exists. Please choose a different username."))
		return
	}

	if err := c.hub.Bind(frame.Username, c); err != nil {
		// Registry insert succeeded but a channel is already bound:
		// roll back rather than strand the existing writer.
		c.registry.Remove(frame.Username)
		c.reply(newError("Username already exists. Please choose a different username."))
		return
	}

	c.username = frame.Username

	c.reply(newRegistered(userID, frame.Username))
	c.reply(newOnlineUsers(c.registry.ListNames()))
	c.hub.PublishPresence()
}

func (c *Client) handleSendMessage(frame *InboundFrame) {
	if c.username == "" {
		c.reply(newError("Not authenticated. Please register first."))
		return
	}

	if frame.To == "" || frame.Encrypted == nil {
		c.logger.Debug("Dropping send_message frame without recipient or payload", "relay")
		return
	}

	recipient, err := c.registry.Lookup(frame.To)
	if err != nil {
		c.reply(newError("Recipient not found or offline"))
		return
	}

	routed := &MessageFrame{
		Type:      TypeMessage,
		ID:        uuid.New().String(),
		From:      c.username,
		To:        frame.To,
		Encrypted: *frame.Encrypted,
		Timestamp: nowMillis(),
	}

	data, err := marshalFrame(routed)
	if err != nil {
		c.logger.Error(fmt.Sprintf("Failed to marshal routed message: %v", err), "relay")
		c.reply(newError("Failed to send message"))
		return
	}

	if recipient.Origin == registry.OriginPoll {
		c.parkForPoll(routed)
		return
	}

	switch err := c.hub.Send(frame.To, data); {
	case err == nil:
		// Delivered to the recipient's channel; no receipt to sender.

	case errors.Is(err, ErrNotBound):
		// Push identity between connections: park instead of failing.
		c.parkForPoll(routed)

	case errors.Is(err, ErrSendFailed):
		// The channel is dead: treat the recipient as disconnected and
		// clean up rather than retry.
		c.registry.Remove(frame.To)
		c.hub.Unbind(frame.To)
		c.hub.PublishPresence()
		c.reply(newError("Recipient not found or offline"))
	}
}

// parkForPoll appends a routed message to the recipient's mailbox for
// delivery on its next poll.
func (c *Client) parkForPoll(routed *MessageFrame) {
	payload, err := json.Marshal(routed.Encrypted)
	if err != nil {
		c.logger.Error(fmt.Sprintf("Failed to marshal mailbox payload: %v", err), "relay")
		return
	}

	entry := &database.Entry{
		From:    routed.From,
		To:      routed.To,
		Kind:    database.KindMessage,
		Payload: string(payload),
	}

	if err := c.mailbox.Append(context.Background(), entry); err != nil {
		c.logger.Warn(fmt.Sprintf("Failed to park message for %s: %v", routed.To, err), "relay")
		c.reply(newError("Recipient not found or offline"))
	}
}

// reply marshals a frame and enqueues it for this connection.
func (c *Client) reply(frame interface{}) {
	data, err := marshalFrame(frame)
	if err != nil {
		c.logger.Error(fmt.Sprintf("Failed to marshal reply: %v", err), "relay")
		return
	}

	if !c.enqueue(data) {
		c.logger.Warn("Reply dropped: send buffer gone", "relay")
	}
}

// Username returns the identity bound to this connection, or empty if
// the connection is still unauthenticated.
func (c *Client) Username() string {
	return c.username
}
