// Package registry holds the ephemeral directory of online identities.
// A display name is the routing key and must be unique among identities
// that are currently online; nothing here survives a process restart.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hushnet-labs/chat-relay-node/internal/utils"
)

var (
	// ErrNameTaken is returned when a display name is already registered.
	ErrNameTaken = errors.New("username already exists")

	// ErrNotFound is returned when a display name is not registered.
	ErrNotFound = errors.New("user not found or offline")
)

// Origin describes how an identity receives payloads.
type Origin string

const (
	// OriginSocket identities hold a live push channel and are removed
	// when their connection closes.
	OriginSocket Origin = "socket"

	// OriginPoll identities have no connection of their own; payloads
	// for them accumulate in the pending mailbox until polled.
	OriginPoll Origin = "poll"
)

// Record is an online identity. Records are immutable once stored; a
// name collision is rejected, never merged.
type Record struct {
	UserID    string
	Username  string
	PublicKey string
	Origin    Origin
	LastSeen  time.Time
}

// Registry is the process-wide identity directory.
type Registry struct {
	users  map[string]*Record
	mu     sync.RWMutex
	logger *utils.LogsManager
}

func NewRegistry(logger *utils.LogsManager) *Registry {
	return &Registry{
		users:  make(map[string]*Record),
		logger: logger,
	}
}

// Register inserts a new identity and returns its freshly minted user ID.
// Fails with ErrNameTaken if the display name is already online.
func (r *Registry) Register(username string, publicKey string, origin Origin) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[username]; exists {
		return "", ErrNameTaken
	}

	userID := uuid.New().String()
	r.users[username] = &Record{
		UserID:    userID,
		Username:  username,
		PublicKey: publicKey,
		Origin:    origin,
		LastSeen:  time.Now(),
	}

	r.logger.Info(fmt.Sprintf("User registered: %s (origin: %s)", username, origin), "registry")
	return userID, nil
}

// Lookup returns the record for a display name.
func (r *Registry) Lookup(username string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.users[username]
	if !exists {
		return nil, ErrNotFound
	}

	copied := *record
	return &copied, nil
}

// IsAvailable reports whether a display name is free to register.
func (r *Registry) IsAvailable(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.users[username]
	return !exists
}

// Remove deletes an identity. Removing an absent name is a no-op.
func (r *Registry) Remove(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[username]; exists {
		delete(r.users, username)
		r.logger.Info(fmt.Sprintf("User removed: %s", username), "registry")
	}
}

// Touch refreshes the last-seen timestamp of a poll identity.
func (r *Registry) Touch(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record, exists := r.users[username]; exists {
		record.LastSeen = time.Now()
	}
}

// ListNames returns the display names currently online, sorted for a
// stable presence snapshot.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.users))
	for name := range r.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of identities currently online.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// EvictIdle removes poll-origin identities whose last activity is older
// than the timeout and returns the evicted names. Socket identities are
// never evicted here - they live exactly as long as their connection.
func (r *Registry) EvictIdle(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var evicted []string
	for name, record := range r.users {
		if record.Origin == OriginPoll && record.LastSeen.Before(cutoff) {
			delete(r.users, name)
			evicted = append(evicted, name)
		}
	}

	if len(evicted) > 0 {
		r.logger.Info(fmt.Sprintf("Evicted %d idle poll users: %v", len(evicted), evicted), "registry")
	}

	return evicted
}
