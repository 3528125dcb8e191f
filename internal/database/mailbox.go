package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hushnet-labs/chat-relay-node/internal/utils"
)

// Entry kinds accepted by the mailbox. The server treats the payload as
// an opaque string in every case.
const (
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindIceCandidate = "ice-candidate"
	KindMessage      = "message"
)

// Entry is a payload parked for a recipient that has no live push
// channel. Wire shape matches the poll transport's pending-messages
// response.
type Entry struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Kind    string `json:"message_type"`
	Payload string `json:"data"`
}

// MailboxDB stores pending entries per recipient in arrival order.
// Drains are transactional: two concurrent drains on one name never
// both receive the same entry.
type MailboxDB struct {
	db          *sql.DB
	logger      *utils.LogsManager
	maxMessages int
	maxBytes    int64
}

func NewMailboxDB(db *sql.DB, cm *utils.ConfigManager, logger *utils.LogsManager) (*MailboxDB, error) {
	mdb := &MailboxDB{
		db:          db,
		logger:      logger,
		maxMessages: cm.GetConfigInt("mailbox_max_messages", 1000, 1, 100000),
		maxBytes:    cm.GetConfigBytes("mailbox_max_message_bytes", 256*1024),
	}

	if err := mdb.createTables(); err != nil {
		return nil, err
	}

	logger.Info("Mailbox store initialized", "mailbox-db")
	return mdb, nil
}

func (mdb *MailboxDB) createTables() error {
	createSQL := `
	CREATE TABLE IF NOT EXISTS pending_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		kind TEXT NOT NULL CHECK(kind IN ('offer', 'answer', 'ice-candidate', 'message')),
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pm_recipient ON pending_messages(recipient, id);
	`

	if _, err := mdb.db.ExecContext(context.Background(), createSQL); err != nil {
		return fmt.Errorf("failed to create pending_messages table: %v", err)
	}

	return nil
}

// Append parks an entry for its recipient. Fails when the payload or
// the recipient's queue exceeds the configured caps.
func (mdb *MailboxDB) Append(ctx context.Context, entry *Entry) error {
	if int64(len(entry.Payload)) > mdb.maxBytes {
		return fmt.Errorf("payload size %d exceeds limit %d", len(entry.Payload), mdb.maxBytes)
	}

	tx, err := mdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %v", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_messages WHERE recipient = ?`, entry.To).Scan(&count); err != nil {
		return fmt.Errorf("failed to count pending messages: %v", err)
	}
	if count >= mdb.maxMessages {
		return fmt.Errorf("mailbox for %s is full (%d messages)", entry.To, count)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_messages (sender, recipient, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, strftime('%s','now'))`,
		entry.From, entry.To, entry.Kind, entry.Payload); err != nil {
		return fmt.Errorf("failed to append pending message: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %v", err)
	}

	mdb.logger.Debug(fmt.Sprintf("Parked %s from %s for %s (%d bytes)",
		entry.Kind, entry.From, entry.To, len(entry.Payload)), "mailbox-db")

	return nil
}

// Drain returns every entry parked for a recipient in arrival order and
// deletes them in the same transaction. At-most-once: a concurrent
// drain observes an empty queue.
func (mdb *MailboxDB) Drain(ctx context.Context, recipient string) ([]*Entry, error) {
	tx, err := mdb.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin drain transaction: %v", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT sender, recipient, kind, payload FROM pending_messages
		 WHERE recipient = ? ORDER BY id ASC`, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %v", err)
	}

	entries := []*Entry{}
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(&entry.From, &entry.To, &entry.Kind, &entry.Payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending message: %v", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate pending messages: %v", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_messages WHERE recipient = ?`, recipient); err != nil {
		return nil, fmt.Errorf("failed to clear mailbox: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %v", err)
	}

	if len(entries) > 0 {
		mdb.logger.Debug(fmt.Sprintf("Drained %d pending messages for %s", len(entries), recipient), "mailbox-db")
	}

	return entries, nil
}

// Count returns the number of entries parked for a recipient.
func (mdb *MailboxDB) Count(ctx context.Context, recipient string) (int, error) {
	var count int
	err := mdb.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_messages WHERE recipient = ?`, recipient).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %v", err)
	}
	return count, nil
}

// Purge removes every entry addressed to a recipient without returning
// them, used when an identity is evicted.
func (mdb *MailboxDB) Purge(ctx context.Context, recipient string) error {
	_, err := mdb.db.ExecContext(ctx,
		`DELETE FROM pending_messages WHERE recipient = ?`, recipient)
	if err != nil {
		return fmt.Errorf("failed to purge mailbox: %v", err)
	}
	return nil
}
