package database

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hushnet-labs/chat-relay-node/internal/utils"
)

// SQLiteManager owns the database connection backing the pending
// mailbox. The default DSN is in-memory, so mailbox contents live and
// die with the process.
type SQLiteManager struct {
	cm     *utils.ConfigManager
	db     *sql.DB
	logger *utils.LogsManager

	// Specialized managers
	Mailbox *MailboxDB
}

func NewSQLiteManager(cm *utils.ConfigManager, logger *utils.LogsManager) (*SQLiteManager, error) {
	sqlm := &SQLiteManager{
		cm:     cm,
		logger: logger,
	}

	db, err := sqlm.createConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %v", err)
	}
	sqlm.db = db

	mailbox, err := NewMailboxDB(db, cm, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mailbox store: %v", err)
	}
	sqlm.Mailbox = mailbox

	return sqlm, nil
}

// createConnection opens the configured DSN. ":memory:" (the default)
// maps to a named shared-cache memory database so every pooled
// connection sees the same tables.
func (sqlm *SQLiteManager) createConnection() (*sql.DB, error) {
	dsn := sqlm.cm.GetConfigWithDefault("mailbox_dsn", ":memory:")

	var connString string
	if dsn == ":memory:" {
		// Unique name per manager: two managers in one process must
		// not see each other's mailboxes.
		connString = fmt.Sprintf("file:mailbox-%s?mode=memory&cache=shared", uuid.New().String())
	} else {
		paths := utils.GetAppPaths("")
		path := filepath.Join(paths.DataDir, dsn)
		connString = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	}

	db, err := sql.Open("sqlite", connString)
	if err != nil {
		sqlm.logger.Error(fmt.Sprintf("Can not create database connection. (%s)", err.Error()), "database")
		return nil, err
	}

	// A single connection sidesteps SQLITE_BUSY on the small write
	// volume a mailbox sees and keeps memory databases coherent.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// DB exposes the underlying handle for tests.
func (sqlm *SQLiteManager) DB() *sql.DB {
	return sqlm.db
}

// Close closes the database connection.
func (sqlm *SQLiteManager) Close() error {
	if sqlm.db != nil {
		return sqlm.db.Close()
	}
	return nil
}
