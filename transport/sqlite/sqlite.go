// Package sqlite provides a SQLite-backed transport for buslink. It suits a
// single host or tests; every process sharing the file sees the same topics.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/mattn/go-sqlite3"

	"github.com/drblury/buslink/transport"
	"github.com/drblury/buslink/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultFilePath is used when no database file is configured.
const DefaultFilePath = "buslink_queue.db"

// OpenDB allows overriding how the database handle is opened.
var OpenDB = sql.Open

func init() {
	Register()
}

// Register registers the SQLite transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Open, transport.SQLiteCapabilities)
}

// Open opens the configured database file. A connection string is either a
// bare file path or "Data Source=<path>"; ambient identity uses the
// configured file.
func Open(ctx context.Context, cfg transport.Config, creds transport.Credentials, logger watermill.LoggerAdapter) (transport.Connection, error) {
	config := Config{}
	switch creds.Strategy {
	case transport.StrategyConnectionString:
		path, err := pathFromSecret(creds.Secret)
		if err != nil {
			return nil, err
		}
		config.FilePath = path
	default:
		if cfg != nil {
			config.FilePath = cfg.GetSQLiteFile()
		}
	}
	return New(ctx, config, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// LockDuration is how long a received message stays invisible.
	LockDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = sqlqueue.DefaultPollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = sqlqueue.DefaultLockDuration
	}
	return c
}

// New opens the database and prepares the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	cfg = cfg.withDefaults()

	db, err := OpenDB("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q, err := sqlqueue.New(ctx, db, Dialect, sqlqueue.Config{
		PollInterval: cfg.PollInterval,
		LockDuration: cfg.LockDuration,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Dialect is the SQLite flavour of the queue schema.
var Dialect = sqlqueue.Dialect{
	Name: TransportName,
	Tables: sqlqueue.Tables{
		Messages:    "buslink_messages",
		Deliveries:  "buslink_deliveries",
		DeadLetters: "buslink_dead_letters",
	},
	Schema:   schema,
	Classify: Classify,
}

func schema(t sqlqueue.Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			topic TEXT NOT NULL,
			body BLOB NOT NULL,
			headers TEXT NOT NULL DEFAULT '{}',
			content_type TEXT NOT NULL DEFAULT '',
			enqueued_at INTEGER NOT NULL,
			UNIQUE (topic, id)
		)`, t.Messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_topic ON %[1]s(topic, seq)`, t.Messages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			subscription TEXT NOT NULL,
			topic TEXT NOT NULL,
			message_seq INTEGER NOT NULL,
			delivery_count INTEGER NOT NULL DEFAULT 0,
			locked_until INTEGER,
			lock_token TEXT,
			state TEXT NOT NULL DEFAULT 'pending',
			PRIMARY KEY (subscription, topic, message_seq)
		)`, t.Deliveries),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_claim ON %[1]s(subscription, topic, state, message_seq)`, t.Deliveries),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_seq INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			subscription TEXT NOT NULL,
			body BLOB NOT NULL,
			headers TEXT NOT NULL DEFAULT '{}',
			reason TEXT NOT NULL DEFAULT '',
			delivery_count INTEGER NOT NULL DEFAULT 0,
			dead_lettered_at INTEGER NOT NULL
		)`, t.DeadLetters),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_sub ON %[1]s(topic, subscription)`, t.DeadLetters),
	}
}

// Classify maps SQLite errors onto transport error kinds.
func Classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return transport.Transient(err)
		case sqlite3.ErrAuth, sqlite3.ErrPerm:
			return transport.Unauthorized(err)
		}
		return err
	}
	if transport.IsTransient(err) {
		return transport.Transient(err)
	}
	return err
}

func pathFromSecret(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if !strings.Contains(secret, "=") {
		if secret == "" {
			return "", transport.Unauthorized(errors.New("sqlite connection string is empty"))
		}
		return secret, nil
	}
	parts, err := transport.ParseConnectionString(secret)
	if err != nil {
		return "", transport.Unauthorized(err)
	}
	path := parts["data source"]
	if path == "" {
		path = parts["file"]
	}
	if path == "" {
		return "", transport.Unauthorized(errors.New("sqlite connection string needs Data Source"))
	}
	return path, nil
}
