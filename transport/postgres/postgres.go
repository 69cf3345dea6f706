// Package postgres provides a PostgreSQL-backed transport for buslink.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/lib/pq"

	"github.com/drblury/buslink/transport"
	"github.com/drblury/buslink/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// DefaultSchemaName holds the queue tables unless Config.SchemaName is set.
const DefaultSchemaName = "buslink"

// OpenDB allows overriding how the database handle is opened.
var OpenDB = sql.Open

func init() {
	Register()
}

// Register registers the PostgreSQL transport and its "postgresql" alias
// with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Open, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Open, transport.PostgresCapabilities)
}

// Open connects to PostgreSQL. A connection string is used as the DSN.
// Ambient identity uses the configured URL and leaves the rest to libpq
// conventions (PG* environment variables and ~/.pgpass).
func Open(ctx context.Context, cfg transport.Config, creds transport.Credentials, logger watermill.LoggerAdapter) (transport.Connection, error) {
	config := Config{}
	switch creds.Strategy {
	case transport.StrategyConnectionString:
		config.ConnectionString = creds.Secret
	default:
		if cfg != nil {
			config.ConnectionString = cfg.GetPostgresURL()
		}
	}
	return New(ctx, config, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is a URL or key=value DSN. Empty means libpq defaults.
	ConnectionString string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// LockDuration is how long a received message stays invisible.
	LockDuration time.Duration
	// SchemaName is the schema holding the queue tables.
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
	// ConnMaxLifetime bounds how long a pooled connection is reused.
	ConnMaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = sqlqueue.DefaultPollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = sqlqueue.DefaultLockDuration
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}

// New opens a pool, verifies it with a ping and prepares the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	cfg = cfg.withDefaults()

	db, err := OpenDB("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, transport.Unauthorized(fmt.Errorf("failed to open PostgreSQL database: %w", err))
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Classify(fmt.Errorf("failed to connect to PostgreSQL: %w", err))
	}

	q, err := sqlqueue.New(ctx, db, NewDialect(cfg.SchemaName), sqlqueue.Config{
		PollInterval: cfg.PollInterval,
		LockDuration: cfg.LockDuration,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// NewDialect returns the PostgreSQL flavour of the queue schema with its
// tables placed in schemaName.
func NewDialect(schemaName string) sqlqueue.Dialect {
	schema := pq.QuoteIdentifier(schemaName)
	return sqlqueue.Dialect{
		Name: TransportName,
		Tables: sqlqueue.Tables{
			Messages:    schema + ".messages",
			Deliveries:  schema + ".deliveries",
			DeadLetters: schema + ".dead_letters",
		},
		Schema: func(t sqlqueue.Tables) []string {
			return append([]string{"CREATE SCHEMA IF NOT EXISTS " + schema}, tableDDL(t)...)
		},
		NumberedPlaceholders: true,
		LockClause:           "FOR UPDATE OF d SKIP LOCKED",
		Classify:             Classify,
	}
}

func tableDDL(t sqlqueue.Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			topic TEXT NOT NULL,
			body BYTEA NOT NULL,
			headers TEXT NOT NULL DEFAULT '{}',
			content_type TEXT NOT NULL DEFAULT '',
			enqueued_at BIGINT NOT NULL,
			UNIQUE (topic, id)
		)`, t.Messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS messages_topic_seq_idx ON %s (topic, seq)`, t.Messages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			subscription TEXT NOT NULL,
			topic TEXT NOT NULL,
			message_seq BIGINT NOT NULL,
			delivery_count INTEGER NOT NULL DEFAULT 0,
			locked_until BIGINT,
			lock_token TEXT,
			state TEXT NOT NULL DEFAULT 'pending',
			PRIMARY KEY (subscription, topic, message_seq)
		)`, t.Deliveries),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS deliveries_claim_idx ON %s (subscription, topic, state, message_seq)`, t.Deliveries),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			message_seq BIGINT NOT NULL,
			message_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			subscription TEXT NOT NULL,
			body BYTEA NOT NULL,
			headers TEXT NOT NULL DEFAULT '{}',
			reason TEXT NOT NULL DEFAULT '',
			delivery_count INTEGER NOT NULL DEFAULT 0,
			dead_lettered_at BIGINT NOT NULL
		)`, t.DeadLetters),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS dead_letters_sub_idx ON %s (topic, subscription)`, t.DeadLetters),
	}
}

// Classify maps PostgreSQL errors onto transport error kinds. Connection
// failures, serialization conflicts and resource exhaustion are transient;
// authentication and privilege failures are unauthorized.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "28", pqErr.Code == "42501":
			return transport.Unauthorized(err)
		case pqErr.Code.Class() == "08",
			pqErr.Code.Class() == "40",
			pqErr.Code.Class() == "53",
			pqErr.Code == "57P01", pqErr.Code == "57P03":
			return transport.Transient(err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || transport.IsTransient(err) {
		return transport.Transient(err)
	}
	return err
}
