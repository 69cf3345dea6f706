package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/buslink/transport"
	"github.com/drblury/buslink/transport/sqlqueue"
	"github.com/drblury/buslink/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "postgres", caps.Name)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.True(t, caps.SupportsDeliveryCount)

	capsAlias := transport.GetCapabilities("postgresql")
	assert.Equal(t, "postgres", capsAlias.Name)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.PostgresCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()
		assert.Equal(t, sqlqueue.DefaultPollInterval, result.PollInterval)
		assert.Equal(t, sqlqueue.DefaultLockDuration, result.LockDuration)
		assert.Equal(t, DefaultSchemaName, result.SchemaName)
		assert.Equal(t, 10, result.MaxOpenConns)
		assert.Equal(t, 5, result.MaxIdleConns)
		assert.Equal(t, 5*time.Minute, result.ConnMaxLifetime)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			ConnectionString: "postgres://localhost:5432/test",
			PollInterval:     200 * time.Millisecond,
			LockDuration:     time.Minute,
			SchemaName:       "custom",
			MaxOpenConns:     20,
			MaxIdleConns:     2,
			ConnMaxLifetime:  time.Hour,
		}
		assert.Equal(t, cfg, cfg.withDefaults())
	})
}

func TestNewDialect(t *testing.T) {
	d := NewDialect("tenant a")

	assert.Equal(t, TransportName, d.Name)
	assert.Equal(t, `"tenant a".messages`, d.Tables.Messages)
	assert.Equal(t, `"tenant a".deliveries`, d.Tables.Deliveries)
	assert.Equal(t, `"tenant a".dead_letters`, d.Tables.DeadLetters)
	assert.True(t, d.NumberedPlaceholders)
	assert.Contains(t, d.LockClause, "SKIP LOCKED")
	assert.Equal(t, "WHERE a = $1 AND b = $2", d.Rebind("WHERE a = ? AND b = ?"))

	stmts := d.Schema(d.Tables)
	require.NotEmpty(t, stmts)
	assert.Equal(t, `CREATE SCHEMA IF NOT EXISTS "tenant a"`, stmts[0])
	for _, stmt := range stmts {
		assert.Contains(t, stmt, "IF NOT EXISTS")
	}
	joined := strings.Join(stmts, "\n")
	assert.Contains(t, joined, "BYTEA")
	assert.Contains(t, joined, "UNIQUE (topic, id)")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		transient    bool
		unauthorized bool
	}{
		{"nil", nil, false, false},
		{"bad password", &pq.Error{Code: "28P01"}, false, true},
		{"insufficient privilege", &pq.Error{Code: "42501"}, false, true},
		{"connection failure", &pq.Error{Code: "08006"}, true, false},
		{"serialization failure", &pq.Error{Code: "40001"}, true, false},
		{"too many connections", &pq.Error{Code: "53300"}, true, false},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true, false},
		{"unique violation", &pq.Error{Code: "23505"}, false, false},
		{"wrapped", fmt.Errorf("claim: %w", &pq.Error{Code: "40P01"}), true, false},
		{"conn done", sql.ErrConnDone, true, false},
		{"plain", errors.New("syntax"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.transient, transport.IsTransient(err))
			assert.Equal(t, tt.unauthorized, errors.Is(err, transport.ErrUnauthorized))
		})
	}
}

func TestOpen_UsesCredentialStrategy(t *testing.T) {
	original := OpenDB
	defer func() { OpenDB = original }()

	var gotDSN string
	OpenDB = func(driverName, dsn string) (*sql.DB, error) {
		gotDSN = dsn
		return nil, errors.New("stop")
	}
	cfg := &transporttest.Config{PostgresURL: "postgres://ambient/db"}

	_, err := Open(context.Background(), cfg, transport.Credentials{Strategy: transport.StrategyConnectionString, Secret: "postgres://secret/db"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Equal(t, "postgres://secret/db", gotDSN)

	_, err = Open(context.Background(), cfg, transport.Credentials{Strategy: transport.StrategyAmbientIdentity}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Equal(t, "postgres://ambient/db", gotDSN)
}

func TestNew_OpenError(t *testing.T) {
	original := OpenDB
	defer func() { OpenDB = original }()
	OpenDB = func(string, string) (*sql.DB, error) {
		return nil, errors.New("invalid dsn")
	}

	_, err := New(context.Background(), Config{ConnectionString: "::"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
	assert.Contains(t, err.Error(), "invalid dsn")
}

func TestNew_UnreachableServerIsTransient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := New(ctx, Config{ConnectionString: "postgres://user:pw@127.0.0.1:1/db?sslmode=disable&connect_timeout=1"}, nil)
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err), err.Error())
	assert.NotContains(t, err.Error(), "pw@")
}
