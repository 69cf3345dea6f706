// Package sqlqueue implements transport.Connection on top of a SQL database.
//
// Messages are appended to a shared table once per topic. Each subscription
// tracks its own delivery rows, created lazily the first time it receives,
// so every subscription sees every message retained for its topic. A claim
// locks a delivery row for LockDuration under a random lock token; settling
// requires the same token, which is how a lost lock is detected.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"

	"github.com/drblury/buslink/internal/runtime/jsoncodec"
	"github.com/drblury/buslink/transport"
)

const (
	// DefaultPollInterval is how often an idle Receive polls for new rows.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultLockDuration is how long a claimed delivery stays invisible.
	DefaultLockDuration = 30 * time.Second

	// DefaultDeadLetterLimit caps ListDeadLetters when no limit is given.
	DefaultDeadLetterLimit = 100
)

const (
	statePending   = "pending"
	stateCompleted = "completed"
	stateDead      = "dead"
)

// Config tunes polling and locking.
type Config struct {
	PollInterval time.Duration
	LockDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	return c
}

type ref struct {
	owner        *Queue
	topic        string
	subscription string
	seq          int64
	token        string
	settled      bool
}

// Queue is a SQL-backed transport.Connection.
type Queue struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter
	now     func() time.Time

	mu     sync.Mutex
	closed bool
}

var (
	_ transport.Connection         = (*Queue)(nil)
	_ transport.DeadLetterLister   = (*Queue)(nil)
	_ transport.DeadLetterReplayer = (*Queue)(nil)
	_ transport.QueueIntrospector  = (*Queue)(nil)
)

// New creates the schema if needed and returns a Queue owning db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	q := &Queue{
		db:      db,
		dialect: dialect,
		config:  cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
	if dialect.Schema != nil {
		for _, stmt := range dialect.Schema(dialect.Tables) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return nil, dialect.classify(fmt.Errorf("failed to initialize %s schema: %w", dialect.Name, err))
			}
		}
	}
	return q, nil
}

// DB returns the underlying database handle.
func (q *Queue) DB() *sql.DB {
	return q.db
}

// Send appends msg to topic. A repeated send with the same id is ignored.
func (q *Queue) Send(ctx context.Context, topic string, msg transport.Message) error {
	if q.isClosed() {
		return transport.ErrClosed
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	headers, err := encodeHeaders(msg.Headers)
	if err != nil {
		return err
	}
	body := msg.Body
	if body == nil {
		body = []byte{}
	}

	query := q.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (id, topic, body, headers, content_type, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (topic, id) DO NOTHING
	`, q.dialect.Tables.Messages))

	res, err := q.db.ExecContext(ctx, query, id, topic, body, headers, msg.ContentType, q.now().UTC().UnixNano())
	if err != nil {
		return q.dialect.classify(fmt.Errorf("%s insert message: %w", q.dialect.Name, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		q.logger.Debug("Duplicate send ignored", watermill.LogFields{"message_id": id, "topic": topic})
	}
	return nil
}

// Receive polls until at least one delivery can be claimed or ctx is done.
func (q *Queue) Receive(ctx context.Context, topic, subscription string, maxCount int) ([]transport.Delivery, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	for {
		if q.isClosed() {
			return nil, transport.ErrClosed
		}

		batch, err := q.claim(ctx, topic, subscription, maxCount)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}

		timer := time.NewTimer(q.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, topic, subscription string, maxCount int) ([]transport.Delivery, error) {
	if err := q.materialize(ctx, q.db, topic, subscription); err != nil {
		return nil, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, q.dialect.classify(fmt.Errorf("%s begin claim: %w", q.dialect.Name, err))
	}
	defer q.rollback(tx)

	now := q.now().UTC()
	t := q.dialect.Tables
	query := q.dialect.Rebind(fmt.Sprintf(`
		SELECT d.message_seq, d.delivery_count, m.id, m.body, m.headers, m.content_type, m.enqueued_at
		FROM %s d
		JOIN %s m ON m.seq = d.message_seq
		WHERE d.subscription = ? AND d.topic = ? AND d.state = '%s'
		AND (d.locked_until IS NULL OR d.locked_until < ?)
		ORDER BY d.message_seq ASC
		LIMIT ?
		%s
	`, t.Deliveries, t.Messages, statePending, q.dialect.LockClause))

	rows, err := tx.QueryContext(ctx, query, subscription, topic, now.UnixNano(), maxCount)
	if err != nil {
		return nil, q.dialect.classify(fmt.Errorf("%s select deliveries: %w", q.dialect.Name, err))
	}

	type claimed struct {
		seq   int64
		count int
		msg   transport.Message
		enq   int64
	}
	var found []claimed
	for rows.Next() {
		var (
			c       claimed
			headers string
		)
		if err := rows.Scan(&c.seq, &c.count, &c.msg.ID, &c.msg.Body, &headers, &c.msg.ContentType, &c.enq); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%s scan delivery: %w", q.dialect.Name, err)
		}
		c.msg.Headers = q.decodeHeaders(headers)
		found = append(found, c)
	}
	if err := rows.Close(); err != nil {
		return nil, q.dialect.classify(err)
	}
	if err := rows.Err(); err != nil {
		return nil, q.dialect.classify(err)
	}
	if len(found) == 0 {
		return nil, nil
	}

	lockUntil := now.Add(q.config.LockDuration).UnixNano()
	update := q.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET delivery_count = delivery_count + 1, locked_until = ?, lock_token = ?
		WHERE subscription = ? AND topic = ? AND message_seq = ?
	`, t.Deliveries))

	out := make([]transport.Delivery, 0, len(found))
	for _, c := range found {
		token := uuid.NewString()
		if _, err := tx.ExecContext(ctx, update, lockUntil, token, subscription, topic, c.seq); err != nil {
			return nil, q.dialect.classify(fmt.Errorf("%s lock delivery: %w", q.dialect.Name, err))
		}
		out = append(out, transport.Delivery{
			Message:       c.msg,
			DeliveryCount: c.count + 1,
			EnqueuedAt:    time.Unix(0, c.enq).UTC(),
			Ref: &ref{
				owner:        q,
				topic:        topic,
				subscription: subscription,
				seq:          c.seq,
				token:        token,
			},
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, q.dialect.classify(fmt.Errorf("%s commit claim: %w", q.dialect.Name, err))
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// materialize creates pending delivery rows for messages the subscription
// has not seen yet.
func (q *Queue) materialize(ctx context.Context, db execer, topic, subscription string) error {
	t := q.dialect.Tables
	query := q.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %[1]s (subscription, topic, message_seq, delivery_count, state)
		SELECT ?, m.topic, m.seq, 0, '%[3]s'
		FROM %[2]s m
		WHERE m.topic = ?
		AND NOT EXISTS (
			SELECT 1 FROM %[1]s d
			WHERE d.subscription = ? AND d.topic = m.topic AND d.message_seq = m.seq
		)
		ON CONFLICT DO NOTHING
	`, t.Deliveries, t.Messages, statePending))

	if _, err := db.ExecContext(ctx, query, subscription, topic, subscription); err != nil {
		return q.dialect.classify(fmt.Errorf("%s materialize deliveries: %w", q.dialect.Name, err))
	}
	return nil
}

// Complete marks the delivery done.
func (q *Queue) Complete(ctx context.Context, d transport.Delivery) error {
	r, err := q.settle(d)
	if err != nil {
		return err
	}
	return q.release(ctx, q.db, r, fmt.Sprintf("state = '%s', ", stateCompleted))
}

// Abandon unlocks the delivery so the next Receive can claim it again.
func (q *Queue) Abandon(ctx context.Context, d transport.Delivery) error {
	r, err := q.settle(d)
	if err != nil {
		return err
	}
	return q.release(ctx, q.db, r, "")
}

// DeadLetter marks the delivery dead and records it in the dead-letter table.
func (q *Queue) DeadLetter(ctx context.Context, d transport.Delivery, reason string) error {
	r, err := q.settle(d)
	if err != nil {
		return err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		q.unsettle(r)
		return q.dialect.classify(fmt.Errorf("%s begin dead letter: %w", q.dialect.Name, err))
	}
	defer q.rollback(tx)

	if err := q.release(ctx, tx, r, fmt.Sprintf("state = '%s', ", stateDead)); err != nil {
		return err
	}

	headers, err := encodeHeaders(d.Headers)
	if err != nil {
		q.unsettle(r)
		return err
	}
	body := d.Body
	if body == nil {
		body = []byte{}
	}
	insert := q.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (message_seq, message_id, topic, subscription, body, headers, reason, delivery_count, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.dialect.Tables.DeadLetters))
	if _, err := tx.ExecContext(ctx, insert, r.seq, d.ID, r.topic, r.subscription, body, headers, reason, d.DeliveryCount, q.now().UTC().UnixNano()); err != nil {
		q.unsettle(r)
		return q.dialect.classify(fmt.Errorf("%s insert dead letter: %w", q.dialect.Name, err))
	}
	if err := tx.Commit(); err != nil {
		q.unsettle(r)
		return q.dialect.classify(fmt.Errorf("%s commit dead letter: %w", q.dialect.Name, err))
	}

	q.logger.Info("Message moved to dead-letter table", watermill.LogFields{
		"transport":    q.dialect.Name,
		"message_id":   d.ID,
		"topic":        r.topic,
		"subscription": r.subscription,
		"reason":       reason,
	})
	return nil
}

func (q *Queue) release(ctx context.Context, db execer, r *ref, set string) error {
	query := q.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET %slocked_until = NULL, lock_token = NULL
		WHERE subscription = ? AND topic = ? AND message_seq = ? AND lock_token = ? AND state = '%s'
	`, q.dialect.Tables.Deliveries, set, statePending))

	res, err := db.ExecContext(ctx, query, r.subscription, r.topic, r.seq, r.token)
	if err != nil {
		q.unsettle(r)
		return q.dialect.classify(fmt.Errorf("%s settle delivery: %w", q.dialect.Name, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return q.dialect.classify(err)
	}
	if n == 0 {
		return transport.ErrLockLost
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters for a subscription.
func (q *Queue) ListDeadLetters(ctx context.Context, topic, subscription string, limit int) ([]transport.DeadLetter, error) {
	if limit <= 0 {
		limit = DefaultDeadLetterLimit
	}
	query := q.dialect.Rebind(fmt.Sprintf(`
		SELECT message_id, topic, subscription, body, headers, reason, delivery_count, dead_lettered_at
		FROM %s
		WHERE topic = ? AND subscription = ?
		ORDER BY id DESC
		LIMIT ?
	`, q.dialect.Tables.DeadLetters))

	rows, err := q.db.QueryContext(ctx, query, topic, subscription, limit)
	if err != nil {
		return nil, q.dialect.classify(err)
	}
	defer rows.Close()

	var out []transport.DeadLetter
	for rows.Next() {
		var (
			dl      transport.DeadLetter
			headers string
			at      int64
		)
		if err := rows.Scan(&dl.MessageID, &dl.Topic, &dl.Subscription, &dl.Body, &headers, &dl.Reason, &dl.DeliveryCount, &at); err != nil {
			return nil, err
		}
		dl.Headers = q.decodeHeaders(headers)
		dl.DeadLetteredAt = time.Unix(0, at).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ReplayDeadLetters makes every dead delivery of the subscription pending
// again with a fresh delivery count.
func (q *Queue) ReplayDeadLetters(ctx context.Context, topic, subscription string) (int64, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, q.dialect.classify(err)
	}
	defer q.rollback(tx)

	t := q.dialect.Tables
	res, err := tx.ExecContext(ctx, q.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET state = '%s', delivery_count = 0, locked_until = NULL, lock_token = NULL
		WHERE topic = ? AND subscription = ? AND state = '%s'
	`, t.Deliveries, statePending, stateDead)), topic, subscription)
	if err != nil {
		return 0, q.dialect.classify(err)
	}
	affected, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, q.dialect.Rebind(fmt.Sprintf(`
		DELETE FROM %s WHERE topic = ? AND subscription = ?
	`, t.DeadLetters)), topic, subscription); err != nil {
		return 0, q.dialect.classify(err)
	}

	return affected, tx.Commit()
}

// PurgeDeadLetters removes the dead-letter records of a subscription.
func (q *Queue) PurgeDeadLetters(ctx context.Context, topic, subscription string) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(fmt.Sprintf(`
		DELETE FROM %s WHERE topic = ? AND subscription = ?
	`, q.dialect.Tables.DeadLetters)), topic, subscription)
	if err != nil {
		return 0, q.dialect.classify(err)
	}
	return res.RowsAffected()
}

// PendingCount returns how many deliveries the subscription has not settled.
func (q *Queue) PendingCount(ctx context.Context, topic, subscription string) (int64, error) {
	if err := q.materialize(ctx, q.db, topic, subscription); err != nil {
		return 0, err
	}
	var count int64
	err := q.db.QueryRowContext(ctx, q.dialect.Rebind(fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE subscription = ? AND topic = ? AND state = '%s'
	`, q.dialect.Tables.Deliveries, statePending)), subscription, topic).Scan(&count)
	return count, q.dialect.classify(err)
}

// Close closes the database. Closing twice is a no-op.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.db.Close()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) settle(d transport.Delivery) (*ref, error) {
	r, ok := d.Ref.(*ref)
	if !ok || r.owner != q {
		return nil, transport.ErrUnknownDelivery
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, transport.ErrClosed
	}
	if r.settled {
		return nil, transport.ErrLockLost
	}
	r.settled = true
	return r, nil
}

func (q *Queue) unsettle(r *ref) {
	q.mu.Lock()
	r.settled = false
	q.mu.Unlock()
}

func (q *Queue) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		q.logger.Error("failed to rollback transaction", err, watermill.LogFields{"transport": q.dialect.Name})
	}
}

func encodeHeaders(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "{}", nil
	}
	data, err := jsoncodec.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("failed to marshal headers: %w", err)
	}
	return string(data), nil
}

func (q *Queue) decodeHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	if raw == "" {
		return headers
	}
	if err := jsoncodec.Unmarshal([]byte(raw), &headers); err != nil {
		q.logger.Error("failed to unmarshal headers", err, nil)
	}
	return headers
}
