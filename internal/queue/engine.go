// Package queue implements the message lifecycle engine: enqueue with
// idempotency, atomic batch leasing, lease-fenced ack/nack, retry
// backoff, TTL reaping and queue stats. The engine never touches
// transport; the API layer and the CLI adapt to it.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"slices"

	"github.com/rs/zerolog"

	"github.com/sqew/sqew/internal/metrics"
	"github.com/sqew/sqew/internal/model"
	"github.com/sqew/sqew/internal/store"
)

const (
	// MaxPayloadBytes is the serialized payload limit.
	MaxPayloadBytes = 512 << 10

	// MaxLeaseBatch caps a single lease claim; larger requests clamp.
	MaxLeaseBatch = 256

	// backoffBaseMS is the base of the exponential nack backoff; the
	// jitter is uniform in [0, backoffBaseMS).
	backoffBaseMS = 1000

	// backoffMaxShift bounds 2^attempts so the backoff cannot overflow.
	backoffMaxShift = 20
)

// Per-item ack/nack outcomes.
const (
	OutcomeAcked       = "acked"
	OutcomeNotLeased   = "not_leased"
	OutcomeFenced      = "fenced"
	OutcomeRescheduled = "rescheduled"
	OutcomeDropped     = "dropped"
)

// Engine executes message lifecycle operations against the store. All
// methods are safe for concurrent use; correctness under concurrency
// rests on the storage engine's write serialization plus the single
// atomic claim statement in Lease.
type Engine struct {
	store    *store.Store
	registry *Registry
	clock    Clock
	metrics  *metrics.Metrics
	notify   *notifier
	log      zerolog.Logger
}

// NewEngine wires an Engine.
func NewEngine(st *store.Store, reg *Registry, clock Clock, m *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		registry: reg,
		clock:    clock,
		metrics:  m,
		notify:   newNotifier(),
		log:      log.With().Str("component", "engine").Logger(),
	}
}

// Registry returns the queue registry the engine resolves names with.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// EnqueueParams are the inputs to Enqueue.
type EnqueueParams struct {
	Queue          string
	Payload        json.RawMessage
	DelayMS        int64
	Priority       int
	IdempotencyKey string
	TTLMS          int64
}

// EnqueueResult reports the message id and whether the enqueue was
// answered from an existing idempotency key.
type EnqueueResult struct {
	ID           int64 `json:"id"`
	Deduplicated bool  `json:"deduplicated"`
}

// Enqueue inserts a message. When the idempotency key already exists
// for the queue the existing id is returned with Deduplicated set and
// the stored row is left untouched.
func (e *Engine) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	q, err := e.registry.Get(ctx, p.Queue)
	if err != nil {
		return EnqueueResult{}, err
	}
	if p.DelayMS < 0 {
		return EnqueueResult{}, invalidArgf("delay_ms: must be >= 0, got %d", p.DelayMS)
	}
	if p.TTLMS < 0 {
		return EnqueueResult{}, invalidArgf("ttl_ms: must be >= 0, got %d", p.TTLMS)
	}
	if len(p.Payload) > MaxPayloadBytes {
		return EnqueueResult{}, payloadTooLargef("payload is %d bytes, limit is %d", len(p.Payload), MaxPayloadBytes)
	}
	if !json.Valid(p.Payload) {
		return EnqueueResult{}, invalidArgf("payload: not valid JSON")
	}

	now := e.clock.NowMS()
	availableAt := now + p.DelayMS
	var expiresAt *int64
	if p.TTLMS > 0 {
		v := now + p.TTLMS
		expiresAt = &v
	}
	var key *string
	if p.IdempotencyKey != "" {
		key = &p.IdempotencyKey
	}

	var res EnqueueResult
	err = e.store.Write(ctx, func(tx *sql.Tx) error {
		if key != nil {
			var existing int64
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM message WHERE queue_id = ? AND idempotency_key = ?
			`, q.ID, *key).Scan(&existing)
			switch {
			case err == nil:
				res = EnqueueResult{ID: existing, Deduplicated: true}
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
		}

		out, err := tx.ExecContext(ctx, `
			INSERT INTO message (queue_id, payload_json, priority, idempotency_key,
			                     attempts, available_at, created_at, expires_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		`, q.ID, string(p.Payload), p.Priority, key, availableAt, now, expiresAt)
		if err != nil {
			return err
		}
		id, err := out.LastInsertId()
		if err != nil {
			return err
		}
		res = EnqueueResult{ID: id}
		return nil
	})
	if err != nil {
		return EnqueueResult{}, storageErr("enqueue", err)
	}

	if res.Deduplicated {
		e.metrics.Deduplicated(q.Name)
	} else {
		e.metrics.Enqueued(q.Name)
		if availableAt <= now {
			e.notify.wake(q.Name)
		}
	}
	return res, nil
}

// LeaseParams are the inputs to Lease. Batch is clamped to
// [1, MaxLeaseBatch]; VisibilityMS overrides the queue default when
// positive; ConsumerTag is a diagnostic label stored on the lease.
type LeaseParams struct {
	Queue        string
	Batch        int
	VisibilityMS int64
	ConsumerTag  string
}

// LeasedMessage is one claimed message. Token fences the subsequent
// ack/nack/extend.
type LeasedMessage struct {
	ID             int64           `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	Token          string          `json:"token"`
	LeaseExpiresAt int64           `json:"lease_expires_at"`
}

// Lease claims up to Batch ready messages in a single write statement:
// the candidate subquery and the lease update commit atomically, so no
// two live leases ever cover the same message. An empty result is a
// valid return.
func (e *Engine) Lease(ctx context.Context, p LeaseParams) ([]LeasedMessage, error) {
	q, err := e.registry.Get(ctx, p.Queue)
	if err != nil {
		return nil, err
	}

	batch := min(max(p.Batch, 1), MaxLeaseBatch)
	vis := q.VisibilityMS
	if p.VisibilityMS > 0 {
		vis = p.VisibilityMS
	}

	token, err := newLeaseToken()
	if err != nil {
		return nil, storageErr("lease", err)
	}

	now := e.clock.NowMS()
	expiresAt := now + vis

	type claimed struct {
		msg         LeasedMessage
		priority    int
		availableAt int64
	}
	var rowsOut []claimed

	err = e.store.Write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE message SET
				lease_token      = ?,
				lease_expires_at = ?,
				leased_by        = ?
			WHERE id IN (
				SELECT id FROM message
				WHERE queue_id = ?
				  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
				  AND available_at <= ?
				  AND (expires_at IS NULL OR expires_at > ?)
				ORDER BY priority DESC, available_at ASC, id ASC
				LIMIT ?
			)
			RETURNING id, payload_json, priority, attempts, available_at
		`, token, expiresAt, p.ConsumerTag, q.ID, now, now, now, batch)
		if err != nil {
			return err
		}
		defer rows.Close()

		rowsOut = rowsOut[:0]
		for rows.Next() {
			var c claimed
			var payload string
			if err := rows.Scan(&c.msg.ID, &payload, &c.priority, &c.msg.Attempts, &c.availableAt); err != nil {
				return err
			}
			c.msg.Payload = json.RawMessage(payload)
			c.msg.Token = token
			c.msg.LeaseExpiresAt = expiresAt
			rowsOut = append(rowsOut, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageErr("lease", err)
	}

	// RETURNING emits rows in storage order; restore the claim order.
	slices.SortFunc(rowsOut, func(a, b claimed) int {
		if a.priority != b.priority {
			if a.priority > b.priority {
				return -1
			}
			return 1
		}
		if a.availableAt != b.availableAt {
			if a.availableAt < b.availableAt {
				return -1
			}
			return 1
		}
		if a.msg.ID < b.msg.ID {
			return -1
		}
		return 1
	})

	msgs := make([]LeasedMessage, len(rowsOut))
	for i, c := range rowsOut {
		msgs[i] = c.msg
	}
	if len(msgs) > 0 {
		e.metrics.Leased(q.Name, len(msgs))
	}
	return msgs, nil
}

// ExtendLease pushes a live lease forward by extendMS. The update is
// fenced: the stored token must match and the lease must be unexpired,
// otherwise LEASE_LOST is returned. Returns the new expiry.
func (e *Engine) ExtendLease(ctx context.Context, queueName string, id int64, token string, extendMS int64) (int64, error) {
	q, err := e.registry.Get(ctx, queueName)
	if err != nil {
		return 0, err
	}
	if extendMS <= 0 {
		return 0, invalidArgf("extend_ms: must be > 0, got %d", extendMS)
	}

	now := e.clock.NowMS()
	var newExpiry int64
	found := false
	err = e.store.Write(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE message SET lease_expires_at = MAX(lease_expires_at, ?) + ?
			WHERE queue_id = ? AND id = ? AND lease_token = ? AND lease_expires_at > ?
			RETURNING lease_expires_at
		`, now, extendMS, q.ID, id, token, now).Scan(&newExpiry)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return 0, storageErr("extend lease", err)
	}
	if !found {
		e.metrics.Fenced(q.Name)
		return 0, leaseLostf("message %d: token mismatch or lease expired", id)
	}
	e.metrics.Extended(q.Name)
	return newExpiry, nil
}

// AckItem identifies one leased message and the token fencing it.
type AckItem struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// ItemResult is the per-item outcome of a bulk ack or nack.
type ItemResult struct {
	ID      int64  `json:"id"`
	Outcome string `json:"outcome"`
}

// Ack deletes the identified messages. Items are independent: a fenced
// item never rolls back its neighbors. Outcomes are acked, not_leased
// (row absent or not under lease) and fenced (token mismatch or lease
// expired).
func (e *Engine) Ack(ctx context.Context, queueName string, items []AckItem) ([]ItemResult, error) {
	q, err := e.registry.Get(ctx, queueName)
	if err != nil {
		return nil, err
	}

	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		now := e.clock.NowMS()
		outcome := OutcomeNotLeased
		err := e.store.Write(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM message
				WHERE queue_id = ? AND id = ? AND lease_token = ? AND lease_expires_at > ?
			`, q.ID, item.ID, item.Token, now)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 1 {
				outcome = OutcomeAcked
				return nil
			}

			var storedToken sql.NullString
			err = tx.QueryRowContext(ctx, `
				SELECT lease_token FROM message WHERE queue_id = ? AND id = ?
			`, q.ID, item.ID).Scan(&storedToken)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				outcome = OutcomeNotLeased
			case err != nil:
				return err
			case storedToken.Valid:
				outcome = OutcomeFenced
			default:
				outcome = OutcomeNotLeased
			}
			return nil
		})
		if err != nil {
			return nil, storageErr("ack", err)
		}

		switch outcome {
		case OutcomeAcked:
			e.metrics.Acked(q.Name)
		case OutcomeFenced:
			e.metrics.Fenced(q.Name)
		}
		results = append(results, ItemResult{ID: item.ID, Outcome: outcome})
	}
	return results, nil
}

// Nack reports delivery failure for the identified messages. Items
// share Ack's outcome taxonomy for rejected rows (not_leased, fenced);
// otherwise attempts is incremented and the message is either dropped
// at the attempts cap (routed to the queue's DLQ first when one is
// configured and still exists) or rescheduled. A caller-supplied delay
// overrides the exponential backoff.
func (e *Engine) Nack(ctx context.Context, queueName string, items []AckItem, delayMS *int64) ([]ItemResult, error) {
	q, err := e.registry.Get(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if delayMS != nil && *delayMS < 0 {
		return nil, invalidArgf("delay_ms: must be >= 0, got %d", *delayMS)
	}

	results := make([]ItemResult, 0, len(items))
	wake := false
	for _, item := range items {
		now := e.clock.NowMS()
		outcome := OutcomeNotLeased
		err := e.store.Write(ctx, func(tx *sql.Tx) error {
			var attempts int
			err := tx.QueryRowContext(ctx, `
				SELECT attempts FROM message
				WHERE queue_id = ? AND id = ? AND lease_token = ? AND lease_expires_at > ?
			`, q.ID, item.ID, item.Token, now).Scan(&attempts)
			if errors.Is(err, sql.ErrNoRows) {
				// Same taxonomy as Ack: absent or unleased rows are
				// not_leased, a live lease under another token is
				// fenced.
				var storedToken sql.NullString
				err := tx.QueryRowContext(ctx, `
					SELECT lease_token FROM message WHERE queue_id = ? AND id = ?
				`, q.ID, item.ID).Scan(&storedToken)
				switch {
				case errors.Is(err, sql.ErrNoRows):
					outcome = OutcomeNotLeased
				case err != nil:
					return err
				case storedToken.Valid:
					outcome = OutcomeFenced
				default:
					outcome = OutcomeNotLeased
				}
				return nil
			}
			if err != nil {
				return err
			}

			attempts++
			if attempts >= q.MaxAttempts {
				if q.DLQID != nil {
					// Re-check the DLQ inside the transaction: the
					// cached queue may predate a DLQ delete, and a
					// dropped message must not fail on a dead id.
					var one int
					err := tx.QueryRowContext(ctx, `
						SELECT 1 FROM queue WHERE id = ?
					`, *q.DLQID).Scan(&one)
					switch {
					case errors.Is(err, sql.ErrNoRows):
						// DLQ gone; plain drop.
					case err != nil:
						return err
					default:
						// Fresh row in the DLQ: attempts reset, immediately
						// available, idempotency key not carried over.
						_, err := tx.ExecContext(ctx, `
							INSERT INTO message (queue_id, payload_json, priority,
							                     attempts, available_at, created_at, expires_at)
							SELECT ?, payload_json, priority, 0, ?, ?, expires_at
							FROM message WHERE id = ?
						`, *q.DLQID, now, now, item.ID)
						if err != nil {
							return err
						}
					}
				}
				if _, err := tx.ExecContext(ctx, `
					DELETE FROM message WHERE queue_id = ? AND id = ?
				`, q.ID, item.ID); err != nil {
					return err
				}
				outcome = OutcomeDropped
				return nil
			}

			delay := backoffMS(attempts)
			if delayMS != nil {
				delay = *delayMS
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE message SET
					attempts         = ?,
					available_at     = ?,
					lease_token      = NULL,
					lease_expires_at = NULL,
					leased_by        = NULL
				WHERE queue_id = ? AND id = ?
			`, attempts, now+delay, q.ID, item.ID); err != nil {
				return err
			}
			if delay == 0 {
				wake = true
			}
			outcome = OutcomeRescheduled
			return nil
		})
		if err != nil {
			return nil, storageErr("nack", err)
		}

		switch outcome {
		case OutcomeRescheduled:
			e.metrics.Nacked(q.Name)
		case OutcomeDropped:
			e.metrics.Dropped(q.Name)
			e.log.Debug().Str("queue", q.Name).Int64("id", item.ID).Msg("message dropped at attempts cap")
		case OutcomeFenced:
			e.metrics.Fenced(q.Name)
		}
		results = append(results, ItemResult{ID: item.ID, Outcome: outcome})
	}
	if wake {
		e.notify.wake(q.Name)
	}
	return results, nil
}

// Peek returns up to limit ready messages in claim order without
// touching any lease state.
func (e *Engine) Peek(ctx context.Context, queueName string, limit int) ([]model.Message, error) {
	q, err := e.registry.Get(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 1
	}

	now := e.clock.NowMS()
	var msgs []model.Message
	err = e.store.Read(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM message
			WHERE queue_id = ?
			  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			  AND available_at <= ?
			  AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY priority DESC, available_at ASC, id ASC
			LIMIT ?
		`, q.ID, now, now, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		msgs = msgs[:0]
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageErr("peek", err)
	}
	return msgs, nil
}

// Get returns one message by id regardless of its state.
func (e *Engine) Get(ctx context.Context, queueName string, id int64) (model.Message, error) {
	q, err := e.registry.Get(ctx, queueName)
	if err != nil {
		return model.Message{}, err
	}

	var msg model.Message
	err = e.store.Read(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
			SELECT `+messageColumns+`
			FROM message WHERE queue_id = ? AND id = ?
		`, q.ID, id)
		m, err := scanMessage(row)
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, notFoundf("message %d not found in queue %q", id, queueName)
	}
	if err != nil {
		return model.Message{}, storageErr("get message", err)
	}
	return msg, nil
}

// Remove unconditionally deletes one message. Admin action; no fencing.
func (e *Engine) Remove(ctx context.Context, queueName string, id int64) error {
	q, err := e.registry.Get(ctx, queueName)
	if err != nil {
		return err
	}

	var affected int64
	err = e.store.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM message WHERE queue_id = ? AND id = ?", q.ID, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return storageErr("remove message", err)
	}
	if affected == 0 {
		return notFoundf("message %d not found in queue %q", id, queueName)
	}
	return nil
}

// WaitReady returns a channel that closes when a message may have
// become ready on the queue. Long-poll waits on it outside any
// transaction.
func (e *Engine) WaitReady(queueName string) <-chan struct{} {
	return e.notify.wait(queueName)
}

// backoffMS computes base * 2^attempts plus uniform jitter in
// [0, base).
func backoffMS(attempts int) int64 {
	shift := min(attempts, backoffMaxShift)
	return int64(backoffBaseMS)<<shift + rand.Int64N(backoffBaseMS)
}

const messageColumns = `id, queue_id, payload_json, priority, idempotency_key,
	attempts, available_at, lease_token, lease_expires_at, leased_by, created_at, expires_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m       model.Message
		payload string
		key     sql.NullString
		token   sql.NullString
		leaseAt sql.NullInt64
		holder  sql.NullString
		expires sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.QueueID, &payload, &m.Priority, &key,
		&m.Attempts, &m.AvailableAt, &token, &leaseAt, &holder, &m.CreatedAt, &expires); err != nil {
		return model.Message{}, err
	}
	m.Payload = json.RawMessage(payload)
	if key.Valid {
		m.IdempotencyKey = &key.String
	}
	if token.Valid {
		m.LeaseToken = &token.String
	}
	if leaseAt.Valid {
		m.LeaseExpiresAt = &leaseAt.Int64
	}
	if holder.Valid {
		m.LeasedBy = &holder.String
	}
	if expires.Valid {
		m.ExpiresAt = &expires.Int64
	}
	return m, nil
}
