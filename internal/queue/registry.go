package queue

import (
	"context"
	"database/sql"
	"errors"
	"unicode"
	"unicode/utf8"

	"github.com/maypok86/otter"

	"github.com/sqew/sqew/internal/model"
	"github.com/sqew/sqew/internal/store"
)

const (
	maxQueueNameLen = 128

	// Defaults applied when a create request leaves them unset.
	DefaultMaxAttempts  = 5
	DefaultVisibilityMS = 30000

	queueCacheCapacity = 1024
)

// Registry manages named queues: creation, lookup, deletion, purge,
// compaction and stats. Queue configuration is immutable after create,
// so resolved queues are held in a bounded cache keyed by name and only
// invalidated on delete.
type Registry struct {
	store *store.Store
	clock Clock
	cache otter.Cache[string, model.Queue]
}

// NewRegistry creates a Registry backed by st.
func NewRegistry(st *store.Store, clock Clock) *Registry {
	cache, err := otter.MustBuilder[string, model.Queue](queueCacheCapacity).
		Cost(func(_ string, _ model.Queue) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("queue: failed to create queue cache: " + err.Error())
	}
	return &Registry{store: st, clock: clock, cache: cache}
}

// CreateParams are the inputs to Create. Zero MaxAttempts/VisibilityMS
// select the defaults. DLQ optionally names an existing queue that
// receives messages exceeding max_attempts.
type CreateParams struct {
	Name         string
	MaxAttempts  int
	VisibilityMS int64
	DLQ          string
}

// Create registers a new queue. Name collisions surface as
// ALREADY_EXISTS via the unique constraint.
func (r *Registry) Create(ctx context.Context, p CreateParams) (model.Queue, error) {
	if err := validateQueueName(p.Name); err != nil {
		return model.Queue{}, err
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.VisibilityMS == 0 {
		p.VisibilityMS = DefaultVisibilityMS
	}
	if p.MaxAttempts < 1 {
		return model.Queue{}, invalidArgf("max_attempts: must be >= 1, got %d", p.MaxAttempts)
	}
	if p.VisibilityMS < 1 {
		return model.Queue{}, invalidArgf("visibility_ms: must be >= 1, got %d", p.VisibilityMS)
	}

	var dlqID *int64
	if p.DLQ != "" {
		dlq, err := r.Get(ctx, p.DLQ)
		if err != nil {
			return model.Queue{}, err
		}
		dlqID = &dlq.ID
	}

	q := model.Queue{
		Name:         p.Name,
		MaxAttempts:  p.MaxAttempts,
		VisibilityMS: p.VisibilityMS,
		DLQID:        dlqID,
		CreatedAt:    r.clock.NowMS(),
	}

	err := r.store.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO queue (name, max_attempts, visibility_ms, dlq_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, q.Name, q.MaxAttempts, q.VisibilityMS, q.DLQID, q.CreatedAt)
		if err != nil {
			return err
		}
		q.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if store.IsConflict(err) {
			return model.Queue{}, alreadyExistsf("queue %q already exists", p.Name)
		}
		return model.Queue{}, storageErr("create queue", err)
	}
	return q, nil
}

// List returns all queues, unordered by contract (the query orders by
// id for stable output).
func (r *Registry) List(ctx context.Context) ([]model.Queue, error) {
	var queues []model.Queue
	err := r.store.Read(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, name, max_attempts, visibility_ms, dlq_id, created_at
			FROM queue ORDER BY id
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		queues = queues[:0]
		for rows.Next() {
			var q model.Queue
			if err := rows.Scan(&q.ID, &q.Name, &q.MaxAttempts, &q.VisibilityMS, &q.DLQID, &q.CreatedAt); err != nil {
				return err
			}
			queues = append(queues, q)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageErr("list queues", err)
	}
	return queues, nil
}

// Get resolves a queue by name, consulting the cache first.
func (r *Registry) Get(ctx context.Context, name string) (model.Queue, error) {
	if q, ok := r.cache.Get(name); ok {
		return q, nil
	}

	var q model.Queue
	err := r.store.Read(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
			SELECT id, name, max_attempts, visibility_ms, dlq_id, created_at
			FROM queue WHERE name = ?
		`, name)
		return row.Scan(&q.ID, &q.Name, &q.MaxAttempts, &q.VisibilityMS, &q.DLQID, &q.CreatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Queue{}, notFoundf("queue %q not found", name)
	}
	if err != nil {
		return model.Queue{}, storageErr("get queue", err)
	}

	r.cache.Set(name, q)
	return q, nil
}

// Delete removes a queue; ON DELETE CASCADE drops its messages.
func (r *Registry) Delete(ctx context.Context, name string) error {
	q, err := r.Get(ctx, name)
	if err != nil {
		return err
	}

	var affected int64
	err = r.store.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM queue WHERE id = ?", q.ID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	r.cache.Delete(name)
	// The delete set dlq_id NULL on any queue that dead-lettered into
	// this one; drop their cached copies so nack re-reads the row
	// instead of inserting into the dead queue id.
	r.cache.Range(func(key string, cached model.Queue) bool {
		if cached.DLQID != nil && *cached.DLQID == q.ID {
			r.cache.Delete(key)
		}
		return true
	})
	if err != nil {
		return storageErr("delete queue", err)
	}
	if affected == 0 {
		return notFoundf("queue %q not found", name)
	}
	return nil
}

// Purge deletes all messages in the queue, preserving the queue itself.
// Returns the number of deleted messages.
func (r *Registry) Purge(ctx context.Context, name string) (int64, error) {
	q, err := r.Get(ctx, name)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = r.store.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM message WHERE queue_id = ?", q.ID)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, storageErr("purge queue", err)
	}
	return deleted, nil
}

// Compact triggers storage compaction. Advisory; scoped to the whole
// database file since SQLite has no per-table VACUUM.
func (r *Registry) Compact(ctx context.Context, name string) error {
	if _, err := r.Get(ctx, name); err != nil {
		return err
	}
	if err := r.store.Compact(ctx); err != nil {
		return storageErr("compact", err)
	}
	return nil
}

// Stats returns a snapshot of the queue at the current clock reading.
func (r *Registry) Stats(ctx context.Context, name string) (model.Stats, error) {
	q, err := r.Get(ctx, name)
	if err != nil {
		return model.Stats{}, err
	}

	now := r.clock.NowMS()
	st := model.Stats{Queue: q.Name}
	err = r.store.Read(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
			SELECT
				COUNT(*),
				COALESCE(SUM(CASE
					WHEN (lease_expires_at IS NULL OR lease_expires_at <= ?)
					 AND available_at <= ?
					 AND (expires_at IS NULL OR expires_at > ?)
					THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN lease_expires_at > ? THEN 1 ELSE 0 END), 0),
				MIN(CASE
					WHEN (lease_expires_at IS NULL OR lease_expires_at <= ?)
					 AND available_at <= ?
					 AND (expires_at IS NULL OR expires_at > ?)
					THEN available_at END)
			FROM message WHERE queue_id = ?
		`, now, now, now, now, now, now, now, q.ID)

		var oldest sql.NullInt64
		if err := row.Scan(&st.Total, &st.Ready, &st.Leased, &oldest); err != nil {
			return err
		}
		if oldest.Valid {
			age := now - oldest.Int64
			st.OldestAvailableAgeMS = &age
		}
		return nil
	})
	if err != nil {
		return model.Stats{}, storageErr("queue stats", err)
	}
	return st, nil
}

// validateQueueName enforces the name contract: non-empty, printable,
// at most 128 characters.
func validateQueueName(name string) error {
	if name == "" {
		return invalidArgf("name: must be non-empty")
	}
	if !utf8.ValidString(name) {
		return invalidArgf("name: must be valid UTF-8")
	}
	if utf8.RuneCountInString(name) > maxQueueNameLen {
		return invalidArgf("name: must be at most %d characters", maxQueueNameLen)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return invalidArgf("name: contains non-printable character %q", r)
		}
	}
	return nil
}
