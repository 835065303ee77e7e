package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/sqew/sqew/internal/metrics"
	"github.com/sqew/sqew/internal/store"
)

// DefaultReapInterval is the cadence of the TTL sweep.
const DefaultReapInterval = time.Second

// Reaper deletes TTL-expired messages on a fixed cadence and refreshes
// the per-queue depth gauges. Expired leases need no sweep: the lease
// claim predicate resurfaces them on the next poll. Tick failures are
// logged and retried next tick, never fatal.
type Reaper struct {
	store    *store.Store
	registry *Registry
	clock    Clock
	metrics  *metrics.Metrics
	interval time.Duration
	log      zerolog.Logger
}

// NewReaper wires a Reaper. A non-positive interval selects the
// default.
func NewReaper(st *store.Store, reg *Registry, clock Clock, m *metrics.Metrics, interval time.Duration, log zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		store:    st,
		registry: reg,
		clock:    clock,
		metrics:  m,
		interval: interval,
		log:      log.With().Str("component", "reaper").Logger(),
	}
}

// Run ticks until ctx is cancelled. It holds no long transactions; each
// tick is one bounded delete plus read-only gauge refreshes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Debug().Msg("reaper stopped")
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.metrics.ReapError()
				r.log.Warn().Err(err).Msg("reap tick failed; will retry")
			}
		}
	}
}

// Tick performs one sweep: delete expired rows per queue, then refresh
// gauges. Exported so tests and the CLI can drive it directly.
func (r *Reaper) Tick(ctx context.Context) error {
	now := r.clock.NowMS()

	queues, err := r.registry.List(ctx)
	if err != nil {
		return err
	}

	for _, q := range queues {
		var expired int64
		err := r.store.Write(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM message
				WHERE queue_id = ? AND expires_at IS NOT NULL AND expires_at <= ?
			`, q.ID, now)
			if err != nil {
				return err
			}
			expired, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return err
		}
		if expired > 0 {
			r.metrics.Expired(q.Name, int(expired))
			r.log.Debug().Str("queue", q.Name).Int64("expired", expired).Msg("reaped expired messages")
		}

		st, err := r.registry.Stats(ctx, q.Name)
		if err != nil {
			return err
		}
		r.metrics.SetQueueDepths(q.Name, st.Ready, st.Leased, st.Total)
	}
	return nil
}
