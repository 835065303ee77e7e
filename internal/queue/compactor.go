package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sqew/sqew/internal/store"
)

// Compactor runs VACUUM on a cron schedule. Compaction is advisory;
// a failed run is logged and the next scheduled run retries.
type Compactor struct {
	store *store.Store
	cron  *cron.Cron
	log   zerolog.Logger
}

// NewCompactor schedules compaction per the standard cron expression.
// The expression is validated at config load; an invalid one here is a
// programming error.
func NewCompactor(st *store.Store, schedule string, log zerolog.Logger) (*Compactor, error) {
	c := &Compactor{
		store: st,
		cron:  cron.New(),
		log:   log.With().Str("component", "compactor").Logger(),
	}
	if _, err := c.cron.AddFunc(schedule, c.run); err != nil {
		return nil, err
	}
	return c, nil
}

// Start begins the schedule.
func (c *Compactor) Start() {
	c.cron.Start()
}

// Stop halts the schedule and waits for a running compaction.
func (c *Compactor) Stop() {
	<-c.cron.Stop().Done()
}

func (c *Compactor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	started := time.Now()
	if err := c.store.Compact(ctx); err != nil {
		c.log.Warn().Err(err).Msg("scheduled compaction failed")
		return
	}
	c.log.Info().Dur("took", time.Since(started)).Msg("database compacted")
}
