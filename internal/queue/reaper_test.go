package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sqew/sqew/internal/metrics"
	"github.com/sqew/sqew/internal/store"
)

func newTestReaper(t *testing.T) (*Engine, *Reaper, *testClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sqew.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := &testClock{}
	clock.ms.Store(1_000_000)
	m := metrics.New()
	reg := NewRegistry(st, clock)
	eng := NewEngine(st, reg, clock, m, zerolog.Nop())
	reaper := NewReaper(st, reg, clock, m, 0, zerolog.Nop())
	return eng, reaper, clock
}

func TestReaperDeletesExpired(t *testing.T) {
	eng, reaper, clock := newTestReaper(t)
	ctx := context.Background()
	mustCreateQueue(t, eng.Registry(), CreateParams{Name: "jobs"})

	doomed := mustEnqueue(t, eng, EnqueueParams{Queue: "jobs", Payload: json.RawMessage(`{}`), TTLMS: 1000})
	survivor := mustEnqueue(t, eng, EnqueueParams{Queue: "jobs", Payload: json.RawMessage(`{}`)})

	clock.advance(1000)
	if err := reaper.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if _, err := eng.Get(ctx, "jobs", doomed); !IsKind(err, KindNotFound) {
		t.Fatalf("expired message survived the sweep: %v", err)
	}
	if _, err := eng.Get(ctx, "jobs", survivor); err != nil {
		t.Fatalf("unexpired message was reaped: %v", err)
	}
}

func TestReaperLeavesUnexpired(t *testing.T) {
	eng, reaper, clock := newTestReaper(t)
	ctx := context.Background()
	mustCreateQueue(t, eng.Registry(), CreateParams{Name: "jobs"})

	id := mustEnqueue(t, eng, EnqueueParams{Queue: "jobs", Payload: json.RawMessage(`{}`), TTLMS: 5000})

	clock.advance(4999)
	if err := reaper.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, err := eng.Get(ctx, "jobs", id); err != nil {
		t.Fatalf("message reaped before its TTL: %v", err)
	}
}

func TestExpiredMessageNeverLeased(t *testing.T) {
	eng, _, clock := newTestReaper(t)
	ctx := context.Background()
	mustCreateQueue(t, eng.Registry(), CreateParams{Name: "jobs"})

	mustEnqueue(t, eng, EnqueueParams{Queue: "jobs", Payload: json.RawMessage(`{}`), TTLMS: 1000})
	clock.advance(1000)

	// Even before any sweep runs, the claim predicate skips expired
	// rows.
	msgs, err := eng.Lease(ctx, LeaseParams{Queue: "jobs", Batch: 1})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("leased %d expired messages, want 0", len(msgs))
	}
}
