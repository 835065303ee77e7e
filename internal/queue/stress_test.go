package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/sqew/sqew/internal/config"
	"github.com/sqew/sqew/internal/metrics"
	"github.com/sqew/sqew/internal/store"
)

// TestStressAtLeastOnce hammers one queue with concurrent producers and
// consumers and checks the at-least-once contract: every enqueued
// message is acked at least once, and the queue drains to empty.
//
// Disabled by default; enable with e.g.
//
//	SQEW_STRESS_PRODUCERS=4 SQEW_STRESS_CONSUMERS=4 go test -run Stress ./internal/queue/
func TestStressAtLeastOnce(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if cfg.StressProducers <= 0 || cfg.StressConsumers <= 0 {
		t.Skip("stress harness disabled; set SQEW_STRESS_PRODUCERS and SQEW_STRESS_CONSUMERS")
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "stress.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := SystemClock{}
	reg := NewRegistry(st, clock)
	eng := NewEngine(st, reg, clock, metrics.New(), zerolog.Nop())

	ctx := context.Background()
	if _, err := reg.Create(ctx, CreateParams{
		Name:         "stress",
		VisibilityMS: int64(cfg.StressVisMS),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	total := cfg.StressTotal
	perProducer := total / cfg.StressProducers
	total = perProducer * cfg.StressProducers

	var producers sync.WaitGroup
	for p := 0; p < cfg.StressProducers; p++ {
		producers.Add(1)
		go func(p int) {
			defer producers.Done()
			for i := 0; i < perProducer; i++ {
				payload := json.RawMessage(fmt.Sprintf(`{"producer":%d,"seq":%d}`, p, i))
				if _, err := eng.Enqueue(ctx, EnqueueParams{Queue: "stress", Payload: payload}); err != nil {
					t.Errorf("producer %d: Enqueue: %v", p, err)
					return
				}
			}
		}(p)
	}

	acked := xsync.NewMap[int64, struct{}]()
	ackedCount := xsync.NewCounter()
	done := make(chan struct{})

	var consumers sync.WaitGroup
	for c := 0; c < cfg.StressConsumers; c++ {
		consumers.Add(1)
		go func(c int) {
			defer consumers.Done()
			tag := fmt.Sprintf("stress-%d", c)
			for {
				select {
				case <-done:
					return
				default:
				}

				msgs, err := eng.Lease(ctx, LeaseParams{
					Queue:       "stress",
					Batch:       cfg.StressBatch,
					ConsumerTag: tag,
				})
				if err != nil {
					t.Errorf("consumer %d: Lease: %v", c, err)
					return
				}
				if len(msgs) == 0 {
					select {
					case <-done:
						return
					case <-eng.WaitReady("stress"):
					}
					continue
				}

				items := make([]AckItem, len(msgs))
				for i, m := range msgs {
					items[i] = AckItem{ID: m.ID, Token: m.Token}
				}
				results, err := eng.Ack(ctx, "stress", items)
				if err != nil {
					t.Errorf("consumer %d: Ack: %v", c, err)
					return
				}
				for _, res := range results {
					if res.Outcome != OutcomeAcked {
						continue
					}
					if _, loaded := acked.LoadOrStore(res.ID, struct{}{}); !loaded {
						ackedCount.Inc()
					}
				}
			}
		}(c)
	}

	producers.Wait()

	// Drain: poll the counter until every message has been acked once.
	for int(ackedCount.Value()) < total {
		stats, err := reg.Stats(ctx, "stress")
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Total == 0 && int(ackedCount.Value()) < total {
			t.Fatalf("queue drained but only %d/%d messages acked", ackedCount.Value(), total)
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(done)
	consumers.Wait()

	stats, err := reg.Stats(ctx, "stress")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("queue not empty after drain: %d messages left", stats.Total)
	}
	if got := int(ackedCount.Value()); got != total {
		t.Fatalf("acked %d distinct messages, want %d", got, total)
	}
}
