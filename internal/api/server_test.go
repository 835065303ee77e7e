package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sqew/sqew/internal/config"
	"github.com/sqew/sqew/internal/metrics"
	"github.com/sqew/sqew/internal/model"
	"github.com/sqew/sqew/internal/queue"
	"github.com/sqew/sqew/internal/store"
)

func newTestServer(t *testing.T, cfg *config.EnvConfig) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.EnvConfig{
			Bind:            "127.0.0.1:0",
			MaxBodyBytes:    512 << 10,
			LongPollMaxWait: 2 * time.Second,
		}
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "sqew.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := queue.SystemClock{}
	reg := queue.NewRegistry(st, clock)
	eng := queue.NewEngine(st, reg, clock, metrics.New(), zerolog.Nop())
	srv := NewServer(cfg, st, eng, metrics.New(), zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func decodeErrorKind(t *testing.T, body []byte) string {
	t.Helper()
	var env ErrorResponse
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope %q: %v", body, err)
	}
	return env.Error.Kind
}

func createQueue(t *testing.T, ts *httptest.Server, name string) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/queues", map[string]any{"name": name})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create queue %q: status %d, body %s", name, resp.StatusCode, body)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status: got %d, want 200", resp.StatusCode)
	}
}

func TestMetricsExposition(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status: got %d, want 200", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("go_goroutines")) {
		t.Fatal("metrics exposition missing runtime collectors")
	}
}

func TestQueueLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)

	createQueue(t, ts, "jobs")

	// Duplicate create conflicts.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/queues", map[string]any{"name": "jobs"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create: status %d, body %s", resp.StatusCode, body)
	}
	if kind := decodeErrorKind(t, body); kind != queue.KindAlreadyExists {
		t.Fatalf("duplicate create kind: got %q, want %q", kind, queue.KindAlreadyExists)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/queues", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list queues: status %d", resp.StatusCode)
	}
	var queues []model.Queue
	if err := json.Unmarshal(body, &queues); err != nil {
		t.Fatalf("decode queue list: %v", err)
	}
	if len(queues) != 1 || queues[0].Name != "jobs" {
		t.Fatalf("queue list: got %v", queues)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/queues/jobs", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete queue: status %d, want 204", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/queues/jobs", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted queue: status %d, body %s", resp.StatusCode, body)
	}
	if kind := decodeErrorKind(t, body); kind != queue.KindNotFound {
		t.Fatalf("get deleted queue kind: got %q, want %q", kind, queue.KindNotFound)
	}
}

func TestMessageLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	createQueue(t, ts, "jobs")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/messages", map[string]any{
		"payload": map[string]int{"n": 1},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue: status %d, body %s", resp.StatusCode, body)
	}
	var enq queue.EnqueueResult
	if err := json.Unmarshal(body, &enq); err != nil {
		t.Fatalf("decode enqueue result: %v", err)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/poll?batch=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll: status %d, body %s", resp.StatusCode, body)
	}
	var poll struct {
		Messages []queue.LeasedMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &poll); err != nil {
		t.Fatalf("decode poll response: %v", err)
	}
	if len(poll.Messages) != 1 || poll.Messages[0].ID != enq.ID {
		t.Fatalf("poll: got %v, want message %d", poll.Messages, enq.ID)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/ack", map[string]any{
		"items": []map[string]any{{"id": enq.ID, "token": poll.Messages[0].Token}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack: status %d, body %s", resp.StatusCode, body)
	}
	var acks struct {
		Results []queue.ItemResult `json:"results"`
	}
	if err := json.Unmarshal(body, &acks); err != nil {
		t.Fatalf("decode ack response: %v", err)
	}
	if len(acks.Results) != 1 || acks.Results[0].Outcome != queue.OutcomeAcked {
		t.Fatalf("ack results: got %v", acks.Results)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/queues/jobs/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: status %d", resp.StatusCode)
	}
	var st model.Stats
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Total != 0 {
		t.Fatalf("total after ack: got %d, want 0", st.Total)
	}
}

func TestEnqueueRejectsBadBodies(t *testing.T) {
	ts := newTestServer(t, nil)
	createQueue(t, ts, "jobs")

	// Unknown fields are rejected.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/messages", map[string]any{
		"payload": 1, "bogus": true,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d, body %s", resp.StatusCode, body)
	}

	// Missing payload.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/messages", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing payload: status %d, body %s", resp.StatusCode, body)
	}
	if kind := decodeErrorKind(t, body); kind != queue.KindInvalidArgument {
		t.Fatalf("missing payload kind: got %q", kind)
	}

	// Unknown queue.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/queues/missing/messages", map[string]any{"payload": 1})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown queue: status %d, want 404", resp.StatusCode)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	cfg := &config.EnvConfig{
		Bind:            "127.0.0.1:0",
		MaxBodyBytes:    1024,
		LongPollMaxWait: time.Second,
	}
	ts := newTestServer(t, cfg)
	createQueue(t, ts, "jobs")

	big := bytes.Repeat([]byte("x"), 4096)
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/messages", map[string]any{
		"payload": string(big),
	})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: status %d, body %s", resp.StatusCode, body)
	}
	if kind := decodeErrorKind(t, body); kind != queue.KindPayloadTooLarge {
		t.Fatalf("oversized body kind: got %q, want %q", kind, queue.KindPayloadTooLarge)
	}
}

func TestAuthRequired(t *testing.T) {
	cfg := &config.EnvConfig{
		Bind:            "127.0.0.1:0",
		APIToken:        "sekrit-token-value",
		MaxBodyBytes:    512 << 10,
		LongPollMaxWait: time.Second,
	}
	ts := newTestServer(t, cfg)

	// Health and metrics stay open.
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health with auth enabled: status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/queues", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/queues", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d, want 401", resp2.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/queues", nil)
	req.Header.Set("Authorization", "Bearer sekrit-token-value")
	resp3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("valid token: status %d, want 200", resp3.StatusCode)
	}
}

func TestLongPollReturnsOnEnqueue(t *testing.T) {
	ts := newTestServer(t, nil)
	createQueue(t, ts, "jobs")

	type pollResult struct {
		count   int
		elapsed time.Duration
	}
	resultCh := make(chan pollResult, 1)
	started := time.Now()
	go func() {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/poll?wait_ms=5000", nil)
		var poll struct {
			Messages []queue.LeasedMessage `json:"messages"`
		}
		if resp.StatusCode == http.StatusOK {
			_ = json.Unmarshal(body, &poll)
		}
		resultCh <- pollResult{count: len(poll.Messages), elapsed: time.Since(started)}
	}()

	// Give the poller time to park, then publish.
	time.Sleep(150 * time.Millisecond)
	doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/messages", map[string]any{"payload": 1})

	select {
	case res := <-resultCh:
		if res.count != 1 {
			t.Fatalf("long poll returned %d messages, want 1", res.count)
		}
		if res.elapsed >= 5*time.Second {
			t.Fatalf("long poll waited the full timeout (%v) despite the enqueue", res.elapsed)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("long poll never returned")
	}
}

func TestPollValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	createQueue(t, ts, "jobs")

	for _, q := range []string{"batch=abc", "wait_ms=-5"} {
		resp, body := doJSON(t, http.MethodPost, fmt.Sprintf("%s/queues/jobs/poll?%s", ts.URL, q), nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("poll?%s: status %d, body %s", q, resp.StatusCode, body)
		}
	}
}

func TestExtendLeaseOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	createQueue(t, ts, "jobs")

	doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/messages", map[string]any{"payload": 1})
	_, body := doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/poll", nil)
	var poll struct {
		Messages []queue.LeasedMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &poll); err != nil || len(poll.Messages) != 1 {
		t.Fatalf("poll: %v, body %s", err, body)
	}
	leased := poll.Messages[0]

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/extend", map[string]any{
		"id": leased.ID, "token": leased.Token, "extend_ms": 10000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("extend: status %d, body %s", resp.StatusCode, body)
	}
	var ext struct {
		LeaseExpiresAt int64 `json:"lease_expires_at"`
	}
	if err := json.Unmarshal(body, &ext); err != nil {
		t.Fatalf("decode extend: %v", err)
	}
	if ext.LeaseExpiresAt <= leased.LeaseExpiresAt {
		t.Fatalf("expiry not extended: %d <= %d", ext.LeaseExpiresAt, leased.LeaseExpiresAt)
	}

	// A stale token is a conflict.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/extend", map[string]any{
		"id": leased.ID, "token": "0123456789abcdef0123456789abcdef", "extend_ms": 10000,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale extend: status %d, body %s", resp.StatusCode, body)
	}
	if kind := decodeErrorKind(t, body); kind != queue.KindLeaseLost {
		t.Fatalf("stale extend kind: got %q, want %q", kind, queue.KindLeaseLost)
	}
}

func TestPurgeAndPeekOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	createQueue(t, ts, "jobs")

	for i := 0; i < 3; i++ {
		doJSON(t, http.MethodPost, ts.URL+"/queues/jobs/messages", map[string]any{"payload": i})
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/queues/jobs/messages?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("peek: status %d", resp.StatusCode)
	}
	var msgs []model.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatalf("decode peek: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("peek: got %d messages, want 3", len(msgs))
	}

	resp, body = doJSON(t, http.MethodDelete, ts.URL+"/queues/jobs/messages", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purge: status %d", resp.StatusCode)
	}
	var purge struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.Unmarshal(body, &purge); err != nil {
		t.Fatalf("decode purge: %v", err)
	}
	if purge.Deleted != 3 {
		t.Fatalf("purged %d, want 3", purge.Deleted)
	}
}
