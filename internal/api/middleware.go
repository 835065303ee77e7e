package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sqew/sqew/internal/metrics"
	"github.com/sqew/sqew/internal/queue"
	"github.com/sqew/sqew/internal/store"
)

// AuthMiddleware validates the Bearer token in the Authorization header
// against the configured API token. An empty expected token disables
// authentication.
func AuthMiddleware(apiToken string, next http.Handler) http.Handler {
	if apiToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header")
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid Authorization header format")
			return
		}

		if auth[len(prefix):] != apiToken {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestBodyLimitMiddleware enforces a max request body size for
// downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RequestLogMiddleware logs each request with a generated id and
// records the latency histogram.
func RequestLogMiddleware(log zerolog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		reqID := uuid.NewString()
		started := time.Now()

		next.ServeHTTP(rec, r)

		elapsed := time.Since(started)
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		m.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
		log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", elapsed).
			Msg("http request")
	})
}

// queueRateLimiter applies a per-queue token bucket to mutating message
// routes. rps <= 0 disables limiting.
type queueRateLimiter struct {
	rps      float64
	burst    int
	limiters *xsync.Map[string, *rate.Limiter]
}

func newQueueRateLimiter(rps float64, burst int) *queueRateLimiter {
	return &queueRateLimiter{
		rps:      rps,
		burst:    burst,
		limiters: xsync.NewMap[string, *rate.Limiter](),
	}
}

// limit wraps a handler registered under a /queues/{name}/... pattern;
// PathValue is available because the mux resolved the pattern before
// invoking us.
func (l *queueRateLimiter) limit(next http.HandlerFunc) http.HandlerFunc {
	if l.rps <= 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		limiter, _ := l.limiters.Compute(name, func(old *rate.Limiter, loaded bool) (*rate.Limiter, xsync.ComputeOp) {
			if loaded {
				return old, xsync.CancelOp
			}
			return rate.NewLimiter(rate.Limit(l.rps), l.burst), xsync.UpdateOp
		})
		if !limiter.Allow() {
			WriteError(w, http.StatusTooManyRequests, queue.KindOverloaded, "queue rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// overloadGuard refuses requests while the store's busy-timeout rate is
// above threshold, signalling writer saturation to callers.
type overloadGuard struct {
	store     *store.Store
	threshold float64 // busy events per second; 0 disables

	mu          sync.Mutex
	windowStart time.Time
	startCount  uint64
	rate        float64
}

func newOverloadGuard(st *store.Store, threshold float64) *overloadGuard {
	return &overloadGuard{
		store:       st,
		threshold:   threshold,
		windowStart: time.Now(),
	}
}

// saturated samples the busy-event counter at most once a second and
// reports whether the observed rate exceeds the threshold.
func (g *overloadGuard) saturated() bool {
	if g.threshold <= 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	elapsed := time.Since(g.windowStart)
	if elapsed >= time.Second {
		count := g.store.BusyEvents()
		g.rate = float64(count-g.startCount) / elapsed.Seconds()
		g.startCount = count
		g.windowStart = time.Now()
	}
	return g.rate > g.threshold
}

// OverloadMiddleware returns 429 while the writer is saturated.
func (g *overloadGuard) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.saturated() {
			WriteError(w, http.StatusTooManyRequests, queue.KindOverloaded, "writer saturated; retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
