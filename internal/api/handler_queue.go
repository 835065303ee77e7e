package api

import (
	"net/http"

	"github.com/sqew/sqew/internal/metrics"
	"github.com/sqew/sqew/internal/model"
	"github.com/sqew/sqew/internal/queue"
)

type createQueueRequest struct {
	Name         string `json:"name"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	VisibilityMS int64  `json:"visibility_ms,omitempty"`
	DLQ          string `json:"dlq,omitempty"`
}

// HandleListQueues returns a handler for GET /queues.
func HandleListQueues(reg *queue.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queues, err := reg.List(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if queues == nil {
			queues = []model.Queue{}
		}
		WriteJSON(w, http.StatusOK, queues)
	}
}

// HandleCreateQueue returns a handler for POST /queues.
func HandleCreateQueue(reg *queue.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createQueueRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		q, err := reg.Create(r.Context(), queue.CreateParams{
			Name:         req.Name,
			MaxAttempts:  req.MaxAttempts,
			VisibilityMS: req.VisibilityMS,
			DLQ:          req.DLQ,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, q)
	}
}

// HandleGetQueue returns a handler for GET /queues/{name}.
func HandleGetQueue(reg *queue.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := reg.Get(r.Context(), r.PathValue("name"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, q)
	}
}

// HandleDeleteQueue returns a handler for DELETE /queues/{name}. The
// deleted queue's gauge series are dropped so they stop reporting
// stale depths.
func HandleDeleteQueue(reg *queue.Registry, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := reg.Delete(r.Context(), name); err != nil {
			writeEngineError(w, err)
			return
		}
		m.ForgetQueue(name)
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleQueueStats returns a handler for GET /queues/{name}/stats.
func HandleQueueStats(reg *queue.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := reg.Stats(r.Context(), r.PathValue("name"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

// HandleCompactQueue returns a handler for POST /queues/{name}/compact.
func HandleCompactQueue(reg *queue.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Compact(r.Context(), r.PathValue("name")); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandlePurgeQueue returns a handler for DELETE /queues/{name}/messages.
func HandlePurgeQueue(reg *queue.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleted, err := reg.Purge(r.Context(), r.PathValue("name"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
	}
}
