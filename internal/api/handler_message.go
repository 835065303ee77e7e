package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sqew/sqew/internal/model"
	"github.com/sqew/sqew/internal/queue"
)

// pollRecheckInterval bounds how long a long-poll waiter can miss a
// wake: leases freed by expiry are not signalled, so waiters re-check
// on this cadence as well.
const pollRecheckInterval = 100 * time.Millisecond

type enqueueRequest struct {
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority,omitempty"`
	DelayMS        int64           `json:"delay_ms,omitempty"`
	TTLMS          int64           `json:"ttl_ms,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type pollRequest struct {
	VisibilityMS int64  `json:"visibility_ms,omitempty"`
	ConsumerTag  string `json:"consumer_tag,omitempty"`
}

type pollResponse struct {
	Messages []queue.LeasedMessage `json:"messages"`
}

type ackRequest struct {
	Items []queue.AckItem `json:"items"`
}

type nackRequest struct {
	Items   []queue.AckItem `json:"items"`
	DelayMS *int64          `json:"delay_ms,omitempty"`
}

type extendRequest struct {
	ID       int64  `json:"id"`
	Token    string `json:"token"`
	ExtendMS int64  `json:"extend_ms"`
}

type itemsResponse struct {
	Results []queue.ItemResult `json:"results"`
}

// HandleEnqueue returns a handler for POST /queues/{name}/messages.
func HandleEnqueue(eng *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if len(req.Payload) == 0 {
			writeInvalidArgument(w, "payload: required")
			return
		}

		res, err := eng.Enqueue(r.Context(), queue.EnqueueParams{
			Queue:          r.PathValue("name"),
			Payload:        req.Payload,
			Priority:       req.Priority,
			DelayMS:        req.DelayMS,
			TTLMS:          req.TTLMS,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

// HandlePoll returns a handler for POST /queues/{name}/poll.
// Query: batch (1..256, clamped), wait_ms (long-poll, bounded by
// maxWait). The optional body overrides visibility and sets the
// consumer tag. Long-polling waits outside any transaction and aborts
// on caller cancellation; a lease already granted is not revoked.
func HandlePoll(eng *queue.Engine, maxWait time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, err := QueryInt(r, "batch", 1)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		waitMS, err := QueryInt(r, "wait_ms", 0)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if waitMS < 0 {
			writeInvalidArgument(w, "wait_ms: must be >= 0")
			return
		}

		var req pollRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := DecodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
				writeDecodeBodyError(w, err)
				return
			}
		}
		if req.ConsumerTag == "" {
			req.ConsumerTag = "http-" + uuid.NewString()
		}

		params := queue.LeaseParams{
			Queue:        r.PathValue("name"),
			Batch:        batch,
			VisibilityMS: req.VisibilityMS,
			ConsumerTag:  req.ConsumerTag,
		}

		wait := time.Duration(waitMS) * time.Millisecond
		if wait > maxWait {
			wait = maxWait
		}
		deadline := time.Now().Add(wait)

		for {
			msgs, err := eng.Lease(r.Context(), params)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			if len(msgs) > 0 || time.Now().After(deadline) {
				if msgs == nil {
					msgs = []queue.LeasedMessage{}
				}
				WriteJSON(w, http.StatusOK, pollResponse{Messages: msgs})
				return
			}

			recheck := min(pollRecheckInterval, time.Until(deadline))
			timer := time.NewTimer(recheck)
			select {
			case <-r.Context().Done():
				timer.Stop()
				return
			case <-eng.WaitReady(params.Queue):
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// HandleAck returns a handler for POST /queues/{name}/ack.
func HandleAck(eng *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ackRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		results, err := eng.Ack(r.Context(), r.PathValue("name"), req.Items)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, itemsResponse{Results: results})
	}
}

// HandleNack returns a handler for POST /queues/{name}/nack.
func HandleNack(eng *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nackRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		results, err := eng.Nack(r.Context(), r.PathValue("name"), req.Items, req.DelayMS)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, itemsResponse{Results: results})
	}
}

// HandleExtendLease returns a handler for POST /queues/{name}/extend.
func HandleExtendLease(eng *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req extendRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		expiry, err := eng.ExtendLease(r.Context(), r.PathValue("name"), req.ID, req.Token, req.ExtendMS)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int64{"lease_expires_at": expiry})
	}
}

// HandlePeek returns a handler for GET /queues/{name}/messages.
func HandlePeek(eng *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := QueryInt(r, "limit", 1)
		if err != nil || limit < 1 {
			writeInvalidArgument(w, "limit: must be a positive integer")
			return
		}

		msgs, err := eng.Peek(r.Context(), r.PathValue("name"), limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if msgs == nil {
			msgs = []model.Message{}
		}
		WriteJSON(w, http.StatusOK, msgs)
	}
}

// HandleGetMessage returns a handler for GET /queues/{name}/messages/{id}.
// Returns the message regardless of its lease state.
func HandleGetMessage(eng *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := PathID(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		msg, err := eng.Get(r.Context(), r.PathValue("name"), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, msg)
	}
}

// HandleRemoveMessage returns a handler for
// DELETE /queues/{name}/messages/{id}. Admin action; no fencing.
func HandleRemoveMessage(eng *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := PathID(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		if err := eng.Remove(r.Context(), r.PathValue("name"), id); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
