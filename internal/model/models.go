// Package model defines the persisted entities shared by the registry,
// the lifecycle engine, the API layer and the CLI.
package model

import "encoding/json"

// Queue is a named message queue. Configuration is fixed at creation;
// only compaction touches a queue afterwards, and deleting a queue
// cascades to its messages.
type Queue struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	MaxAttempts  int    `json:"max_attempts"`
	VisibilityMS int64  `json:"visibility_ms"`
	DLQID        *int64 `json:"dlq_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// Message is a single queued message. The lease triple (token, expiry,
// holder tag) is present together or absent together.
type Message struct {
	ID             int64           `json:"id"`
	QueueID        int64           `json:"queue_id"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Attempts       int             `json:"attempts"`
	AvailableAt    int64           `json:"available_at"`
	LeaseToken     *string         `json:"lease_token,omitempty"`
	LeaseExpiresAt *int64          `json:"lease_expires_at,omitempty"`
	LeasedBy       *string         `json:"leased_by,omitempty"`
	CreatedAt      int64           `json:"created_at"`
	ExpiresAt      *int64          `json:"expires_at,omitempty"`
}

// Stats is a point-in-time snapshot of a queue. Ready counts messages
// eligible for the next poll: available, not expired, and not under an
// unexpired lease.
type Stats struct {
	Queue                string `json:"queue"`
	Ready                int64  `json:"ready"`
	Leased               int64  `json:"leased"`
	Total                int64  `json:"total"`
	OldestAvailableAgeMS *int64 `json:"oldest_available_age_ms"`
}
