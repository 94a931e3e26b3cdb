// Package queue implements the durable local write queue: pending mutations
// are persisted to a JSON file on every change, compacted before each drain
// pass, and keyed by deterministic operation ids so retries after a crash or
// reinstall stay idempotent.
package queue

import (
	"encoding/json"
	"time"

	"github.com/hearthware/homesync/internal/entity"
)

// Status tracks where a queued write is in its retry lifecycle.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRetrying        Status = "RETRYING"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
)

// Write is one pending mutation awaiting transmission.
type Write struct {
	ID              string          `json:"id"`
	EntityType      entity.Type     `json:"entityType"`
	Op              entity.Op       `json:"op"`
	Target          entity.Ref      `json:"target"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	OperationID     string          `json:"operationId"`
	RequestID       string          `json:"requestId,omitempty"`
	AttemptCount    int             `json:"attemptCount"`
	Status          Status          `json:"status"`
	LastAttemptAt   *time.Time      `json:"lastAttemptAt,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
}

// key pairs writes that target the same entity.
type key struct {
	entityType entity.Type
	localID    string
}

func (w Write) compactionKey() key {
	return key{entityType: w.EntityType, localID: w.Target.LocalID}
}
