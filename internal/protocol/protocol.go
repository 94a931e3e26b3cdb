// Package protocol defines the wire types shared by the sync client and the
// ingestion endpoint.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hearthware/homesync/internal/entity"
)

// MaxBatchItems caps the number of items one sync request may carry.
const MaxBatchItems = 1000

// CurrentPayloadVersion is the only payload version current clients emit.
// Zero (omitted) is treated as 1.
const CurrentPayloadVersion = 1

// Batch statuses returned by the ingestion endpoint.
const (
	StatusSynced  = "synced"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Item is one entity mutation inside a sync batch.
type Item struct {
	OperationID     string          `json:"operationId"`
	RequestID       string          `json:"requestId,omitempty"`
	EntityType      entity.Type     `json:"entityType"`
	Op              entity.Op       `json:"op"`
	Target          entity.Ref      `json:"target"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
}

// BatchRequest is the body of POST /sync.
type BatchRequest struct {
	PayloadVersion int    `json:"payloadVersion,omitempty"`
	Items          []Item `json:"items"`
}

// Validate checks the request envelope, not the per-item domain payloads.
func (r *BatchRequest) Validate() error {
	if r.PayloadVersion != 0 && r.PayloadVersion != CurrentPayloadVersion {
		return fmt.Errorf("unsupported payload version %d", r.PayloadVersion)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(r.Items) > MaxBatchItems {
		return fmt.Errorf("batch of %d items exceeds cap of %d", len(r.Items), MaxBatchItems)
	}
	seen := make(map[string]int, len(r.Items))
	for i, item := range r.Items {
		if item.OperationID == "" {
			return fmt.Errorf("item %d: missing operationId", i)
		}
		if j, dup := seen[item.OperationID]; dup {
			return fmt.Errorf("item %d: operationId %q duplicates item %d", i, item.OperationID, j)
		}
		seen[item.OperationID] = i
		if !item.EntityType.Valid() {
			return fmt.Errorf("item %d: unknown entity type %q", i, item.EntityType)
		}
		if !item.Op.Valid() {
			return fmt.Errorf("item %d: unknown op %q", i, item.Op)
		}
		if item.Target.LocalID == "" {
			return fmt.Errorf("item %d: missing target localId", i)
		}
	}
	return nil
}

// SuccessResult reports one applied (or previously applied) operation.
type SuccessResult struct {
	OperationID   string      `json:"operationId"`
	EntityType    entity.Type `json:"entityType"`
	ID            string      `json:"id"`
	ClientLocalID string      `json:"clientLocalId,omitempty"`
}

// ConflictResult reports one operation the server could not apply.
type ConflictResult struct {
	Type        entity.Type `json:"type"`
	ID          string      `json:"id,omitempty"`
	OperationID string      `json:"operationId"`
	Reason      string      `json:"reason"`
}

// BatchResponse is the body returned by POST /sync.
type BatchResponse struct {
	Status    string           `json:"status"`
	Succeeded []SuccessResult  `json:"succeeded,omitempty"`
	Conflicts []ConflictResult `json:"conflicts"`
}

// Complete reports whether succeeded and conflicts together account for every
// submitted operation id exactly once. A false return indicates a processing
// bug on the server, not a client error.
func (r *BatchResponse) Complete(submitted []string) bool {
	seen := make(map[string]bool, len(submitted))
	for _, s := range r.Succeeded {
		if seen[s.OperationID] {
			return false
		}
		seen[s.OperationID] = true
	}
	for _, c := range r.Conflicts {
		if seen[c.OperationID] {
			return false
		}
		seen[c.OperationID] = true
	}
	if len(seen) != len(submitted) {
		return false
	}
	for _, id := range submitted {
		if !seen[id] {
			return false
		}
	}
	return true
}

// ChangeNotice is pushed over the change feed when another device of the same
// user commits a batch. It carries no entity data; receivers fetch.
type ChangeNotice struct {
	Collections []entity.Type `json:"collections"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// ChangesResponse is the body of GET /sync/changes.
type ChangesResponse struct {
	Entities []entity.Entity `json:"entities"`
	Now      time.Time       `json:"now"`
}
