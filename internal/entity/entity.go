// Package entity defines the shared entity model the sync core moves between
// the local cache, the write queue, and the server. The core never interprets
// domain fields; it only cares about identity, timestamps, and tombstones.
package entity

import (
	"encoding/json"
	"time"
)

// Type identifies a syncable entity collection.
type Type string

const (
	TypeList   Type = "list"
	TypeItem   Type = "item"
	TypeRecipe Type = "recipe"
	TypeChore  Type = "chore"
)

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	switch t {
	case TypeList, TypeItem, TypeRecipe, TypeChore:
		return true
	}
	return false
}

// Op is a mutation kind carried by a queued write.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpToggle Op = "toggle"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpToggle:
		return true
	}
	return false
}

// Ref identifies the target of a mutation. LocalID is the stable
// client-generated identity assigned before the server has seen the entity;
// ServerID is filled in once the server acknowledges a create.
type Ref struct {
	LocalID  string `json:"localId"`
	ServerID string `json:"serverId,omitempty"`
}

// Entity is one syncable record. Fields holds the opaque domain payload
// (list name, item quantity, chore schedule, ...) which the sync core
// replaces wholesale during merges and never inspects.
type Entity struct {
	ID        string          `json:"id,omitempty"`
	LocalID   string          `json:"localId,omitempty"`
	Type      Type            `json:"entityType,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	DeletedAt *time.Time      `json:"deletedAt,omitempty"`
}

// Key returns the identity used to pair local and remote versions of the
// same entity. The client-generated LocalID is permanent, so it wins when
// present; server-origin entities that never lived on this device fall back
// to the server ID.
func (e Entity) Key() string {
	if e.LocalID != "" {
		return e.LocalID
	}
	return e.ID
}

// Deleted reports whether the entity carries a tombstone.
func (e Entity) Deleted() bool {
	return e.DeletedAt != nil
}
