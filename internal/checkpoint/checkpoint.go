// Package checkpoint records which operations were in flight when a sync
// batch was sent, so that a crash mid-request leaves enough state behind to
// reason about the ambiguous outcome. The checkpoint is advisory: the real
// duplicate-send protection is the server-side idempotency key, so a stale
// checkpoint is discarded rather than retried forever.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL bounds how long an in-flight checkpoint stays actionable.
	DefaultTTL = 24 * time.Hour

	envelopeVersion = 1
)

// Checkpoint is the persisted marker for one in-flight batch.
type Checkpoint struct {
	CheckpointID  string     `json:"checkpointId"`
	UserID        string     `json:"userId"`
	HouseholdID   string     `json:"householdId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	AttemptCount  int        `json:"attemptCount"`
	TTLMs         int64      `json:"ttlMs"`
	RequestID     string     `json:"requestId"`
	InFlight      []string   `json:"inFlightOperationIds"`
}

// Stale reports whether the checkpoint is older than its TTL at the given
// instant. Staleness is measured from the last attempt, or creation when the
// batch was never attempted.
func (c *Checkpoint) Stale(now time.Time) bool {
	ref := c.CreatedAt
	if c.LastAttemptAt != nil {
		ref = *c.LastAttemptAt
	}
	return now.Sub(ref) > time.Duration(c.TTLMs)*time.Millisecond
}

type envelope struct {
	Version   int         `json:"version"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Data      *Checkpoint `json:"data"`
}

// Manager persists at most one checkpoint per user.
type Manager struct {
	dir         string
	userID      string
	householdID string
	ttl         time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu sync.Mutex
}

// NewManager creates a checkpoint manager for one signed-in user.
func NewManager(dir, userID, householdID string, ttl time.Duration, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Manager{
		dir:         dir,
		userID:      userID,
		householdID: householdID,
		ttl:         ttl,
		logger:      logger.With("component", "checkpoint"),
		now:         time.Now,
	}, nil
}

// Begin persists a fresh checkpoint for the operations about to be sent,
// replacing any previous one for this user.
func (m *Manager) Begin(operationIDs []string, requestID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := &Checkpoint{
		CheckpointID: uuid.New().String(),
		UserID:       m.userID,
		HouseholdID:  m.householdID,
		CreatedAt:    m.now().UTC(),
		TTLMs:        m.ttl.Milliseconds(),
		RequestID:    requestID,
		InFlight:     append([]string(nil), operationIDs...),
	}
	if err := m.persist(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Load returns the persisted checkpoint, or nil when none exists. A stale
// checkpoint is deleted and reported as absent so draining resumes normally;
// the idempotency keys protect against the prior request having landed.
func (m *Manager) Load() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.read()
	if err != nil || cp == nil {
		return nil, err
	}
	if cp.Stale(m.now()) {
		m.logger.Info("discarding stale checkpoint",
			"checkpoint_id", cp.CheckpointID,
			"request_id", cp.RequestID,
			"in_flight", len(cp.InFlight))
		return nil, m.remove()
	}
	return cp, nil
}

// RecordAttempt bumps the attempt counter before a (re)send.
func (m *Manager) RecordAttempt() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.read()
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("no checkpoint to record attempt on")
	}
	now := m.now().UTC()
	cp.AttemptCount++
	cp.LastAttemptAt = &now
	if err := m.persist(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Resolve removes the given operation ids from the in-flight set. When the
// set empties, the checkpoint itself is deleted.
func (m *Manager) Resolve(operationIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.read()
	if err != nil || cp == nil {
		return err
	}

	done := make(map[string]bool, len(operationIDs))
	for _, id := range operationIDs {
		done[id] = true
	}
	remaining := cp.InFlight[:0]
	for _, id := range cp.InFlight {
		if !done[id] {
			remaining = append(remaining, id)
		}
	}
	cp.InFlight = remaining

	if len(cp.InFlight) == 0 {
		return m.remove()
	}
	return m.persist(cp)
}

// Clear removes any checkpoint for this user.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove()
}

func (m *Manager) path() string {
	return filepath.Join(m.dir, "checkpoint-"+m.userID+".json")
}

func (m *Manager) persist(cp *Checkpoint) error {
	env := envelope{
		Version:   envelopeVersion,
		UpdatedAt: m.now().UTC(),
		Data:      cp,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(m.path(), data, 0640); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

func (m *Manager) read() (*Checkpoint, error) {
	data, err := os.ReadFile(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Corrupted state is cleared, not fatal.
		m.logger.Warn("checkpoint file corrupted, clearing", "error", err)
		return nil, m.remove()
	}
	if env.Version != envelopeVersion {
		m.logger.Warn("checkpoint file has unsupported version, clearing",
			"version", env.Version)
		return nil, m.remove()
	}
	return env.Data, nil
}

func (m *Manager) remove() error {
	if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
