package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity even
// after compaction. The caller surfaces it to the user instead of the queue
// silently dropping edits.
var ErrQueueFull = errors.New("queue: full")

const (
	// DefaultMaxSize bounds the number of pending writes.
	DefaultMaxSize = 500

	envelopeVersion = 1
)

// envelope wraps the persisted queue so future schema changes are detectable.
// An unknown version degrades to an empty queue instead of crashing.
type envelope struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Data      []Write   `json:"data"`
}

// Store is the durable write queue. Every mutation is a read-modify-write
// of the backing JSON file under a cross-process file lock, so a second
// Store over the same directory (the add/status subcommands while the agent
// daemon runs) cannot lose each other's writes.
type Store struct {
	dir     string
	maxSize int
	logger  *slog.Logger
	flk     *flock.Flock

	mu     sync.Mutex
	writes []Write
}

// NewStore opens (or creates) the queue file under dir. A corrupted or
// unreadable file degrades to an empty queue: pending writes are lost but the
// app keeps working, and operation-id derivation makes re-created mutations
// safe to resend.
func NewStore(dir string, maxSize int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		maxSize: maxSize,
		logger:  logger.With("component", "queue"),
		flk:     flock.New(filepath.Join(dir, "write-queue.lock")),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flk.Lock(); err != nil {
		return nil, fmt.Errorf("lock queue: %w", err)
	}
	defer s.flk.Unlock() //nolint:errcheck
	s.load()
	return s, nil
}

// Enqueue appends a pending write. At capacity it first compacts; if the
// queue is still full the write is rejected with ErrQueueFull.
func (s *Store) Enqueue(w Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.OperationID == "" {
		w.OperationID = OperationID(w.EntityType, w.Target.LocalID, w.Op, w.ClientTimestamp)
	}
	if w.Status == "" {
		w.Status = StatusPending
	}

	return s.withFileLock(func() error {
		if len(s.writes) >= s.maxSize {
			s.writes = Compact(s.writes, s.logger)
		}
		if len(s.writes) >= s.maxSize {
			s.logger.Warn("queue at capacity, rejecting write",
				"entity_type", w.EntityType,
				"local_id", w.Target.LocalID,
				"size", len(s.writes))
			return ErrQueueFull
		}

		s.writes = append(s.writes, w)
		s.sortLocked()
		return s.persist()
	})
}

// ReadAll re-reads the file and returns the queue ordered by client
// timestamp, so the daemon's next pass sees writes another process enqueued.
func (s *Store) ReadAll() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flk.Lock(); err != nil {
		s.logger.Warn("lock queue for read", "error", err)
	} else {
		s.load()
		s.flk.Unlock() //nolint:errcheck
	}
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// Apply merges a worker's reconciliation back into the queue: upserts
// replace (or insert) writes by operation id and removeIDs are dropped.
// Writes enqueued meanwhile by another process are untouched, because the
// current file contents, not the worker's snapshot, are the base.
func (s *Store) Apply(upserts []Write, removeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(func() error {
		removed := make(map[string]bool, len(removeIDs))
		for _, id := range removeIDs {
			removed[id] = true
		}
		replace := make(map[string]Write, len(upserts))
		for _, w := range upserts {
			replace[w.OperationID] = w
		}

		next := make([]Write, 0, len(s.writes)+len(upserts))
		for _, w := range s.writes {
			if removed[w.OperationID] {
				continue
			}
			if nw, ok := replace[w.OperationID]; ok {
				next = append(next, nw)
				delete(replace, w.OperationID)
				continue
			}
			next = append(next, w)
		}
		// Upserts the file no longer holds, e.g. writes compaction merged
		// under a fresh operation id.
		for _, w := range upserts {
			if _, ok := replace[w.OperationID]; ok && !removed[w.OperationID] {
				next = append(next, w)
			}
		}

		s.writes = next
		s.sortLocked()
		return s.persist()
	})
}

// withFileLock holds the cross-process lock around one read-modify-write:
// the file is re-read so mutations base on what is actually on disk.
func (s *Store) withFileLock(fn func() error) error {
	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("lock queue: %w", err)
	}
	defer s.flk.Unlock() //nolint:errcheck
	s.load()
	return fn()
}

// Len returns the number of pending writes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.writes, func(i, j int) bool {
		return s.writes[i].ClientTimestamp.Before(s.writes[j].ClientTimestamp)
	})
}

func (s *Store) path() string {
	return filepath.Join(s.dir, "write-queue.json")
}

func (s *Store) persist() error {
	env := envelope{
		Version:   envelopeVersion,
		UpdatedAt: time.Now().UTC(),
		Data:      s.writes,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := os.WriteFile(s.path(), data, 0640); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("queue file unreadable, starting empty", "error", err)
		}
		s.writes = nil
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("queue file corrupted, starting empty", "error", err)
		s.writes = nil
		return
	}
	if env.Version != envelopeVersion {
		s.logger.Warn("queue file has unsupported version, starting empty",
			"version", env.Version)
		s.writes = nil
		return
	}

	s.writes = env.Data
	s.sortLocked()
}
