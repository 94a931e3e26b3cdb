package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Idempotency key statuses.
const (
	KeyPending   = "PENDING"
	KeyCompleted = "COMPLETED"
	KeyFailed    = "FAILED"
)

// KeyRecord is one row of the idempotency ledger.
type KeyRecord struct {
	UserID      string
	Key         string
	EntityType  string
	EntityID    string
	RequestID   string
	Status      string
	Error       string
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// ReserveKey attempts the insert-first claim of (userID, key). inserted is
// true when this call won the key and the mutation should be applied; false
// means the operation was already processed (or is concurrently in flight)
// and existing carries the recorded outcome. This is an atomic insert that
// fails on conflict, never a read-then-write.
func (s *Store) ReserveKey(ctx context.Context, userID, key, entityType, requestID string) (inserted bool, existing *KeyRecord, err error) {
	s.writeMu.Lock()
	res, insertErr := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (user_id, key, entity_type, request_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, key) DO NOTHING`,
		userID, key, entityType, requestID, KeyPending, time.Now().UnixMilli(),
	)
	s.writeMu.Unlock()
	if insertErr != nil {
		return false, nil, fmt.Errorf("reserve key: %w", insertErr)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("reserve key: %w", err)
	}
	if n > 0 {
		return true, nil, nil
	}

	rec, err := s.getKey(ctx, userID, key)
	if err != nil {
		return false, nil, err
	}
	return false, rec, nil
}

// CompleteKey marks a reserved key as successfully applied.
func (s *Store) CompleteKey(ctx context.Context, userID, key, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = ?, entity_id = ?, processed_at = ?
		 WHERE user_id = ? AND key = ?`,
		KeyCompleted, entityID, time.Now().UnixMilli(), userID, key,
	)
	if err != nil {
		return fmt.Errorf("complete key: %w", err)
	}
	return nil
}

// FailKey records that applying the mutation behind a reserved key failed.
func (s *Store) FailKey(ctx context.Context, userID, key, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = ?, error = ?, processed_at = ?
		 WHERE user_id = ? AND key = ?`,
		KeyFailed, reason, time.Now().UnixMilli(), userID, key,
	)
	if err != nil {
		return fmt.Errorf("fail key: %w", err)
	}
	return nil
}

// PurgeKeysBefore deletes ledger rows older than the cutoff. Keys only need
// to live as long as a client could plausibly retry the operation.
func (s *Store) PurgeKeysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge keys: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) getKey(ctx context.Context, userID, key string) (*KeyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, key, entity_type, entity_id, request_id, status, error, processed_at, created_at
		 FROM idempotency_keys WHERE user_id = ? AND key = ?`,
		userID, key,
	)

	var rec KeyRecord
	var processedAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&rec.UserID, &rec.Key, &rec.EntityType, &rec.EntityID,
		&rec.RequestID, &rec.Status, &rec.Error, &processedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key record vanished for %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if processedAt.Valid {
		t := time.UnixMilli(processedAt.Int64).UTC()
		rec.ProcessedAt = &t
	}
	return &rec, nil
}
