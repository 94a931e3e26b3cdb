package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hearthware/homesync/internal/entity"
	"github.com/hearthware/homesync/internal/protocol"
)

// ErrUnknownEntity is returned when a toggle targets an entity the server
// has never seen.
var ErrUnknownEntity = errors.New("store: unknown entity")

// ApplyMutation upserts one client mutation. Conflict resolution already
// happened client-side before the mutation was queued, so this is a plain
// upsert with no server-side timestamp merge. toggleField names the boolean
// flipped by toggle ops for this entity type.
func (s *Store) ApplyMutation(ctx context.Context, userID string, item protocol.Item, toggleField string) (entityID string, err error) {
	switch item.Op {
	case entity.OpCreate, entity.OpUpdate:
		return s.upsertEntity(ctx, userID, item)
	case entity.OpDelete:
		return s.deleteEntity(ctx, userID, item)
	case entity.OpToggle:
		return s.toggleEntity(ctx, userID, item, toggleField)
	default:
		return "", fmt.Errorf("unsupported op %q", item.Op)
	}
}

func (s *Store) upsertEntity(ctx context.Context, userID string, item protocol.Item) (string, error) {
	id, err := s.entityID(ctx, userID, item)
	if err != nil {
		return "", err
	}

	fields := string(item.Payload)
	if fields == "" {
		fields = "{}"
	}
	ts := item.ClientTimestamp.UnixMilli()
	syncedAt := time.Now().UnixMilli()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// deleted_at is deliberately left untouched: a later update must not
	// resurrect a tombstoned identity.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (user_id, entity_type, local_id, id, fields, created_at, updated_at, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, entity_type, local_id) DO UPDATE SET
		   fields = excluded.fields,
		   updated_at = excluded.updated_at,
		   synced_at = excluded.synced_at`,
		userID, string(item.EntityType), item.Target.LocalID, id, fields, ts, ts, syncedAt,
	)
	if err != nil {
		return "", fmt.Errorf("upsert entity: %w", err)
	}
	return id, nil
}

func (s *Store) deleteEntity(ctx context.Context, userID string, item protocol.Item) (string, error) {
	id, err := s.entityID(ctx, userID, item)
	if err != nil {
		return "", err
	}

	ts := item.ClientTimestamp.UnixMilli()
	syncedAt := time.Now().UnixMilli()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET deleted_at = ?, updated_at = ?, synced_at = ?
		 WHERE user_id = ? AND entity_type = ? AND local_id = ?`,
		ts, ts, syncedAt, userID, string(item.EntityType), item.Target.LocalID,
	)
	if err != nil {
		return "", fmt.Errorf("delete entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("delete entity: %w", err)
	}
	if n == 0 {
		// A delete for an identity the server never stored still leaves a
		// tombstone, so other devices drop their copy.
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO entities (user_id, entity_type, local_id, id, fields, created_at, updated_at, synced_at, deleted_at)
			 VALUES (?, ?, ?, ?, '{}', ?, ?, ?, ?)`,
			userID, string(item.EntityType), item.Target.LocalID, id, ts, ts, syncedAt, ts,
		)
		if err != nil {
			return "", fmt.Errorf("insert tombstone: %w", err)
		}
	}
	return id, nil
}

func (s *Store) toggleEntity(ctx context.Context, userID string, item protocol.Item, toggleField string) (string, error) {
	if toggleField == "" {
		toggleField = "completed"
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, fields FROM entities
		 WHERE user_id = ? AND entity_type = ? AND local_id = ?`,
		userID, string(item.EntityType), item.Target.LocalID,
	)
	var id, fieldsJSON string
	if err := row.Scan(&id, &fieldsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s/%s", ErrUnknownEntity, item.EntityType, item.Target.LocalID)
		}
		return "", fmt.Errorf("read entity: %w", err)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return "", fmt.Errorf("parse entity fields: %w", err)
	}
	current, _ := fields[toggleField].(bool)
	fields[toggleField] = !current

	updated, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal entity fields: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`UPDATE entities SET fields = ?, updated_at = ?, synced_at = ?
		 WHERE user_id = ? AND entity_type = ? AND local_id = ?`,
		string(updated), item.ClientTimestamp.UnixMilli(), time.Now().UnixMilli(),
		userID, string(item.EntityType), item.Target.LocalID,
	)
	if err != nil {
		return "", fmt.Errorf("toggle entity: %w", err)
	}
	return id, nil
}

// ChangesSince returns every entity of the user ingested after the
// watermark, tombstones included, ordered by ingestion time. The filter
// runs on synced_at, not the client's updated_at, so an edit uploaded long
// after it was made still reaches devices whose watermark has moved on.
func (s *Store) ChangesSince(ctx context.Context, userID string, since time.Time) ([]entity.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, local_id, id, fields, created_at, updated_at, deleted_at
		 FROM entities
		 WHERE user_id = ? AND synced_at > ?
		 ORDER BY synced_at ASC`,
		userID, since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []entity.Entity
	for rows.Next() {
		var (
			e                    entity.Entity
			et, fields           string
			createdAt, updatedAt int64
			deletedAt            sql.NullInt64
		)
		if err := rows.Scan(&et, &e.LocalID, &e.ID, &fields, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Type = entity.Type(et)
		e.Fields = json.RawMessage(fields)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		if deletedAt.Valid {
			t := time.UnixMilli(deletedAt.Int64).UTC()
			e.DeletedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// entityID returns the stored server id for the target, or mints one.
func (s *Store) entityID(ctx context.Context, userID string, item protocol.Item) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM entities WHERE user_id = ? AND entity_type = ? AND local_id = ?`,
		userID, string(item.EntityType), item.Target.LocalID,
	)
	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if item.Target.ServerID != "" {
			return item.Target.ServerID, nil
		}
		return uuid.New().String(), nil
	}
	if err != nil {
		return "", fmt.Errorf("read entity id: %w", err)
	}
	return id, nil
}
