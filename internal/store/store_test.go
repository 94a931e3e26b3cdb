package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthware/homesync/internal/entity"
	"github.com/hearthware/homesync/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "homesync.db"), slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeItem(op entity.Op, localID string, payload string, ts time.Time) protocol.Item {
	return protocol.Item{
		OperationID:     "op-" + localID + "-" + string(op),
		RequestID:       "req-1",
		EntityType:      entity.TypeItem,
		Op:              op,
		Target:          entity.Ref{LocalID: localID},
		Payload:         json.RawMessage(payload),
		ClientTimestamp: ts,
	}
}

func TestReserveKeyInsertFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, existing, err := s.ReserveKey(ctx, "u1", "key-1", string(entity.TypeItem), "req-1")
	if err != nil {
		t.Fatalf("ReserveKey: %v", err)
	}
	if !inserted || existing != nil {
		t.Fatalf("first reservation: inserted=%v existing=%+v", inserted, existing)
	}

	// A retry with the same key must not insert a second row.
	inserted, existing, err = s.ReserveKey(ctx, "u1", "key-1", string(entity.TypeItem), "req-2")
	if err != nil {
		t.Fatalf("ReserveKey retry: %v", err)
	}
	if inserted {
		t.Fatal("duplicate key was inserted")
	}
	if existing == nil || existing.Status != KeyPending {
		t.Fatalf("expected pending record, got %+v", existing)
	}
}

func TestReserveKeyScopedPerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if inserted, _, _ := s.ReserveKey(ctx, "u1", "key-1", "item", "req-1"); !inserted {
		t.Fatal("u1 reservation failed")
	}
	if inserted, _, _ := s.ReserveKey(ctx, "u2", "key-1", "item", "req-1"); !inserted {
		t.Fatal("same key under another user should insert")
	}
}

func TestCompleteAndFailKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.ReserveKey(ctx, "u1", "k-ok", "item", "req-1")    //nolint:errcheck
	s.ReserveKey(ctx, "u1", "k-bad", "item", "req-1")   //nolint:errcheck

	if err := s.CompleteKey(ctx, "u1", "k-ok", "srv-9"); err != nil {
		t.Fatalf("CompleteKey: %v", err)
	}
	if err := s.FailKey(ctx, "u1", "k-bad", "toggle of unknown entity"); err != nil {
		t.Fatalf("FailKey: %v", err)
	}

	_, rec, err := s.ReserveKey(ctx, "u1", "k-ok", "item", "req-1")
	if err != nil {
		t.Fatalf("ReserveKey replay: %v", err)
	}
	if rec.Status != KeyCompleted || rec.EntityID != "srv-9" {
		t.Fatalf("completed record = %+v", rec)
	}
	if rec.ProcessedAt == nil {
		t.Fatal("completed record missing processed_at")
	}

	_, rec, err = s.ReserveKey(ctx, "u1", "k-bad", "item", "req-1")
	if err != nil {
		t.Fatalf("ReserveKey replay: %v", err)
	}
	if rec.Status != KeyFailed || rec.Error != "toggle of unknown entity" {
		t.Fatalf("failed record = %+v", rec)
	}
}

func TestPurgeKeysBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.ReserveKey(ctx, "u1", "old", "item", "req-1") //nolint:errcheck
	cutoff := time.Now().Add(time.Hour)

	n, err := s.PurgeKeysBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeKeysBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d keys, want 1", n)
	}
	inserted, _, err := s.ReserveKey(ctx, "u1", "old", "item", "req-2")
	if err != nil {
		t.Fatalf("ReserveKey after purge: %v", err)
	}
	if !inserted {
		t.Fatal("purged key should be reservable again")
	}
}

func TestApplyMutationCreateUpdateDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.ApplyMutation(ctx, "u1", makeItem(entity.OpCreate, "l1", `{"name":"Milk"}`, base), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("create returned empty id")
	}

	id2, err := s.ApplyMutation(ctx, "u1", makeItem(entity.OpUpdate, "l1", `{"name":"Oat milk"}`, base.Add(time.Minute)), "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if id2 != id {
		t.Fatalf("update returned id %q, want %q", id2, id)
	}

	changes, err := s.ChangesSince(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	var fields map[string]any
	json.Unmarshal(changes[0].Fields, &fields) //nolint:errcheck
	if fields["name"] != "Oat milk" {
		t.Fatalf("fields = %v", fields)
	}

	if _, err := s.ApplyMutation(ctx, "u1", makeItem(entity.OpDelete, "l1", "", base.Add(2*time.Minute)), ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	changes, _ = s.ChangesSince(ctx, "u1", time.Time{})
	if len(changes) != 1 || !changes[0].Deleted() {
		t.Fatalf("expected single tombstone, got %+v", changes)
	}
}

func TestUpdateDoesNotResurrectTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.ApplyMutation(ctx, "u1", makeItem(entity.OpCreate, "l1", `{"name":"Milk"}`, base), "")             //nolint:errcheck
	s.ApplyMutation(ctx, "u1", makeItem(entity.OpDelete, "l1", "", base.Add(time.Minute)), "")           //nolint:errcheck
	s.ApplyMutation(ctx, "u1", makeItem(entity.OpUpdate, "l1", `{"name":"Eggs"}`, base.Add(time.Hour)), "") //nolint:errcheck

	changes, err := s.ChangesSince(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if !changes[0].Deleted() {
		t.Fatal("late update resurrected a deleted entity")
	}
}

func TestDeleteUnknownEntityLeavesTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := makeItem(entity.OpDelete, "ghost", "", time.Now().UTC())
	if _, err := s.ApplyMutation(ctx, "u1", item, ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	changes, _ := s.ChangesSince(ctx, "u1", time.Time{})
	if len(changes) != 1 || !changes[0].Deleted() {
		t.Fatalf("expected tombstone for unknown entity, got %+v", changes)
	}
}

func TestToggleFlipsField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.ApplyMutation(ctx, "u1", makeItem(entity.OpCreate, "l1", `{"name":"Milk","checked":false}`, base), "") //nolint:errcheck

	if _, err := s.ApplyMutation(ctx, "u1", makeItem(entity.OpToggle, "l1", "", base.Add(time.Minute)), "checked"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	changes, _ := s.ChangesSince(ctx, "u1", time.Time{})
	var fields map[string]any
	json.Unmarshal(changes[0].Fields, &fields) //nolint:errcheck
	if fields["checked"] != true {
		t.Fatalf("checked = %v, want true", fields["checked"])
	}

	// Toggling an entity that was never created is a permanent failure.
	_, err := s.ApplyMutation(ctx, "u1", makeItem(entity.OpToggle, "nope", "", base), "checked")
	if !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("toggle unknown: err = %v, want ErrUnknownEntity", err)
	}
}

func TestChangesSinceWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.ApplyMutation(ctx, "u1", makeItem(entity.OpCreate, "a", `{"name":"A"}`, base), "") //nolint:errcheck
	mark := time.Now()
	time.Sleep(5 * time.Millisecond)
	s.ApplyMutation(ctx, "u1", makeItem(entity.OpCreate, "b", `{"name":"B"}`, base.Add(time.Hour)), "") //nolint:errcheck

	changes, err := s.ChangesSince(ctx, "u1", mark)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if len(changes) != 1 || changes[0].LocalID != "b" {
		t.Fatalf("got %+v, want only b", changes)
	}

	// Another user's entities never leak across.
	changes, _ = s.ChangesSince(ctx, "u2", time.Time{})
	if len(changes) != 0 {
		t.Fatalf("cross-user leak: %+v", changes)
	}
}

// An edit made offline carries an old client timestamp but must still reach
// devices whose watermark advanced while it sat in the queue: the watermark
// runs on ingestion time, not the client clock.
func TestChangesSinceSeesLateUpload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	made := time.Now().Add(-time.Hour)
	if _, err := s.ApplyMutation(ctx, "u1", makeItem(entity.OpCreate, "offline-edit", `{"name":"late"}`, made), ""); err != nil {
		t.Fatalf("ApplyMutation: %v", err)
	}

	watermark := time.Now().Add(-30 * time.Minute)
	changes, err := s.ChangesSince(ctx, "u1", watermark)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if len(changes) != 1 || changes[0].LocalID != "offline-edit" {
		t.Fatalf("late upload invisible past the watermark: %+v", changes)
	}
	// The client's LWW timestamp is preserved for merge decisions.
	if !changes[0].UpdatedAt.Equal(time.UnixMilli(made.UnixMilli()).UTC()) {
		t.Errorf("updatedAt = %v, want client time %v", changes[0].UpdatedAt, made)
	}
}
