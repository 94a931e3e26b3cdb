package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthware/homesync/internal/api"
	"github.com/hearthware/homesync/internal/cache"
	"github.com/hearthware/homesync/internal/entity"
	"github.com/hearthware/homesync/internal/protocol"
	"github.com/hearthware/homesync/internal/registry"
	"github.com/hearthware/homesync/internal/security"
	"github.com/hearthware/homesync/internal/store"
)

var testSecret = []byte("feed-test-secret")

func newSyncServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "homesync.db"), slog.Default())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := api.NewServer(0, st, registry.Default(slog.Default()), testSecret, 0, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func commitBatch(t *testing.T, ts *httptest.Server, token string, items ...protocol.Item) {
	t.Helper()
	body, err := json.Marshal(protocol.BatchRequest{Items: items})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/sync", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /sync: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /sync status = %d", resp.StatusCode)
	}
}

func waitForItems(t *testing.T, c *cache.Cache, collection string, want int) []entity.Entity {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.Read(collection); len(got) == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cache %q never reached %d entities (have %d)", collection, want, len(c.Read(collection)))
	return nil
}

func TestListenerAppliesRemoteChanges(t *testing.T) {
	ts := newSyncServer(t)
	phoneToken, err := security.GenerateToken("u1", "house-1", "phone", "", testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tabletToken, err := security.GenerateToken("u1", "house-1", "tablet", "", testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// The phone committed before the tablet came online.
	commitBatch(t, ts, phoneToken, protocol.Item{
		OperationID:     "op-1",
		EntityType:      entity.TypeItem,
		Op:              entity.OpCreate,
		Target:          entity.Ref{LocalID: "l-milk"},
		Payload:         json.RawMessage(`{"name":"Milk"}`),
		ClientTimestamp: time.Now().UTC(),
	})

	c := cache.New()
	applier := cache.NewApplier(c, cache.NewBus(), slog.Default())
	l := NewListener(ts.URL, tabletToken, applier, registry.Default(slog.Default()), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx) //nolint:errcheck

	// Catch-up fetch delivers the pre-connection commit.
	items := waitForItems(t, c, "items", 1)
	if items[0].LocalID != "l-milk" {
		t.Fatalf("unexpected entity: %+v", items[0])
	}

	// A live commit reaches the tablet through a notice.
	commitBatch(t, ts, phoneToken, protocol.Item{
		OperationID:     "op-2",
		EntityType:      entity.TypeItem,
		Op:              entity.OpCreate,
		Target:          entity.Ref{LocalID: "l-eggs"},
		Payload:         json.RawMessage(`{"name":"Eggs"}`),
		ClientTimestamp: time.Now().UTC(),
	})
	waitForItems(t, c, "items", 2)
}

func TestListenerDropsDeletedEntities(t *testing.T) {
	ts := newSyncServer(t)
	phoneToken, _ := security.GenerateToken("u1", "house-1", "phone", "", testSecret, time.Hour)
	tabletToken, _ := security.GenerateToken("u1", "house-1", "tablet", "", testSecret, time.Hour)

	now := time.Now().UTC()
	commitBatch(t, ts, phoneToken,
		protocol.Item{
			OperationID: "op-1", EntityType: entity.TypeItem, Op: entity.OpCreate,
			Target: entity.Ref{LocalID: "l-milk"}, Payload: json.RawMessage(`{"name":"Milk"}`),
			ClientTimestamp: now,
		},
		protocol.Item{
			OperationID: "op-2", EntityType: entity.TypeItem, Op: entity.OpCreate,
			Target: entity.Ref{LocalID: "l-eggs"}, Payload: json.RawMessage(`{"name":"Eggs"}`),
			ClientTimestamp: now,
		},
	)

	c := cache.New()
	applier := cache.NewApplier(c, cache.NewBus(), slog.Default())
	l := NewListener(ts.URL, tabletToken, applier, registry.Default(slog.Default()), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx) //nolint:errcheck
	waitForItems(t, c, "items", 2)

	commitBatch(t, ts, phoneToken, protocol.Item{
		OperationID: "op-3", EntityType: entity.TypeItem, Op: entity.OpDelete,
		Target:          entity.Ref{LocalID: "l-milk"},
		ClientTimestamp: now.Add(time.Second),
	})

	// The tombstone replaces the live copy; only l-eggs remains visible.
	deadline := time.Now().Add(5 * time.Second)
	for {
		var live []entity.Entity
		for _, e := range c.Read("items") {
			if !e.Deleted() {
				live = append(live, e)
			}
		}
		if len(live) == 1 && live[0].LocalID == "l-eggs" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deletion never applied: %+v", c.Read("items"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRefreshWithoutConnection(t *testing.T) {
	ts := newSyncServer(t)
	token, _ := security.GenerateToken("u1", "house-1", "phone", "", testSecret, time.Hour)

	commitBatch(t, ts, token, protocol.Item{
		OperationID: "op-1", EntityType: entity.TypeChore, Op: entity.OpCreate,
		Target: entity.Ref{LocalID: "l-dishes"}, Payload: json.RawMessage(`{"name":"Dishes"}`),
		ClientTimestamp: time.Now().UTC(),
	})

	c := cache.New()
	applier := cache.NewApplier(c, cache.NewBus(), slog.Default())
	l := NewListener(ts.URL, token, applier, registry.Default(slog.Default()), slog.Default())

	// A direct fetch works without the websocket ever connecting.
	if err := l.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := c.Read("chores"); len(got) != 1 {
		t.Fatalf("chores = %+v", got)
	}
}

func TestRefreshAdvancesWatermark(t *testing.T) {
	ts := newSyncServer(t)
	token, _ := security.GenerateToken("u1", "house-1", "phone", "", testSecret, time.Hour)

	c := cache.New()
	applier := cache.NewApplier(c, cache.NewBus(), slog.Default())
	l := NewListener(ts.URL, token, applier, registry.Default(slog.Default()), slog.Default())

	if err := l.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	l.mu.Lock()
	first := l.since
	l.mu.Unlock()
	if first.IsZero() {
		t.Fatal("watermark not advanced")
	}
}
