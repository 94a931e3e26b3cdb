// Package feed keeps a device's cache current: it holds a websocket open to
// the server's change feed and fetches changed entities whenever another
// device of the same user commits a batch. Notices carry no entity data, so
// a missed notice costs nothing but staleness until the next fetch.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hearthware/homesync/internal/cache"
	"github.com/hearthware/homesync/internal/entity"
	"github.com/hearthware/homesync/internal/protocol"
	"github.com/hearthware/homesync/internal/registry"
	"github.com/hearthware/homesync/internal/syncer"
)

// Listener maintains the feed connection and applies fetched changes to the
// cache through the merge applier.
type Listener struct {
	serverURL  string
	token      string
	applier    *cache.Applier
	registry   *registry.Registry
	logger     *slog.Logger
	httpClient *http.Client
	backoff    syncer.Backoff

	mu    sync.Mutex
	since time.Time
}

// NewListener creates a feed listener. serverURL is the http(s) base URL of
// the sync server.
func NewListener(serverURL, token string, applier *cache.Applier, reg *registry.Registry, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		serverURL:  strings.TrimRight(serverURL, "/"),
		token:      token,
		applier:    applier,
		registry:   reg,
		logger:     logger.With("component", "feed_listener"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		backoff:    syncer.Backoff{Min: time.Second, Max: time.Minute},
	}
}

// Run connects to the feed and blocks until ctx is cancelled, reconnecting
// with backoff after every drop.
func (l *Listener) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := l.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		delay := l.backoff.Delay(attempts)
		l.logger.Warn("feed disconnected, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connect dials the feed, catches up with one fetch, then fetches again on
// every notice until the connection drops.
func (l *Listener) connect(ctx context.Context) error {
	wsURL := "ws" + strings.TrimPrefix(l.serverURL, "http") + "/sync/feed?token=" + l.token

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "listener stopped") //nolint:errcheck

	l.logger.Info("feed connected", "server", l.serverURL)

	// Changes committed while disconnected produced no notice; catch up.
	if err := l.Refresh(ctx); err != nil {
		l.logger.Warn("catch-up fetch failed", "error", err)
	}

	for {
		var notice protocol.ChangeNotice
		if err := wsjson.Read(ctx, conn, &notice); err != nil {
			return fmt.Errorf("read notice: %w", err)
		}
		l.logger.Debug("change notice", "collections", notice.Collections)
		if err := l.Refresh(ctx); err != nil {
			l.logger.Warn("fetch after notice failed", "error", err)
		}
	}
}

// Refresh fetches entities changed since the last fetch and merges them into
// the cache. Safe to call from outside the run loop (e.g. app foreground).
func (l *Listener) Refresh(ctx context.Context) error {
	l.mu.Lock()
	since := l.since
	l.mu.Unlock()

	url := l.serverURL + "/sync/changes"
	if !since.IsZero() {
		url += "?since=" + since.Format(time.RFC3339Nano)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build changes request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch changes: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch changes: status %d", resp.StatusCode)
	}

	var changes protocol.ChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&changes); err != nil {
		return fmt.Errorf("decode changes: %w", err)
	}

	byCollection := make(map[string][]entity.Entity)
	for _, e := range changes.Entities {
		byCollection[l.collectionKey(e.Type)] = append(byCollection[l.collectionKey(e.Type)], e)
	}
	for collection, entities := range byCollection {
		l.applier.ApplyRemote(collection, entities)
	}

	l.mu.Lock()
	l.since = changes.Now
	l.mu.Unlock()

	if len(changes.Entities) > 0 {
		l.logger.Debug("applied remote changes", "entities", len(changes.Entities), "collections", len(byCollection))
	}
	return nil
}

func (l *Listener) collectionKey(t entity.Type) string {
	if c, ok := l.registry.Get(t); ok {
		return c.CacheKey
	}
	return string(t) + "s"
}
