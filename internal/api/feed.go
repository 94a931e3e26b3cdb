package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/hearthware/homesync/internal/protocol"
	"github.com/hearthware/homesync/internal/security"
)

// Feed pushes change notices to the user's other connected devices. Notices
// carry collection names only; receivers fetch the actual entities.
type Feed struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{} // userID -> connections
}

// NewFeed creates an empty feed hub.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		logger: logger.With("component", "feed"),
		conns:  make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (f *Feed) add(userID string, conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conns[userID] == nil {
		f.conns[userID] = make(map[*websocket.Conn]struct{})
	}
	f.conns[userID][conn] = struct{}{}
}

func (f *Feed) remove(userID string, conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns[userID], conn)
	if len(f.conns[userID]) == 0 {
		delete(f.conns, userID)
	}
}

// Listeners reports how many connections the user currently has.
func (f *Feed) Listeners(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[userID])
}

// Broadcast sends a change notice to every connection of the user. Write
// failures drop the connection; the device will reconnect and fetch.
func (f *Feed) Broadcast(ctx context.Context, userID string, notice protocol.ChangeNotice) {
	f.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(f.conns[userID]))
	for conn := range f.conns[userID] {
		targets = append(targets, conn)
	}
	f.mu.Unlock()

	for _, conn := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, conn, notice)
		cancel()
		if err != nil {
			f.logger.Debug("feed write failed, dropping connection", "user", userID, "error", err)
			f.remove(userID, conn)
			conn.Close(websocket.StatusGoingAway, "write failed") //nolint:errcheck
		}
	}
}

// handleFeed upgrades the request to a websocket and holds it open until the
// client disconnects. The feed is push-only; inbound frames are discarded.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	claims, err := security.GetClaims(r)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-user devices connect from app webviews
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}

	s.feed.add(claims.UserID, conn)
	s.logger.Info("feed connected", "user", claims.UserID, "device", claims.DeviceID)

	defer func() {
		s.feed.remove(claims.UserID, conn)
		conn.Close(websocket.StatusNormalClosure, "session ended") //nolint:errcheck
		s.logger.Debug("feed disconnected", "user", claims.UserID, "device", claims.DeviceID)
	}()

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
