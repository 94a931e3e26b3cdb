package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hearthware/homesync/internal/entity"
	"github.com/hearthware/homesync/internal/protocol"
	"github.com/hearthware/homesync/internal/security"
	"github.com/hearthware/homesync/internal/store"
)

// handleSync ingests one batch of client mutations. Every item is claimed in
// the idempotency-key ledger before it is applied, so resending a batch after
// a lost response replays recorded outcomes instead of re-applying.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, err := security.GetClaims(r)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req protocol.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.maxBatch > 0 && len(req.Items) > s.maxBatch {
		s.respondError(w, http.StatusBadRequest, "batch exceeds server limit")
		return
	}

	ctx := r.Context()
	resp := protocol.BatchResponse{Conflicts: []protocol.ConflictResult{}}
	changed := make(map[entity.Type]bool)
	submitted := make([]string, 0, len(req.Items))

	for _, item := range req.Items {
		submitted = append(submitted, item.OperationID)

		inserted, existing, err := s.store.ReserveKey(ctx, claims.UserID, item.OperationID, string(item.EntityType), item.RequestID)
		if err != nil {
			s.logger.Error("idempotency key reservation failed",
				"user", claims.UserID, "operation", item.OperationID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "storage failure")
			return
		}

		// A recorded outcome is replayed verbatim: the retry observes the
		// first attempt's result, with no second application.
		if !inserted && existing.Status == store.KeyCompleted {
			resp.Succeeded = append(resp.Succeeded, protocol.SuccessResult{
				OperationID:   item.OperationID,
				EntityType:    item.EntityType,
				ID:            existing.EntityID,
				ClientLocalID: item.Target.LocalID,
			})
			continue
		}
		if !inserted && existing.Status == store.KeyFailed {
			resp.Conflicts = append(resp.Conflicts, protocol.ConflictResult{
				Type:        item.EntityType,
				OperationID: item.OperationID,
				Reason:      existing.Error,
			})
			continue
		}
		// A pending key means a previous attempt crashed between reserve
		// and apply; the upsert is safe to run again.

		entityID, err := s.store.ApplyMutation(ctx, claims.UserID, item, s.registry.ToggleField(item.EntityType))
		if err != nil {
			if errors.Is(err, store.ErrUnknownEntity) {
				reason := "entity not found"
				if ferr := s.store.FailKey(ctx, claims.UserID, item.OperationID, reason); ferr != nil {
					s.logger.Warn("failed to record key outcome", "operation", item.OperationID, "error", ferr)
				}
				resp.Conflicts = append(resp.Conflicts, protocol.ConflictResult{
					Type:        item.EntityType,
					OperationID: item.OperationID,
					Reason:      reason,
				})
				continue
			}
			s.logger.Error("mutation apply failed",
				"user", claims.UserID, "operation", item.OperationID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "storage failure")
			return
		}

		if err := s.store.CompleteKey(ctx, claims.UserID, item.OperationID, entityID); err != nil {
			s.logger.Warn("failed to record key outcome", "operation", item.OperationID, "error", err)
		}
		resp.Succeeded = append(resp.Succeeded, protocol.SuccessResult{
			OperationID:   item.OperationID,
			EntityType:    item.EntityType,
			ID:            entityID,
			ClientLocalID: item.Target.LocalID,
		})
		changed[item.EntityType] = true
	}

	switch {
	case len(resp.Conflicts) == 0:
		resp.Status = protocol.StatusSynced
	case len(resp.Succeeded) == 0:
		resp.Status = protocol.StatusFailed
	default:
		resp.Status = protocol.StatusPartial
	}

	if !resp.Complete(submitted) {
		s.logger.Error("sync response does not account for every submitted operation",
			"user", claims.UserID, "submitted", len(submitted),
			"succeeded", len(resp.Succeeded), "conflicts", len(resp.Conflicts))
	}

	if len(changed) > 0 {
		collections := make([]entity.Type, 0, len(changed))
		for t := range changed {
			collections = append(collections, t)
		}
		s.feed.Broadcast(ctx, claims.UserID, protocol.ChangeNotice{
			Collections: collections,
			UpdatedAt:   time.Now().UTC(),
		})
	}

	s.respondJSON(w, resp)
}

// handleChanges returns the user's entities updated after the since
// watermark, tombstones included.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, err := security.GetClaims(r)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
	}

	// The next watermark is taken before the query. A row committed while
	// the query runs is then re-sent on the next fetch instead of falling
	// into the gap between query and response; re-sends are merge-safe.
	now := time.Now().UTC()

	entities, err := s.store.ChangesSince(r.Context(), claims.UserID, since)
	if err != nil {
		s.logger.Error("change query failed", "user", claims.UserID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if entities == nil {
		entities = []entity.Entity{}
	}

	s.respondJSON(w, protocol.ChangesResponse{
		Entities: entities,
		Now:      now,
	})
}

func (s *Server) respondError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
