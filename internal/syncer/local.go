package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hearthware/homesync/internal/cache"
	"github.com/hearthware/homesync/internal/entity"
	"github.com/hearthware/homesync/internal/protocol"
	"github.com/hearthware/homesync/internal/registry"
)

// LocalTransport is the guest-mode Transport. A device without credentials
// runs the same queue and worker as a signed-in one, but batches drain into
// the local cache instead of the network. The mode is picked once at
// startup; the worker never knows which transport it holds.
type LocalTransport struct {
	cache    *cache.Cache
	registry *registry.Registry
	logger   *slog.Logger
}

func NewLocalTransport(c *cache.Cache, reg *registry.Registry, logger *slog.Logger) *LocalTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalTransport{
		cache:    c,
		registry: reg,
		logger:   logger.With("component", "transport", "mode", "local"),
	}
}

// Send applies every item to the cache. Items never fail transiently here,
// so the result is always a complete success/conflict split.
func (t *LocalTransport) Send(_ context.Context, req protocol.BatchRequest) (*protocol.BatchResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	resp := &protocol.BatchResponse{Conflicts: []protocol.ConflictResult{}}
	for _, item := range req.Items {
		id, err := t.apply(item)
		if err != nil {
			resp.Conflicts = append(resp.Conflicts, protocol.ConflictResult{
				Type:        item.EntityType,
				OperationID: item.OperationID,
				Reason:      err.Error(),
			})
			continue
		}
		resp.Succeeded = append(resp.Succeeded, protocol.SuccessResult{
			OperationID:   item.OperationID,
			EntityType:    item.EntityType,
			ID:            id,
			ClientLocalID: item.Target.LocalID,
		})
	}

	switch {
	case len(resp.Conflicts) == 0:
		resp.Status = protocol.StatusSynced
	case len(resp.Succeeded) == 0:
		resp.Status = protocol.StatusFailed
	default:
		resp.Status = protocol.StatusPartial
	}
	return resp, nil
}

func (t *LocalTransport) apply(item protocol.Item) (string, error) {
	collection := t.collectionKey(item.EntityType)
	entities := t.cache.Read(collection)

	idx := -1
	for i := range entities {
		if entities[i].Key() == item.Target.LocalID {
			idx = i
			break
		}
	}

	switch item.Op {
	case entity.OpCreate, entity.OpUpdate:
		updated := entity.Entity{
			LocalID:   item.Target.LocalID,
			Type:      item.EntityType,
			Fields:    item.Payload,
			UpdatedAt: item.ClientTimestamp,
		}
		if idx >= 0 {
			updated.ID = entities[idx].ID
			updated.CreatedAt = entities[idx].CreatedAt
			entities[idx] = updated
		} else {
			updated.ID = uuid.New().String()
			updated.CreatedAt = item.ClientTimestamp
			entities = append(entities, updated)
		}
		t.cache.Write(collection, entities)
		return updated.ID, nil

	case entity.OpDelete:
		if idx < 0 {
			return "", nil
		}
		id := entities[idx].ID
		t.cache.Write(collection, append(entities[:idx], entities[idx+1:]...))
		return id, nil

	case entity.OpToggle:
		if idx < 0 {
			return "", fmt.Errorf("entity not found")
		}
		field := t.registry.ToggleField(item.EntityType)
		if field == "" {
			field = "completed"
		}
		fields := make(map[string]any)
		if len(entities[idx].Fields) > 0 {
			if err := json.Unmarshal(entities[idx].Fields, &fields); err != nil {
				return "", fmt.Errorf("cached fields unreadable: %v", err)
			}
		}
		current, _ := fields[field].(bool)
		fields[field] = !current
		raw, err := json.Marshal(fields)
		if err != nil {
			return "", err
		}
		entities[idx].Fields = raw
		entities[idx].UpdatedAt = item.ClientTimestamp
		t.cache.Write(collection, entities)
		return entities[idx].ID, nil
	}
	return "", fmt.Errorf("unsupported op %q", item.Op)
}

func (t *LocalTransport) collectionKey(typ entity.Type) string {
	if c, ok := t.registry.Get(typ); ok {
		return c.CacheKey
	}
	return string(typ) + "s"
}

var _ Transport = (*LocalTransport)(nil)
