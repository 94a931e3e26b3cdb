package queue

import (
	"log/slog"
	"sort"

	"github.com/hearthware/homesync/internal/entity"
)

// Compact collapses same-entity mutation chains into the minimal equivalent
// mutation. It is a pure function of the timestamp-ordered input: compacting
// an already-compacted queue returns it unchanged, and after compaction at
// most one live write exists per (entityType, localId).
func Compact(writes []Write, logger *slog.Logger) []Write {
	if logger == nil {
		logger = slog.Default()
	}
	if len(writes) <= 1 {
		return append([]Write(nil), writes...)
	}

	ordered := append([]Write(nil), writes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ClientTimestamp.Before(ordered[j].ClientTimestamp)
	})

	out := make([]Write, 0, len(ordered))
	index := make(map[key]int, len(ordered))

	for _, incoming := range ordered {
		k := incoming.compactionKey()
		at, exists := index[k]
		if !exists {
			index[k] = len(out)
			out = append(out, incoming)
			continue
		}

		existing := out[at]
		merged, drop := mergePair(existing, incoming, logger)
		if drop {
			// create followed by delete: the entity never reached the
			// server, so nothing needs to be sent at all.
			out = append(out[:at], out[at+1:]...)
			delete(index, k)
			for kk, idx := range index {
				if idx > at {
					index[kk] = idx - 1
				}
			}
			continue
		}
		out[at] = merged
	}

	return out
}

// mergePair applies the compaction table to one existing/incoming pair.
// drop=true removes the entity from the queue entirely.
func mergePair(existing, incoming Write, logger *slog.Logger) (merged Write, drop bool) {
	switch {
	case existing.Op == entity.OpCreate && incoming.Op == entity.OpUpdate:
		return replacePayload(existing, incoming), false
	case existing.Op == entity.OpUpdate && incoming.Op == entity.OpUpdate:
		return replacePayload(existing, incoming), false
	case existing.Op == entity.OpCreate && incoming.Op == entity.OpDelete:
		return Write{}, true
	case existing.Op == entity.OpDelete && incoming.Op == entity.OpUpdate:
		// Tombstone wins; the late update is discarded.
		return existing, false
	case existing.Op == entity.OpDelete && incoming.Op == entity.OpDelete:
		return existing, false
	default:
		logger.Warn("unexpected compaction pair, keeping latest",
			"entity_type", existing.EntityType,
			"local_id", existing.Target.LocalID,
			"existing_op", existing.Op,
			"incoming_op", incoming.Op)
		return incoming, false
	}
}

// replacePayload keeps the existing op but takes the incoming payload and
// timestamp, re-deriving the operation id so it still matches the merged
// mutation's identity.
func replacePayload(existing, incoming Write) Write {
	merged := existing
	merged.Payload = incoming.Payload
	merged.ClientTimestamp = incoming.ClientTimestamp
	if incoming.Target.ServerID != "" {
		merged.Target.ServerID = incoming.Target.ServerID
	}
	merged.OperationID = OperationID(merged.EntityType, merged.Target.LocalID, merged.Op, merged.ClientTimestamp)
	return merged
}
