// Package merge implements deterministic last-write-wins conflict resolution
// with tombstone dominance between local and remote entity states.
//
// Policy, in order of precedence:
//  1. a tombstone on either side wins regardless of timestamps
//  2. otherwise the side with the strictly newer updatedAt wins
//  3. on exactly equal timestamps the remote side wins
//
// The winner replaces the loser wholesale; field-level mixing is never
// performed. The local-only localId survives every merge.
package merge

import (
	"time"

	"github.com/hearthware/homesync/internal/entity"
)

// Side identifies the winner of a conflict.
type Side int

const (
	RemoteWins Side = iota
	LocalWins
)

// CompareTimestamps compares two instants after normalizing to UTC. All sync
// timestamps are UTC by policy; no local-timezone adjustment is applied.
// Returns -1 if a is before b, 0 if equal, 1 if after.
func CompareTimestamps(a, b time.Time) int {
	au, bu := a.UTC(), b.UTC()
	switch {
	case au.Before(bu):
		return -1
	case au.After(bu):
		return 1
	default:
		return 0
	}
}

// ParseTimestamp normalizes an RFC 3339 string to a UTC instant. Payloads
// produced by older clients carry string timestamps; everything else in the
// core already uses time.Time.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// DetermineWinner picks the surviving side by updatedAt. Remote wins ties:
// once the server has acknowledged a state it is treated as authoritative
// when the clocks cannot break the tie.
func DetermineWinner(local, remote entity.Entity) Side {
	if CompareTimestamps(local.UpdatedAt, remote.UpdatedAt) > 0 {
		return LocalWins
	}
	return RemoteWins
}

// EntitiesLWW resolves a local/remote pair by last-write-wins. The winning
// entity replaces the other wholesale, except localId, which only the client
// knows and which is always preserved from the local side.
func EntitiesLWW(local, remote entity.Entity) entity.Entity {
	var winner entity.Entity
	if DetermineWinner(local, remote) == LocalWins {
		winner = local
	} else {
		winner = remote
	}
	if local.LocalID != "" {
		winner.LocalID = local.LocalID
	}
	return winner
}

// EntitiesWithTombstones resolves a pair with deletion dominance: a
// tombstone on either side wins no matter which updatedAt is newer. A delete
// can only be undone by a genuinely new entity with a different identity,
// never by a later update to the same identity. When both sides are deleted
// the entity is absent and ok is false; the caller drops it.
func EntitiesWithTombstones(local, remote entity.Entity) (merged entity.Entity, ok bool) {
	switch {
	case local.Deleted() && remote.Deleted():
		return entity.Entity{}, false
	case local.Deleted():
		merged = local
	case remote.Deleted():
		merged = remote
		if local.LocalID != "" {
			merged.LocalID = local.LocalID
		}
	default:
		merged = EntitiesLWW(local, remote)
	}
	return merged, true
}

// EntityArrays merges two entity collections by identity key in O(n+m).
// Entries present on only one side are kept unless tombstoned; entries on
// both sides merge pairwise. The resulting set does not depend on the input
// ordering of either slice.
func EntityArrays(local, remote []entity.Entity) []entity.Entity {
	remoteByKey := make(map[string]entity.Entity, len(remote))
	for _, r := range remote {
		remoteByKey[r.Key()] = r
	}

	out := make([]entity.Entity, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(local))

	for _, l := range local {
		k := l.Key()
		seen[k] = true
		r, both := remoteByKey[k]
		if !both {
			if l.Deleted() {
				continue
			}
			out = append(out, l)
			continue
		}
		if merged, ok := EntitiesWithTombstones(l, r); ok {
			out = append(out, merged)
		}
	}

	for _, r := range remote {
		if seen[r.Key()] {
			continue
		}
		if r.Deleted() {
			continue
		}
		out = append(out, r)
	}

	return out
}
