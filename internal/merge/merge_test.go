package merge

import (
	"encoding/json"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/hearthware/homesync/internal/entity"
)

func makeEntity(localID, serverID string, updatedAt time.Time, deleted bool, fields string) entity.Entity {
	e := entity.Entity{
		ID:        serverID,
		LocalID:   localID,
		Type:      entity.TypeChore,
		Fields:    json.RawMessage(fields),
		CreatedAt: updatedAt.Add(-time.Hour),
		UpdatedAt: updatedAt,
	}
	if deleted {
		d := updatedAt
		e.DeletedAt = &d
	}
	return e
}

func TestCompareTimestampsNormalizesZones(t *testing.T) {
	utc := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cet := utc.In(time.FixedZone("CET", 3600))

	if got := CompareTimestamps(utc, cet); got != 0 {
		t.Fatalf("same instant in different zones compared as %d", got)
	}
	if got := CompareTimestamps(utc, utc.Add(time.Nanosecond)); got != -1 {
		t.Fatalf("expected -1 for earlier instant, got %d", got)
	}
	if got := CompareTimestamps(utc.Add(time.Second), utc); got != 1 {
		t.Fatalf("expected 1 for later instant, got %d", got)
	}
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("2026-03-01T13:00:00+01:00")
	if err != nil {
		t.Fatalf("ParseTimestamp failed: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for garbage timestamp")
	}
}

func TestDetermineWinnerRemoteWinsTies(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := makeEntity("l-1", "", ts, false, `{"name":"local"}`)
	remote := makeEntity("", "s-1", ts, false, `{"name":"remote"}`)

	if DetermineWinner(local, remote) != RemoteWins {
		t.Fatalf("equal timestamps must resolve to remote")
	}
	local.UpdatedAt = ts.Add(time.Millisecond)
	if DetermineWinner(local, remote) != LocalWins {
		t.Fatalf("strictly newer local must win")
	}
}

func TestEntitiesLWWPreservesLocalID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := makeEntity("local-7", "s-1", ts, false, `{"name":"old"}`)
	remote := makeEntity("", "s-1", ts.Add(time.Minute), false, `{"name":"new"}`)

	got := EntitiesLWW(local, remote)
	if string(got.Fields) != `{"name":"new"}` {
		t.Errorf("remote fields should replace local wholesale, got %s", got.Fields)
	}
	if got.LocalID != "local-7" {
		t.Errorf("localId must survive the merge, got %q", got.LocalID)
	}
}

func TestTombstoneDominance(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Deletion wins even when the live side is newer, on either side.
	for _, tc := range []struct {
		name          string
		local, remote entity.Entity
	}{
		{"local deleted older", makeEntity("l", "s", ts, true, ``), makeEntity("l", "s", ts.Add(time.Hour), false, `{}`)},
		{"remote deleted older", makeEntity("l", "s", ts.Add(time.Hour), false, `{}`), makeEntity("", "s", ts, true, ``)},
	} {
		merged, ok := EntitiesWithTombstones(tc.local, tc.remote)
		if !ok {
			t.Fatalf("%s: expected a merged entity, got absent", tc.name)
		}
		if !merged.Deleted() {
			t.Errorf("%s: deletion must win regardless of updatedAt", tc.name)
		}
		if merged.LocalID != "l" {
			t.Errorf("%s: localId lost in merge", tc.name)
		}
	}

	// Both deleted: absent.
	_, ok := EntitiesWithTombstones(
		makeEntity("l", "s", ts, true, ``),
		makeEntity("", "s", ts.Add(time.Minute), true, ``),
	)
	if ok {
		t.Fatalf("both sides deleted must merge to absent")
	}
}

func keys(entities []entity.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Key())
	}
	sort.Strings(out)
	return out
}

func TestEntityArraysMerge(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	local := []entity.Entity{
		makeEntity("a", "", ts.Add(time.Minute), false, `{"v":"local"}`), // newer than remote
		makeEntity("b", "", ts, false, `{"v":"local"}`),                  // older than remote
		makeEntity("c", "", ts, false, `{"v":"local-only"}`),             // local only, kept
		makeEntity("d", "", ts, true, ``),                                // local only, deleted: dropped
	}
	remote := []entity.Entity{
		makeEntity("a", "s-a", ts, false, `{"v":"remote"}`),
		makeEntity("b", "s-b", ts.Add(time.Minute), false, `{"v":"remote"}`),
		makeEntity("", "s-e", ts, false, `{"v":"remote-only"}`), // remote only, kept
	}

	got := EntityArrays(local, remote)

	wantKeys := []string{"a", "b", "c", "s-e"}
	gotKeys := keys(got)
	if len(gotKeys) != len(wantKeys) {
		t.Fatalf("expected keys %v, got %v", wantKeys, gotKeys)
	}
	for i := range wantKeys {
		if gotKeys[i] != wantKeys[i] {
			t.Fatalf("expected keys %v, got %v", wantKeys, gotKeys)
		}
	}

	byKey := make(map[string]entity.Entity)
	for _, e := range got {
		byKey[e.Key()] = e
	}
	if string(byKey["a"].Fields) != `{"v":"local"}` {
		t.Errorf("newer local should win for a, got %s", byKey["a"].Fields)
	}
	if string(byKey["b"].Fields) != `{"v":"remote"}` {
		t.Errorf("newer remote should win for b, got %s", byKey["b"].Fields)
	}
}

func TestEntityArraysOrderIndependent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var local, remote []entity.Entity
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		local = append(local, makeEntity("l-"+id, "", ts.Add(time.Duration(i)*time.Second), i%5 == 0, `{"side":"local"}`))
		remote = append(remote, makeEntity("l-"+id, "s-"+id, ts.Add(time.Duration(20-i)*time.Second), i%7 == 0, `{"side":"remote"}`))
	}

	want := keys(EntityArrays(local, remote))

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		l := append([]entity.Entity(nil), local...)
		r := append([]entity.Entity(nil), remote...)
		rng.Shuffle(len(l), func(i, j int) { l[i], l[j] = l[j], l[i] })
		rng.Shuffle(len(r), func(i, j int) { r[i], r[j] = r[j], r[i] })

		got := keys(EntityArrays(l, r))
		if len(got) != len(want) {
			t.Fatalf("trial %d: expected %d entities, got %d", trial, len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("trial %d: key sets differ: %v vs %v", trial, want, got)
			}
		}
	}
}
