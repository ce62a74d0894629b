package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Second)
	t2 = t0.Add(2 * time.Second)
)

func liveState(memoryID string, content map[string]interface{}, clock VectorClock, modified time.Time) *MemoryState {
	return NewMemoryState(memoryID, content, clock, modified)
}

// assertSameState compares the merge-relevant parts of two states. Content is
// compared canonically so map ordering and list reordering from a union do
// not matter.
func assertSameState(t *testing.T, expected, actual *MemoryState) {
	t.Helper()
	assert.Equal(t, expected.MemoryID, actual.MemoryID)
	assert.Equal(t, canonicalString(expected.Content), canonicalString(actual.Content))
	assert.True(t, expected.Clock.Equal(actual.Clock),
		"clocks differ: %s vs %s", expected.Clock, actual.Clock)
	assert.True(t, expected.Deleted.Equal(actual.Deleted),
		"deletion clocks differ: %s vs %s", expected.Deleted, actual.Deleted)
	assert.Equal(t, expected.Tombstone, actual.Tombstone)
}

func TestNewTombstoneState(t *testing.T) {
	// The register keeps the causal point the deleting agent observed; the
	// deletion clock keeps the delete's own tick.
	dead := NewTombstoneState("mem1", map[string]interface{}{"v": "frozen"}, VectorClock{"agent1": 2, "agent2": 1}, "agent1", t0)

	assert.True(t, dead.Tombstone)
	assert.True(t, dead.Clock.Equal(VectorClock{"agent1": 1, "agent2": 1}))
	assert.True(t, dead.Deleted.Equal(VectorClock{"agent1": 2, "agent2": 1}))

	t.Run("FirstTickDropsEntry", func(t *testing.T) {
		dead := NewTombstoneState("mem1", nil, VectorClock{"agent1": 1}, "agent1", t0)
		assert.True(t, dead.Clock.Equal(NewVectorClock()))
	})
}

func TestMemoryState_Merge_CausalPrecedence(t *testing.T) {
	older := liveState("mem1", map[string]interface{}{"v": "old"}, VectorClock{"agent1": 1}, t0)
	newer := liveState("mem1", map[string]interface{}{"v": "new"}, VectorClock{"agent1": 2}, t1)

	t.Run("LaterWinsWholesale", func(t *testing.T) {
		merged := older.Merge(newer)
		assert.Equal(t, "new", merged.Content["v"])
		assert.True(t, merged.Clock.Equal(VectorClock{"agent1": 2}))
	})

	t.Run("BothDirections", func(t *testing.T) {
		assertSameState(t, older.Merge(newer), newer.Merge(older))
	})

	t.Run("StaleFieldsDoNotSurvive", func(t *testing.T) {
		// A causally later state replaces content wholesale; fields the
		// newer side dropped must not reappear.
		fat := liveState("mem1", map[string]interface{}{"v": "old", "extra": true}, VectorClock{"agent1": 1}, t0)
		slim := liveState("mem1", map[string]interface{}{"v": "new"}, VectorClock{"agent1": 2}, t1)

		merged := fat.Merge(slim)
		_, present := merged.Content["extra"]
		assert.False(t, present)
	})
}

func TestMemoryState_Merge_Concurrent(t *testing.T) {
	a := liveState("mem1", map[string]interface{}{
		"title": "notes",
		"tags":  []interface{}{"a"},
	}, VectorClock{"agent1": 1}, t0)
	b := liveState("mem1", map[string]interface{}{
		"title":  "notes",
		"tags":   []interface{}{"b"},
		"author": "agent2",
	}, VectorClock{"agent2": 1}, t1)

	merged := a.Merge(b)

	assert.Equal(t, "notes", merged.Content["title"])
	assert.Equal(t, "agent2", merged.Content["author"])
	assert.ElementsMatch(t, []interface{}{"a", "b"}, merged.Content["tags"])
	assert.True(t, merged.Clock.Equal(VectorClock{"agent1": 1, "agent2": 1}))
	assert.Equal(t, t1, merged.LastModified)
}

func TestMemoryState_Merge_DeleteWins(t *testing.T) {
	t.Run("ConcurrentAddAndDelete", func(t *testing.T) {
		live := liveState("mem1", map[string]interface{}{"v": "alive"}, VectorClock{"agent1": 1}, t1)
		dead := NewTombstoneState("mem1", map[string]interface{}{"v": "alive"}, VectorClock{"agent2": 1}, "agent2", t0)

		assert.True(t, live.Merge(dead).Tombstone)
		assert.True(t, dead.Merge(live).Tombstone)
	})

	t.Run("ConcurrentAddRevivesNothing", func(t *testing.T) {
		// The live write is concurrent with the deletion, not causally after
		// it, so the tombstone sticks.
		dead := NewTombstoneState("mem1", nil, VectorClock{"agent1": 2, "agent2": 1}, "agent1", t1)
		live := liveState("mem1", map[string]interface{}{"v": "retry"}, VectorClock{"agent2": 2}, t2)

		assert.True(t, dead.Merge(live).Tombstone)
		assert.True(t, live.Merge(dead).Tombstone)
	})

	t.Run("CausallyLaterDeleteWins", func(t *testing.T) {
		live := liveState("mem1", map[string]interface{}{"v": "alive"}, VectorClock{"agent1": 1}, t0)
		dead := NewTombstoneState("mem1", map[string]interface{}{"v": "alive"}, VectorClock{"agent1": 2}, "agent1", t1)

		merged := live.Merge(dead)
		assert.True(t, merged.Tombstone)
		assert.True(t, merged.Clock.Equal(VectorClock{"agent1": 1}))
		assert.True(t, merged.Deleted.Equal(VectorClock{"agent1": 2}))
	})

	t.Run("CausallyLaterWriteRevives", func(t *testing.T) {
		dead := NewTombstoneState("mem1", map[string]interface{}{"v": "gone"}, VectorClock{"agent1": 2}, "agent1", t1)
		revived := liveState("mem1", map[string]interface{}{"v": "back"}, VectorClock{"agent1": 3}, t2)

		merged := dead.Merge(revived)
		assert.False(t, merged.Tombstone)
		assert.Equal(t, "back", merged.Content["v"])
		assertSameState(t, merged, revived.Merge(dead))

		// A stale copy of the tombstone arriving again changes nothing.
		assertSameState(t, merged, merged.Merge(dead))
	})

	t.Run("ConcurrentDeletesAgree", func(t *testing.T) {
		d1 := NewTombstoneState("mem1", map[string]interface{}{"v": "x"}, VectorClock{"agent1": 1}, "agent1", t0)
		d2 := NewTombstoneState("mem1", map[string]interface{}{"v": "y"}, VectorClock{"agent2": 1}, "agent2", t0)

		assertSameState(t, d1.Merge(d2), d2.Merge(d1))
		assert.True(t, d1.Merge(d2).Tombstone)
	})
}

func TestMemoryState_Merge_Laws(t *testing.T) {
	states := func() (a, b, c *MemoryState) {
		a = liveState("mem1", map[string]interface{}{
			"title": "from a",
			"tags":  []interface{}{"a1", "shared"},
		}, VectorClock{"agent1": 2}, t0)
		b = liveState("mem1", map[string]interface{}{
			"title": "from b",
			"tags":  []interface{}{"b1", "shared"},
			"extra": 7,
		}, VectorClock{"agent2": 1}, t1)
		c = NewTombstoneState("mem1", map[string]interface{}{
			"title": "from c",
		}, VectorClock{"agent3": 3}, "agent3", t2)
		return a, b, c
	}

	t.Run("Commutativity", func(t *testing.T) {
		a, b, c := states()
		assertSameState(t, a.Merge(b), b.Merge(a))
		assertSameState(t, a.Merge(c), c.Merge(a))
		assertSameState(t, b.Merge(c), c.Merge(b))
	})

	t.Run("Associativity", func(t *testing.T) {
		a, b, c := states()
		assertSameState(t, a.Merge(b).Merge(c), a.Merge(b.Merge(c)))
		assertSameState(t, a.Merge(c).Merge(b), c.Merge(b).Merge(a))
	})

	t.Run("Idempotence", func(t *testing.T) {
		a, _, _ := states()
		assertSameState(t, a, a.Merge(a))

		_, _, c := states()
		assertSameState(t, c, c.Merge(c))
	})

	t.Run("IdempotenceAfterMerge", func(t *testing.T) {
		a, b, _ := states()
		merged := a.Merge(b)
		assertSameState(t, merged, merged.Merge(b))
		assertSameState(t, merged, merged.Merge(a))
	})

	t.Run("InputsNotMutated", func(t *testing.T) {
		a, b, _ := states()
		beforeA := canonicalString(a.Content)
		beforeB := canonicalString(b.Content)

		_ = a.Merge(b)

		assert.Equal(t, beforeA, canonicalString(a.Content))
		assert.Equal(t, beforeB, canonicalString(b.Content))
		assert.True(t, a.Clock.Equal(VectorClock{"agent1": 2}))
	})
}

// Any pairwise merge order over the same set of states must settle on the
// same survivor when a revival is interleaved with a concurrent write.
func TestMemoryState_Merge_RevivalOrderIndependent(t *testing.T) {
	first := liveState("mem1", map[string]interface{}{"v": "first"}, VectorClock{"agent1": 1}, t0)
	foreign := liveState("mem1", map[string]interface{}{"note": "foreign"}, VectorClock{"agent2": 1}, t0.Add(500*time.Millisecond))
	dead := NewTombstoneState("mem1", map[string]interface{}{"v": "first"}, VectorClock{"agent1": 2}, "agent1", t1)
	revived := liveState("mem1", map[string]interface{}{"v": "revived", "rev": 2}, VectorClock{"agent1": 3}, t2)

	left := first.Merge(revived).Merge(dead).Merge(foreign)
	right := first.Merge(dead).Merge(foreign).Merge(revived)

	assertSameState(t, left, right)
	assert.False(t, left.Tombstone)
	assert.Equal(t, "revived", left.Content["v"])
	assert.Equal(t, "foreign", left.Content["note"])
}

func TestMemoryState_Copy(t *testing.T) {
	original := liveState("mem1", map[string]interface{}{
		"nested": map[string]interface{}{"k": "v"},
	}, VectorClock{"agent1": 1}, t0)

	copied := original.Copy()
	copied.Content["nested"].(map[string]interface{})["k"] = "changed"
	copied.Clock.Increment("agent1")
	copied.Tombstone = true

	assert.Equal(t, "v", original.Content["nested"].(map[string]interface{})["k"])
	assert.Equal(t, int64(1), original.Clock["agent1"])
	assert.False(t, original.Tombstone)

	t.Run("DeletionClock", func(t *testing.T) {
		assert.Nil(t, original.Copy().Deleted, "never-deleted states stay nil")

		dead := NewTombstoneState("mem1", nil, VectorClock{"agent1": 2}, "agent1", t0)
		copied := dead.Copy()
		copied.Deleted.Increment("agent1")
		assert.Equal(t, int64(2), dead.Deleted["agent1"])
	})
}

func TestMemoryState_Merge_EqualClockListOrderPreserved(t *testing.T) {
	// merge(A, A) for list-bearing content must return A's list untouched,
	// not a reordered union.
	content := map[string]interface{}{"steps": []interface{}{"z", "a", "m"}}
	a := liveState("mem1", content, VectorClock{"agent1": 1}, t0)
	b := liveState("mem1", content, VectorClock{"agent1": 1}, t0)

	merged := a.Merge(b)
	require.Equal(t, []interface{}{"z", "a", "m"}, merged.Content["steps"])
}
