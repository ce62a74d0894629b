package crdt

import "time"

// MemoryState is one replica's view of a single memory entry. Content and
// Clock form the live-value register; Deleted carries the join of every
// deletion clock this replica has observed for the entry, or nil if it never
// saw one. The two merge independently, and Tombstone is derived from their
// comparison, so the flag is a function of what was observed rather than of
// the order it arrived in. A deletion record is never physically removed,
// which blocks resurrection by stale adds.
type MemoryState struct {
	MemoryID     string                 `json:"memory_id"`
	Content      map[string]interface{} `json:"content,omitempty"`
	Clock        VectorClock            `json:"vector_clock"`
	Deleted      VectorClock            `json:"deleted_clock,omitempty"`
	Tombstone    bool                   `json:"tombstone"`
	LastModified time.Time              `json:"last_modified"`
}

// NewMemoryState creates a live state for a memory entry.
func NewMemoryState(memoryID string, content map[string]interface{}, clock VectorClock, modified time.Time) *MemoryState {
	return &MemoryState{
		MemoryID:     memoryID,
		Content:      deepCopyContent(content),
		Clock:        clock.Copy(),
		LastModified: modified,
	}
}

// NewTombstoneState creates the state carried by a delete operation: the
// frozen content, the deletion clock, and, as the register clock, the causal
// point the deleting agent observed before ticking its own counter for the
// delete. Keeping the register at that pre-delete point is what lets a write
// that causally follows the deletion dominate it, while a write concurrent
// with it loses.
func NewTombstoneState(memoryID string, content map[string]interface{}, deleteClock VectorClock, agentID string, modified time.Time) *MemoryState {
	origin := deleteClock.Copy()
	if origin[agentID] <= 1 {
		delete(origin, agentID)
	} else {
		origin[agentID]--
	}
	return &MemoryState{
		MemoryID:     memoryID,
		Content:      deepCopyContent(content),
		Clock:        origin,
		Deleted:      deleteClock.Copy(),
		Tombstone:    true,
		LastModified: modified,
	}
}

// Copy returns an independent copy of the state.
func (s *MemoryState) Copy() *MemoryState {
	return &MemoryState{
		MemoryID:     s.MemoryID,
		Content:      deepCopyContent(s.Content),
		Clock:        s.Clock.Copy(),
		Deleted:      cloneDeletion(s.Deleted),
		Tombstone:    s.Tombstone,
		LastModified: s.LastModified,
	}
}

// Merge joins two replica states of the same memory entry and returns a new
// state, mutating neither input. The merge is commutative, associative and
// idempotent, so replicas converge regardless of delivery order or
// duplication.
//
// The live-value register merges on its own: a causally later write wins
// wholesale, concurrent writes deep-merge deterministically. Deletion clocks
// join separately, and the tombstone flag is recomputed from the result: the
// entry is dead while the register does not causally dominate the deletion.
// Delete-wins for a concurrent add+delete and revival by a causally later
// write both fall out of that single comparison, in any merge order.
func (s *MemoryState) Merge(other *MemoryState) *MemoryState {
	merged := s.mergeRegister(other)
	merged.Deleted = joinDeletions(s.Deleted, other.Deleted)
	merged.Tombstone = merged.Deleted != nil && !merged.Deleted.HappensBefore(merged.Clock)
	merged.LastModified = maxTime(s.LastModified, other.LastModified)
	return merged
}

// mergeRegister joins the live-value halves of two states. The result clock
// is always the join of both register clocks.
func (s *MemoryState) mergeRegister(other *MemoryState) *MemoryState {
	if s.Clock.HappensBefore(other.Clock) {
		merged := other.Copy()
		merged.Clock = joinClocks(s.Clock, other.Clock)
		return merged
	}
	if other.Clock.HappensBefore(s.Clock) {
		merged := s.Copy()
		merged.Clock = joinClocks(s.Clock, other.Clock)
		return merged
	}

	// Identical causal history carries identical content; short-circuit so
	// merge(A, A) returns A unchanged.
	if s.Clock.Equal(other.Clock) && canonicalString(s.Content) == canonicalString(other.Content) {
		return s.Copy()
	}

	return &MemoryState{
		MemoryID: s.MemoryID,
		Content:  mergeContent(s.Content, other.Content, s.LastModified, other.LastModified),
		Clock:    joinClocks(s.Clock, other.Clock),
	}
}

// joinDeletions joins two deletion records, preserving nil when neither side
// ever observed a deletion.
func joinDeletions(a, b VectorClock) VectorClock {
	switch {
	case a == nil:
		return cloneDeletion(b)
	case b == nil:
		return a.Copy()
	default:
		return joinClocks(a, b)
	}
}

func cloneDeletion(d VectorClock) VectorClock {
	if d == nil {
		return nil
	}
	return d.Copy()
}
