// Package crdt implements the replicated memory engine: per-agent vector
// clocks, checksummed mutation operations, state-based CRDT memory entries
// with a deterministic merge, and the per-agent store that synchronizes them
// across peers without a coordinator.
package crdt

import "encoding/json"

// VectorClock tracks per-agent logical counters for causal ordering.
// A missing entry is equivalent to a counter of zero.
type VectorClock map[string]int64

// NewVectorClock creates an empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment bumps the counter for an agent, creating it at 1 if absent.
func (vc VectorClock) Increment(agentID string) {
	vc[agentID]++
}

// Merge joins another clock into this one by pointwise maximum. Counters
// never decrease; the join is commutative, associative and idempotent.
func (vc VectorClock) Merge(other VectorClock) {
	for agentID, count := range other {
		if count > vc[agentID] {
			vc[agentID] = count
		}
	}
}

// HappensBefore reports whether every counter in vc is at most the
// corresponding counter in other, with at least one strictly less.
// Equal clocks are not ordered either way.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	strictlyLess := false
	for agentID, count := range vc {
		otherCount := other[agentID]
		if count > otherCount {
			return false
		}
		if count < otherCount {
			strictlyLess = true
		}
	}
	// Counters present only on the other side still order the clocks.
	for agentID, otherCount := range other {
		if _, seen := vc[agentID]; !seen && otherCount > 0 {
			strictlyLess = true
		}
	}
	return strictlyLess
}

// ConcurrentWith reports whether the clocks differ and neither happens
// before the other.
func (vc VectorClock) ConcurrentWith(other VectorClock) bool {
	return !vc.Equal(other) && !vc.HappensBefore(other) && !other.HappensBefore(vc)
}

// Equal reports whether both clocks carry the same counters, treating
// missing entries as zero.
func (vc VectorClock) Equal(other VectorClock) bool {
	for agentID, count := range vc {
		if other[agentID] != count {
			return false
		}
	}
	for agentID, count := range other {
		if vc[agentID] != count {
			return false
		}
	}
	return true
}

// Copy returns an independent copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for agentID, count := range vc {
		out[agentID] = count
	}
	return out
}

// String converts the clock to its JSON form.
func (vc VectorClock) String() string {
	data, _ := json.Marshal(vc) //nolint:errcheck
	return string(data)
}

// ParseVectorClock parses a clock from its JSON form.
func ParseVectorClock(s string) (VectorClock, error) {
	var vc VectorClock
	if err := json.Unmarshal([]byte(s), &vc); err != nil {
		return nil, err
	}
	return vc, nil
}

// joinClocks returns the pointwise maximum of two clocks without mutating
// either input.
func joinClocks(a, b VectorClock) VectorClock {
	joined := a.Copy()
	joined.Merge(b)
	return joined
}
