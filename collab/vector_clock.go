package collab

import (
	"encoding/json"

	"golang.org/x/exp/maps"
)

// ClockOrdering is the result of comparing two vector clocks under the
// standard partial order on component-wise counters.
type ClockOrdering string

const (
	OrderingBefore     ClockOrdering = "before"
	OrderingAfter      ClockOrdering = "after"
	OrderingConcurrent ClockOrdering = "concurrent"
	OrderingEqual      ClockOrdering = "equal"
)

// VectorClock maps replica ids to monotonically increasing counters.
// A clock only ever advances, by Increment or Merge.
//
// A missing replica key and a zero counter are equivalent.
type VectorClock map[string]uint64

func NewVectorClock() VectorClock {
	return VectorClock{}
}

func (self VectorClock) Increment(replicaId string) {
	self[replicaId] += 1
}

func (self VectorClock) Counter(replicaId string) uint64 {
	return self[replicaId]
}

func (self VectorClock) Clone() VectorClock {
	if self == nil {
		return VectorClock{}
	}
	return VectorClock(maps.Clone(map[string]uint64(self)))
}

// Merge folds `remoteClock` into this clock, component-wise maximum.
// Merge is commutative and idempotent.
func (self VectorClock) Merge(remoteClock VectorClock) {
	for replicaId, counter := range remoteClock {
		if self[replicaId] < counter {
			self[replicaId] = counter
		}
	}
}

func (self VectorClock) Compare(other VectorClock) ClockOrdering {
	less := false
	greater := false
	for replicaId, counter := range self {
		otherCounter := other[replicaId]
		if counter < otherCounter {
			less = true
		} else if otherCounter < counter {
			greater = true
		}
	}
	for replicaId, otherCounter := range other {
		if _, ok := self[replicaId]; !ok && 0 < otherCounter {
			less = true
		}
	}
	switch {
	case less && greater:
		return OrderingConcurrent
	case less:
		return OrderingBefore
	case greater:
		return OrderingAfter
	default:
		return OrderingEqual
	}
}

func (self VectorClock) IsConcurrent(other VectorClock) bool {
	return self.Compare(other) == OrderingConcurrent
}

// the wire form is a plain replica id -> counter object

func (self VectorClock) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]uint64(self))
}

func (self *VectorClock) UnmarshalJSON(src []byte) error {
	var counters map[string]uint64
	if err := json.Unmarshal(src, &counters); err != nil {
		return err
	}
	if counters == nil {
		counters = map[string]uint64{}
	}
	*self = VectorClock(counters)
	return nil
}
