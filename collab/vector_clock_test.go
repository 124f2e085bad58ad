package collab

import (
	"encoding/json"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestVectorClockIncrement(t *testing.T) {
	clock := NewVectorClock()

	// repeated increments produce a strictly increasing counter sequence
	previous := uint64(0)
	for i := 0; i < 1024; i++ {
		clock.Increment("a")
		counter := clock.Counter("a")
		assert.Equal(t, previous < counter, true)
		previous = counter
	}
	assert.Equal(t, clock.Counter("a"), uint64(1024))
	assert.Equal(t, clock.Counter("b"), uint64(0))
}

func TestVectorClockMergeProperties(t *testing.T) {
	replicaIds := []string{"a", "b", "c", "d", "e"}

	randomClock := func() VectorClock {
		clock := NewVectorClock()
		for _, replicaId := range replicaIds {
			if mathrand.Intn(2) == 0 {
				clock[replicaId] = uint64(mathrand.Intn(10) + 1)
			}
		}
		return clock
	}

	for i := 0; i < 1024; i++ {
		a := randomClock()
		b := randomClock()

		// commutative
		ab := a.Clone()
		ab.Merge(b)
		ba := b.Clone()
		ba.Merge(a)
		assert.Equal(t, ab, ba)

		// idempotent
		aa := a.Clone()
		aa.Merge(a)
		assert.Equal(t, aa, a)

		// merge never decreases a component
		for _, replicaId := range replicaIds {
			assert.Equal(t, a.Counter(replicaId) <= ab.Counter(replicaId), true)
			assert.Equal(t, b.Counter(replicaId) <= ab.Counter(replicaId), true)
		}
	}
}

func TestVectorClockCompare(t *testing.T) {
	assert.Equal(
		t,
		VectorClock{"a": 1}.Compare(VectorClock{"a": 1, "b": 1}),
		OrderingBefore,
	)
	assert.Equal(
		t,
		VectorClock{"a": 1, "b": 1}.Compare(VectorClock{"a": 1}),
		OrderingAfter,
	)
	assert.Equal(
		t,
		VectorClock{"a": 2, "b": 1}.Compare(VectorClock{"a": 1, "b": 2}),
		OrderingConcurrent,
	)
	assert.Equal(
		t,
		VectorClock{"a": 1, "b": 2}.Compare(VectorClock{"a": 1, "b": 2}),
		OrderingEqual,
	)
	assert.Equal(t, NewVectorClock().Compare(NewVectorClock()), OrderingEqual)
	assert.Equal(t, NewVectorClock().Compare(VectorClock{"a": 1}), OrderingBefore)
	// a zero counter is the same as a missing key
	assert.Equal(t, VectorClock{"a": 0}.Compare(NewVectorClock()), OrderingEqual)
}

func TestVectorClockJsonCodec(t *testing.T) {
	clock := VectorClock{"a": 3, "b": 1}

	clockJson, err := json.Marshal(clock)
	assert.Equal(t, err, nil)

	var decoded VectorClock
	err = json.Unmarshal(clockJson, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, clock)

	// an empty object decodes to a usable clock
	var empty VectorClock
	err = json.Unmarshal([]byte("{}"), &empty)
	assert.Equal(t, err, nil)
	empty.Increment("a")
	assert.Equal(t, empty.Counter("a"), uint64(1))
}

func TestVectorClockTwoReplicaScenario(t *testing.T) {
	// replica a and b each start with an empty clock and edit independently
	a := NewVectorClock()
	b := NewVectorClock()

	a.Increment("a")
	assert.Equal(t, a, VectorClock{"a": 1})
	b.Increment("b")
	assert.Equal(t, b, VectorClock{"b": 1})

	assert.Equal(t, VectorClock{"a": 1}.Compare(VectorClock{"b": 1}), OrderingConcurrent)

	merged := a.Clone()
	merged.Merge(b)
	assert.Equal(t, merged, VectorClock{"a": 1, "b": 1})
	assert.Equal(t, a.Compare(merged), OrderingBefore)
	assert.Equal(t, merged.Compare(a), OrderingAfter)
}

func TestVectorClockCompareMatchesComponents(t *testing.T) {
	replicaIds := []string{"a", "b", "c"}

	randomClock := func() VectorClock {
		clock := NewVectorClock()
		for _, replicaId := range replicaIds {
			clock[replicaId] = uint64(mathrand.Intn(3))
		}
		return clock
	}

	for i := 0; i < 1024; i++ {
		a := randomClock()
		b := randomClock()

		lessEqual := true
		greaterEqual := true
		equal := true
		for _, replicaId := range replicaIds {
			if b.Counter(replicaId) < a.Counter(replicaId) {
				lessEqual = false
			}
			if a.Counter(replicaId) < b.Counter(replicaId) {
				greaterEqual = false
			}
			if a.Counter(replicaId) != b.Counter(replicaId) {
				equal = false
			}
		}

		var expected ClockOrdering
		switch {
		case equal:
			expected = OrderingEqual
		case lessEqual:
			expected = OrderingBefore
		case greaterEqual:
			expected = OrderingAfter
		default:
			expected = OrderingConcurrent
		}
		assert.Equal(t, a.Compare(b), expected)
	}
}
