package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	counts := map[string]int{}
	aId := callbacks.Add(func(v int) {
		counts["a"] += v
	})
	bId := callbacks.Add(func(v int) {
		counts["b"] += v
	})
	assert.NotEqual(t, aId, bId)

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, counts, map[string]int{"a": 1, "b": 1})

	callbacks.Remove(aId)
	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, counts, map[string]int{"a": 1, "b": 2})

	// removing an absent id is a no-op
	callbacks.Remove(aId)
	assert.Equal(t, len(callbacks.Get()), 1)

	callbacks.Clear()
	assert.Equal(t, len(callbacks.Get()), 0)
}

func TestCallbackListSnapshot(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	var removeSelf func()
	calls := 0
	id := callbacks.Add(func() {
		calls += 1
		removeSelf()
	})
	removeSelf = func() {
		callbacks.Remove(id)
	}

	// removal during iteration does not disturb the snapshot in hand
	snapshot := callbacks.Get()
	for _, callback := range snapshot {
		callback()
	}
	assert.Equal(t, calls, 1)
	assert.Equal(t, len(callbacks.Get()), 0)
}
