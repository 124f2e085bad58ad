package collab

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so that fan-out iterates a stable
// snapshot without holding the lock

type callbackListEntry[T any] struct {
	callbackId Id
	callback   T
}

type CallbackList[T any] struct {
	stateLock sync.Mutex
	entries   []callbackListEntry[T]
	// snapshot of the callbacks in add order
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries:   []callbackListEntry[T]{},
		callbacks: []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := NewId()
	self.entries = append(slices.Clone(self.entries), callbackListEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.snapshot()
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackListEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	self.entries = slices.Delete(slices.Clone(self.entries), i, i+1)
	self.snapshot()
}

func (self *CallbackList[T]) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.entries = []callbackListEntry[T]{}
	self.snapshot()
}

// must be called inside the state lock
func (self *CallbackList[T]) snapshot() {
	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	self.callbacks = callbacks
}
