package collab

import (
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/exp/slices"
)

// bounded error log. Capacity is `ErrorLogLimit` (50 by default); the oldest
// record is evicted first. `LastError` always points at the newest record.

// RecordError appends an error record and emits `error_occurred`.
func (self *SyncStateManager) RecordError(cause error, context string) *ErrorRecord {
	return self.recordError(&ErrorRecord{
		ErrorId:   NewId(),
		Message:   cause.Error(),
		Context:   context,
		Timestamp: time.Now(),
	})
}

// recordPanic is the internal path for recovered callback panics, which
// keep their stack for diagnosis.
func (self *SyncStateManager) recordPanic(context string, r any) *ErrorRecord {
	return self.recordError(&ErrorRecord{
		ErrorId:   NewId(),
		Message:   fmt.Sprintf("panic: %v", r),
		Context:   context,
		Timestamp: time.Now(),
		Stack:     string(debug.Stack()),
	})
}

func (self *SyncStateManager) recordError(record *ErrorRecord) *ErrorRecord {
	self.update(func(state *SyncState) *StateUpdate {
		errors := append(slices.Clone(state.Errors), record)
		if limit := self.settings.ErrorLogLimit; 0 < limit && limit < len(errors) {
			errors = slices.Clone(errors[len(errors)-limit:])
		}
		return &StateUpdate{
			Errors:    errors,
			LastError: record,
		}
	})
	self.event(&SyncEvent{
		Type:  EventErrorOccurred,
		Error: record,
	})
	return record
}

// ClearErrors empties the log and clears `LastError`.
func (self *SyncStateManager) ClearErrors() {
	self.update(func(state *SyncState) *StateUpdate {
		if len(state.Errors) == 0 && state.LastError == nil {
			return nil
		}
		return &StateUpdate{
			Errors:         []*ErrorRecord{},
			ClearLastError: true,
		}
	})
}
