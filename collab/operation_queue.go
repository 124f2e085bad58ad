package collab

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// the pending queue holds local operations that no peer has acknowledged
// yet. Remote operations either land in the bounded history (applied) or in
// the conflict queue when their clock is concurrent with local pending work
// on the same target. Conflicting operations are never silently dropped and
// never silently applied; resolution is the caller's responsibility.

var queueLog = LogFn(LogLevelDebug, "queue")

// RecordLocalOperation increments the local clock entry, snapshots the
// clock into a new pending operation, and appends it to the pending queue.
func (self *SyncStateManager) RecordLocalOperation(opType string, targetId string, payload json.RawMessage) *Operation {
	var op *Operation

	self.update(func(state *SyncState) *StateUpdate {
		clock := state.VectorClock.Clone()
		clock.Increment(self.replicaId)

		now := time.Now()
		op = &Operation{
			OperationId: NewId(),
			Type:        opType,
			UserId:      self.replicaId,
			TargetId:    targetId,
			Timestamp:   now,
			Payload:     payload,
			VectorClock: clock.Clone(),
			QueuedAt:    now,
			RetryCount:  0,
			Status:      OperationStatusPending,
		}
		return &StateUpdate{
			VectorClock:       clock,
			PendingOperations: append(slices.Clone(state.PendingOperations), op),
		}
	})
	queueLog("pending+ %s %s", op.Type, op.OperationId)
	return op
}

// AddPendingOperation appends an externally assembled operation with fresh
// queue bookkeeping. A duplicate operation id is a no-op.
func (self *SyncStateManager) AddPendingOperation(op *Operation) {
	self.update(func(state *SyncState) *StateUpdate {
		if _, ok := findOperation(state.PendingOperations, op.OperationId); ok {
			return nil
		}
		queued := op.copy()
		queued.QueuedAt = time.Now()
		queued.RetryCount = 0
		queued.Status = OperationStatusPending
		return &StateUpdate{
			PendingOperations: append(slices.Clone(state.PendingOperations), queued),
		}
	})
}

// RemovePendingOperation removes by id. Removing an absent id is a no-op.
func (self *SyncStateManager) RemovePendingOperation(operationId Id) {
	self.update(func(state *SyncState) *StateUpdate {
		pending, ok := removeOperation(state.PendingOperations, operationId)
		if !ok {
			return nil
		}
		return &StateUpdate{
			PendingOperations: pending,
		}
	})
}

// AcknowledgeOperation moves a pending operation into the history as
// completed and refreshes `lastSyncTime`.
func (self *SyncStateManager) AcknowledgeOperation(operationId Id) {
	self.update(func(state *SyncState) *StateUpdate {
		op, ok := findOperation(state.PendingOperations, operationId)
		if !ok {
			return nil
		}
		pending, _ := removeOperation(state.PendingOperations, operationId)

		now := time.Now()
		completed := op.copy()
		completed.Status = OperationStatusCompleted
		completed.ProcessedAt = now

		return &StateUpdate{
			PendingOperations: pending,
			OperationHistory:  appendToHistory(state.OperationHistory, completed, state.OperationHistoryLimit),
			LastSyncTime:      &now,
		}
	})
}

// FailOperation accounts one failed send attempt. Under the retry budget the
// operation stays pending with an incremented retryCount; once the budget is
// exhausted it is moved to the history as failed, recorded in the error log,
// and the caller is told to stop retrying.
//
// Returns the updated operation and whether the caller may retry it.
func (self *SyncStateManager) FailOperation(operationId Id, cause error) (*Operation, bool) {
	var failedOp *Operation
	retry := false

	self.update(func(state *SyncState) *StateUpdate {
		op, ok := findOperation(state.PendingOperations, operationId)
		if !ok {
			return nil
		}

		next := op.copy()
		next.RetryCount = op.RetryCount + 1
		failedOp = next

		if next.RetryCount <= state.MaxRetryAttempts {
			retry = true
			pending := slices.Clone(state.PendingOperations)
			i, _ := findOperationIndex(pending, operationId)
			pending[i] = next
			return &StateUpdate{
				PendingOperations: pending,
			}
		}

		// retry budget exhausted
		next.Status = OperationStatusFailed
		next.ProcessedAt = time.Now()
		pending, _ := removeOperation(state.PendingOperations, operationId)
		return &StateUpdate{
			PendingOperations: pending,
			OperationHistory:  appendToHistory(state.OperationHistory, next, state.OperationHistoryLimit),
		}
	})

	if failedOp == nil {
		return nil, false
	}
	if !retry {
		self.RecordError(
			fmt.Errorf("operation %s failed after %d attempts: %w", failedOp.OperationId, failedOp.RetryCount, cause),
			"operation",
		)
	}
	return failedOp, retry
}

// ApplyRemoteOperation merges the remote clock into the local clock, then
// either applies the operation into the history or routes it to the conflict
// queue when it is concurrent with a pending local operation on the same
// target. Returns true when the operation sits in the conflict queue.
//
// Redelivery of an already-seen operation id is a no-op, so an at-least-once
// peer cannot apply the same operation twice.
func (self *SyncStateManager) ApplyRemoteOperation(remoteOp *Operation) bool {
	conflict := false

	self.update(func(state *SyncState) *StateUpdate {
		if _, ok := findOperation(state.OperationHistory, remoteOp.OperationId); ok {
			return nil
		}
		if _, ok := findOperation(state.ConflictQueue, remoteOp.OperationId); ok {
			conflict = true
			return nil
		}

		clock := state.VectorClock.Clone()
		clock.Merge(remoteOp.VectorClock)

		updates := &StateUpdate{
			VectorClock: clock,
		}

		for _, pendingOp := range state.PendingOperations {
			if pendingOp.TargetId == remoteOp.TargetId && remoteOp.VectorClock.IsConcurrent(pendingOp.VectorClock) {
				conflict = true
				break
			}
		}

		if conflict {
			updates.ConflictQueue = append(slices.Clone(state.ConflictQueue), remoteOp.copy())
		} else {
			applied := remoteOp.copy()
			applied.Status = OperationStatusCompleted
			applied.ProcessedAt = time.Now()
			updates.OperationHistory = appendToHistory(state.OperationHistory, applied, state.OperationHistoryLimit)
		}
		return updates
	})

	if conflict {
		queueLog("conflict+ %s %s", remoteOp.Type, remoteOp.OperationId)
	}
	return conflict
}

// MergeVectorClock folds a remote clock into the local clock without an
// operation, e.g. from a peer heartbeat.
func (self *SyncStateManager) MergeVectorClock(remoteClock VectorClock) VectorClock {
	var merged VectorClock
	self.update(func(state *SyncState) *StateUpdate {
		clock := state.VectorClock.Clone()
		clock.Merge(remoteClock)
		merged = clock
		if state.VectorClock.Compare(clock) == OrderingEqual {
			return nil
		}
		return &StateUpdate{
			VectorClock: clock,
		}
	})
	return merged
}

// AddToOperationHistory appends a processedAt-stamped copy, evicting the
// oldest entries beyond the history limit. A duplicate operation id is a
// no-op.
func (self *SyncStateManager) AddToOperationHistory(op *Operation) {
	self.update(func(state *SyncState) *StateUpdate {
		if _, ok := findOperation(state.OperationHistory, op.OperationId); ok {
			return nil
		}
		processed := op.copy()
		processed.ProcessedAt = time.Now()
		return &StateUpdate{
			OperationHistory: appendToHistory(state.OperationHistory, processed, state.OperationHistoryLimit),
		}
	})
}

// Conflicts returns the current conflict queue snapshot.
func (self *SyncStateManager) Conflicts() []*Operation {
	return self.GetState().ConflictQueue
}

// RemoveConflict removes a resolved operation from the conflict queue.
// Removing an absent id is a no-op.
func (self *SyncStateManager) RemoveConflict(operationId Id) {
	self.update(func(state *SyncState) *StateUpdate {
		conflictQueue, ok := removeOperation(state.ConflictQueue, operationId)
		if !ok {
			return nil
		}
		return &StateUpdate{
			ConflictQueue: conflictQueue,
		}
	})
}

func findOperationIndex(ops []*Operation, operationId Id) (int, bool) {
	i := slices.IndexFunc(ops, func(op *Operation) bool {
		return op.OperationId == operationId
	})
	return i, 0 <= i
}

func findOperation(ops []*Operation, operationId Id) (*Operation, bool) {
	i, ok := findOperationIndex(ops, operationId)
	if !ok {
		return nil, false
	}
	return ops[i], true
}

func removeOperation(ops []*Operation, operationId Id) ([]*Operation, bool) {
	i, ok := findOperationIndex(ops, operationId)
	if !ok {
		return ops, false
	}
	next := make([]*Operation, 0, len(ops)-1)
	next = append(next, ops[:i]...)
	next = append(next, ops[i+1:]...)
	return next, true
}

func appendToHistory(history []*Operation, op *Operation, limit int) []*Operation {
	next := append(slices.Clone(history), op)
	if 0 < limit && limit < len(next) {
		next = slices.Clone(next[len(next)-limit:])
	}
	return next
}
