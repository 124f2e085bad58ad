package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSettings() *SyncStateManagerSettings {
	settings := DefaultSyncStateManagerSettings()
	// keep the periodic tick out of the way so tests drive evaluation directly
	settings.QualityCheckInterval = time.Hour
	return settings
}

func newTestManager(t *testing.T) *SyncStateManager {
	manager := NewSyncStateManager(context.Background(), "u1", testSettings())
	t.Cleanup(manager.Cleanup)
	return manager
}

func TestDefaultSettings(t *testing.T) {
	settings := DefaultSyncStateManagerSettings()
	assert.Equal(t, settings.MaxRetryAttempts, 5)
	assert.Equal(t, settings.OperationHistoryLimit, 100)
	assert.Equal(t, settings.ErrorLogLimit, 50)
	assert.Equal(t, settings.QualityCheckInterval, 5*time.Second)
}

func TestInitialState(t *testing.T) {
	manager := newTestManager(t)
	state := manager.GetState()

	assert.Equal(t, state.IsOnline, true)
	assert.Equal(t, state.IsConnected, false)
	assert.Equal(t, state.ConnectionQuality, ConnectionQualityBad)
	assert.Equal(t, len(state.PendingOperations), 0)
	assert.Equal(t, len(state.OperationHistory), 0)
	assert.Equal(t, len(state.ConflictQueue), 0)
	assert.Equal(t, len(state.ActiveUsers), 0)
	assert.Equal(t, len(state.EditingUsers), 0)
	assert.Equal(t, len(state.Errors), 0)
	assert.Equal(t, state.LastError, nil)
	assert.Equal(t, manager.HasUnsyncedData(), false)
}

func TestStateChangedPayload(t *testing.T) {
	manager := newTestManager(t)

	var stateEvents []*SyncEvent
	unsub := manager.AddEventCallback(func(event *SyncEvent) {
		if event.Type == EventStateChanged {
			stateEvents = append(stateEvents, event)
		}
	})
	defer unsub()

	manager.StartEditing("n1", "u1")

	assert.Equal(t, len(stateEvents), 1)
	event := stateEvents[0]
	assert.Equal(t, len(event.OldState.EditingUsers), 0)
	assert.Equal(t, event.NewState.EditingUsers["n1"]["u1"], true)
	assert.NotEqual(t, event.Updates, nil)
	assert.NotEqual(t, event.Updates.EditingUsers, nil)
	// the old snapshot is untouched by the mutation
	assert.Equal(t, len(event.OldState.EditingUsers), 0)
	// every mutation produces a new snapshot identity
	assert.NotEqual(t, event.OldState, event.NewState)
}

func TestOneStateChangedPerMutation(t *testing.T) {
	manager := newTestManager(t)

	stateChangedCount := 0
	unsub := manager.AddEventCallback(func(event *SyncEvent) {
		if event.Type == EventStateChanged {
			stateChangedCount += 1
		}
	})
	defer unsub()

	manager.StartEditing("n1", "u1")
	assert.Equal(t, stateChangedCount, 1)
	// no-op mutations do not notify
	manager.StartEditing("n1", "u1")
	assert.Equal(t, stateChangedCount, 1)
	manager.EndEditing("n1", "u1")
	assert.Equal(t, stateChangedCount, 2)
	manager.EndEditing("n1", "u1")
	assert.Equal(t, stateChangedCount, 2)
}

func TestStateChangedOrderUnderConcurrency(t *testing.T) {
	manager := newTestManager(t)

	chainLock := sync.Mutex{}
	chain := []*SyncEvent{}
	unsub := manager.AddEventCallback(func(event *SyncEvent) {
		if event.Type == EventStateChanged {
			chainLock.Lock()
			chain = append(chain, event)
			chainLock.Unlock()
		}
	})
	defer unsub()

	workerCount := 4
	mutationCount := 64
	wg := sync.WaitGroup{}
	for w := 0; w < workerCount; w += 1 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < mutationCount; i += 1 {
				manager.StartEditing(fmt.Sprintf("n%d-%d", w, i), "u1")
			}
		}(w)
	}
	wg.Wait()

	// a mutator may return while another goroutine is still draining
	expectedCount := workerCount * mutationCount
	deadline := time.Now().Add(5 * time.Second)
	for {
		chainLock.Lock()
		deliveredCount := len(chain)
		chainLock.Unlock()
		if deliveredCount == expectedCount {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("delivered %d of %d state changes", deliveredCount, expectedCount)
		}
		time.Sleep(1 * time.Millisecond)
	}

	// events arrive in swap order: each old snapshot is the previous event's
	// new snapshot
	for i := 1; i < len(chain); i += 1 {
		assert.Equal(t, chain[i].OldState == chain[i-1].NewState, true)
	}
	assert.Equal(t, len(chain[len(chain)-1].NewState.EditingUsers), expectedCount)
}

func TestUnsubscribe(t *testing.T) {
	manager := newTestManager(t)

	count1 := 0
	count2 := 0
	unsub1 := manager.AddEventCallback(func(event *SyncEvent) {
		count1 += 1
	})
	unsub2 := manager.AddEventCallback(func(event *SyncEvent) {
		count2 += 1
	})

	manager.StartEditing("n1", "u1")
	assert.Equal(t, 0 < count1, true)
	assert.Equal(t, 0 < count2, true)

	// removing one subscription must not affect the other
	unsub1()
	final1 := count1
	manager.EndEditing("n1", "u1")
	assert.Equal(t, count1, final1)
	assert.Equal(t, final1 < count2, true)

	unsub2()
	final2 := count2
	manager.StartEditing("n2", "u1")
	assert.Equal(t, count2, final2)
}

func TestListenerIsolation(t *testing.T) {
	manager := newTestManager(t)

	editingStartedCount := 0
	unsubBad := manager.AddEventCallback(func(event *SyncEvent) {
		panic("bad subscriber")
	})
	defer unsubBad()
	unsubGood := manager.AddEventCallback(func(event *SyncEvent) {
		if event.Type == EventEditingStarted {
			editingStartedCount += 1
		}
	})
	defer unsubGood()

	manager.StartEditing("n1", "u1")

	// the panicking subscriber does not break delivery to the next one
	assert.Equal(t, editingStartedCount, 1)

	// the panic is recorded through the error path
	state := manager.GetState()
	assert.Equal(t, 0 < len(state.Errors), true)
	found := false
	for _, record := range state.Errors {
		if record.Context == "listener" {
			found = true
			assert.NotEqual(t, record.Stack, "")
		}
	}
	assert.Equal(t, found, true)
}

func TestGetStatsIsPure(t *testing.T) {
	manager := newTestManager(t)

	manager.AddUserSession("u2", nil)
	manager.StartEditing("n1", "u2")
	manager.RecordError(errors.New("test"), "test")

	before := manager.GetState()
	stats1 := manager.GetStats()
	stats2 := manager.GetStats()
	after := manager.GetState()

	assert.Equal(t, stats1, stats2)
	// reading stats must not produce a new snapshot
	assert.Equal(t, before == after, true)

	assert.Equal(t, stats1.ActiveUserCount, 1)
	assert.Equal(t, stats1.EditingNodeCount, 1)
	assert.Equal(t, stats1.ErrorCount, 1)
	assert.Equal(t, stats1.PendingOperationCount, 0)
}

type testConnectivitySource struct {
	callbacks   *CallbackList[ConnectivityFunction]
	removeCount int
}

func newTestConnectivitySource() *testConnectivitySource {
	return &testConnectivitySource{
		callbacks: NewCallbackList[ConnectivityFunction](),
	}
}

func (self *testConnectivitySource) AddConnectivityCallback(connectivityCallback ConnectivityFunction) func() {
	callbackId := self.callbacks.Add(connectivityCallback)
	return func() {
		self.removeCount += 1
		self.callbacks.Remove(callbackId)
	}
}

func (self *testConnectivitySource) signal(online bool) {
	for _, connectivityCallback := range self.callbacks.Get() {
		connectivityCallback(online)
	}
}

func TestCleanupReleasesConnectivityHandles(t *testing.T) {
	manager := NewSyncStateManager(context.Background(), "u1", testSettings())
	source := newTestConnectivitySource()

	manager.BindConnectivity(source)
	assert.Equal(t, len(source.callbacks.Get()), 1)

	source.signal(false)
	assert.Equal(t, manager.GetState().IsOnline, false)

	manager.Cleanup()
	assert.Equal(t, source.removeCount, 1)
	assert.Equal(t, len(source.callbacks.Get()), 0)

	// subscribers are cleared too
	called := false
	manager.AddEventCallback(func(event *SyncEvent) {
		called = true
	})
	// cleanup cleared the set above; a fresh subscription still works
	manager.StartEditing("n1", "u1")
	assert.Equal(t, called, true)
}

func TestMessageMetrics(t *testing.T) {
	manager := newTestManager(t)

	for i := 0; i < 10; i++ {
		manager.AddMessageMetrics(ByteCount(100))
	}
	state := manager.GetState()
	assert.Equal(t, state.MessageCount, 10)
	assert.Equal(t, state.BandwidthUsage, ByteCount(1000))

	manager.updateMessageRate()
	// 10 messages over the (1 hour) tick interval rounds to a tiny rate
	assert.Equal(t, manager.GetState().MessageRate, 10.0/(1*time.Hour).Seconds())
}
