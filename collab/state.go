package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

/*
The sync state manager keeps the per-session editing state of one replica of
a shared mind map coherent under a partially ordered network:
- causality bookkeeping with a vector clock per replica
- a pending queue of not-yet-acknowledged local operations with retry budgets
- a conflict queue for remote operations concurrent with local pending work
- presence, advisory per-node edit locks, and cursor positions
- connection quality derived from ping latency and recent error volume
- a bounded error log

All state lives in one immutable snapshot. Every mutation copies the
snapshot, applies a typed partial, swaps, and fans out exactly one
`state_changed` event with the old/new pair, so subscribers can diff.
*/

type ConnectionQuality string

const (
	ConnectionQualityExcellent ConnectionQuality = "excellent"
	ConnectionQualityGood      ConnectionQuality = "good"
	ConnectionQualityPoor      ConnectionQuality = "poor"
	ConnectionQualityBad       ConnectionQuality = "bad"
)

type PresenceStatus string

const (
	PresenceStatusActive  PresenceStatus = "active"
	PresenceStatusIdle    PresenceStatus = "idle"
	PresenceStatusAway    PresenceStatus = "away"
	PresenceStatusOffline PresenceStatus = "offline"
)

type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusProcessing OperationStatus = "processing"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
)

// Operation is one edit against the shared document. `VectorClock` is the
// snapshot of the originating replica's clock at creation time and is what
// conflict detection compares.
type Operation struct {
	OperationId Id              `json:"operation_id"`
	Type        string          `json:"type"`
	UserId      string          `json:"user_id"`
	TargetId    string          `json:"target_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	VectorClock VectorClock     `json:"vector_clock"`
	QueuedAt    time.Time       `json:"queued_at"`
	ProcessedAt time.Time       `json:"processed_at,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Status      OperationStatus `json:"status"`
}

func (self *Operation) copy() *Operation {
	next := *self
	next.VectorClock = self.VectorClock.Clone()
	return &next
}

type UserSessionInfo struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarUrl   string `json:"avatar_url,omitempty"`
}

type UserSession struct {
	UserId       string    `json:"user_id"`
	DisplayName  string    `json:"display_name,omitempty"`
	AvatarUrl    string    `json:"avatar_url,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `json:"last_activity"`
}

type Viewport struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type UserPresence struct {
	Status    PresenceStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Viewport  *Viewport      `json:"viewport,omitempty"`
}

type CursorPosition struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	NodeId    string    `json:"node_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorRecord struct {
	ErrorId   Id        `json:"error_id"`
	Message   string    `json:"message"`
	Context   string    `json:"context"`
	Timestamp time.Time `json:"timestamp"`
	Stack     string    `json:"stack,omitempty"`
}

// SyncState is the aggregate snapshot. Snapshots are immutable once
// published; callers must not modify the collections they reference.
type SyncState struct {
	IsOnline          bool
	IsConnected       bool
	IsSyncing         bool
	ConnectionQuality ConnectionQuality

	LastSyncTime time.Time
	LastPingTime time.Time
	PingLatency  time.Duration

	PendingOperations []*Operation
	VectorClock       VectorClock
	OperationHistory  []*Operation
	ConflictQueue     []*Operation

	// userId -> session
	ActiveUsers map[string]*UserSession
	// userId -> presence
	UserPresences map[string]*UserPresence
	// nodeId -> set of userIds currently editing that node.
	// no entry persists once its set is empty.
	EditingUsers map[string]map[string]bool
	// userId -> cursor, last write wins
	CursorPositions map[string]*CursorPosition

	ConnectionRetryCount int

	LastError *ErrorRecord
	Errors    []*ErrorRecord

	MessageCount   int
	MessageRate    float64
	BandwidthUsage ByteCount

	AutoSyncInterval      time.Duration
	MaxRetryAttempts      int
	OperationHistoryLimit int
}

func newSyncState(settings *SyncStateManagerSettings) *SyncState {
	return &SyncState{
		IsOnline:              true,
		IsConnected:           false,
		IsSyncing:             false,
		ConnectionQuality:     ConnectionQualityBad,
		PendingOperations:     []*Operation{},
		VectorClock:           NewVectorClock(),
		OperationHistory:      []*Operation{},
		ConflictQueue:         []*Operation{},
		ActiveUsers:           map[string]*UserSession{},
		UserPresences:         map[string]*UserPresence{},
		EditingUsers:          map[string]map[string]bool{},
		CursorPositions:       map[string]*CursorPosition{},
		Errors:                []*ErrorRecord{},
		AutoSyncInterval:      settings.AutoSyncInterval,
		MaxRetryAttempts:      settings.MaxRetryAttempts,
		OperationHistoryLimit: settings.OperationHistoryLimit,
	}
}

func (self *SyncState) clone() *SyncState {
	next := *self
	return &next
}

// StateUpdate is a typed partial of `SyncState`. Nil scalar pointers and nil
// collections leave the snapshot field unchanged; a non-nil collection
// replaces the previous collection wholesale. The same value rides on the
// `state_changed` payload as `Updates`.
type StateUpdate struct {
	IsOnline          *bool
	IsConnected       *bool
	IsSyncing         *bool
	ConnectionQuality *ConnectionQuality

	LastSyncTime *time.Time
	LastPingTime *time.Time
	PingLatency  *time.Duration

	PendingOperations []*Operation
	VectorClock       VectorClock
	OperationHistory  []*Operation
	ConflictQueue     []*Operation

	ActiveUsers     map[string]*UserSession
	UserPresences   map[string]*UserPresence
	EditingUsers    map[string]map[string]bool
	CursorPositions map[string]*CursorPosition

	ConnectionRetryCount *int

	LastError      *ErrorRecord
	ClearLastError bool
	Errors         []*ErrorRecord

	MessageCount   *int
	MessageRate    *float64
	BandwidthUsage *ByteCount
}

func (self *StateUpdate) apply(state *SyncState) {
	if self.IsOnline != nil {
		state.IsOnline = *self.IsOnline
	}
	if self.IsConnected != nil {
		state.IsConnected = *self.IsConnected
	}
	if self.IsSyncing != nil {
		state.IsSyncing = *self.IsSyncing
	}
	if self.ConnectionQuality != nil {
		state.ConnectionQuality = *self.ConnectionQuality
	}
	if self.LastSyncTime != nil {
		state.LastSyncTime = *self.LastSyncTime
	}
	if self.LastPingTime != nil {
		state.LastPingTime = *self.LastPingTime
	}
	if self.PingLatency != nil {
		state.PingLatency = *self.PingLatency
	}
	if self.PendingOperations != nil {
		state.PendingOperations = self.PendingOperations
	}
	if self.VectorClock != nil {
		state.VectorClock = self.VectorClock
	}
	if self.OperationHistory != nil {
		state.OperationHistory = self.OperationHistory
	}
	if self.ConflictQueue != nil {
		state.ConflictQueue = self.ConflictQueue
	}
	if self.ActiveUsers != nil {
		state.ActiveUsers = self.ActiveUsers
	}
	if self.UserPresences != nil {
		state.UserPresences = self.UserPresences
	}
	if self.EditingUsers != nil {
		state.EditingUsers = self.EditingUsers
	}
	if self.CursorPositions != nil {
		state.CursorPositions = self.CursorPositions
	}
	if self.ConnectionRetryCount != nil {
		state.ConnectionRetryCount = *self.ConnectionRetryCount
	}
	if self.LastError != nil {
		state.LastError = self.LastError
	} else if self.ClearLastError {
		state.LastError = nil
	}
	if self.Errors != nil {
		state.Errors = self.Errors
	}
	if self.MessageCount != nil {
		state.MessageCount = *self.MessageCount
	}
	if self.MessageRate != nil {
		state.MessageRate = *self.MessageRate
	}
	if self.BandwidthUsage != nil {
		state.BandwidthUsage = *self.BandwidthUsage
	}
}

type SyncEventType string

const (
	EventNetworkOnline            SyncEventType = "network_online"
	EventNetworkOffline           SyncEventType = "network_offline"
	EventUserJoined               SyncEventType = "user_joined"
	EventUserLeft                 SyncEventType = "user_left"
	EventEditingStarted           SyncEventType = "editing_started"
	EventEditingEnded             SyncEventType = "editing_ended"
	EventErrorOccurred            SyncEventType = "error_occurred"
	EventConnectionQualityChanged SyncEventType = "connection_quality_changed"
	EventStateChanged             SyncEventType = "state_changed"
)

// SyncEvent carries the payload fields for its `Type`; unrelated fields are
// zero. `state_changed` sets OldState/NewState/Updates.
type SyncEvent struct {
	Type SyncEventType

	UserId      string
	NodeId      string
	SessionInfo *UserSession

	Error *ErrorRecord

	ConnectionQuality ConnectionQuality

	OldState *SyncState
	NewState *SyncState
	Updates  *StateUpdate
}

type SyncEventFunction = func(event *SyncEvent)

func DefaultSyncStateManagerSettings() *SyncStateManagerSettings {
	return &SyncStateManagerSettings{
		AutoSyncInterval:      30 * time.Second,
		MaxRetryAttempts:      5,
		OperationHistoryLimit: 100,
		ErrorLogLimit:         50,
		QualityCheckInterval:  5 * time.Second,
		PingWindowSize:        16,
		PingWindowTimeout:     60 * time.Second,

		ExcellentLatencyThreshold: 50 * time.Millisecond,
		GoodLatencyThreshold:      100 * time.Millisecond,
		PoorLatencyThreshold:      300 * time.Millisecond,
		ExcellentErrorThreshold:   5,
		GoodErrorThreshold:        10,
		PoorErrorThreshold:        20,
	}
}

type SyncStateManagerSettings struct {
	AutoSyncInterval      time.Duration
	MaxRetryAttempts      int
	OperationHistoryLimit int
	ErrorLogLimit         int
	QualityCheckInterval  time.Duration
	PingWindowSize        int
	PingWindowTimeout     time.Duration

	ExcellentLatencyThreshold time.Duration
	GoodLatencyThreshold      time.Duration
	PoorLatencyThreshold      time.Duration
	ExcellentErrorThreshold   int
	GoodErrorThreshold        int
	PoorErrorThreshold        int
}

type SyncStateManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	replicaId string
	settings  *SyncStateManagerSettings

	pingWindow *PingWindow

	stateLock            sync.Mutex
	state                *SyncState
	connectivityUnsubs   []func()
	lastTickMessageCount int

	eventCallbacks *CallbackList[SyncEventFunction]

	// events queue in swap order; a single drainer at a time delivers them,
	// so subscribers see `state_changed` old/new pairs form a chain
	dispatchLock  sync.Mutex
	dispatchQueue []*SyncEvent
	dispatching   bool
}

func NewSyncStateManagerWithDefaults(ctx context.Context, replicaId string) *SyncStateManager {
	return NewSyncStateManager(ctx, replicaId, DefaultSyncStateManagerSettings())
}

func NewSyncStateManager(ctx context.Context, replicaId string, settings *SyncStateManagerSettings) *SyncStateManager {
	cancelCtx, cancel := context.WithCancel(ctx)

	manager := &SyncStateManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		replicaId:      replicaId,
		settings:       settings,
		pingWindow:     NewPingWindow(settings.PingWindowSize, settings.PingWindowTimeout),
		state:          newSyncState(settings),
		eventCallbacks: NewCallbackList[SyncEventFunction](),
	}

	go manager.run()

	return manager
}

func (self *SyncStateManager) ReplicaId() string {
	return self.replicaId
}

// the periodic quality/rate recalculation tick
func (self *SyncStateManager) run() {
	ticker := time.NewTicker(self.settings.QualityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.EvaluateConnectionQuality()
			self.updateMessageRate()
		}
	}
}

// GetState returns the current snapshot. The snapshot is immutable.
func (self *SyncStateManager) GetState() *SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// AddEventCallback subscribes to sync events. The returned function removes
// exactly this subscription.
func (self *SyncStateManager) AddEventCallback(eventCallback SyncEventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

// update is the single mutation path. `build` runs with the state lock held
// on the current snapshot and returns the partial to apply, or nil for a
// no-op. On change, one `state_changed` event is enqueued before the lock is
// released, so concurrent mutators deliver their events in swap order.
func (self *SyncStateManager) update(build func(state *SyncState) *StateUpdate) (*SyncState, *SyncState) {
	self.stateLock.Lock()
	oldState := self.state
	updates := build(oldState)
	if updates == nil {
		self.stateLock.Unlock()
		return oldState, oldState
	}
	newState := oldState.clone()
	updates.apply(newState)
	self.state = newState
	self.enqueueEvent(&SyncEvent{
		Type:     EventStateChanged,
		OldState: oldState,
		NewState: newState,
		Updates:  updates,
	})
	self.stateLock.Unlock()

	self.drainEvents()
	return oldState, newState
}

func (self *SyncStateManager) event(event *SyncEvent) {
	self.enqueueEvent(event)
	self.drainEvents()
}

func (self *SyncStateManager) enqueueEvent(event *SyncEvent) {
	self.dispatchLock.Lock()
	self.dispatchQueue = append(self.dispatchQueue, event)
	self.dispatchLock.Unlock()
}

// drainEvents delivers queued events in enqueue order. Only one goroutine
// drains at a time; an enqueuer that finds a drain in progress returns and
// leaves delivery to the active drainer, which keeps callbacks from running
// concurrently with each other.
func (self *SyncStateManager) drainEvents() {
	self.dispatchLock.Lock()
	if self.dispatching {
		self.dispatchLock.Unlock()
		return
	}
	self.dispatching = true
	for 0 < len(self.dispatchQueue) {
		next := self.dispatchQueue[0]
		self.dispatchQueue = self.dispatchQueue[1:]
		self.dispatchLock.Unlock()
		for _, eventCallback := range self.eventCallbacks.Get() {
			self.dispatch(eventCallback, next)
		}
		self.dispatchLock.Lock()
	}
	self.dispatching = false
	self.dispatchLock.Unlock()
}

// a panicking callback must not break delivery to the remaining callbacks
func (self *SyncStateManager) dispatch(eventCallback SyncEventFunction, event *SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[collab]event callback panic (%s): %v\n", event.Type, r)
			// a panic raised while delivering the error path itself is only
			// logged, otherwise a subscriber that always panics would grow
			// the queue without bound
			if !errorPathEvent(event) {
				self.recordPanic("listener", r)
			}
		}
	}()
	eventCallback(event)
}

func errorPathEvent(event *SyncEvent) bool {
	if event.Type == EventErrorOccurred {
		return true
	}
	if event.Type == EventStateChanged && event.Updates != nil {
		return event.Updates.LastError != nil || event.Updates.ClearLastError
	}
	return false
}

type SyncStats struct {
	ActiveUserCount       int
	PendingOperationCount int
	OperationHistoryCount int
	ConflictCount         int
	ErrorCount            int
	EditingNodeCount      int
	ConnectionQuality     ConnectionQuality
	MessageRate           float64
	PingLatency           time.Duration
}

// GetStats is a pure read projection of the current snapshot.
func (self *SyncStateManager) GetStats() *SyncStats {
	state := self.GetState()
	return &SyncStats{
		ActiveUserCount:       len(state.ActiveUsers),
		PendingOperationCount: len(state.PendingOperations),
		OperationHistoryCount: len(state.OperationHistory),
		ConflictCount:         len(state.ConflictQueue),
		ErrorCount:            len(state.Errors),
		EditingNodeCount:      len(state.EditingUsers),
		ConnectionQuality:     state.ConnectionQuality,
		MessageRate:           state.MessageRate,
		PingLatency:           state.PingLatency,
	}
}

// HasUnsyncedData is true exactly while the pending queue is non-empty.
func (self *SyncStateManager) HasUnsyncedData() bool {
	return 0 < len(self.GetState().PendingOperations)
}

func (self *SyncStateManager) SyncRetryCount() int {
	return self.GetState().ConnectionRetryCount
}

// AddMessageMetrics accounts one transport message of `byteCount` bytes.
// The message rate is recalculated on the periodic tick.
func (self *SyncStateManager) AddMessageMetrics(byteCount ByteCount) {
	self.update(func(state *SyncState) *StateUpdate {
		messageCount := state.MessageCount + 1
		bandwidthUsage := state.BandwidthUsage + byteCount
		return &StateUpdate{
			MessageCount:   &messageCount,
			BandwidthUsage: &bandwidthUsage,
		}
	})
}

func (self *SyncStateManager) updateMessageRate() {
	var messageRate float64
	self.update(func(state *SyncState) *StateUpdate {
		delta := state.MessageCount - self.lastTickMessageCount
		self.lastTickMessageCount = state.MessageCount
		messageRate = float64(delta) / self.settings.QualityCheckInterval.Seconds()
		if messageRate == state.MessageRate {
			return nil
		}
		return &StateUpdate{
			MessageRate: &messageRate,
		}
	})
}

// Cleanup cancels the periodic tick, deregisters every retained
// connectivity callback, and clears the subscriber set.
func (self *SyncStateManager) Cleanup() {
	self.cancel()

	self.stateLock.Lock()
	connectivityUnsubs := self.connectivityUnsubs
	self.connectivityUnsubs = nil
	self.stateLock.Unlock()
	for _, unsub := range connectivityUnsubs {
		unsub()
	}

	self.eventCallbacks.Clear()
}
