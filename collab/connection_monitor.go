package collab

import (
	"time"
)

// connectivity signals (browser/OS online-offline) are injected, not owned.
// The manager retains the unsubscribe handle of every callback it registers
// so `Cleanup` can deterministically deregister them.

type ConnectivityFunction = func(online bool)

// ConnectivitySource is an external online/offline signal source. The
// returned function deregisters the callback.
type ConnectivitySource interface {
	AddConnectivityCallback(connectivityCallback ConnectivityFunction) func()
}

// BindConnectivity registers for online/offline transitions from `source`.
// The handle is retained for `Cleanup`; the returned function deregisters
// early.
func (self *SyncStateManager) BindConnectivity(source ConnectivitySource) func() {
	unsub := source.AddConnectivityCallback(self.SetOnline)

	self.stateLock.Lock()
	self.connectivityUnsubs = append(self.connectivityUnsubs, unsub)
	self.stateLock.Unlock()

	return unsub
}

// SetOnline applies an online/offline transition.
// Going offline forces `IsConnected=false` and quality `bad` regardless of
// latency history. Coming online resets the retry count; quality is
// re-derived on the next tick, not forced up.
func (self *SyncStateManager) SetOnline(online bool) {
	var oldQuality ConnectionQuality
	var newQuality ConnectionQuality

	if online {
		self.update(func(state *SyncState) *StateUpdate {
			oldQuality = state.ConnectionQuality
			newQuality = oldQuality
			if state.IsOnline && state.ConnectionRetryCount == 0 {
				return nil
			}
			isOnline := true
			connectionRetryCount := 0
			return &StateUpdate{
				IsOnline:             &isOnline,
				ConnectionRetryCount: &connectionRetryCount,
			}
		})
		self.event(&SyncEvent{
			Type: EventNetworkOnline,
		})
	} else {
		self.update(func(state *SyncState) *StateUpdate {
			oldQuality = state.ConnectionQuality
			newQuality = ConnectionQualityBad
			isOnline := false
			isConnected := false
			connectionQuality := ConnectionQualityBad
			return &StateUpdate{
				IsOnline:          &isOnline,
				IsConnected:       &isConnected,
				ConnectionQuality: &connectionQuality,
			}
		})
		self.event(&SyncEvent{
			Type: EventNetworkOffline,
		})
		if newQuality != oldQuality {
			self.event(&SyncEvent{
				Type:              EventConnectionQualityChanged,
				ConnectionQuality: newQuality,
			})
		}
	}
}

// SetConnected applies a transport-level connect/disconnect and re-derives
// the connection quality immediately.
func (self *SyncStateManager) SetConnected(connected bool) {
	self.update(func(state *SyncState) *StateUpdate {
		if state.IsConnected == connected {
			return nil
		}
		return &StateUpdate{
			IsConnected: &connected,
		}
	})
	self.EvaluateConnectionQuality()
}

func (self *SyncStateManager) SetSyncing(syncing bool) {
	self.update(func(state *SyncState) *StateUpdate {
		if state.IsSyncing == syncing {
			return nil
		}
		return &StateUpdate{
			IsSyncing: &syncing,
		}
	})
}

func (self *SyncStateManager) IncrementConnectionRetryCount() int {
	var connectionRetryCount int
	self.update(func(state *SyncState) *StateUpdate {
		connectionRetryCount = state.ConnectionRetryCount + 1
		return &StateUpdate{
			ConnectionRetryCount: &connectionRetryCount,
		}
	})
	return connectionRetryCount
}

// AddPingSample records one transport round trip. The exposed `PingLatency`
// is the windowed mean, see `PingWindow`.
func (self *SyncStateManager) AddPingSample(rtt time.Duration) {
	self.pingWindow.AddSample(rtt)
	pingLatency := self.pingWindow.MeanRtt()
	lastPingTime := time.Now()

	self.update(func(state *SyncState) *StateUpdate {
		return &StateUpdate{
			PingLatency:  &pingLatency,
			LastPingTime: &lastPingTime,
		}
	})
	self.EvaluateConnectionQuality()
}

// classification thresholds for the discrete connection quality
func (self *SyncStateManagerSettings) classifyConnectionQuality(
	connected bool,
	pingLatency time.Duration,
	errorCount int,
) ConnectionQuality {
	if !connected {
		return ConnectionQualityBad
	}
	switch {
	case pingLatency < self.ExcellentLatencyThreshold && errorCount < self.ExcellentErrorThreshold:
		return ConnectionQualityExcellent
	case pingLatency < self.GoodLatencyThreshold && errorCount < self.GoodErrorThreshold:
		return ConnectionQualityGood
	case pingLatency < self.PoorLatencyThreshold && errorCount < self.PoorErrorThreshold:
		return ConnectionQualityPoor
	default:
		return ConnectionQualityBad
	}
}

// EvaluateConnectionQuality re-derives the discrete quality from the current
// snapshot. A change emits `connection_quality_changed` in addition to the
// generic `state_changed`.
func (self *SyncStateManager) EvaluateConnectionQuality() ConnectionQuality {
	var oldQuality ConnectionQuality
	var newQuality ConnectionQuality

	self.update(func(state *SyncState) *StateUpdate {
		oldQuality = state.ConnectionQuality
		newQuality = self.settings.classifyConnectionQuality(
			state.IsConnected,
			state.PingLatency,
			len(state.Errors),
		)
		if newQuality == oldQuality {
			return nil
		}
		return &StateUpdate{
			ConnectionQuality: &newQuality,
		}
	})

	if newQuality != oldQuality {
		self.event(&SyncEvent{
			Type:              EventConnectionQualityChanged,
			ConnectionQuality: newQuality,
		})
	}
	return newQuality
}
