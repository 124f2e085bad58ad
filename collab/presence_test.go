package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestUserSessionLifecycle(t *testing.T) {
	manager := newTestManager(t)

	events := []SyncEventType{}
	unsub := manager.AddEventCallback(func(event *SyncEvent) {
		switch event.Type {
		case EventUserJoined, EventUserLeft:
			events = append(events, event.Type)
		}
	})
	defer unsub()

	session := manager.AddUserSession("u2", &UserSessionInfo{
		DisplayName: "User Two",
	})
	assert.Equal(t, session.UserId, "u2")
	assert.Equal(t, session.DisplayName, "User Two")
	assert.Equal(t, session.JoinedAt.IsZero(), false)
	assert.Equal(t, session.JoinedAt, session.LastActivity)

	state := manager.GetState()
	assert.Equal(t, state.ActiveUsers["u2"], session)

	manager.RemoveUserSession("u2")
	assert.Equal(t, len(manager.GetState().ActiveUsers), 0)

	// removing an unknown user is a no-op without an event
	manager.RemoveUserSession("u2")

	assert.Equal(t, events, []SyncEventType{EventUserJoined, EventUserLeft})
}

func TestRemoveUserSessionCascades(t *testing.T) {
	manager := newTestManager(t)

	manager.AddUserSession("u2", nil)
	manager.AddUserSession("u3", nil)
	manager.UpdateUserPresence("u2", PresenceStatusActive, nil)
	manager.UpdateCursorPosition("u2", 10, 20, "n1")
	manager.StartEditing("n1", "u2")
	manager.StartEditing("n1", "u3")
	manager.StartEditing("n2", "u2")

	manager.RemoveUserSession("u2")

	state := manager.GetState()
	_, sessionOk := state.ActiveUsers["u2"]
	assert.Equal(t, sessionOk, false)
	_, presenceOk := state.UserPresences["u2"]
	assert.Equal(t, presenceOk, false)
	_, cursorOk := state.CursorPositions["u2"]
	assert.Equal(t, cursorOk, false)

	// u2 left every editing set; n2 pruned entirely, n1 keeps u3
	assert.Equal(t, state.EditingUsers["n1"], map[string]bool{"u3": true})
	_, n2Ok := state.EditingUsers["n2"]
	assert.Equal(t, n2Ok, false)

	_, u3Ok := state.ActiveUsers["u3"]
	assert.Equal(t, u3Ok, true)
}

func TestPresenceRefreshesSessionActivity(t *testing.T) {
	manager := newTestManager(t)

	manager.AddUserSession("u2", nil)
	joined := manager.GetState().ActiveUsers["u2"].LastActivity

	time.Sleep(2 * time.Millisecond)
	manager.UpdateUserPresence("u2", PresenceStatusIdle, &Viewport{X: 1, Y: 2, Width: 800, Height: 600})

	state := manager.GetState()
	presence := state.UserPresences["u2"]
	assert.Equal(t, presence.Status, PresenceStatusIdle)
	assert.NotEqual(t, presence.Viewport, nil)
	assert.Equal(t, joined.Before(state.ActiveUsers["u2"].LastActivity), true)

	// presence for a user without a session is kept; the refresh is a no-op
	manager.UpdateUserPresence("ghost", PresenceStatusAway, nil)
	state = manager.GetState()
	assert.Equal(t, state.UserPresences["ghost"].Status, PresenceStatusAway)
	_, ghostOk := state.ActiveUsers["ghost"]
	assert.Equal(t, ghostOk, false)
}

func TestEditingSetsAreAdvisory(t *testing.T) {
	manager := newTestManager(t)

	events := []SyncEventType{}
	unsub := manager.AddEventCallback(func(event *SyncEvent) {
		switch event.Type {
		case EventEditingStarted, EventEditingEnded:
			events = append(events, event.Type)
		}
	})
	defer unsub()

	// concurrent editors of the same node are not blocked
	manager.StartEditing("n1", "u1")
	manager.StartEditing("n1", "u2")
	assert.Equal(t, manager.GetState().EditingUsers["n1"], map[string]bool{"u1": true, "u2": true})

	manager.EndEditing("n1", "u1")
	assert.Equal(t, manager.GetState().EditingUsers["n1"], map[string]bool{"u2": true})

	// the node entry is pruned when the last editor leaves
	manager.EndEditing("n1", "u2")
	_, ok := manager.GetState().EditingUsers["n1"]
	assert.Equal(t, ok, false)

	// ending for a non-editor is a no-op
	manager.EndEditing("n1", "u2")

	assert.Equal(t, events, []SyncEventType{
		EventEditingStarted,
		EventEditingStarted,
		EventEditingEnded,
		EventEditingEnded,
	})
}

func TestCursorLastWriteWins(t *testing.T) {
	manager := newTestManager(t)

	manager.UpdateCursorPosition("u1", 1, 2, "n1")
	manager.UpdateCursorPosition("u1", 3, 4, "")

	state := manager.GetState()
	assert.Equal(t, len(state.CursorPositions), 1)
	cursor := state.CursorPositions["u1"]
	assert.Equal(t, cursor.X, 3.0)
	assert.Equal(t, cursor.Y, 4.0)
	assert.Equal(t, cursor.NodeId, "")
	assert.Equal(t, cursor.Timestamp.IsZero(), false)
}
