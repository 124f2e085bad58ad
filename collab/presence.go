package collab

import (
	"time"

	"golang.org/x/exp/maps"
)

// presence tracks who is in the document, what they report about themselves,
// which nodes they are editing, and where their cursors are.
//
// editing sets are advisory. Multiple users can edit the same node at once;
// the engine surfaces co-editors to the UI instead of enforcing exclusivity,
// since a hard lock across an unreliable network can deadlock on disconnect.

// AddUserSession inserts or overwrites a session with fresh joinedAt and
// lastActivity. Emits `user_joined`.
func (self *SyncStateManager) AddUserSession(userId string, sessionInfo *UserSessionInfo) *UserSession {
	now := time.Now()
	session := &UserSession{
		UserId:       userId,
		JoinedAt:     now,
		LastActivity: now,
	}
	if sessionInfo != nil {
		session.DisplayName = sessionInfo.DisplayName
		session.AvatarUrl = sessionInfo.AvatarUrl
	}

	self.update(func(state *SyncState) *StateUpdate {
		activeUsers := maps.Clone(state.ActiveUsers)
		activeUsers[userId] = session
		return &StateUpdate{
			ActiveUsers: activeUsers,
		}
	})
	self.event(&SyncEvent{
		Type:        EventUserJoined,
		UserId:      userId,
		SessionInfo: session,
	})
	return session
}

// RemoveUserSession removes the session, presence, cursor, and the user from
// every node's editing set, pruning sets that become empty. Emits
// `user_left` when the user had a session.
func (self *SyncStateManager) RemoveUserSession(userId string) {
	hadSession := false

	self.update(func(state *SyncState) *StateUpdate {
		_, sessionOk := state.ActiveUsers[userId]
		_, presenceOk := state.UserPresences[userId]
		_, cursorOk := state.CursorPositions[userId]
		editingUsers, editingChanged := removeEditorFromAll(state.EditingUsers, userId)
		if !sessionOk && !presenceOk && !cursorOk && !editingChanged {
			return nil
		}
		hadSession = sessionOk

		updates := &StateUpdate{}
		if sessionOk {
			activeUsers := maps.Clone(state.ActiveUsers)
			delete(activeUsers, userId)
			updates.ActiveUsers = activeUsers
		}
		if presenceOk {
			userPresences := maps.Clone(state.UserPresences)
			delete(userPresences, userId)
			updates.UserPresences = userPresences
		}
		if cursorOk {
			cursorPositions := maps.Clone(state.CursorPositions)
			delete(cursorPositions, userId)
			updates.CursorPositions = cursorPositions
		}
		if editingChanged {
			updates.EditingUsers = editingUsers
		}
		return updates
	})

	if hadSession {
		self.event(&SyncEvent{
			Type:   EventUserLeft,
			UserId: userId,
		})
	}
}

// UpdateUserPresence upserts the user's presence with a fresh timestamp and
// refreshes the session's lastActivity when a session exists. An absent
// session is a no-op for the refresh, not an error.
func (self *SyncStateManager) UpdateUserPresence(userId string, status PresenceStatus, viewport *Viewport) {
	now := time.Now()

	self.update(func(state *SyncState) *StateUpdate {
		userPresences := maps.Clone(state.UserPresences)
		userPresences[userId] = &UserPresence{
			Status:    status,
			Timestamp: now,
			Viewport:  viewport,
		}
		updates := &StateUpdate{
			UserPresences: userPresences,
		}

		if session, ok := state.ActiveUsers[userId]; ok {
			refreshed := *session
			refreshed.LastActivity = now
			activeUsers := maps.Clone(state.ActiveUsers)
			activeUsers[userId] = &refreshed
			updates.ActiveUsers = activeUsers
		}
		return updates
	})
}

// StartEditing adds the user to the node's editing set. Emits
// `editing_started`. Already-editing is a no-op.
func (self *SyncStateManager) StartEditing(nodeId string, userId string) {
	added := false

	self.update(func(state *SyncState) *StateUpdate {
		if state.EditingUsers[nodeId][userId] {
			return nil
		}
		added = true
		return &StateUpdate{
			EditingUsers: addEditor(state.EditingUsers, nodeId, userId),
		}
	})

	if added {
		self.event(&SyncEvent{
			Type:   EventEditingStarted,
			NodeId: nodeId,
			UserId: userId,
		})
	}
}

// EndEditing removes the user from the node's editing set, pruning the node
// entry when the set becomes empty. Emits `editing_ended`.
func (self *SyncStateManager) EndEditing(nodeId string, userId string) {
	removed := false

	self.update(func(state *SyncState) *StateUpdate {
		editingUsers, ok := removeEditor(state.EditingUsers, nodeId, userId)
		if !ok {
			return nil
		}
		removed = true
		return &StateUpdate{
			EditingUsers: editingUsers,
		}
	})

	if removed {
		self.event(&SyncEvent{
			Type:   EventEditingEnded,
			NodeId: nodeId,
			UserId: userId,
		})
	}
}

// UpdateCursorPosition upserts the user's cursor, last write wins.
func (self *SyncStateManager) UpdateCursorPosition(userId string, x float64, y float64, nodeId string) {
	now := time.Now()

	self.update(func(state *SyncState) *StateUpdate {
		cursorPositions := maps.Clone(state.CursorPositions)
		cursorPositions[userId] = &CursorPosition{
			X:         x,
			Y:         y,
			NodeId:    nodeId,
			Timestamp: now,
		}
		return &StateUpdate{
			CursorPositions: cursorPositions,
		}
	})
}

// the dictionary-of-sets helpers below maintain the invariant that no
// editing entry persists once its set is empty

func addEditor(editingUsers map[string]map[string]bool, nodeId string, userId string) map[string]map[string]bool {
	next := maps.Clone(editingUsers)
	var editors map[string]bool
	if current, ok := next[nodeId]; ok {
		editors = maps.Clone(current)
	} else {
		editors = map[string]bool{}
	}
	editors[userId] = true
	next[nodeId] = editors
	return next
}

func removeEditor(editingUsers map[string]map[string]bool, nodeId string, userId string) (map[string]map[string]bool, bool) {
	editors, ok := editingUsers[nodeId]
	if !ok || !editors[userId] {
		return editingUsers, false
	}
	next := maps.Clone(editingUsers)
	if len(editors) == 1 {
		delete(next, nodeId)
	} else {
		remaining := maps.Clone(editors)
		delete(remaining, userId)
		next[nodeId] = remaining
	}
	return next, true
}

func removeEditorFromAll(editingUsers map[string]map[string]bool, userId string) (map[string]map[string]bool, bool) {
	changed := false
	next := editingUsers
	for nodeId, editors := range editingUsers {
		if editors[userId] {
			next, _ = removeEditor(next, nodeId, userId)
			changed = true
		}
	}
	return next, changed
}
