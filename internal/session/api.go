package session

import "time"

// ask hands msg to the registry loop and waits for its reply. Once the
// registry context is done it returns the zero value.
func ask[T any](r *Registry, msg Msg, reply <-chan T) T {
	var zero T
	if r.ctx.Err() != nil {
		return zero
	}
	select {
	case r.inbox <- msg:
	case <-r.ctx.Done():
		return zero
	}
	select {
	case v := <-reply:
		return v
	case <-r.ctx.Done():
		return zero
	}
}

// AddSession registers a connection. The first session (or the one replacing
// the Master's stale session) becomes Master; everyone else is a Consultant.
func (r *Registry) AddSession(connectionID, userID, userName string) AddResult {
	reply := make(chan AddResult, 1)
	return ask(r, addSession{ConnectionID: connectionID, UserID: userID, UserName: userName, Reply: reply}, reply)
}

// RemoveSession drops a connection's session and, if it was Master, promotes
// the earliest connected remaining session. Returns nil for unknown ids.
func (r *Registry) RemoveSession(connectionID string) *RemoveResult {
	reply := make(chan *RemoveResult, 1)
	return ask(r, removeSession{ConnectionID: connectionID, Reply: reply}, reply)
}

func (r *Registry) IsMaster(connectionID string) bool {
	s := r.GetSession(connectionID)
	return s != nil && s.IsMaster
}

// TransferMaster moves the Master role from the caller to the session of
// newUserID. It returns the new Master's session, or nil without any change
// when the caller is not Master or the target is not connected.
func (r *Registry) TransferMaster(currentConnectionID, newUserID string) *Session {
	reply := make(chan *Session, 1)
	return ask(r, transferMaster{ConnectionID: currentConnectionID, NewUserID: newUserID, Reply: reply}, reply)
}

// UpdateHeartbeat stamps LastHeartbeat. Unknown connections are ignored;
// the return value only reports whether the session existed.
func (r *Registry) UpdateHeartbeat(connectionID string) bool {
	reply := make(chan bool, 1)
	return ask(r, heartbeat{ConnectionID: connectionID, Reply: reply}, reply)
}

func (r *Registry) GetSession(connectionID string) *Session {
	reply := make(chan *Session, 1)
	return ask(r, getSession{ConnectionID: connectionID, Reply: reply}, reply)
}

// GetAllSessions returns copies ordered by ConnectedAt.
func (r *Registry) GetAllSessions() []Session {
	reply := make(chan []Session, 1)
	return ask(r, listSessions{Reply: reply}, reply)
}

func (r *Registry) GetMasterSession() *Session {
	reply := make(chan *Session, 1)
	return ask(r, getMaster{Reply: reply}, reply)
}

// GetCurrentMasterID returns the Master's user id, or "" when nobody is connected.
func (r *Registry) GetCurrentMasterID() string {
	reply := make(chan string, 1)
	return ask(r, getMasterID{Reply: reply}, reply)
}

func (r *Registry) Count() int {
	return len(r.GetAllSessions())
}

// StaleSessions lists sessions whose last heartbeat is before cutoff.
func (r *Registry) StaleSessions(cutoff time.Time) []Session {
	var out []Session
	for _, s := range r.GetAllSessions() {
		if s.LastHeartbeat.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
