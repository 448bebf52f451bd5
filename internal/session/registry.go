package session

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Session is the registry's record of one live connection.
type Session struct {
	ConnectionID  string
	UserID        string
	UserName      string
	IsMaster      bool
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// AddResult is returned by AddSession. Replaced is set when a stale session of
// the same user was evicted to make room for the new one. MasterID is the
// Master's user id as of the same registry step.
type AddResult struct {
	Session  Session
	Replaced *Session
	MasterID string
}

// RemoveResult is returned by RemoveSession. Promoted is set when the removed
// session was Master and another session took over.
type RemoveResult struct {
	Session  Session
	Promoted *Session
}

type Msg interface{ isRegistryMsg() }

type addSession struct {
	ConnectionID string
	UserID       string
	UserName     string
	Reply        chan AddResult
}

type removeSession struct {
	ConnectionID string
	Reply        chan *RemoveResult
}

type transferMaster struct {
	ConnectionID string
	NewUserID    string
	Reply        chan *Session
}

type heartbeat struct {
	ConnectionID string
	Reply        chan bool
}

type getSession struct {
	ConnectionID string
	Reply        chan *Session
}

type listSessions struct {
	Reply chan []Session
}

type getMaster struct {
	Reply chan *Session
}

type getMasterID struct {
	Reply chan string
}

func (addSession) isRegistryMsg()     {}
func (removeSession) isRegistryMsg()  {}
func (transferMaster) isRegistryMsg() {}
func (heartbeat) isRegistryMsg()      {}
func (getSession) isRegistryMsg()     {}
func (listSessions) isRegistryMsg()   {}
func (getMaster) isRegistryMsg()      {}
func (getMasterID) isRegistryMsg()    {}

// Registry owns every session and the Master pointer. All access goes through
// a single goroutine, so role changes are linearizable.
type Registry struct {
	inbox chan Msg
	log   *zap.Logger
	now   func() time.Time
	ctx   context.Context

	// owned by loop
	sessions map[string]*Session
	order    []string // connection ids, insertion order
	masterID string
}

func NewRegistry(ctx context.Context, log *zap.Logger) *Registry {
	r := &Registry{
		inbox:    make(chan Msg, 64),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		sessions: make(map[string]*Session),
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case addSession:
				msg.Reply <- r.add(msg)

			case removeSession:
				msg.Reply <- r.remove(msg.ConnectionID)

			case transferMaster:
				msg.Reply <- r.transfer(msg.ConnectionID, msg.NewUserID)

			case heartbeat:
				s, ok := r.sessions[msg.ConnectionID]
				if ok {
					s.LastHeartbeat = r.now()
				}
				msg.Reply <- ok

			case getSession:
				msg.Reply <- r.copyOf(msg.ConnectionID)

			case listSessions:
				out := make([]Session, 0, len(r.order))
				for _, id := range r.order {
					out = append(out, *r.sessions[id])
				}
				msg.Reply <- out

			case getMaster:
				var master *Session
				for _, id := range r.order {
					if r.sessions[id].IsMaster {
						master = r.copyOf(id)
						break
					}
				}
				msg.Reply <- master

			case getMasterID:
				msg.Reply <- r.masterID
			}
		}
	}
}

func (r *Registry) add(msg addSession) AddResult {
	var res AddResult

	// A user owns at most one live session and a connection carries at most one
	// user: whatever the new session replaces hands its role over.
	inherit := false
	if old, ok := r.sessions[msg.ConnectionID]; ok {
		inherit = old.IsMaster
		r.drop(old.ConnectionID)
	}
	if old := r.findByUser(msg.UserID); old != nil {
		replaced := *old
		res.Replaced = &replaced
		inherit = inherit || old.IsMaster
		r.drop(old.ConnectionID)
	}

	now := r.now()
	s := &Session{
		ConnectionID:  msg.ConnectionID,
		UserID:        msg.UserID,
		UserName:      msg.UserName,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	if inherit || r.masterID == "" {
		s.IsMaster = true
		r.masterID = s.UserID
	}
	r.sessions[s.ConnectionID] = s
	r.order = append(r.order, s.ConnectionID)

	role := "consultant"
	if s.IsMaster {
		role = "master"
	}
	r.log.Info("session added",
		zap.String("connection_id", s.ConnectionID),
		zap.String("user_id", s.UserID),
		zap.String("user_name", s.UserName),
		zap.String("role", role))

	res.Session = *s
	res.MasterID = r.masterID
	return res
}

func (r *Registry) remove(connectionID string) *RemoveResult {
	s, ok := r.sessions[connectionID]
	if !ok {
		return nil
	}
	r.drop(connectionID)
	res := &RemoveResult{Session: *s}
	r.log.Info("session removed",
		zap.String("connection_id", connectionID),
		zap.String("user_id", s.UserID))

	if !s.IsMaster {
		return res
	}
	r.masterID = ""
	res.Promoted = r.promoteEarliest()
	if res.Promoted == nil {
		r.log.Info("no master left, all users disconnected")
	}
	return res
}

// promoteEarliest elects the session with the earliest ConnectedAt, which is
// the head of the insertion order. Caller must have cleared the previous Master.
func (r *Registry) promoteEarliest() *Session {
	if len(r.order) == 0 {
		return nil
	}
	s := r.sessions[r.order[0]]
	s.IsMaster = true
	r.masterID = s.UserID
	r.log.Info("master promoted",
		zap.String("connection_id", s.ConnectionID),
		zap.String("user_id", s.UserID))
	promoted := *s
	return &promoted
}

func (r *Registry) transfer(connectionID, newUserID string) *Session {
	cur, ok := r.sessions[connectionID]
	if !ok || !cur.IsMaster {
		r.log.Warn("transfer rejected, caller is not master", zap.String("connection_id", connectionID))
		return nil
	}
	target := r.findByUser(newUserID)
	if target == nil {
		r.log.Warn("transfer failed, target not connected", zap.String("target_user_id", newUserID))
		return nil
	}
	cur.IsMaster = false
	target.IsMaster = true
	r.masterID = target.UserID
	r.log.Info("master transferred",
		zap.String("from_user_id", cur.UserID),
		zap.String("to_user_id", target.UserID))
	out := *target
	return &out
}

func (r *Registry) drop(connectionID string) {
	delete(r.sessions, connectionID)
	if i := slices.Index(r.order, connectionID); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

func (r *Registry) findByUser(userID string) *Session {
	for _, id := range r.order {
		if s := r.sessions[id]; s.UserID == userID {
			return s
		}
	}
	return nil
}

func (r *Registry) copyOf(connectionID string) *Session {
	s, ok := r.sessions[connectionID]
	if !ok {
		return nil
	}
	out := *s
	return &out
}
