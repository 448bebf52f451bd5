package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/ploco-sync/internal/session"
	"github.com/DoyleJ11/ploco-sync/internal/state"
	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

var (
	ErrNotConnected = errors.New("connection has not called Connect")
	ErrInvalidUser  = errors.New("user id is required")
)

// Hub is the per-connection protocol surface. It enforces the single-writer
// rule through the session registry and relays changes between peers.
type Hub struct {
	reg   *session.Registry
	store state.Store
	log   *zap.Logger

	mu    sync.RWMutex
	peers map[string]*Peer
}

func New(reg *session.Registry, store state.Store, log *zap.Logger) *Hub {
	return &Hub{
		reg:   reg,
		store: store,
		log:   log,
		peers: make(map[string]*Peer),
	}
}

// Attach makes a freshly accepted connection routable. It stays Connecting
// until Connect succeeds.
func (h *Hub) Attach(p *Peer) {
	p.setState(StateConnecting)
	h.mu.Lock()
	h.peers[p.ID] = p
	h.mu.Unlock()
}

func (h *Hub) Connect(p *Peer, userID, userName string) (types.ConnectResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return types.ConnectResult{}, ErrInvalidUser
	}
	if p.State() == StateDisconnected {
		return types.ConnectResult{}, ErrNotConnected
	}
	res := h.reg.AddSession(p.ID, userID, userName)
	if res.Replaced != nil && res.Replaced.ConnectionID != p.ID {
		// the user's previous connection is a leftover; its teardown finds no session
		if stale := h.peer(res.Replaced.ConnectionID); stale != nil {
			h.detach(stale, "replaced by a newer connection")
		}
	}
	if !p.markConnected() {
		// torn down while registering
		h.dropSession(p.ID)
		return types.ConnectResult{}, ErrNotConnected
	}

	h.broadcast(types.NewPush(types.PushUserConnected, toUserInfo(res.Session)), p.ID)

	return types.ConnectResult{
		Success:        true,
		IsMaster:       res.Session.IsMaster,
		MasterID:       res.MasterID,
		ConnectedUsers: h.GetConnectedUsers(),
	}, nil
}

// SendChange relays msg to every other session when p is Master.
func (h *Hub) SendChange(p *Peer, msg types.SyncMessage) bool {
	s := h.reg.GetSession(p.ID)
	if s == nil || !s.IsMaster {
		h.log.Warn("change rejected, sender is not master",
			zap.String("connection_id", p.ID),
			zap.String("message_type", msg.MessageType))
		return false
	}

	msg.UserID = s.UserID
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	h.broadcast(types.NewPush(types.PushReceiveChange, msg), p.ID)
	h.log.Debug("change broadcast",
		zap.String("message_id", msg.MessageID),
		zap.String("message_type", msg.MessageType),
		zap.String("user_id", s.UserID))
	return true
}

// RequestMaster notifies the current Master that p would like the role.
func (h *Hub) RequestMaster(p *Peer) bool {
	s := h.reg.GetSession(p.ID)
	if s == nil {
		return false
	}
	master := h.reg.GetMasterSession()
	if master == nil {
		return false
	}
	target := h.peer(master.ConnectionID)
	if target == nil {
		return false
	}
	target.push(types.NewPush(types.PushMasterRequested, types.MasterRequested{
		RequesterID:   s.UserID,
		RequesterName: s.UserName,
	}))
	h.log.Info("master requested",
		zap.String("requester_id", s.UserID),
		zap.String("master_id", master.UserID))
	return true
}

func (h *Hub) TransferMaster(p *Peer, newUserID string) bool {
	promoted := h.reg.TransferMaster(p.ID, newUserID)
	if promoted == nil {
		return false
	}
	h.broadcast(types.NewPush(types.PushMasterTransferred, types.MasterTransferred{
		NewMasterID:   promoted.UserID,
		NewMasterName: promoted.UserName,
	}), "")
	return true
}

func (h *Hub) Heartbeat(p *Peer) {
	if h.reg.UpdateHeartbeat(p.ID) {
		h.log.Debug("heartbeat", zap.String("connection_id", p.ID))
	}
}

// GetState returns the current snapshot, or nil when none was ever saved.
func (h *Hub) GetState(ctx context.Context, p *Peer) ([]byte, error) {
	if h.reg.GetSession(p.ID) == nil {
		return nil, ErrNotConnected
	}
	blob, err := h.store.GetState(ctx)
	if errors.Is(err, state.ErrNoState) {
		return nil, nil
	}
	if err != nil {
		h.log.Error("load state failed", zap.String("connection_id", p.ID), zap.Error(err))
		return nil, err
	}
	return blob, nil
}

// SaveState persists blob when p is Master. A storage failure is returned,
// never reported as success.
func (h *Hub) SaveState(ctx context.Context, p *Peer, blob []byte) (bool, error) {
	s := h.reg.GetSession(p.ID)
	if s == nil || !s.IsMaster {
		h.log.Warn("save rejected, caller is not master", zap.String("connection_id", p.ID))
		return false, nil
	}
	if _, err := h.store.SaveState(ctx, blob, s.UserName); err != nil {
		h.log.Error("save state failed",
			zap.String("user_id", s.UserID),
			zap.Int("bytes", len(blob)),
			zap.Error(err))
		return false, err
	}
	return true, nil
}

func (h *Hub) GetConnectedUsers() []types.UserInfo {
	sessions := h.reg.GetAllSessions()
	out := make([]types.UserInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toUserInfo(s))
	}
	return out
}

// Disconnect tears down p and runs election. It is called by the transport
// when the connection ends and is safe to call more than once.
func (h *Hub) Disconnect(p *Peer) {
	if !h.detach(p, "disconnected") {
		return
	}
	h.dropSession(p.ID)
}

// dropSession removes the session of connectionID and tells everyone else,
// including who took over when the Master left.
func (h *Hub) dropSession(connectionID string) {
	res := h.reg.RemoveSession(connectionID)
	if res == nil {
		return
	}

	ev := types.UserDisconnected{
		UserID:    res.Session.UserID,
		UserName:  res.Session.UserName,
		WasMaster: res.Session.IsMaster,
	}
	if res.Promoted != nil {
		ev.NewMasterID = res.Promoted.UserID
		ev.NewMasterName = res.Promoted.UserName
	}
	h.broadcast(types.NewPush(types.PushUserDisconnected, ev), "")
}

// Evict forcibly disconnects a connection, e.g. after missed heartbeats.
func (h *Hub) Evict(connectionID, reason string) {
	h.log.Info("evicting connection", zap.String("connection_id", connectionID), zap.String("reason", reason))
	if p := h.peer(connectionID); p != nil {
		h.Disconnect(p)
		return
	}
	// session without a transport
	h.dropSession(connectionID)
}

// SessionsView is the operational listing served over HTTP.
type SessionsView struct {
	TotalSessions int              `json:"totalSessions"`
	MasterID      string           `json:"masterId"`
	Sessions      []types.UserInfo `json:"sessions"`
}

func (h *Hub) Sessions() SessionsView {
	users := h.GetConnectedUsers()
	return SessionsView{
		TotalSessions: len(users),
		MasterID:      h.reg.GetCurrentMasterID(),
		Sessions:      users,
	}
}

func (h *Hub) Metadata(ctx context.Context) (types.StateMetadata, error) {
	return h.store.GetMetadata(ctx)
}

// ResetState deletes the stored snapshot.
func (h *Hub) ResetState(ctx context.Context) error {
	if err := h.store.DeleteState(ctx); err != nil {
		h.log.Error("reset state failed", zap.Error(err))
		return err
	}
	return nil
}

func (h *Hub) Registry() *session.Registry { return h.reg }

// detach unroutes p and closes it. Only the first call reports true.
func (h *Hub) detach(p *Peer, reason string) bool {
	h.mu.Lock()
	cur, ok := h.peers[p.ID]
	if ok && cur == p {
		delete(h.peers, p.ID)
	}
	h.mu.Unlock()

	first := p.markDisconnected()
	p.Close(reason)
	return first
}

func (h *Hub) peer(id string) *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[id]
}

// broadcast pushes f to every connected peer except the one with id except.
// A peer that cannot keep up is dropped instead of stalling the sender.
func (h *Hub) broadcast(f types.Frame, except string) {
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.peers))
	for id, p := range h.peers {
		if id != except && p.State() == StateConnected {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if !p.push(f) {
			h.log.Warn("dropping slow connection", zap.String("connection_id", p.ID), zap.String("push", f.Method))
			go h.Disconnect(p)
		}
	}
}

func toUserInfo(s session.Session) types.UserInfo {
	return types.UserInfo{
		UserID:        s.UserID,
		UserName:      s.UserName,
		IsMaster:      s.IsMaster,
		ConnectedAt:   s.ConnectedAt,
		LastHeartbeat: s.LastHeartbeat,
	}
}
