// Package agent is the client side of the sync protocol: it keeps one
// websocket to the hub alive, tracks this user's role and surfaces pushed
// events through Handlers.
package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

var (
	ErrDisabled         = errors.New("sync is disabled")
	ErrAlreadyConnected = errors.New("already connected or connecting")
	ErrNotConnected     = errors.New("not connected")
	ErrNotMaster        = errors.New("not master")
	ErrForcedConsultant = errors.New("forced consultant mode")
	ErrDisconnected     = errors.New("connection lost")
	ErrStateTooLarge    = errors.New("state exceeds the message size limit")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handlers receive server pushes and local status changes. They run on the
// agent's read goroutine: they must not block, and calls back into the agent
// have to happen on another goroutine.
type Handlers struct {
	OnChange                  func(types.SyncMessage)
	OnMasterStatusChanged     func(isMaster bool)
	OnConnectionStatusChanged func(connected bool)
	OnUserConnected           func(types.UserInfo)
	OnUserDisconnected        func(types.UserDisconnected)
	OnMasterTransferred       func(types.MasterTransferred)
	OnMasterRequested         func(types.MasterRequested)
}

type Agent struct {
	cfg      Config
	handlers Handlers
	log      *zap.Logger

	state atomic.Int32
	// master is the role as presented to the application.
	master atomic.Bool
	// serverMaster is the role the server believes in; it differs from master
	// only for forced consultants.
	serverMaster atomic.Bool
	reconnecting atomic.Bool
	// roleSeq counts role pushes, so a late Connect result cannot undo them.
	roleSeq atomic.Uint64

	mu        sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc
	conn      *websocket.Conn
	stopConn  context.CancelFunc
	pending   map[uint64]chan types.Frame
	nextID    uint64
}

func New(cfg Config, handlers Handlers, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:      cfg,
		handlers: handlers,
		log:      log.With(zap.String("user_id", cfg.UserID)),
	}
}

func (a *Agent) State() State      { return State(a.state.Load()) }
func (a *Agent) IsConnected() bool { return a.State() == Connected }
func (a *Agent) IsMaster() bool    { return a.master.Load() }
func (a *Agent) Config() Config    { return a.cfg }

// Connect dials the hub, registers this user and starts the heartbeat. When
// AutoReconnect is set a lost connection is re-established in the background
// until Disconnect.
func (a *Agent) Connect(ctx context.Context) error {
	if !a.cfg.Enabled {
		return ErrDisabled
	}
	if err := a.cfg.validate(); err != nil {
		return err
	}
	if !a.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return ErrAlreadyConnected
	}

	a.mu.Lock()
	if a.runCtx == nil || a.runCtx.Err() != nil {
		a.runCtx, a.runCancel = context.WithCancel(context.Background())
	}
	a.mu.Unlock()

	if err := a.establish(ctx); err != nil {
		a.state.Store(int32(Disconnected))
		return err
	}
	return nil
}

// establish runs one connection attempt. The caller has moved the state to
// Connecting.
func (a *Agent) establish(ctx context.Context) error {
	hubURL, err := a.cfg.HubURL()
	if err != nil {
		return err
	}
	a.mu.Lock()
	runCtx := a.runCtx
	a.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	conn, _, err := websocket.Dial(dialCtx, hubURL, nil)
	cancel()
	if err != nil {
		a.log.Debug("dial failed", zap.String("url", hubURL), zap.Error(err))
		return err
	}
	conn.SetReadLimit(a.cfg.MaxFrameBytes)

	// Disconnect closes the socket gracefully before stopping the reader
	connCtx, stopConn := context.WithCancel(context.Background())
	a.mu.Lock()
	a.conn = conn
	a.stopConn = stopConn
	a.pending = make(map[uint64]chan types.Frame)
	a.mu.Unlock()
	go a.readLoop(connCtx, conn)

	seq := a.roleSeq.Load()
	var res types.ConnectResult
	err = a.call(ctx, types.MethodConnect, &res, a.cfg.UserID, a.cfg.UserName)
	if err == nil && runCtx.Err() != nil {
		err = ErrDisconnected
	}
	if err == nil && !a.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
		err = ErrDisconnected
	}
	if err != nil {
		a.dropConn(conn)
		conn.CloseNow()
		return err
	}

	a.log.Info("connected",
		zap.String("url", hubURL),
		zap.Bool("master", res.IsMaster),
		zap.String("master_id", res.MasterID))
	if a.roleSeq.Load() == seq {
		a.applyRole(res.IsMaster)
	}
	a.notifyConnection(true)
	if a.cfg.ForceConsultantMode && a.serverMaster.Load() {
		go a.renounce(connCtx, res.ConnectedUsers)
	}

	go a.heartbeat(connCtx)

	if a.cfg.RequestMasterOnConnect && !a.cfg.ForceConsultantMode && !res.IsMaster {
		go func() {
			select {
			case <-time.After(a.cfg.MasterRequestDelay):
			case <-connCtx.Done():
				return
			}
			if _, err := a.RequestMaster(connCtx); err != nil {
				a.log.Debug("request master on connect failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// Disconnect closes the connection and stops any reconnect loop.
func (a *Agent) Disconnect() error {
	prev := State(a.state.Swap(int32(Disconnected)))
	a.mu.Lock()
	if a.runCancel != nil {
		a.runCancel()
	}
	conn := a.conn
	a.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		a.dropConn(conn)
	}

	if prev != Disconnected {
		a.log.Info("disconnected")
		a.notifyConnection(false)
	}
	a.serverMaster.Store(false)
	a.setMaster(false)
	return err
}

// Close is Disconnect, for use as an io.Closer.
func (a *Agent) Close() error { return a.Disconnect() }

// lost handles a read failure on conn.
func (a *Agent) lost(conn *websocket.Conn, err error) {
	if !a.dropConn(conn) {
		return
	}
	prev := State(a.state.Swap(int32(Disconnected)))
	if prev != Connected {
		// a connect attempt in progress reports its own failure
		return
	}
	a.log.Warn("connection lost", zap.Error(err))
	a.serverMaster.Store(false)
	a.setMaster(false)
	a.notifyConnection(false)

	if a.cfg.AutoReconnect {
		a.startReconnect()
	}
}

// dropConn forgets conn if it is still current, failing its pending calls.
// It reports whether conn was current.
func (a *Agent) dropConn(conn *websocket.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != conn || conn == nil {
		return false
	}
	a.conn = nil
	if a.stopConn != nil {
		a.stopConn()
		a.stopConn = nil
	}
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	return true
}

// startReconnect runs at most one reconnect loop at a time.
func (a *Agent) startReconnect() {
	a.mu.Lock()
	runCtx := a.runCtx
	a.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	if !a.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		a.reconnectLoop(runCtx)
		a.reconnecting.Store(false)
		// lost again before the flag was cleared
		if a.State() == Disconnected && runCtx.Err() == nil {
			a.startReconnect()
		}
	}()
}

func (a *Agent) reconnectLoop(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		d := a.cfg.delay(attempt)
		a.log.Info("reconnecting", zap.Int("attempt", attempt+1), zap.Duration("delay", d))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
		if !a.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
			// connected by someone else in the meantime
			return
		}
		err := a.establish(ctx)
		if err == nil {
			return
		}
		a.state.Store(int32(Disconnected))
		if ctx.Err() != nil {
			return
		}
		a.log.Warn("reconnect failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.call(ctx, types.MethodHeartbeat, nil); err != nil && ctx.Err() == nil {
				a.log.Debug("heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// renounce hands the server-assigned Master role to another user. With
// nobody else around the role is only renounced locally.
func (a *Agent) renounce(ctx context.Context, users []types.UserInfo) {
	for _, u := range users {
		if u.UserID == a.cfg.UserID {
			continue
		}
		var ok bool
		if err := a.call(ctx, types.MethodTransferMaster, &ok, u.UserID); err != nil {
			a.log.Debug("renounce master failed", zap.String("target", u.UserID), zap.Error(err))
			return
		}
		if ok {
			a.log.Info("renounced master", zap.String("new_master_id", u.UserID))
			return
		}
	}
	a.log.Info("holding master for nobody, renounced locally")
}

func (a *Agent) renounceToAnyone() {
	ctx := context.Background()
	var users []types.UserInfo
	if err := a.call(ctx, types.MethodGetConnectedUsers, &users); err != nil {
		a.log.Debug("list users to renounce master failed", zap.Error(err))
		return
	}
	a.renounce(ctx, users)
}

// applyRole takes the server's view of this user's role.
func (a *Agent) applyRole(serverMaster bool) {
	a.serverMaster.Store(serverMaster)
	a.setMaster(serverMaster && !a.cfg.ForceConsultantMode)
}

func (a *Agent) setMaster(v bool) {
	if a.master.Swap(v) != v && a.handlers.OnMasterStatusChanged != nil {
		a.handlers.OnMasterStatusChanged(v)
	}
}

func (a *Agent) notifyConnection(connected bool) {
	if a.handlers.OnConnectionStatusChanged != nil {
		a.handlers.OnConnectionStatusChanged(connected)
	}
}
