package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

// ErrRemote wraps an error reported by the hub.
var ErrRemote = errors.New("hub error")

// call sends one call frame and waits for its result, decoding it into out
// when out is non-nil.
func (a *Agent) call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return ErrNotConnected
	}
	a.nextID++
	id := a.nextID
	reply := make(chan types.Frame, 1)
	a.pending[id] = reply
	a.mu.Unlock()

	forget := func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	payload, err := json.Marshal(types.Frame{Kind: types.FrameCall, ID: id, Method: method, Params: raw})
	if err != nil {
		forget()
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		forget()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case f, ok := <-reply:
		if !ok {
			return ErrDisconnected
		}
		if f.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrRemote, method, f.Error)
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.lost(conn, err)
			return
		}
		var f types.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.log.Warn("malformed frame from hub", zap.Error(err))
			continue
		}
		switch f.Kind {
		case types.FrameResult:
			a.mu.Lock()
			reply, ok := a.pending[f.ID]
			delete(a.pending, f.ID)
			a.mu.Unlock()
			if ok {
				reply <- f
			}
		case types.FramePush:
			a.handlePush(f)
		}
	}
}

func (a *Agent) handlePush(f types.Frame) {
	self := a.cfg.UserID
	switch f.Method {
	case types.PushReceiveChange:
		var msg types.SyncMessage
		if !a.decodePush(f, &msg) {
			return
		}
		if a.handlers.OnChange != nil {
			a.handlers.OnChange(msg)
		}

	case types.PushUserConnected:
		var u types.UserInfo
		if !a.decodePush(f, &u) {
			return
		}
		if a.cfg.ForceConsultantMode && a.serverMaster.Load() {
			go a.renounce(context.Background(), []types.UserInfo{u})
		}
		if a.handlers.OnUserConnected != nil {
			a.handlers.OnUserConnected(u)
		}

	case types.PushUserDisconnected:
		var ev types.UserDisconnected
		if !a.decodePush(f, &ev) {
			return
		}
		if ev.WasMaster && ev.NewMasterID != "" {
			a.roleSeq.Add(1)
			a.applyRole(ev.NewMasterID == self)
		}
		if a.handlers.OnUserDisconnected != nil {
			a.handlers.OnUserDisconnected(ev)
		}
		if a.cfg.ForceConsultantMode && ev.NewMasterID == self {
			go a.renounceToAnyone()
		}

	case types.PushMasterTransferred:
		var ev types.MasterTransferred
		if !a.decodePush(f, &ev) {
			return
		}
		a.roleSeq.Add(1)
		a.applyRole(ev.NewMasterID == self)
		if a.handlers.OnMasterTransferred != nil {
			a.handlers.OnMasterTransferred(ev)
		}
		if a.cfg.ForceConsultantMode && ev.NewMasterID == self {
			go a.renounceToAnyone()
		}

	case types.PushMasterRequested:
		var ev types.MasterRequested
		if !a.decodePush(f, &ev) {
			return
		}
		if a.handlers.OnMasterRequested != nil {
			a.handlers.OnMasterRequested(ev)
		}

	default:
		a.log.Debug("ignoring unknown push", zap.String("push", f.Method))
	}
}

func (a *Agent) decodePush(f types.Frame, v any) bool {
	if err := json.Unmarshal(f.Params, v); err != nil {
		a.log.Warn("malformed push", zap.String("push", f.Method), zap.Error(err))
		return false
	}
	return true
}

// SendChange relays a change to every other client. Only the Master may send.
func (a *Agent) SendChange(ctx context.Context, messageType string, data any) (bool, error) {
	if err := a.canWrite(); err != nil {
		return false, err
	}
	msg, err := types.NewSyncMessage(messageType, a.cfg.UserID, data)
	if err != nil {
		return false, err
	}
	var ok bool
	err = a.call(ctx, types.MethodSendChange, &ok, msg)
	return ok, err
}

// RequestMaster asks the current Master to hand over the role.
func (a *Agent) RequestMaster(ctx context.Context) (bool, error) {
	if !a.IsConnected() {
		return false, ErrNotConnected
	}
	if a.cfg.ForceConsultantMode {
		return false, ErrForcedConsultant
	}
	var ok bool
	err := a.call(ctx, types.MethodRequestMaster, &ok)
	return ok, err
}

func (a *Agent) TransferMaster(ctx context.Context, newUserID string) (bool, error) {
	if !a.IsConnected() {
		return false, ErrNotConnected
	}
	if !a.IsMaster() {
		return false, ErrNotMaster
	}
	var ok bool
	if err := a.call(ctx, types.MethodTransferMaster, &ok, newUserID); err != nil {
		return false, err
	}
	if ok && newUserID != a.cfg.UserID {
		a.serverMaster.Store(false)
		a.setMaster(false)
	}
	return ok, nil
}

// GetState returns the shared snapshot, or nil when the hub has none.
func (a *Agent) GetState(ctx context.Context) ([]byte, error) {
	if !a.IsConnected() {
		return nil, ErrNotConnected
	}
	var blob []byte
	if err := a.call(ctx, types.MethodGetState, &blob); err != nil {
		return nil, err
	}
	return blob, nil
}

func (a *Agent) SaveState(ctx context.Context, blob []byte) (bool, error) {
	if err := a.canWrite(); err != nil {
		return false, err
	}
	if limit := types.MaxStateBytes(a.cfg.MaxFrameBytes); int64(len(blob)) > limit {
		return false, fmt.Errorf("%w: %d bytes, limit %d", ErrStateTooLarge, len(blob), limit)
	}
	if blob == nil {
		blob = []byte{}
	}
	var ok bool
	err := a.call(ctx, types.MethodSaveState, &ok, blob)
	return ok, err
}

func (a *Agent) GetConnectedUsers(ctx context.Context) ([]types.UserInfo, error) {
	if !a.IsConnected() {
		return nil, ErrNotConnected
	}
	var users []types.UserInfo
	err := a.call(ctx, types.MethodGetConnectedUsers, &users)
	return users, err
}

func (a *Agent) canWrite() error {
	switch {
	case !a.IsConnected():
		return ErrNotConnected
	case a.cfg.ForceConsultantMode:
		return ErrForcedConsultant
	case !a.IsMaster():
		return ErrNotMaster
	}
	return nil
}
