package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrBadParams     = errors.New("malformed params")
)

// Dispatch runs one call frame from p and returns the matching result frame.
// Refusals are false results; only failures set Error.
func (h *Hub) Dispatch(ctx context.Context, p *Peer, f types.Frame) types.Frame {
	out := types.Frame{Kind: types.FrameResult, ID: f.ID, Method: f.Method}

	result, err := h.call(ctx, p, f)
	if err != nil {
		if !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrUnknownMethod) {
			h.log.Debug("call failed",
				zap.String("connection_id", p.ID),
				zap.String("method", f.Method),
				zap.Error(err))
		}
		out.Error = err.Error()
		return out
	}

	b, err := json.Marshal(result)
	if err != nil {
		out.Error = fmt.Sprintf("encode result: %v", err)
		return out
	}
	out.Result = b
	return out
}

func (h *Hub) call(ctx context.Context, p *Peer, f types.Frame) (any, error) {
	if f.Kind != types.FrameCall {
		return nil, fmt.Errorf("%w: frame kind %q", ErrBadParams, f.Kind)
	}

	switch f.Method {
	case types.MethodConnect:
		var userID, userName string
		if err := decodeParams(f.Params, &userID, &userName); err != nil {
			return nil, err
		}
		return h.Connect(p, userID, userName)

	case types.MethodSendChange:
		var msg types.SyncMessage
		if err := decodeParams(f.Params, &msg); err != nil {
			return nil, err
		}
		return h.SendChange(p, msg), nil

	case types.MethodRequestMaster:
		return h.RequestMaster(p), nil

	case types.MethodTransferMaster:
		var userID string
		if err := decodeParams(f.Params, &userID); err != nil {
			return nil, err
		}
		return h.TransferMaster(p, userID), nil

	case types.MethodHeartbeat:
		h.Heartbeat(p)
		return nil, nil

	case types.MethodGetState:
		return h.GetState(ctx, p)

	case types.MethodSaveState:
		var blob []byte
		if err := decodeParams(f.Params, &blob); err != nil {
			return nil, err
		}
		return h.SaveState(ctx, p, blob)

	case types.MethodGetConnectedUsers:
		return h.GetConnectedUsers(), nil

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, f.Method)
	}
}

// decodeParams unpacks a positional JSON array into dst, in order.
func decodeParams(raw json.RawMessage, dst ...any) error {
	var args []json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("%w: %v", ErrBadParams, err)
		}
	}
	if len(args) < len(dst) {
		return fmt.Errorf("%w: want %d params, got %d", ErrBadParams, len(dst), len(args))
	}
	for i, d := range dst {
		if err := json.Unmarshal(args[i], d); err != nil {
			return fmt.Errorf("%w: param %d: %v", ErrBadParams, i, err)
		}
	}
	return nil
}
