package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/ploco-sync/internal/hub"
	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

type Options struct {
	OutboxSize     int
	WriteTimeout   time.Duration
	ReadLimit      int64
	OriginPatterns []string
}

func (o Options) withDefaults() Options {
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = types.MaxFrameBytes
	}
	return o
}

// Handler upgrades to a websocket and serves one client: calls are read and
// dispatched in arrival order, pushes are drained from the peer's outbox by a
// separate writer.
func Handler(h *hub.Hub, opts Options, log *zap.Logger) http.HandlerFunc {
	opts = opts.withDefaults()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		conn.SetReadLimit(opts.ReadLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		id := uuid.NewString()
		plog := log.With(zap.String("connection_id", id))

		// the hub gives up on the peer: unblock the reader so teardown runs
		p := hub.NewPeer(id, opts.OutboxSize, func(reason string) {
			plog.Debug("peer closed", zap.String("reason", reason))
			cancel()
		})
		h.Attach(p)
		defer h.Disconnect(p)
		plog.Info("connection opened", zap.String("remote_addr", r.RemoteAddr))

		// Writer goroutine
		go func() {
			for {
				select {
				case f := <-p.Outbox():
					if err := writeFrame(ctx, conn, f, opts.WriteTimeout); err != nil {
						plog.Debug("push write failed", zap.String("push", f.Method), zap.Error(err))
						cancel()
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch {
				case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
					websocket.CloseStatus(err) == websocket.StatusGoingAway,
					errors.Is(err, context.Canceled):
					plog.Info("connection closed")
				default:
					plog.Info("connection lost", zap.Error(err))
				}
				return
			}

			var f types.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				res := types.Frame{Kind: types.FrameResult, Error: "malformed frame"}
				if err := writeFrame(ctx, conn, res, opts.WriteTimeout); err != nil {
					return
				}
				continue
			}

			res := h.Dispatch(ctx, p, f)
			if err := writeFrame(ctx, conn, res, opts.WriteTimeout); err != nil {
				plog.Debug("result write failed", zap.String("method", f.Method), zap.Error(err))
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f types.Frame, timeout time.Duration) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
