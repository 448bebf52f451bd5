package hub

import (
	"sync"
	"sync/atomic"

	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Peer is the hub's handle on one client connection. The transport drains
// Outbox until Done is closed.
type Peer struct {
	ID string

	outbox    chan types.Frame
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
	onClose   func(reason string)
}

// NewPeer creates a peer with a bounded outbox. onClose is called once, when
// the hub or transport gives up on the connection; it may be nil.
func NewPeer(id string, outboxSize int, onClose func(reason string)) *Peer {
	return &Peer{
		ID:      id,
		outbox:  make(chan types.Frame, outboxSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (p *Peer) Outbox() <-chan types.Frame { return p.outbox }
func (p *Peer) Done() <-chan struct{}      { return p.done }
func (p *Peer) State() ConnState           { return ConnState(p.state.Load()) }

func (p *Peer) setState(s ConnState) { p.state.Store(int32(s)) }

// markConnected moves a live peer to Connected. It fails once the peer is
// Disconnected, which is terminal.
func (p *Peer) markConnected() bool {
	for {
		cur := p.state.Load()
		if ConnState(cur) == StateDisconnected {
			return false
		}
		if p.state.CompareAndSwap(cur, int32(StateConnected)) {
			return true
		}
	}
}

// markDisconnected reports whether this call performed the transition.
func (p *Peer) markDisconnected() bool {
	return ConnState(p.state.Swap(int32(StateDisconnected))) != StateDisconnected
}

// push queues f without blocking. It reports false when the peer is closed
// or its outbox is full.
func (p *Peer) push(f types.Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.outbox <- f:
		return true
	default:
		return false
	}
}

// Close is idempotent.
func (p *Peer) Close(reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.onClose != nil {
			p.onClose(reason)
		}
	})
}
