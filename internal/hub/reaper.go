package hub

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper evicts sessions that stopped sending heartbeats.
type Reaper struct {
	hub     *Hub
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

func NewReaper(h *Hub, timeout time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{
		hub:     h,
		timeout: timeout,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every timeout/3 until ctx is done. A zero timeout disables it.
func (r *Reaper) Run(ctx context.Context) error {
	if r.timeout <= 0 {
		r.log.Info("heartbeat reaper disabled")
		<-ctx.Done()
		return nil
	}
	interval := r.timeout / 3
	if interval <= 0 {
		interval = r.timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("heartbeat reaper started", zap.Duration("timeout", r.timeout), zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep evicts every stale session once and returns how many it evicted.
func (r *Reaper) Sweep() int {
	cutoff := r.now().Add(-r.timeout)
	stale := r.hub.Registry().StaleSessions(cutoff)
	for _, s := range stale {
		r.log.Warn("heartbeat timed out",
			zap.String("connection_id", s.ConnectionID),
			zap.String("user_id", s.UserID),
			zap.Time("last_heartbeat", s.LastHeartbeat))
		r.hub.Evict(s.ConnectionID, "heartbeat timeout")
	}
	return len(stale)
}
