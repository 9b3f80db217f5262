// Package monitor drives the periodic liveness sweep. It is the only
// mechanism that recovers state from clients that vanish without a clean
// close: a crashed tab, a dropped network, a stalled proxy.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/doublegate/FlowForge-sub002/pkg/session"
)

// Monitor periodically flags connections whose last heartbeat is too old and
// hands them to the evict callback, which must route into the registry's
// single disconnect path. Optionally it also reaps idle node locks.
type Monitor struct {
	logger   *slog.Logger
	registry session.Registry

	interval         time.Duration
	heartbeatTimeout time.Duration
	// lockIdleTimeout of zero disables the lock reaper.
	lockIdleTimeout time.Duration

	evict          func(*session.Connection)
	onExpiredLocks func([]session.ExpiredLock)
}

func New(
	logger *slog.Logger,
	registry session.Registry,
	interval, heartbeatTimeout, lockIdleTimeout time.Duration,
	evict func(*session.Connection),
	onExpiredLocks func([]session.ExpiredLock),
) *Monitor {
	return &Monitor{
		logger:           logger.With(slog.String("component", "heartbeat_monitor")),
		registry:         registry,
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
		lockIdleTimeout:  lockIdleTimeout,
		evict:            evict,
		onExpiredLocks:   onExpiredLocks,
	}
}

// Run sweeps until the context is cancelled. Blocking; callers run it in its
// own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Heartbeat monitor started",
		slog.Duration("interval", m.interval),
		slog.Duration("timeout", m.heartbeatTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	stale := m.registry.StaleConnections(m.heartbeatTimeout)
	for _, conn := range stale {
		// Only immutable fields are read here; LastHeartbeat races Touch
		// outside the registry lock, so the registry logs it instead.
		m.logger.Warn("Evicting unresponsive connection",
			slog.String("connID", conn.ID.String()),
			slog.String("userID", conn.UserID),
		)
		m.evict(conn)
	}

	if m.lockIdleTimeout <= 0 {
		return
	}
	expired := m.registry.ExpireIdleLocks(m.lockIdleTimeout)
	if len(expired) == 0 {
		return
	}
	m.logger.Info("Reaped idle node locks", slog.Int("count", len(expired)))
	m.onExpiredLocks(expired)
}
