// Package heartbeat enforces connection liveness independent of
// transport-level keepalive, bounding detection latency for dead peers.
package heartbeat

import (
	"sync"
	"time"

	"tableflow/syncd/internal/logging"
	"tableflow/syncd/internal/rooms"
)

// Connection is the slice of a live connection the monitor needs.
type Connection interface {
	ConnectionID() string
	UserID() string
	Role() rooms.Role
	LastHeartbeat() time.Time
	MarkHeartbeat(at time.Time)
	SendPing() error
	ForceClose(reason string)
}

// Source enumerates the currently live connections.
type Source interface {
	LiveConnections() []Connection
}

// Monitor sweeps live connections on a fixed period: idle connections
// get pinged past one interval and force-disconnected past two.
type Monitor struct {
	interval time.Duration
	source   Source
	now      func() time.Time
	log      *logging.Logger

	// onWaiterDropped fires when a waiter connection is force closed,
	// since waiter loss affects floor coverage.
	onWaiterDropped func(userID, connectionID string)

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option customises monitor construction.
type Option func(*Monitor)

// WithClock overrides the monitor time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithWaiterDropHook registers the waiter force-disconnect callback.
func WithWaiterDropHook(hook func(userID, connectionID string)) Option {
	return func(m *Monitor) { m.onWaiterDropped = hook }
}

// NewMonitor constructs a monitor sweeping at the given interval.
func NewMonitor(interval time.Duration, source Source, logger *logging.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = logging.L()
	}
	monitor := &Monitor{
		interval: interval,
		source:   source,
		now:      time.Now,
		log:      logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(monitor)
		}
	}
	return monitor
}

// Start launches the periodic sweep goroutine.
func (m *Monitor) Start() {
	if m == nil || m.interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop := m.stopCh
	done := m.doneCh
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		defer close(done)
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Sweep inspects every live connection once. Exposed for tests and for
// the ticker goroutine.
func (m *Monitor) Sweep() {
	if m == nil || m.source == nil {
		return
	}
	now := m.now()
	for _, conn := range m.source.LiveConnections() {
		last := conn.LastHeartbeat()
		if last.IsZero() {
			//1.- Grace period: stamp the first observation instead of judging it.
			conn.MarkHeartbeat(now)
			continue
		}
		elapsed := now.Sub(last)
		switch {
		case elapsed > 2*m.interval:
			m.log.Warn("connection unresponsive, force disconnecting",
				logging.String("connection_id", conn.ConnectionID()),
				logging.String("user_id", conn.UserID()),
				logging.Duration("idle", elapsed))
			conn.ForceClose("heartbeat timeout")
			if conn.Role() == rooms.RoleWaiter && m.onWaiterDropped != nil {
				m.onWaiterDropped(conn.UserID(), conn.ConnectionID())
			}
		case elapsed > m.interval:
			if err := conn.SendPing(); err != nil {
				m.log.Warn("ping failed",
					logging.String("connection_id", conn.ConnectionID()),
					logging.Error(err))
			}
		}
	}
}

// Stop halts the sweep goroutine.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	stop := m.stopCh
	done := m.doneCh
	m.stopCh = nil
	m.doneCh = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Interval exposes the sweep period, advertised to clients on connect.
func (m *Monitor) Interval() time.Duration {
	if m == nil {
		return 0
	}
	return m.interval
}
