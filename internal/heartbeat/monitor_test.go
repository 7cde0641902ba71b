package heartbeat

import (
	"errors"
	"testing"
	"time"

	"tableflow/syncd/internal/logging"
	"tableflow/syncd/internal/rooms"
)

type fakeConn struct {
	id      string
	user    string
	role    rooms.Role
	last    time.Time
	pings   int
	closed  bool
	pingErr error
}

func (f *fakeConn) ConnectionID() string       { return f.id }
func (f *fakeConn) UserID() string             { return f.user }
func (f *fakeConn) Role() rooms.Role           { return f.role }
func (f *fakeConn) LastHeartbeat() time.Time   { return f.last }
func (f *fakeConn) MarkHeartbeat(at time.Time) { f.last = at }
func (f *fakeConn) SendPing() error            { f.pings++; return f.pingErr }
func (f *fakeConn) ForceClose(string)          { f.closed = true }

type fakeSource struct{ conns []Connection }

func (f *fakeSource) LiveConnections() []Connection { return f.conns }

func TestSweepStampsGracePeriod(t *testing.T) {
	now := time.Unix(1700000000, 0)
	conn := &fakeConn{id: "c1"}
	monitor := NewMonitor(30*time.Second, &fakeSource{conns: []Connection{conn}},
		logging.NewTestLogger(), WithClock(func() time.Time { return now }))

	monitor.Sweep()

	if !conn.last.Equal(now) {
		t.Fatalf("first sweep must stamp the heartbeat, got %v", conn.last)
	}
	if conn.pings != 0 || conn.closed {
		t.Fatalf("grace period must neither ping nor disconnect")
	}
}

func TestSweepPingsIdleConnection(t *testing.T) {
	now := time.Unix(1700000000, 0)
	conn := &fakeConn{id: "c1", last: now.Add(-45 * time.Second)}
	monitor := NewMonitor(30*time.Second, &fakeSource{conns: []Connection{conn}},
		logging.NewTestLogger(), WithClock(func() time.Time { return now }))

	monitor.Sweep()

	if conn.pings != 1 {
		t.Fatalf("connection idle past one interval must be pinged, got %d pings", conn.pings)
	}
	if conn.closed {
		t.Fatalf("connection idle under two intervals must not be disconnected")
	}
}

func TestSweepForceClosesUnresponsiveConnection(t *testing.T) {
	now := time.Unix(1700000000, 0)
	conn := &fakeConn{id: "c1", user: "cook-1", role: rooms.RoleKitchen, last: now.Add(-61 * time.Second)}
	var dropped []string
	monitor := NewMonitor(30*time.Second, &fakeSource{conns: []Connection{conn}},
		logging.NewTestLogger(),
		WithClock(func() time.Time { return now }),
		WithWaiterDropHook(func(userID, _ string) { dropped = append(dropped, userID) }))

	monitor.Sweep()

	if !conn.closed {
		t.Fatalf("connection idle past two intervals must be force closed")
	}
	if len(dropped) != 0 {
		t.Fatalf("kitchen disconnects must not raise the waiter notice")
	}
}

func TestWaiterDropRaisesAdminNotice(t *testing.T) {
	now := time.Unix(1700000000, 0)
	conn := &fakeConn{id: "c9", user: "waiter-1", role: rooms.RoleWaiter, last: now.Add(-61 * time.Second)}
	var dropped []string
	monitor := NewMonitor(30*time.Second, &fakeSource{conns: []Connection{conn}},
		logging.NewTestLogger(),
		WithClock(func() time.Time { return now }),
		WithWaiterDropHook(func(userID, _ string) { dropped = append(dropped, userID) }))

	monitor.Sweep()

	if len(dropped) != 1 || dropped[0] != "waiter-1" {
		t.Fatalf("waiter force disconnect must raise the admin notice, got %v", dropped)
	}
}

func TestPingFailureIsLoggedNotFatal(t *testing.T) {
	now := time.Unix(1700000000, 0)
	conn := &fakeConn{id: "c1", last: now.Add(-40 * time.Second), pingErr: errors.New("broken pipe")}
	monitor := NewMonitor(30*time.Second, &fakeSource{conns: []Connection{conn}},
		logging.NewTestLogger(), WithClock(func() time.Time { return now }))

	monitor.Sweep()

	if conn.closed {
		t.Fatalf("a failed ping alone must not force a disconnect")
	}
}
