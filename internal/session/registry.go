// Package session tracks identity-scoped continuity across transient
// connections: online state, reconnect counts, and offline grace windows.
package session

import (
	"sync"
	"time"

	"tableflow/syncd/internal/logging"
	"tableflow/syncd/internal/rooms"
)

// Connectivity carries the client's self-reported link quality.
type Connectivity struct {
	Status            string
	LatencyMs         int
	ReconnectAttempts int
}

// Session is the continuity record for a single user identity. At most
// one live connection is bound at a time; a new bind supersedes the old.
type Session struct {
	UserID          string
	Role            rooms.Role
	ConnectionID    string
	Online          bool
	LastSeen        time.Time
	ConnectionCount int
	LastSyncVersion int64
	Connectivity    Connectivity

	cancelCleanup func()
}

// View is a copy of session state safe for callers to retain.
type View struct {
	UserID          string
	Role            rooms.Role
	ConnectionID    string
	Online          bool
	LastSeen        time.Time
	ConnectionCount int
	LastSyncVersion int64
	Connectivity    Connectivity
}

// timerFactory schedules a callback after a delay and returns its cancel
// handle. Replaced in tests to drive expiry deterministically.
type timerFactory func(delay time.Duration, fn func()) (cancel func())

func defaultTimerFactory(delay time.Duration, fn func()) func() {
	timer := time.AfterFunc(delay, fn)
	return func() { timer.Stop() }
}

// Registry owns every session for the lifetime of the process.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	window   time.Duration
	idleTTL  time.Duration
	now      func() time.Time
	newTimer timerFactory
	log      *logging.Logger
	onPurge  func(userID string)

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Option customises registry construction.
type Option func(*Registry)

// WithClock overrides the registry time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithTimerFactory overrides deferred-cleanup scheduling; used in tests.
func WithTimerFactory(factory timerFactory) Option {
	return func(r *Registry) {
		if factory != nil {
			r.newTimer = factory
		}
	}
}

// WithPurgeHook registers a callback invoked after a session is purged,
// letting the offline queue discard pending messages for the identity.
func WithPurgeHook(hook func(userID string)) Option {
	return func(r *Registry) { r.onPurge = hook }
}

// NewRegistry constructs a registry with the given reconnection window
// and idle threshold.
func NewRegistry(window, idleTTL time.Duration, logger *logging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	registry := &Registry{
		sessions: make(map[string]*Session),
		window:   window,
		idleTTL:  idleTTL,
		now:      time.Now,
		newTimer: defaultTimerFactory,
		log:      logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// Bind attaches the connection to the user's session, creating the
// session on first contact. The return value distinguishes a first login
// (false) from every subsequent rebind of a surviving session (true).
func (r *Registry) Bind(userID string, role rooms.Role, connectionID string) bool {
	if r == nil || userID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, ok := r.sessions[userID]
	if !ok {
		r.sessions[userID] = &Session{
			UserID:          userID,
			Role:            role,
			ConnectionID:    connectionID,
			Online:          true,
			LastSeen:        now,
			ConnectionCount: 1,
		}
		return false
	}

	//1.- A rebind supersedes any previous binding and disarms the pending cleanup.
	if existing.cancelCleanup != nil {
		existing.cancelCleanup()
		existing.cancelCleanup = nil
	}
	existing.Role = role
	existing.ConnectionID = connectionID
	existing.Online = true
	existing.LastSeen = now
	existing.ConnectionCount++
	return true
}

// MarkOffline clears the connection binding and arms the deferred purge.
// If the session is still offline with an unchanged last-seen timestamp
// when the reconnection window elapses, it is permanently discarded.
// Only the currently bound connection may take the session offline: a
// superseded connection reporting its own close is ignored so it cannot
// clobber the fresh binding.
func (r *Registry) MarkOffline(userID, connectionID string) {
	if r == nil || userID == "" {
		return
	}
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if sess.ConnectionID != connectionID {
		r.mu.Unlock()
		return
	}
	if sess.cancelCleanup != nil {
		sess.cancelCleanup()
	}
	sess.Online = false
	sess.ConnectionID = ""
	offlineAt := r.now()
	sess.LastSeen = offlineAt
	sess.cancelCleanup = r.newTimer(r.window, func() {
		r.purgeIfStale(userID, offlineAt)
	})
	r.mu.Unlock()
}

// purgeIfStale discards the session only when no reconnect-then-disconnect
// cycle happened since the timer was armed.
func (r *Registry) purgeIfStale(userID string, offlineAt time.Time) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if !ok || sess.Online || !sess.LastSeen.Equal(offlineAt) {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	r.mu.Unlock()

	r.log.Info("session purged after reconnection window",
		logging.String("user_id", userID))
	if r.onPurge != nil {
		r.onPurge(userID)
	}
}

// Touch refreshes the session's last-seen timestamp on inbound activity.
func (r *Registry) Touch(userID string) {
	if r == nil || userID == "" {
		return
	}
	r.mu.Lock()
	if sess, ok := r.sessions[userID]; ok {
		sess.LastSeen = r.now()
	}
	r.mu.Unlock()
}

// RecordConnectivity stores the client's reported link quality hint.
func (r *Registry) RecordConnectivity(userID string, hint Connectivity) {
	if r == nil || userID == "" {
		return
	}
	r.mu.Lock()
	if sess, ok := r.sessions[userID]; ok {
		sess.Connectivity = hint
		sess.LastSeen = r.now()
	}
	r.mu.Unlock()
}

// SetLastSyncVersion records the version delivered by the latest full sync.
func (r *Registry) SetLastSyncVersion(userID string, version int64) {
	if r == nil || userID == "" {
		return
	}
	r.mu.Lock()
	if sess, ok := r.sessions[userID]; ok {
		sess.LastSyncVersion = version
	}
	r.mu.Unlock()
}

// Get returns a copy of the session state.
func (r *Registry) Get(userID string) (View, bool) {
	if r == nil {
		return View{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return View{}, false
	}
	return viewOf(sess), true
}

// IsOnline reports whether the user has a live bound connection.
func (r *Registry) IsOnline(userID string) bool {
	view, ok := r.Get(userID)
	return ok && view.Online
}

// OfflineByRole lists users who hold a session, are currently offline,
// and whose role is among the provided set. An empty set matches all roles.
func (r *Registry) OfflineByRole(roleSet ...rooms.Role) []View {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []View
	for _, sess := range r.sessions {
		if sess.Online {
			continue
		}
		if len(roleSet) > 0 && !containsRole(roleSet, sess.Role) {
			continue
		}
		out = append(out, viewOf(sess))
	}
	return out
}

// StartSweeper launches the periodic idle sweep that removes sessions
// whose last activity exceeds the idle threshold, independent of the
// per-session cleanup timers.
func (r *Registry) StartSweeper(interval time.Duration) {
	if r == nil || interval <= 0 {
		return
	}
	r.mu.Lock()
	if r.stopSweep != nil {
		r.mu.Unlock()
		return
	}
	r.stopSweep = make(chan struct{})
	r.sweepDone = make(chan struct{})
	stop := r.stopSweep
	done := r.sweepDone
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(done)
		for {
			select {
			case <-ticker.C:
				r.SweepIdle()
			case <-stop:
				return
			}
		}
	}()
}

// SweepIdle removes every offline session idle past the threshold and
// returns the purged user ids.
func (r *Registry) SweepIdle() []string {
	if r == nil {
		return nil
	}
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var purged []string
	for userID, sess := range r.sessions {
		if sess.Online || sess.LastSeen.After(cutoff) {
			continue
		}
		if sess.cancelCleanup != nil {
			sess.cancelCleanup()
		}
		delete(r.sessions, userID)
		purged = append(purged, userID)
	}
	r.mu.Unlock()

	for _, userID := range purged {
		r.log.Info("idle session swept", logging.String("user_id", userID))
		if r.onPurge != nil {
			r.onPurge(userID)
		}
	}
	return purged
}

// Close stops the idle sweeper and cancels outstanding cleanup timers.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	stop := r.stopSweep
	done := r.sweepDone
	r.stopSweep = nil
	r.sweepDone = nil
	for _, sess := range r.sessions {
		if sess.cancelCleanup != nil {
			sess.cancelCleanup()
			sess.cancelCleanup = nil
		}
	}
	r.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func viewOf(sess *Session) View {
	return View{
		UserID:          sess.UserID,
		Role:            sess.Role,
		ConnectionID:    sess.ConnectionID,
		Online:          sess.Online,
		LastSeen:        sess.LastSeen,
		ConnectionCount: sess.ConnectionCount,
		LastSyncVersion: sess.LastSyncVersion,
		Connectivity:    sess.Connectivity,
	}
}

func containsRole(set []rooms.Role, role rooms.Role) bool {
	for _, candidate := range set {
		if candidate == role {
			return true
		}
	}
	return false
}
