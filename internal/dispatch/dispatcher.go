// Package dispatch fans state-change events out to connected staff and
// diverts them into the offline queue for everyone else.
package dispatch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"tableflow/syncd/internal/logging"
	"tableflow/syncd/internal/queue"
	"tableflow/syncd/internal/rooms"
	"tableflow/syncd/internal/session"
	"tableflow/syncd/internal/version"
)

// Broadcast event names.
const (
	EventOrderCreated      = "order-created"
	EventOrderUpdated      = "order-updated"
	EventOrderClosed       = "order-closed"
	EventOrderItemStatus   = "order-item-status-updated"
	EventTableStatus       = "table-status-updated"
	EventTableOrderUpdated = "table-order-updated"
	EventStateChange       = "state-change"
	EventServerShutdown    = "server-shutdown"
)

// Envelope wraps every broadcast payload with delivery metadata.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	Version   int64           `json:"version"`
	MessageID string          `json:"messageId"`
}

// Sender delivers envelopes to live connections. Implemented by the
// gateway, which owns room membership.
type Sender interface {
	SendToRoom(room string, envelope *Envelope) int
	SendToAll(envelope *Envelope) int
}

// Journal records every dispatched envelope for post-hoc reconstruction.
type Journal interface {
	RecordBroadcast(envelope *Envelope, targetRooms []string)
}

// relevantRoles is the fixed event-kind to interested-roles table.
// Events without an entry are relevant to every role.
func relevantRoles(event string) []rooms.Role {
	switch event {
	case EventOrderCreated:
		return []rooms.Role{rooms.RoleKitchen, rooms.RoleAdmin}
	case EventOrderItemStatus:
		return []rooms.Role{rooms.RoleWaiter, rooms.RoleKitchen, rooms.RoleAdmin}
	case EventTableStatus, EventTableOrderUpdated:
		return []rooms.Role{rooms.RoleWaiter, rooms.RoleAdmin}
	case EventOrderClosed, EventOrderUpdated:
		return []rooms.Role{rooms.RoleWaiter, rooms.RoleAdmin}
	default:
		return nil
	}
}

// priorityFor is the fixed event-kind to queue-priority table.
func priorityFor(event string) queue.Priority {
	switch event {
	case EventOrderCreated, EventOrderItemStatus:
		return queue.PriorityHigh
	case EventTableStatus, EventOrderUpdated:
		return queue.PriorityMedium
	default:
		return queue.PriorityLow
	}
}

// requiresAck marks operationally critical broadcasts that expect an
// acknowledgment within the timeout window.
func requiresAck(event string) bool {
	return event == EventOrderCreated
}

// Dispatcher owns broadcast fan-out, version stamping, offline diversion,
// and acknowledgment monitoring.
type Dispatcher struct {
	sender   Sender
	sessions *session.Registry
	offline  *queue.OfflineQueue
	versions *version.Store
	journal  Journal

	ackTimeout time.Duration
	now        func() time.Time
	newTimer   func(delay time.Duration, fn func())
	log        *logging.Logger

	ackMu   sync.Mutex
	pending map[string]bool
}

// Option customises dispatcher construction.
type Option func(*Dispatcher)

// WithClock overrides the dispatcher time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.now = clock
		}
	}
}

// WithAckTimerFactory overrides ack-timeout scheduling; used in tests.
func WithAckTimerFactory(factory func(delay time.Duration, fn func())) Option {
	return func(d *Dispatcher) {
		if factory != nil {
			d.newTimer = factory
		}
	}
}

// WithJournal attaches a broadcast journal.
func WithJournal(journal Journal) Option {
	return func(d *Dispatcher) { d.journal = journal }
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(sender Sender, sessions *session.Registry, offline *queue.OfflineQueue, versions *version.Store, ackTimeout time.Duration, logger *logging.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = logging.L()
	}
	dispatcher := &Dispatcher{
		sender:     sender,
		sessions:   sessions,
		offline:    offline,
		versions:   versions,
		ackTimeout: ackTimeout,
		now:        time.Now,
		newTimer: func(delay time.Duration, fn func()) {
			time.AfterFunc(delay, fn)
		},
		log:     logger,
		pending: make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}
	return dispatcher
}

// Notify broadcasts the event to the rooms of the target roles, or to
// every connection when no roles are given, then diverts the payload to
// the offline queue for disconnected users the event is relevant to.
func (d *Dispatcher) Notify(event string, payload any, targetRoles ...rooms.Role) *Envelope {
	return d.NotifyVersioned(event, payload, 0, targetRoles...)
}

// NotifyVersioned is Notify carrying an explicit resource version in the
// envelope, used when the event describes a versioned mutation.
func (d *Dispatcher) NotifyVersioned(event string, payload any, resourceVersion int64, targetRoles ...rooms.Role) *Envelope {
	if d == nil || event == "" {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		d.log.Error("broadcast payload marshal failed",
			logging.String("event", event), logging.Error(err))
		return nil
	}

	envelope := &Envelope{
		Type:      event,
		Data:      data,
		Timestamp: d.now().UTC().Format(time.RFC3339Nano),
		Version:   resourceVersion,
		MessageID: uuid.NewString(),
	}

	var targetRooms []string
	delivered := 0
	if len(targetRoles) == 0 {
		delivered = d.sender.SendToAll(envelope)
	} else {
		for _, role := range targetRoles {
			room := rooms.RoomForRole(role)
			if room == "" {
				continue
			}
			targetRooms = append(targetRooms, room)
			delivered += d.sender.SendToRoom(room, envelope)
		}
	}
	if d.journal != nil {
		d.journal.RecordBroadcast(envelope, targetRooms)
	}

	if requiresAck(event) {
		d.armAckTimer(envelope)
	}
	d.divertOffline(event, data)

	d.log.Debug("broadcast dispatched",
		logging.String("event", event),
		logging.String("message_id", envelope.MessageID),
		logging.Int("connections", delivered))
	return envelope
}

// divertOffline queues the payload for every offline session whose role
// is relevant to the event kind, at the event's fixed priority.
func (d *Dispatcher) divertOffline(event string, data json.RawMessage) {
	if d.offline == nil || d.sessions == nil {
		return
	}
	priority := priorityFor(event)
	for _, view := range d.sessions.OfflineByRole(relevantRoles(event)...) {
		d.offline.Enqueue(view.UserID, event, data, priority)
	}
}

// armAckTimer starts the non-cancellable acknowledgment watchdog. The
// timer always fires; the absence of an ack at that point is a
// monitoring signal, not a delivery retry.
func (d *Dispatcher) armAckTimer(envelope *Envelope) {
	d.ackMu.Lock()
	d.pending[envelope.MessageID] = false
	d.ackMu.Unlock()

	messageID := envelope.MessageID
	event := envelope.Type
	d.newTimer(d.ackTimeout, func() {
		d.ackMu.Lock()
		acked := d.pending[messageID]
		delete(d.pending, messageID)
		d.ackMu.Unlock()
		if !acked {
			d.log.Warn("broadcast never acknowledged",
				logging.String("event", event),
				logging.String("message_id", messageID),
				logging.Duration("timeout", d.ackTimeout))
		}
	})
}

// Ack records a client acknowledgment referencing a broadcast message id.
func (d *Dispatcher) Ack(messageID, status, errMessage string) {
	if d == nil || messageID == "" {
		return
	}
	d.ackMu.Lock()
	if _, tracked := d.pending[messageID]; tracked {
		d.pending[messageID] = true
	}
	d.ackMu.Unlock()

	fields := []logging.Field{
		logging.String("message_id", messageID),
		logging.String("status", status),
	}
	if errMessage != "" {
		fields = append(fields, logging.String("client_error", errMessage))
	}
	d.log.Debug("message acknowledged", fields...)
}

// StateChanged broadcasts the outcome of an accepted conflict resolution
// to everyone interested in the resource kind.
func (d *Dispatcher) StateChanged(kind version.ResourceKind, id string, payload map[string]any, newVersion int64, actorID string) {
	body := map[string]any{
		"resourceType": string(kind),
		"resourceId":   id,
		"data":         payload,
		"modifiedBy":   actorID,
	}
	event := eventForKind(kind)
	d.NotifyVersioned(event, body, newVersion, relevantRoles(event)...)
}

func eventForKind(kind version.ResourceKind) string {
	switch kind {
	case version.KindOrder:
		return EventOrderUpdated
	case version.KindOrderItem:
		return EventOrderItemStatus
	case version.KindTable:
		return EventTableStatus
	default:
		return EventStateChange
	}
}
