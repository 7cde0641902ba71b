// Package queue retains notifications for users who are disconnected,
// bounded per user and ordered by priority then arrival.
package queue

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"tableflow/syncd/internal/logging"
)

// Priority orders pending messages; higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the wire representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Message is a notification payload awaiting an offline recipient.
type Message struct {
	ID         string
	Event      string
	EnqueuedAt time.Time
	Priority   Priority
	RetryCount int
	MaxRetries int

	payload    []byte
	compressed bool
}

// Payload returns the original JSON payload, decompressing when needed.
func (m *Message) Payload() (json.RawMessage, error) {
	if m == nil {
		return nil, errors.New("nil message")
	}
	if !m.compressed {
		return m.payload, nil
	}
	return snappy.Decode(nil, m.payload)
}

// Presence answers whether a user currently has a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// compressThreshold is the payload size beyond which entries are stored
// snappy-compressed to keep large sync payloads from dominating memory.
const compressThreshold = 512

// defaultMaxRetries bounds per-message delivery attempts within one drain pass.
const defaultMaxRetries = 3

// OfflineQueue buffers undelivered notifications per user identity.
type OfflineQueue struct {
	mu       sync.Mutex
	pending  map[string][]*Message
	capacity int
	presence Presence

	batchSize  int
	batchPause time.Duration
	now        func() time.Time
	log        *logging.Logger
}

// Option customises queue construction.
type Option func(*OfflineQueue)

// WithClock overrides the queue time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(q *OfflineQueue) {
		if clock != nil {
			q.now = clock
		}
	}
}

// WithBatching overrides the drain batch size and inter-batch pause.
func WithBatching(size int, pause time.Duration) Option {
	return func(q *OfflineQueue) {
		if size > 0 {
			q.batchSize = size
		}
		if pause >= 0 {
			q.batchPause = pause
		}
	}
}

// NewOfflineQueue constructs a queue bounded to capacity entries per user.
func NewOfflineQueue(capacity int, presence Presence, logger *logging.Logger, opts ...Option) *OfflineQueue {
	if logger == nil {
		logger = logging.L()
	}
	if capacity <= 0 {
		capacity = 100
	}
	q := &OfflineQueue{
		pending:    make(map[string][]*Message),
		capacity:   capacity,
		presence:   presence,
		batchSize:  10,
		batchPause: 100 * time.Millisecond,
		now:        time.Now,
		log:        logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Enqueue buffers the payload for an offline user. Online users receive
// direct delivery elsewhere, so the call is a no-op for them.
func (q *OfflineQueue) Enqueue(userID, event string, payload json.RawMessage, priority Priority) bool {
	if q == nil || userID == "" || event == "" {
		return false
	}
	if q.presence != nil && q.presence.IsOnline(userID) {
		return false
	}

	message := &Message{
		ID:         uuid.NewString(),
		Event:      event,
		EnqueuedAt: q.now(),
		Priority:   priority,
		MaxRetries: defaultMaxRetries,
		payload:    append([]byte(nil), payload...),
	}
	if len(message.payload) > compressThreshold {
		message.payload = snappy.Encode(nil, message.payload)
		message.compressed = true
	}

	q.mu.Lock()
	entries := append(q.pending[userID], message)
	if len(entries) > q.capacity {
		entries = compact(entries, q.capacity)
	}
	q.pending[userID] = entries
	q.mu.Unlock()
	return true
}

// compact drops low-priority entries oldest-first, then falls back to
// retaining only the most recent entries up to the capacity.
func compact(entries []*Message, capacity int) []*Message {
	overflow := len(entries) - capacity
	if overflow <= 0 {
		return entries
	}
	kept := entries[:0]
	for _, entry := range entries {
		if overflow > 0 && entry.Priority == PriorityLow {
			overflow--
			continue
		}
		kept = append(kept, entry)
	}
	if len(kept) > capacity {
		kept = kept[len(kept)-capacity:]
	}
	return append([]*Message(nil), kept...)
}

// DeliverFunc pushes a single drained message to the reconnected client.
type DeliverFunc func(message *Message) error

// Drain delivers every pending message for the user in priority-then-FIFO
// order, in fixed-size batches separated by a short pause. Delivery is
// best-effort: a failing message is retried up to its retry budget within
// the pass and then dropped; the queue is cleared unconditionally.
func (q *OfflineQueue) Drain(userID string, deliver DeliverFunc) int {
	if q == nil || userID == "" || deliver == nil {
		return 0
	}

	q.mu.Lock()
	entries := q.pending[userID]
	delete(q.pending, userID)
	q.mu.Unlock()
	if len(entries) == 0 {
		return 0
	}

	//1.- Sort by priority descending, then enqueue time ascending so equal
	// priorities drain in arrival order.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})

	delivered := 0
	for start := 0; start < len(entries); start += q.batchSize {
		end := start + q.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		for _, message := range entries[start:end] {
			if q.deliverWithRetry(userID, message, deliver) {
				delivered++
			}
		}
		if end < len(entries) && q.batchPause > 0 {
			time.Sleep(q.batchPause)
		}
	}
	return delivered
}

func (q *OfflineQueue) deliverWithRetry(userID string, message *Message, deliver DeliverFunc) bool {
	for {
		err := deliver(message)
		if err == nil {
			return true
		}
		message.RetryCount++
		if message.RetryCount >= message.MaxRetries {
			q.log.Error("dropping queued message after retries exhausted",
				logging.String("user_id", userID),
				logging.String("message_id", message.ID),
				logging.String("event", message.Event),
				logging.Int("retries", message.RetryCount),
				logging.Error(err))
			return false
		}
		q.log.Warn("queued message delivery failed, retrying",
			logging.String("user_id", userID),
			logging.String("message_id", message.ID),
			logging.Int("attempt", message.RetryCount))
	}
}

// Pending reports how many messages are buffered for the user.
func (q *OfflineQueue) Pending(userID string) int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[userID])
}

// Purge discards every buffered message for the user. Called when the
// session registry garbage-collects an expired session.
func (q *OfflineQueue) Purge(userID string) {
	if q == nil {
		return
	}
	q.mu.Lock()
	delete(q.pending, userID)
	q.mu.Unlock()
}
