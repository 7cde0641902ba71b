package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"tableflow/syncd/internal/logging"
)

type fakePresence map[string]bool

func (f fakePresence) IsOnline(userID string) bool { return f[userID] }

func newTestQueue(t *testing.T, capacity int, presence Presence, opts ...Option) *OfflineQueue {
	t.Helper()
	opts = append(opts, WithBatching(10, 0))
	return NewOfflineQueue(capacity, presence, logging.NewTestLogger(), opts...)
}

func TestEnqueueSkipsOnlineUsers(t *testing.T) {
	q := newTestQueue(t, 10, fakePresence{"online": true})
	if q.Enqueue("online", "order-created", json.RawMessage(`{}`), PriorityHigh) {
		t.Fatalf("online users must never be queued")
	}
	if !q.Enqueue("offline", "order-created", json.RawMessage(`{}`), PriorityHigh) {
		t.Fatalf("offline users must be queued")
	}
	if q.Pending("offline") != 1 {
		t.Fatalf("expected one pending message, got %d", q.Pending("offline"))
	}
}

func TestDrainOrdersByPriorityThenArrival(t *testing.T) {
	now := time.Unix(1700000000, 0)
	q := newTestQueue(t, 50, fakePresence{}, WithClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}))

	q.Enqueue("u", "low-1", json.RawMessage(`{}`), PriorityLow)
	q.Enqueue("u", "high-1", json.RawMessage(`{}`), PriorityHigh)
	q.Enqueue("u", "medium-1", json.RawMessage(`{}`), PriorityMedium)
	q.Enqueue("u", "high-2", json.RawMessage(`{}`), PriorityHigh)

	var order []string
	seen := map[string]int{}
	q.Drain("u", func(m *Message) error {
		order = append(order, m.Event)
		seen[m.ID]++
		return nil
	})

	want := []string{"high-1", "high-2", "medium-1", "low-1"}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %v", len(want), order)
	}
	for i, event := range want {
		if order[i] != event {
			t.Fatalf("position %d: got %q, want %q (full order %v)", i, order[i], event, order)
		}
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("message %s delivered %d times in one drain", id, count)
		}
	}
	if q.Pending("u") != 0 {
		t.Fatalf("queue must be cleared after a drain pass")
	}
}

func TestCompactionDropsLowPriorityFirst(t *testing.T) {
	q := newTestQueue(t, 4, fakePresence{})

	q.Enqueue("u", "low-old", json.RawMessage(`{}`), PriorityLow)
	q.Enqueue("u", "high-1", json.RawMessage(`{}`), PriorityHigh)
	q.Enqueue("u", "high-2", json.RawMessage(`{}`), PriorityHigh)
	q.Enqueue("u", "medium-1", json.RawMessage(`{}`), PriorityMedium)
	q.Enqueue("u", "high-3", json.RawMessage(`{}`), PriorityHigh)

	var events []string
	q.Drain("u", func(m *Message) error {
		events = append(events, m.Event)
		return nil
	})
	for _, event := range events {
		if event == "low-old" {
			t.Fatalf("low priority entry must be evicted first, got %v", events)
		}
	}
	if len(events) != 4 {
		t.Fatalf("expected capacity entries retained, got %v", events)
	}
}

func TestCompactionFallsBackToRecency(t *testing.T) {
	q := newTestQueue(t, 3, fakePresence{})
	for i := 0; i < 5; i++ {
		q.Enqueue("u", fmt.Sprintf("high-%d", i), json.RawMessage(`{}`), PriorityHigh)
	}
	if q.Pending("u") != 3 {
		t.Fatalf("expected queue bounded to capacity, got %d", q.Pending("u"))
	}
	var events []string
	q.Drain("u", func(m *Message) error {
		events = append(events, m.Event)
		return nil
	})
	if events[0] != "high-2" {
		t.Fatalf("expected the most recent entries retained, got %v", events)
	}
}

func TestDeliveryFailureRetriesThenDrops(t *testing.T) {
	q := newTestQueue(t, 10, fakePresence{})
	q.Enqueue("u", "flaky", json.RawMessage(`{}`), PriorityHigh)
	q.Enqueue("u", "stable", json.RawMessage(`{}`), PriorityLow)

	attempts := 0
	delivered := q.Drain("u", func(m *Message) error {
		if m.Event == "flaky" {
			attempts++
			return errors.New("socket write failed")
		}
		return nil
	})

	if attempts != defaultMaxRetries {
		t.Fatalf("expected %d attempts for the failing message, got %d", defaultMaxRetries, attempts)
	}
	if delivered != 1 {
		t.Fatalf("failing message must not block the rest of the pass, delivered=%d", delivered)
	}
}

func TestLargePayloadRoundTripsThroughCompression(t *testing.T) {
	q := newTestQueue(t, 10, fakePresence{})
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	payload, _ := json.Marshal(map[string]string{"blob": string(big)})
	q.Enqueue("u", "bulky", payload, PriorityMedium)

	q.Drain("u", func(m *Message) error {
		got, err := m.Payload()
		if err != nil {
			t.Fatalf("payload decode failed: %v", err)
		}
		if string(got) != string(payload) {
			t.Fatalf("payload corrupted by compression round trip")
		}
		return nil
	})
}

func TestPurgeDiscardsPending(t *testing.T) {
	q := newTestQueue(t, 10, fakePresence{})
	q.Enqueue("u", "event", json.RawMessage(`{}`), PriorityLow)
	q.Purge("u")
	if q.Pending("u") != 0 {
		t.Fatalf("purge must clear the user's queue")
	}
}
