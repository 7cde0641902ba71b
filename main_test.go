package main

import (
	"encoding/json"
	"testing"
	"time"

	"tableflow/syncd/internal/admission"
	"tableflow/syncd/internal/logging"
	"tableflow/syncd/internal/queue"
	"tableflow/syncd/internal/rooms"
	"tableflow/syncd/internal/session"
)

func TestPurgeUserStateReleasesQueueAndLimiter(t *testing.T) {
	logger := logging.NewTestLogger()
	sessions := session.NewRegistry(time.Minute, 5*time.Minute, logger)
	defer sessions.Close()
	offline := queue.NewOfflineQueue(10, sessions, logger)
	now := time.Unix(1700000000, 0)
	limiter := admission.NewLimiter(time.Minute, 1, func() time.Time { return now })

	sessions.Bind("waiter-1", rooms.RoleWaiter, "c1")
	sessions.MarkOffline("waiter-1", "c1")
	if !offline.Enqueue("waiter-1", "table-status-updated", json.RawMessage(`{"id":"t1"}`), queue.PriorityLow) {
		t.Fatalf("enqueue for offline user must succeed")
	}
	if !limiter.Allow("waiter-1") {
		t.Fatalf("first attempt must pass")
	}
	if limiter.Allow("waiter-1") {
		t.Fatalf("limit of one must block the second attempt")
	}

	purgeUserState(offline, limiter, "waiter-1")

	if pending := offline.Pending("waiter-1"); pending != 0 {
		t.Fatalf("purge must discard queued messages, %d left", pending)
	}
	if !limiter.Allow("waiter-1") {
		t.Fatalf("purge must clear the admission attempt history")
	}
}
