package version

import (
	"testing"
	"time"
)

func TestBumpStrictlyIncreases(t *testing.T) {
	//1.- Freeze the clock so successive bumps observe the same timestamp.
	frozen := time.Unix(1700000000, 0)
	store := NewStore(WithClock(func() time.Time { return frozen }))

	var last int64
	for i := 0; i < 5; i++ {
		v := store.Bump(KindOrder, "order-1", "user-a")
		if v <= last {
			t.Fatalf("bump %d did not increase: got %d after %d", i, v, last)
		}
		last = v
	}
}

func TestCurrentReturnsZeroForUnknownResource(t *testing.T) {
	store := NewStore()
	if v := store.Current(KindTable, "table-7"); v != 0 {
		t.Fatalf("expected zero for unknown resource, got %d", v)
	}
}

func TestHasConflict(t *testing.T) {
	store := NewStore()
	server := store.Bump(KindOrderItem, "item-1", "user-a")

	if !store.HasConflict(KindOrderItem, "item-1", server-1) {
		t.Fatalf("stale client version must conflict")
	}
	if store.HasConflict(KindOrderItem, "item-1", server) {
		t.Fatalf("equal versions must not conflict")
	}
	if store.HasConflict(KindOrderItem, "item-1", server+1000) {
		t.Fatalf("client ahead of server must not be treated as a conflict")
	}
}

func TestBumpRecordsModifier(t *testing.T) {
	store := NewStore()
	store.Bump(KindOrder, "order-9", "user-b")
	record, ok := store.Lookup(KindOrder, "order-9")
	if !ok {
		t.Fatalf("expected record after bump")
	}
	if record.ModifiedBy != "user-b" {
		t.Fatalf("expected modifier user-b, got %q", record.ModifiedBy)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	store := NewStore()
	store.Bump(KindOrder, "order-1", "a")
	if v := store.Current(KindOrder, "order-2"); v != 0 {
		t.Fatalf("bumping one key must not affect another, got %d", v)
	}
}
