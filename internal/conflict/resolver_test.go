package conflict

import (
	"context"
	"errors"
	"testing"

	"tableflow/syncd/internal/logging"
	"tableflow/syncd/internal/version"
)

type fakeStore struct {
	snapshots map[string]map[string]any
	applied   []map[string]any
	applyErr  error
}

func storeKey(kind version.ResourceKind, id string) string { return string(kind) + "/" + id }

func (f *fakeStore) FetchResourceSnapshot(_ context.Context, kind version.ResourceKind, id string) (map[string]any, error) {
	return f.snapshots[storeKey(kind, id)], nil
}

func (f *fakeStore) ApplyResourceUpdate(_ context.Context, kind version.ResourceKind, id string, payload map[string]any, _ string) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, payload)
	if f.snapshots == nil {
		f.snapshots = map[string]map[string]any{}
	}
	f.snapshots[storeKey(kind, id)] = payload
	return nil
}

type recordingBroadcast struct {
	calls int
}

func (r *recordingBroadcast) StateChanged(version.ResourceKind, string, map[string]any, int64, string) {
	r.calls++
}

func newTestResolver(store *fakeStore) (*Resolver, *version.Store, *recordingBroadcast) {
	versions := version.NewStore()
	broadcast := &recordingBroadcast{}
	resolver := NewResolver(versions, store, broadcast, logging.NewTestLogger())
	return resolver, versions, broadcast
}

func TestServerWinsReturnsSnapshotWithoutBump(t *testing.T) {
	store := &fakeStore{snapshots: map[string]map[string]any{
		"order/order-1": {"status": "open", "totalAmount": 42.0},
	}}
	resolver, versions, broadcast := newTestResolver(store)
	before := versions.Current(version.KindOrder, "order-1")

	resolution, err := resolver.Resolve(context.Background(), Request{
		Kind: version.KindOrder, ID: "order-1", Strategy: "server-wins", ActorID: "u1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolution.Data["status"] != "open" {
		t.Fatalf("expected authoritative snapshot, got %v", resolution.Data)
	}
	if versions.Current(version.KindOrder, "order-1") != before {
		t.Fatalf("server-wins must not bump the version")
	}
	if broadcast.calls != 0 {
		t.Fatalf("server-wins must not broadcast")
	}
	if resolution.ConflictID == "" {
		t.Fatalf("resolution must carry a conflict id")
	}
}

func TestClientWinsRequiresClientData(t *testing.T) {
	store := &fakeStore{}
	resolver, versions, _ := newTestResolver(store)

	_, err := resolver.Resolve(context.Background(), Request{
		Kind: version.KindOrder, ID: "order-1", Strategy: "client-wins", ActorID: "u1",
	})
	if !errors.Is(err, ErrMissingClientData) {
		t.Fatalf("expected ErrMissingClientData, got %v", err)
	}
	if versions.Current(version.KindOrder, "order-1") != 0 {
		t.Fatalf("failed resolution must not bump the version")
	}
	if len(store.applied) != 0 {
		t.Fatalf("failed resolution must not write to the store")
	}
}

func TestClientWinsAppliesBumpsAndBroadcasts(t *testing.T) {
	store := &fakeStore{}
	resolver, versions, broadcast := newTestResolver(store)

	resolution, err := resolver.Resolve(context.Background(), Request{
		Kind:       version.KindTable,
		ID:         "table-7",
		Strategy:   "client-wins",
		ClientData: map[string]any{"status": "occupied"},
		ActorID:    "u1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.applied) != 1 {
		t.Fatalf("client data must be applied to the store")
	}
	if resolution.ServerVersion == 0 || versions.Current(version.KindTable, "table-7") != resolution.ServerVersion {
		t.Fatalf("resolution must carry the post-bump version")
	}
	if broadcast.calls != 1 {
		t.Fatalf("accepted mutation must be broadcast")
	}
}

func TestUnsupportedStrategySurfacesError(t *testing.T) {
	resolver, _, _ := newTestResolver(&fakeStore{})
	_, err := resolver.Resolve(context.Background(), Request{
		Kind: version.KindOrder, ID: "order-1", Strategy: "coin-flip",
	})
	if !errors.Is(err, ErrUnsupportedStrategy) {
		t.Fatalf("expected ErrUnsupportedStrategy, got %v", err)
	}
}

func TestMergeOrderItemStatusAdvances(t *testing.T) {
	store := &fakeStore{snapshots: map[string]map[string]any{
		"order_item/item-1": {"status": "in_preparation"},
	}}
	resolver, _, _ := newTestResolver(store)

	resolution, err := resolver.Resolve(context.Background(), Request{
		Kind:       version.KindOrderItem,
		ID:         "item-1",
		Strategy:   "merge",
		ClientData: map[string]any{"status": "ready"},
		ActorID:    "u1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolution.Data["status"] != "ready" {
		t.Fatalf("more-advanced client status must win, got %v", resolution.Data["status"])
	}
}

func TestMergeOrderItemStatusNeverRegresses(t *testing.T) {
	store := &fakeStore{snapshots: map[string]map[string]any{
		"order_item/item-1": {"status": "delivered"},
	}}
	resolver, _, _ := newTestResolver(store)

	resolution, err := resolver.Resolve(context.Background(), Request{
		Kind:       version.KindOrderItem,
		ID:         "item-1",
		Strategy:   "merge",
		ClientData: map[string]any{"status": "in_preparation"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolution.Data["status"] != "delivered" {
		t.Fatalf("stale client status must not regress the server, got %v", resolution.Data["status"])
	}
}

func TestMergeOrderCombinesItemsByIdentity(t *testing.T) {
	store := &fakeStore{snapshots: map[string]map[string]any{
		"order/order-1": {
			"status":      "open",
			"totalAmount": 30.0,
			"items": []any{
				map[string]any{"id": "i1", "status": "pending"},
				map[string]any{"id": "i2", "status": "ready"},
			},
		},
	}}
	resolver, _, _ := newTestResolver(store)

	resolution, err := resolver.Resolve(context.Background(), Request{
		Kind:     version.KindOrder,
		ID:       "order-1",
		Strategy: "merge",
		ClientData: map[string]any{
			"status":      "closed",
			"totalAmount": 25.0,
			"items": []any{
				map[string]any{"id": "i1", "status": "in_preparation", "specialInstructions": "no onions"},
				map[string]any{"id": "i3", "status": "pending"},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolution.Data["status"] != "closed" {
		t.Fatalf("closed is more advanced than open, got %v", resolution.Data["status"])
	}
	if resolution.Data["totalAmount"] != 30.0 {
		t.Fatalf("total must take the maximum, got %v", resolution.Data["totalAmount"])
	}
	items := resolution.Data["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected merged item set of 3, got %d", len(items))
	}
	first := items[0].(map[string]any)
	if first["status"] != "in_preparation" || first["specialInstructions"] != "no onions" {
		t.Fatalf("client item fields must merge into the server item, got %v", first)
	}
}

func TestMergeTableIsServerAuthoritative(t *testing.T) {
	store := &fakeStore{snapshots: map[string]map[string]any{
		"table/table-7": {"status": "free", "capacity": 4.0, "updatedAt": "2026-01-01T10:00:00Z"},
	}}
	resolver, _, _ := newTestResolver(store)

	resolution, err := resolver.Resolve(context.Background(), Request{
		Kind:       version.KindTable,
		ID:         "table-7",
		Strategy:   "merge",
		ClientData: map[string]any{"status": "occupied", "capacity": 6.0, "updatedAt": "2026-01-01T11:00:00Z"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolution.Data["status"] != "free" || resolution.Data["capacity"] != 4.0 {
		t.Fatalf("table physical state must stay server authoritative, got %v", resolution.Data)
	}
	if resolution.Data["updatedAt"] != "2026-01-01T11:00:00Z" {
		t.Fatalf("timestamp must take the later value, got %v", resolution.Data["updatedAt"])
	}
}

func TestMergeUnknownKindShallowMerges(t *testing.T) {
	merged := mergeShallow(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"b": 3, "c": 4},
	)
	if merged["a"] != 1 || merged["b"] != 3 || merged["c"] != 4 {
		t.Fatalf("shallow merge must overlay client fields, got %v", merged)
	}
}
