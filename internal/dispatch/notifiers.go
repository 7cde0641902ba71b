package dispatch

import (
	"tableflow/syncd/internal/rooms"
	"tableflow/syncd/internal/version"
)

// Thin adapters for the upstream business-logic callers. Each stamps a
// fresh version for the mutated resource and fans the outcome out to the
// roles that care about it.

// NotifyNewOrder announces a newly created order to the kitchen and admins.
func (d *Dispatcher) NotifyNewOrder(order map[string]any, actorID string) *Envelope {
	v := d.bump(version.KindOrder, idOf(order), actorID)
	return d.NotifyVersioned(EventOrderCreated, order, v, relevantRoles(EventOrderCreated)...)
}

// NotifyOrderItemStatusUpdate announces a line-item status transition.
func (d *Dispatcher) NotifyOrderItemStatusUpdate(item map[string]any, actorID string) *Envelope {
	v := d.bump(version.KindOrderItem, idOf(item), actorID)
	return d.NotifyVersioned(EventOrderItemStatus, item, v, relevantRoles(EventOrderItemStatus)...)
}

// NotifyTableStatusUpdate announces a table state change to floor staff.
func (d *Dispatcher) NotifyTableStatusUpdate(table map[string]any, actorID string) *Envelope {
	v := d.bump(version.KindTable, idOf(table), actorID)
	return d.NotifyVersioned(EventTableStatus, table, v, relevantRoles(EventTableStatus)...)
}

// NotifyOrderClosed announces that an order finished its lifecycle.
func (d *Dispatcher) NotifyOrderClosed(order map[string]any, actorID string) *Envelope {
	v := d.bump(version.KindOrder, idOf(order), actorID)
	return d.NotifyVersioned(EventOrderClosed, order, v, relevantRoles(EventOrderClosed)...)
}

// NotifyTableOrderUpdate announces that the order attached to a table changed.
func (d *Dispatcher) NotifyTableOrderUpdate(tableID string, data map[string]any, actorID string) *Envelope {
	v := d.bump(version.KindTable, tableID, actorID)
	payload := map[string]any{"tableId": tableID, "data": data}
	return d.NotifyVersioned(EventTableOrderUpdated, payload, v, relevantRoles(EventTableOrderUpdated)...)
}

// NotifyWaiterDropped warns admins that a waiter connection was force
// disconnected, since waiter loss affects floor coverage.
func (d *Dispatcher) NotifyWaiterDropped(userID, connectionID, reason string) *Envelope {
	payload := map[string]any{
		"userId":       userID,
		"connectionId": connectionID,
		"reason":       reason,
	}
	return d.Notify("waiter-disconnected", payload, rooms.RoleAdmin)
}

func (d *Dispatcher) bump(kind version.ResourceKind, id, actorID string) int64 {
	if d == nil || d.versions == nil || id == "" {
		return 0
	}
	return d.versions.Bump(kind, id, actorID)
}

func idOf(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	id, _ := payload["id"].(string)
	return id
}
