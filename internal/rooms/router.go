// Package rooms maps staff roles to the broadcast rooms they may join.
package rooms

import (
	"fmt"
	"strings"
)

// Role identifies the class of a connected staff member.
type Role int

const (
	RoleUnknown Role = iota
	RoleAdmin
	RoleWaiter
	RoleKitchen
)

// String returns the wire representation of the role.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleWaiter:
		return "waiter"
	case RoleKitchen:
		return "kitchen"
	default:
		return "unknown"
	}
}

// ParseRole maps a stored role string onto the enum.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "admin":
		return RoleAdmin, nil
	case "waiter":
		return RoleWaiter, nil
	case "kitchen":
		return RoleKitchen, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", raw)
	}
}

// Room names. Every connection lands in its role's primary room; the
// general room is open to all authenticated roles.
const (
	RoomAdmins  = "admins"
	RoomWaiters = "waiters"
	RoomKitchen = "kitchen"
	RoomGeneral = "general"
)

// DefaultRoom returns the primary room a role is placed in on connect.
func DefaultRoom(role Role) string {
	switch role {
	case RoleAdmin:
		return RoomAdmins
	case RoleWaiter:
		return RoomWaiters
	case RoleKitchen:
		return RoomKitchen
	default:
		return ""
	}
}

// Allowed reports whether the role may join the named room.
func Allowed(role Role, room string) bool {
	switch role {
	case RoleAdmin:
		switch room {
		case RoomAdmins, RoomWaiters, RoomKitchen, RoomGeneral:
			return true
		}
	case RoleWaiter:
		switch room {
		case RoomWaiters, RoomGeneral:
			return true
		}
	case RoleKitchen:
		switch room {
		case RoomKitchen, RoomGeneral:
			return true
		}
	}
	return false
}

// RoomForRole returns the primary room used when broadcasting to a role.
func RoomForRole(role Role) string { return DefaultRoom(role) }
