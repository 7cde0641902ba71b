package rooms

import "testing"

func TestDefaultRoomPerRole(t *testing.T) {
	cases := []struct {
		role Role
		want string
	}{
		{RoleAdmin, RoomAdmins},
		{RoleWaiter, RoomWaiters},
		{RoleKitchen, RoomKitchen},
		{RoleUnknown, ""},
	}
	for _, tc := range cases {
		if got := DefaultRoom(tc.role); got != tc.want {
			t.Fatalf("default room for %v: got %q, want %q", tc.role, got, tc.want)
		}
	}
}

func TestWaiterCannotJoinKitchen(t *testing.T) {
	if Allowed(RoleWaiter, RoomKitchen) {
		t.Fatalf("waiter must not be permitted in the kitchen room")
	}
	if !Allowed(RoleWaiter, RoomGeneral) {
		t.Fatalf("waiter must be permitted in the general room")
	}
}

func TestAdminJoinsEverything(t *testing.T) {
	for _, room := range []string{RoomAdmins, RoomWaiters, RoomKitchen, RoomGeneral} {
		if !Allowed(RoleAdmin, room) {
			t.Fatalf("admin must be permitted in %q", room)
		}
	}
}

func TestParseRole(t *testing.T) {
	if role, err := ParseRole(" Waiter "); err != nil || role != RoleWaiter {
		t.Fatalf("expected waiter, got %v (%v)", role, err)
	}
	if _, err := ParseRole("chef"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}
