package guestmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuest(name, role string, autoboot bool) *Guest {
	return NewGuest(&GuestConfig{Name: name, Role: role, AutoBoot: autoboot})
}

func TestNewFleetPutsAutobootGuestAtRoleHead(t *testing.T) {
	g1 := newGuest("ivi-b", "ivi", false)
	g2 := newGuest("ivi-a", "ivi", true)

	fleet, err := NewFleet([]*Guest{g1, g2})
	require.NoError(t, err)

	entry := fleet.Roles["ivi"]
	require.Len(t, entry.Members, 2)
	assert.Equal(t, "ivi-a", entry.Members[0].Name())
}

func TestNewFleetRejectsDuplicateNames(t *testing.T) {
	g1 := newGuest("dup", "role-a", false)
	g2 := newGuest("dup", "role-b", false)

	_, err := NewFleet([]*Guest{g1, g2})
	assert.Error(t, err)
}

func TestNewFleetCapsAtMaxGuests(t *testing.T) {
	guests := make([]*Guest, 0, MaxGuests+4)
	for i := 0; i < MaxGuests+4; i++ {
		guests = append(guests, newGuest(string(rune('a'+i)), "role", false))
	}

	fleet, err := NewFleet(guests)
	require.NoError(t, err)
	assert.Len(t, fleet.Guests, MaxGuests)
}

func TestActiveOfReturnsErrorForEmptyRole(t *testing.T) {
	entry := &RoleEntry{Role: "ghost"}
	_, err := entry.Active()
	assert.Error(t, err)
}

func TestRotateToHeadMovesMemberToFront(t *testing.T) {
	g1 := newGuest("a", "r", false)
	g2 := newGuest("b", "r", false)
	g3 := newGuest("c", "r", false)

	entry := &RoleEntry{Role: "r", Members: []*Guest{g1, g2, g3}}

	ok := entry.RotateToHead("c")
	require.True(t, ok)

	assert.Equal(t, []string{"c", "a", "b"}, namesOf(entry.Members))
}

func TestRotateToHeadNoopWhenAlreadyHead(t *testing.T) {
	g1 := newGuest("a", "r", false)
	g2 := newGuest("b", "r", false)

	entry := &RoleEntry{Role: "r", Members: []*Guest{g1, g2}}

	ok := entry.RotateToHead("a")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, namesOf(entry.Members))
}

func TestRotateToHeadFalseWhenNotMember(t *testing.T) {
	g1 := newGuest("a", "r", false)
	entry := &RoleEntry{Role: "r", Members: []*Guest{g1}}

	assert.False(t, entry.RotateToHead("ghost"))
}

func TestFleetLookups(t *testing.T) {
	g1 := newGuest("a", "r", true)
	fleet, err := NewFleet([]*Guest{g1})
	require.NoError(t, err)

	g, ok := fleet.Guest("a")
	require.True(t, ok)
	assert.Equal(t, "a", g.Name())

	entry, ok := fleet.RoleOf("a")
	require.True(t, ok)
	assert.Equal(t, "r", entry.Role)

	active, err := fleet.ActiveOf("r")
	require.NoError(t, err)
	assert.Equal(t, "a", active.Name())

	_, err = fleet.ActiveOf("no-such-role")
	assert.Error(t, err)
}

func namesOf(guests []*Guest) []string {
	names := make([]string, len(guests))
	for i, g := range guests {
		names[i] = g.Name()
	}
	return names
}
