//go:build linux && cgo

package hotplug

import (
	"testing"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agl/container-manager/internal/guestmodel"
	"github.com/agl/container-manager/internal/runtime"
)

func blockAddEvent(devpath string) RawUevent {
	return RawUevent{
		Action:     guestmodel.ActionAdd,
		ActionName: "add",
		Devpath:    devpath,
		Subsystem:  "block",
		Devtype:    "partition",
		Devname:    "/dev/sda1",
		Major:      8,
		Minor:      1,
	}
}

func TestMatchRuleReturnsFirstMatchingRuleInOrder(t *testing.T) {
	rules := []guestmodel.DeviceRule{
		{Subsystem: "usb", ActionMask: guestmodel.ActionAdd},
		{Subsystem: "block", DevpathPrefix: "/devices/usb1", ActionMask: guestmodel.ActionAdd},
		{Subsystem: "block", ActionMask: guestmodel.ActionAdd},
	}

	ev := blockAddEvent("/devices/usb1/1-1/1-1:1.0/host0/target0:0:0/0:0:0:0/block/sda/sda1")

	rule, ok := matchRule(rules, ev)

	require.True(t, ok)
	assert.Equal(t, rules[1], rule)
}

func TestMatchRuleReturnsFalseWhenNoneMatch(t *testing.T) {
	rules := []guestmodel.DeviceRule{
		{Subsystem: "usb", ActionMask: guestmodel.ActionAdd},
	}

	_, ok := matchRule(rules, blockAddEvent("/devices/usb1/sda1"))

	assert.False(t, ok)
}

func newRuleGuest(t *testing.T, name string, rules []guestmodel.DeviceRule) *guestmodel.Guest {
	t.Helper()

	g := guestmodel.NewGuest(&guestmodel.GuestConfig{Name: name, Role: name, DeviceRules: rules})
	g.Runtime.Status = guestmodel.StateStarted

	return g
}

func newTestEngine(t *testing.T, guests ...*guestmodel.Guest) (*Engine, *logrustest.Hook) {
	t.Helper()

	log, hook := logrustest.NewNullLogger()
	fleet, err := guestmodel.NewFleet(guests)
	require.NoError(t, err)

	return NewEngine(log, fleet, nil), hook
}

func TestHandleUeventSkipsGuestsNotStarted(t *testing.T) {
	rule := guestmodel.DeviceRule{Subsystem: "block", ActionMask: guestmodel.ActionAdd}
	g := newRuleGuest(t, "g0", []guestmodel.DeviceRule{rule})
	g.Runtime.Status = guestmodel.StateDisable

	e, hook := newTestEngine(t, g)

	matched := e.HandleUevent(blockAddEvent("/devices/sda1"))

	assert.False(t, matched)
	assert.Empty(t, hook.Entries)
}

func TestHandleUeventReturnsFalseWhenNoGuestRuleMatches(t *testing.T) {
	rule := guestmodel.DeviceRule{Subsystem: "usb", ActionMask: guestmodel.ActionAdd}
	g := newRuleGuest(t, "g0", []guestmodel.DeviceRule{rule})

	e, _ := newTestEngine(t, g)

	assert.False(t, e.HandleUevent(blockAddEvent("/devices/sda1")))
}

func TestHandleUeventCommitsFirstMatchingGuestInFleetOrder(t *testing.T) {
	rule := guestmodel.DeviceRule{Subsystem: "block", ActionMask: guestmodel.ActionAdd}
	gFirst := newRuleGuest(t, "first", []guestmodel.DeviceRule{rule})
	gSecond := newRuleGuest(t, "second", []guestmodel.DeviceRule{rule})

	e, hook := newTestEngine(t, gFirst, gSecond)

	matched := e.HandleUevent(blockAddEvent("/devices/sda1"))

	require.True(t, matched)
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "first", hook.Entries[0].Data["guest"])
}

func TestResyncGuestDevicesReplaysDevicesSeenWhileDown(t *testing.T) {
	rule := guestmodel.DeviceRule{Subsystem: "block", ActionMask: guestmodel.ActionAdd}
	g := newRuleGuest(t, "g0", []guestmodel.DeviceRule{rule})
	g.Runtime.Status = guestmodel.StateDisable

	e, hook := newTestEngine(t, g)

	// Device arrives while the guest is down: recorded but not committed.
	require.False(t, e.HandleUevent(blockAddEvent("/devices/sda1")))
	require.Empty(t, hook.Entries)

	g.Runtime.Status = guestmodel.StateStarted
	e.ResyncGuestDevices(g)

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "g0", hook.Entries[0].Data["guest"])
}

func TestResyncGuestDevicesSkipsRemovedDevices(t *testing.T) {
	rule := guestmodel.DeviceRule{Subsystem: "block", ActionMask: guestmodel.ActionAdd | guestmodel.ActionRemove}
	g := newRuleGuest(t, "g0", []guestmodel.DeviceRule{rule})
	g.Runtime.Status = guestmodel.StateDisable

	e, hook := newTestEngine(t, g)

	add := blockAddEvent("/devices/sda1")
	e.HandleUevent(add)

	remove := add
	remove.Action = guestmodel.ActionRemove
	remove.ActionName = "remove"
	e.HandleUevent(remove)

	g.Runtime.Status = guestmodel.StateStarted
	e.ResyncGuestDevices(g)

	assert.Empty(t, hook.Entries)
}

func TestCgroupDevspecAddAndRemoveAreSymmetric(t *testing.T) {
	rule := guestmodel.DeviceRule{Behavior: guestmodel.Behavior{AllowViaCgroup: true}}

	addSpec, allow := cgroupDevspec(rule, blockAddEvent("/devices/sda1"))
	removeEv := blockAddEvent("/devices/sda1")
	removeEv.Action = guestmodel.ActionRemove
	removeSpec, deny := cgroupDevspec(rule, removeEv)

	assert.Equal(t, addSpec, removeSpec)
	assert.True(t, allow)
	assert.False(t, deny)
}

func TestCgroupDevspecUsesRuleImpliedPermissionOrDefault(t *testing.T) {
	withPerm := guestmodel.DeviceRule{Behavior: guestmodel.Behavior{Permission: "r"}}
	spec, _ := cgroupDevspec(withPerm, blockAddEvent("/devices/sda1"))
	assert.Contains(t, spec, " r")

	noPerm := guestmodel.DeviceRule{}
	spec, _ = cgroupDevspec(noPerm, blockAddEvent("/devices/sda1"))
	assert.Contains(t, spec, " "+guestmodel.DefaultPermission)
}

func TestDevnodeRelPathStripsDevPrefixSymmetrically(t *testing.T) {
	assert.Equal(t, "sda1", devnodeRelPath("/dev/sda1"))
	assert.Equal(t, "sda1", devnodeRelPath("sda1"))
}

func TestHostDeviceModeFallsBackWhenHostNodeGone(t *testing.T) {
	mode, err := hostDeviceMode("/dev/does-not-exist-hotplug-test", "block")
	require.NoError(t, err)
	assert.Equal(t, uint32(runtime.DeviceKindBlock)|0o660, mode)

	mode, err = hostDeviceMode("/dev/does-not-exist-hotplug-test", "usb")
	require.NoError(t, err)
	assert.Equal(t, uint32(runtime.DeviceKindChar)|0o660, mode)
}
