//go:build linux && cgo

package hotplug

import (
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/agl/container-manager/internal/guestmodel"
)

func linkUpdate(msgType uint16, index int, name string) netlink.LinkUpdate {
	attrs := netlink.LinkAttrs{Index: index, Name: name}
	link := &netlink.Device{LinkAttrs: attrs}

	upd := netlink.LinkUpdate{Link: link}
	upd.Header.Type = msgType

	return upd
}

func newTestEngineForRTNL(guests ...*guestmodel.Guest) *Engine {
	log, _ := logrustest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	fleet, err := guestmodel.NewFleet(guests)
	if err != nil {
		panic(err)
	}

	return NewEngine(log, fleet, nil)
}

// TestHandleLinkUpdateTracksIfindexByName covers P4: a NEWLINK populates
// the ifindex -> name table, and a matching DELLINK removes it.
func TestHandleLinkUpdateTracksIfindexByName(t *testing.T) {
	e := newTestEngineForRTNL()

	e.HandleLinkUpdate(linkUpdate(unix.RTM_NEWLINK, 7, "can0"))
	assert.Equal(t, "can0", e.linkNames[7])

	e.HandleLinkUpdate(linkUpdate(unix.RTM_DELLINK, 7, "can0"))
	_, ok := e.linkNames[7]
	assert.False(t, ok)
}

func TestHandleLinkUpdateNewlinkRecordsNewIndexForSameName(t *testing.T) {
	e := newTestEngineForRTNL()

	e.HandleLinkUpdate(linkUpdate(unix.RTM_NEWLINK, 3, "eth0"))
	e.HandleLinkUpdate(linkUpdate(unix.RTM_NEWLINK, 9, "eth0"))

	assert.Equal(t, "eth0", e.linkNames[9])
}

func guestWithBinding(name, ifname string) *guestmodel.Guest {
	g := guestmodel.NewGuest(&guestmodel.GuestConfig{
		Name: name, Role: name, DynamicNetifNames: []string{ifname},
	})
	g.Runtime.Status = guestmodel.StateStarted

	return g
}

// TestHandleLinkUpdateIsIdempotentForAlreadyBoundBinding covers the
// "repeat NEWLINK for the same name is a no-op" guarantee: a binding
// already bound to one ifindex must not be rebound to a second NEWLINK
// for the same name (spec section 4.4 last paragraph).
func TestHandleLinkUpdateIsIdempotentForAlreadyBoundBinding(t *testing.T) {
	g := guestWithBinding("g0", "eth0")
	g.Runtime.NetifBindings[0].CurrentIfindex = 5
	g.Runtime.NetifBindings[0].IsAvailable = true

	e := newTestEngineForRTNL(g)

	e.HandleLinkUpdate(linkUpdate(unix.RTM_NEWLINK, 11, "eth0"))

	assert.Equal(t, 5, g.Runtime.NetifBindings[0].CurrentIfindex)
	assert.True(t, g.Runtime.NetifBindings[0].IsAvailable)
}

// TestHandleLinkUpdateDellinkUnbindsMatchingGuests is the add/remove
// round-trip (R1-equivalent for netif bindings): once a binding has been
// bound to an ifindex, a DELLINK for that ifindex resets it to unbound,
// as if it had never been attached.
func TestHandleLinkUpdateDellinkUnbindsMatchingGuests(t *testing.T) {
	g := guestWithBinding("g0", "eth0")
	g.Runtime.NetifBindings[0].CurrentIfindex = 5
	g.Runtime.NetifBindings[0].IsAvailable = true

	e := newTestEngineForRTNL(g)

	e.HandleLinkUpdate(linkUpdate(unix.RTM_DELLINK, 5, "eth0"))

	assert.Equal(t, 0, g.Runtime.NetifBindings[0].CurrentIfindex)
	assert.False(t, g.Runtime.NetifBindings[0].IsAvailable)
}

// TestHandleLinkUpdateDellinkIsIdempotentOnReplay covers duplicate-event
// idempotence: replaying the same DELLINK twice is a no-op the second
// time, not an error or a double-unbind of something else.
func TestHandleLinkUpdateDellinkIsIdempotentOnReplay(t *testing.T) {
	g := guestWithBinding("g0", "eth0")
	g.Runtime.NetifBindings[0].CurrentIfindex = 5
	g.Runtime.NetifBindings[0].IsAvailable = true

	e := newTestEngineForRTNL(g)

	e.HandleLinkUpdate(linkUpdate(unix.RTM_DELLINK, 5, "eth0"))
	require.Equal(t, 0, g.Runtime.NetifBindings[0].CurrentIfindex)

	assert.NotPanics(t, func() {
		e.HandleLinkUpdate(linkUpdate(unix.RTM_DELLINK, 5, "eth0"))
	})
	assert.Equal(t, 0, g.Runtime.NetifBindings[0].CurrentIfindex)
	assert.False(t, g.Runtime.NetifBindings[0].IsAvailable)
}

func TestResyncGuestNetifsSkipsGuestNotStarted(t *testing.T) {
	g := guestWithBinding("g0", "eth0")
	g.Runtime.Status = guestmodel.StateDisable

	e := newTestEngineForRTNL(g)
	e.linkNames[2] = "eth0"

	assert.NotPanics(t, func() { e.ResyncGuestNetifs(g) })
	assert.Equal(t, 0, g.Runtime.NetifBindings[0].CurrentIfindex)
}

func TestResyncGuestNetifsSkipsGuestWithoutInstance(t *testing.T) {
	g := guestWithBinding("g0", "eth0")

	e := newTestEngineForRTNL(g)
	e.linkNames[2] = "eth0"

	e.ResyncGuestNetifs(g)

	// No runtime.Instance is set, so resync must leave the binding unbound
	// rather than panic on a nil instance.
	assert.Equal(t, 0, g.Runtime.NetifBindings[0].CurrentIfindex)
}
