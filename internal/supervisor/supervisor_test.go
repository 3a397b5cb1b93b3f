//go:build linux && cgo

package supervisor

import (
	"io"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agl/container-manager/internal/guestmodel"
	"github.com/agl/container-manager/internal/runtime"
	"github.com/agl/container-manager/internal/workqueue"
)

func newTestFleet(t *testing.T, names ...string) *guestmodel.Fleet {
	t.Helper()

	guests := make([]*guestmodel.Guest, 0, len(names))
	for _, n := range names {
		cfg := &guestmodel.GuestConfig{Name: n, Role: n, AutoBoot: true}
		guests = append(guests, guestmodel.NewGuest(cfg))
	}

	fleet, err := guestmodel.NewFleet(guests)
	require.NoError(t, err)

	return fleet
}

func newTestSupervisor(t *testing.T, names ...string) (*Supervisor, *guestmodel.Fleet) {
	t.Helper()

	fleet := newTestFleet(t, names...)
	log := logrus.New()
	log.SetOutput(io.Discard)

	sup := New(log, fleet, &runtime.Adapter{}, nil)

	return sup, fleet
}

func TestNewInitializesEveryGuestWorkqueueToInactive(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a", "b")
	_ = sup

	for _, g := range fleet.Guests {
		slot, ok := g.Runtime.Workqueue.(*workqueue.Slot)
		require.True(t, ok)
		assert.Equal(t, workqueue.StatusInactive, slot.Status)
	}
}

func TestBootstrapPromotesActiveCandidatesOnly(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a")
	sup.Bootstrap()

	g, _ := fleet.Guest("a")
	assert.Equal(t, guestmodel.StateNotStarted, g.Runtime.Status)
}

func TestBootstrapSchedulesDiskPreparationForFsckRedundancy(t *testing.T) {
	workqueue.Register("fsck", func() workqueue.Plugin { return &noopPlugin{} })

	cfg := &guestmodel.GuestConfig{
		Name: "a", Role: "a", AutoBoot: true,
		ExtraDisks: []guestmodel.FSEntry{{
			From: "/dev/mmcblk1p7", To: "/nv", FSType: "ext4",
			Redundancy: guestmodel.RedundancyFSCK, BlockDevA: "/dev/mmcblk1p7",
		}},
	}

	fleet, err := guestmodel.NewFleet([]*guestmodel.Guest{guestmodel.NewGuest(cfg)})
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	sup := New(log, fleet, &runtime.Adapter{}, nil)

	sup.Bootstrap()

	g, _ := fleet.Guest("a")
	slot := g.Runtime.Workqueue.(*workqueue.Slot)
	assert.Equal(t, workqueue.StatusScheduled, slot.Status)
	assert.Equal(t, workqueue.PostActionRelaunch, slot.PostAction)
	assert.Equal(t, guestmodel.StateNotStarted, g.Runtime.Status)
}

func TestShouldStopFalseOutsideShutdownMode(t *testing.T) {
	sup, _ := newTestSupervisor(t, "a")
	assert.False(t, sup.ShouldStop())
}

func TestShouldStopTrueOnceEveryGuestTerminal(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a", "b")
	sup.mode = guestmodel.ModeShutdown

	g0, _ := fleet.Guest("a")
	g1, _ := fleet.Guest("b")
	g0.Runtime.Status = guestmodel.StateExit
	g1.Runtime.Status = guestmodel.StateDisable

	assert.True(t, sup.ShouldStop())
}

func TestShouldStopFalseWhileAGuestStillStarted(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a", "b")
	sup.mode = guestmodel.ModeShutdown

	g0, _ := fleet.Guest("a")
	g1, _ := fleet.Guest("b")
	g0.Runtime.Status = guestmodel.StateExit
	g1.Runtime.Status = guestmodel.StateStarted

	assert.False(t, sup.ShouldStop())
}

func TestPostShutdownState(t *testing.T) {
	sup, _ := newTestSupervisor(t, "a")
	assert.Equal(t, guestmodel.StateNotStarted, sup.postShutdownState())

	sup.mode = guestmodel.ModeShutdown
	assert.Equal(t, guestmodel.StateExit, sup.postShutdownState())
}

func TestOnSystemExitMovesIdleGuestsStraightToExit(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a", "b", "c")

	g0, _ := fleet.Guest("a")
	g1, _ := fleet.Guest("b")
	g2, _ := fleet.Guest("c")
	g0.Runtime.Status = guestmodel.StateNotStarted
	g1.Runtime.Status = guestmodel.StateDisable
	g2.Runtime.Status = guestmodel.StateDead

	sup.OnSystemExit()

	assert.Equal(t, guestmodel.StateExit, g0.Runtime.Status)
	assert.Equal(t, guestmodel.StateExit, g1.Runtime.Status)
	assert.Equal(t, guestmodel.StateExit, g2.Runtime.Status)
	assert.Equal(t, guestmodel.ModeShutdown, sup.mode)
}

func TestOnSystemExitIsIdempotent(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")
	g0.Runtime.Status = guestmodel.StateDisable

	sup.OnSystemExit()
	g0.Runtime.Status = guestmodel.StateNotStarted // simulate external change
	sup.OnSystemExit()

	// Second call is a no-op guard: status must not be touched again.
	assert.Equal(t, guestmodel.StateNotStarted, g0.Runtime.Status)
}

func TestOnGuestExitFromStartedGoesDead(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")
	g0.Runtime.Status = guestmodel.StateStarted

	sup.OnGuestExit(0)

	assert.Equal(t, guestmodel.StateDead, g0.Runtime.Status)
	assert.Nil(t, g0.Runtime.Instance)
}

func TestOnGuestExitFromShutdownGoesNotStartedOutsideShutdownMode(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")
	g0.Runtime.Status = guestmodel.StateShutdown

	sup.OnGuestExit(0)

	assert.Equal(t, guestmodel.StateNotStarted, g0.Runtime.Status)
}

func TestOnGuestExitIgnoresOutOfRangeIndex(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")
	g0.Runtime.Status = guestmodel.StateStarted

	sup.OnGuestExit(5)

	assert.Equal(t, guestmodel.StateStarted, g0.Runtime.Status)
}

func TestStartGuestRunsScheduledWorkqueueInsteadOfLaunching(t *testing.T) {
	workqueue.Register("noop-test-plugin", func() workqueue.Plugin { return &noopPlugin{} })

	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")

	slot := g0.Runtime.Workqueue.(*workqueue.Slot)
	require.NoError(t, slot.Schedule("noop-test-plugin", nil, workqueue.PostActionRelaunch))

	started := sup.startGuest(g0)

	assert.False(t, started)
	assert.Nil(t, g0.Runtime.Instance)
}

func TestStartGuestRefusesWhileWorkqueueStarted(t *testing.T) {
	workqueue.Register("noop-test-plugin-2", func() workqueue.Plugin { return &noopPlugin{} })

	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")

	slot := g0.Runtime.Workqueue.(*workqueue.Slot)
	require.NoError(t, slot.Schedule("noop-test-plugin-2", nil, workqueue.PostActionHold))
	require.NoError(t, slot.Run(func(int) {}))

	started := sup.startGuest(g0)

	assert.False(t, started)
	assert.Nil(t, g0.Runtime.Instance)

	require.NoError(t, slot.Wait())
}

func TestOnWorkqueueDoneRelaunchesOnRelaunchAction(t *testing.T) {
	workqueue.Register("noop-test-plugin-3", func() workqueue.Plugin { return &noopPlugin{} })

	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")

	slot := g0.Runtime.Workqueue.(*workqueue.Slot)
	require.NoError(t, slot.Schedule("noop-test-plugin-3", nil, workqueue.PostActionRelaunch))
	require.NoError(t, slot.Run(func(int) {}))
	require.NoError(t, slot.Wait())

	sup.OnWorkqueueDone("a", workqueue.ResultSuccess)

	assert.Equal(t, guestmodel.StateNotStarted, g0.Runtime.Status)
	assert.Equal(t, workqueue.StatusInactive, slot.Status)
}

func TestOnWorkqueueDoneHoldsOnHoldAction(t *testing.T) {
	workqueue.Register("noop-test-plugin-4", func() workqueue.Plugin { return &noopPlugin{} })

	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")
	g0.Runtime.Status = guestmodel.StateNotStarted

	slot := g0.Runtime.Workqueue.(*workqueue.Slot)
	require.NoError(t, slot.Schedule("noop-test-plugin-4", nil, workqueue.PostActionHold))
	require.NoError(t, slot.Run(func(int) {}))
	require.NoError(t, slot.Wait())

	sup.OnWorkqueueDone("a", workqueue.ResultSuccess)

	assert.Equal(t, guestmodel.StateNotStarted, g0.Runtime.Status)
	assert.True(t, g0.Runtime.Held)
}

// TestRolePromotionPassLeavesHeldGuestAlone: a guest held after its
// workqueue completed must not be restarted by role promotion even though
// it is its role's active candidate.
func TestRolePromotionPassLeavesHeldGuestAlone(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")
	g0.Runtime.Status = guestmodel.StateNotStarted
	g0.Runtime.Held = true

	sup.rolePromotionPass()

	assert.Equal(t, guestmodel.StateNotStarted, g0.Runtime.Status)
	assert.Nil(t, g0.Runtime.Instance)
	assert.Zero(t, g0.Runtime.LaunchErrorCount)
}

// TestLifecycleRebootReleasesHold: a reboot request on a held NOT_STARTED
// guest clears the hold and starts it; the scheduled workqueue slot defers
// the actual launch, which is enough to observe the release without
// driving liblxc.
func TestLifecycleRebootReleasesHold(t *testing.T) {
	workqueue.Register("noop-test-plugin-5", func() workqueue.Plugin { return &noopPlugin{} })

	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")
	g0.Runtime.Status = guestmodel.StateNotStarted
	g0.Runtime.Held = true

	slot := g0.Runtime.Workqueue.(*workqueue.Slot)
	require.NoError(t, slot.Schedule("noop-test-plugin-5", nil, workqueue.PostActionRelaunch))

	assert.Equal(t, LifecycleAccept, sup.LifecycleByName("a", SubcommandReboot))

	assert.False(t, g0.Runtime.Held)
	require.NoError(t, slot.Wait())
}

func TestLifecycleShutdownOnDeadGuestMovesToNotStarted(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")
	g0.Runtime.Status = guestmodel.StateDead

	assert.Equal(t, LifecycleAccept, sup.LifecycleByName("a", SubcommandShutdown))
	assert.Equal(t, guestmodel.StateNotStarted, g0.Runtime.Status)
}

func TestLifecycleUnknownNameReturnsNoName(t *testing.T) {
	sup, _ := newTestSupervisor(t, "a")
	assert.Equal(t, LifecycleNoName, sup.LifecycleByName("ghost", SubcommandShutdown))
}

func TestLifecycleByRoleUnknownRoleReturnsNoRole(t *testing.T) {
	sup, _ := newTestSupervisor(t, "a")
	assert.Equal(t, LifecycleNoRole, sup.LifecycleByRole("ghost", SubcommandShutdown))
}

func TestOnTickMovesDeadGuestToExitInShutdownMode(t *testing.T) {
	sup, fleet := newTestSupervisor(t, "a")
	g0, _ := fleet.Guest("a")
	g0.Runtime.Status = guestmodel.StateDead
	sup.mode = guestmodel.ModeShutdown

	sup.OnTick()

	assert.Equal(t, guestmodel.StateExit, g0.Runtime.Status)
	assert.True(t, sup.ShouldStop())
}

func TestOnWorkqueueDoneIgnoresUnknownGuest(t *testing.T) {
	sup, _ := newTestSupervisor(t, "a")
	assert.NotPanics(t, func() { sup.OnWorkqueueDone("does-not-exist", workqueue.ResultSuccess) })
}

func newFailoverFleet(t *testing.T) (*guestmodel.Fleet, *guestmodel.Guest, *guestmodel.Guest) {
	t.Helper()

	cfgA := &guestmodel.GuestConfig{Name: "gA", Role: "ivi", AutoBoot: true}
	cfgB := &guestmodel.GuestConfig{Name: "gB", Role: "ivi", AutoBoot: false}

	gA := guestmodel.NewGuest(cfgA)
	gB := guestmodel.NewGuest(cfgB)

	fleet, err := guestmodel.NewFleet([]*guestmodel.Guest{gA, gB})
	require.NoError(t, err)

	return fleet, gA, gB
}

func newFailoverSupervisor(t *testing.T, fleet *guestmodel.Fleet) *Supervisor {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	return New(log, fleet, &runtime.Adapter{}, nil)
}

func TestChangeActiveByNameRotatesRoleHeadOnly(t *testing.T) {
	fleet, gA, gB := newFailoverFleet(t)
	sup := newFailoverSupervisor(t, fleet)

	result := sup.ChangeActiveByName("gB")

	assert.Equal(t, ChangeActiveAccept, result)

	entry, ok := fleet.RoleOf("gB")
	require.True(t, ok)
	active, err := entry.Active()
	require.NoError(t, err)
	assert.Equal(t, gB, active)

	// Rotation alone must not touch runtime state; that is rolePromotionPass's job.
	assert.Equal(t, guestmodel.StateDisable, gA.Runtime.Status)
	assert.Equal(t, guestmodel.StateDisable, gB.Runtime.Status)
}

func TestChangeActiveByNameUnknownNameReturnsNoName(t *testing.T) {
	fleet, _, _ := newFailoverFleet(t)
	sup := newFailoverSupervisor(t, fleet)

	assert.Equal(t, ChangeActiveNoName, sup.ChangeActiveByName("does-not-exist"))
}

// TestRolePromotionPassFailsOverAStartedGuest reproduces spec.md section 8
// scenario 4: gA is the running head, CHANGE_ACTIVE(gB) rotates the role
// table, and the next tick's role promotion pass must move gA to DISABLE
// with cleanup and bring gB up from DISABLE, not just from NOT_STARTED.
func TestRolePromotionPassFailsOverAStartedGuest(t *testing.T) {
	workqueue.Register("failover-test-plugin", func() workqueue.Plugin { return &noopPlugin{} })

	fleet, gA, gB := newFailoverFleet(t)
	sup := newFailoverSupervisor(t, fleet)

	gA.Runtime.Status = guestmodel.StateStarted

	slotB := gB.Runtime.Workqueue.(*workqueue.Slot)
	require.NoError(t, slotB.Schedule("failover-test-plugin", nil, workqueue.PostActionRelaunch))

	assert.Equal(t, ChangeActiveAccept, sup.ChangeActiveByName("gB"))

	sup.rolePromotionPass()

	assert.Equal(t, guestmodel.StateDisable, gA.Runtime.Status)
	assert.Nil(t, gA.Runtime.Instance)

	// gB was promoted out of DISABLE; its scheduled workqueue slot defers
	// the actual launch, so it lands in NOT_STARTED rather than STARTED.
	assert.Equal(t, guestmodel.StateNotStarted, gB.Runtime.Status)
	require.NoError(t, slotB.Wait())
}

func TestRolePromotionPassLeavesActiveStartedGuestAlone(t *testing.T) {
	fleet, gA, _ := newFailoverFleet(t)
	sup := newFailoverSupervisor(t, fleet)

	gA.Runtime.Status = guestmodel.StateStarted

	sup.rolePromotionPass()

	assert.Equal(t, guestmodel.StateStarted, gA.Runtime.Status)
}

func TestRolePromotionPassDemotesNotStartedGuestThatLostActiveRole(t *testing.T) {
	workqueue.Register("failover-test-plugin-2", func() workqueue.Plugin { return &noopPlugin{} })

	fleet, gA, gB := newFailoverFleet(t)
	sup := newFailoverSupervisor(t, fleet)

	gA.Runtime.Status = guestmodel.StateNotStarted
	gB.Runtime.Status = guestmodel.StateNotStarted

	slotB := gB.Runtime.Workqueue.(*workqueue.Slot)
	require.NoError(t, slotB.Schedule("failover-test-plugin-2", nil, workqueue.PostActionRelaunch))

	// gA is not the active candidate (gB was rotated to head): it must be
	// disabled rather than started, and gB must be promoted.
	require.True(t, fleet.Roles["ivi"].RotateToHead("gB"))

	sup.rolePromotionPass()

	assert.Equal(t, guestmodel.StateDisable, gA.Runtime.Status)
	require.NoError(t, slotB.Wait())
}

type noopPlugin struct{}

func (p *noopPlugin) SetArgs(map[string]string) {}
func (p *noopPlugin) Exec(*atomic.Bool) int     { return workqueue.ResultSuccess }
