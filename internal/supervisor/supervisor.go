//go:build linux && cgo

// Package supervisor is C7: the per-guest state machine that owns every
// guest's lifecycle (spec section 4.7). It is driven exclusively from the
// reactor's goroutine (C1); every exported method here assumes that
// caller and is not itself safe to call concurrently.
package supervisor

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/agl/container-manager/internal/dispatcher"
	"github.com/agl/container-manager/internal/guestmodel"
	"github.com/agl/container-manager/internal/hotplug"
	"github.com/agl/container-manager/internal/logging"
	"github.com/agl/container-manager/internal/monitor"
	"github.com/agl/container-manager/internal/reactor"
	"github.com/agl/container-manager/internal/runtime"
	"github.com/agl/container-manager/internal/workqueue"
)

// Supervisor owns the fleet's state transitions (spec section 4.7). It is
// the only component that mutates guestmodel.Runtime (design note 2).
type Supervisor struct {
	log     *logrus.Logger
	fleet   *guestmodel.Fleet
	adapter *runtime.Adapter
	hotplug *hotplug.Engine

	mode guestmodel.SystemMode

	exitCh     chan<- int
	rx         workqueueReporter
	dispatcher *dispatcher.Dispatcher
}

// workqueueReporter is the subset of *reactor.Reactor the supervisor needs
// to rejoin a C5 worker's completion onto the serialized event stream.
type workqueueReporter interface {
	ReportWorkqueueDone(guestName string, result int)
}

// New builds a Supervisor in RUN mode (spec section 3: "initial system
// mode is RUN").
func New(log *logrus.Logger, fleet *guestmodel.Fleet, adapter *runtime.Adapter, engine *hotplug.Engine) *Supervisor {
	for _, g := range fleet.Guests {
		slot := workqueue.NewSlot()
		slot.Initialize()
		g.Runtime.Workqueue = slot
	}

	return &Supervisor{
		log:     log,
		fleet:   fleet,
		adapter: adapter,
		hotplug: engine,
		mode:    guestmodel.ModeRun,
	}
}

// BindReactor wires the supervisor to the reactor's guest-exit channel, so
// Watch registrations (C9) can report back into the same serialized event
// stream the supervisor's other handlers run on.
func (s *Supervisor) BindReactor(r *reactor.Reactor) {
	s.exitCh = r.GuestExitChan()
	s.rx = r
}

// SetDispatcher wires C6 in so that the start of system shutdown
// dispatches the TERMINATE phase (unmounting manager-owned filesystems,
// spec section 4.6). ShouldStop does not wait for that phase to finish,
// so the reactor can exit while it is still running. TERMINATE_EXT (bulk erase) is deliberately not run
// automatically here — spec section 4.6's table marks it as its own
// phase, separate from the ordinary unmount pair, and nothing in spec
// section 4.7's transition table ties it to guest lifecycle; it is wired
// for deliberate invocation only (e.g. a future factory-reset IPC
// command), a decision recorded in DESIGN.md.
func (s *Supervisor) SetDispatcher(d *dispatcher.Dispatcher) {
	s.dispatcher = d
}

// Handlers returns the reactor.Handlers bound to this supervisor (spec
// section 4.1, section 4.7).
func (s *Supervisor) Handlers() reactor.Handlers {
	return reactor.Handlers{
		OnTick:          s.OnTick,
		OnGuestExit:     s.OnGuestExit,
		OnSystemExit:    s.OnSystemExit,
		OnReapChildren:  s.OnReapChildren,
		OnUevent:        s.OnUevent,
		OnLinkUpdate:    s.OnLinkUpdate,
		OnIPCRequest:    func(any) {}, // wired separately by cmd/container-managerd via internal/ipc
		OnWorkqueueDone: s.OnWorkqueueDone,
		OnDispatchDone:  s.OnDispatchDone,
		ShouldStop:      s.ShouldStop,
	}
}

// OnWorkqueueDone rejoins a completed C5 worker (spec section 4.5: "a
// guest in NOT_STARTED with a SCHEDULED workqueue is started by running
// the workqueue first; on completion, if post_action = relaunch,
// transition to NOT_STARTED and proceed to normal start; else remain
// held").
func (s *Supervisor) OnWorkqueueDone(guestName string, result int) {
	g, ok := s.fleet.Guest(guestName)
	if !ok {
		return
	}

	slot, ok := g.Runtime.Workqueue.(*workqueue.Slot)
	if !ok {
		return
	}

	slot.Complete(result)
	action := slot.Cleanup()

	if action == workqueue.PostActionRelaunch {
		g.Runtime.Held = false
		g.Runtime.Status = guestmodel.StateNotStarted
		return
	}

	// Hold: keep the guest in NOT_STARTED but fence it off from role
	// promotion until a reboot request releases it.
	g.Runtime.Held = true
	g.Runtime.Status = guestmodel.StateNotStarted
}

// OnDispatchDone logs a completed C6 manager-pipeline phase (spec section
// 4.6). The manager pipeline does not feed back into any guest's state;
// it only prepares the host-side mountpoints guests' FSEntry configs
// reference.
func (s *Supervisor) OnDispatchDone(phase, result int) {
	s.log.WithFields(logrus.Fields{"phase": phase, "result": result}).Info("supervisor: manager pipeline phase finished")
}

// Bootstrap performs the initial autoboot pass: any guest that is the
// active candidate of its role is started once at daemon startup (spec
// section 3: "Initial = DISABLE on load" then role promotion brings the
// head of each role to NOT_STARTED -> STARTED on the first tick). This
// runs the NOT_STARTED-initialization half of that so the very first
// OnTick has something to promote. It also schedules the disk-preparation
// workqueue for any guest whose extra disks ask for FSCK or MKFS
// redundancy, so the first start runs the preparation first (spec
// section 4.5 supervisor policy).
func (s *Supervisor) Bootstrap() {
	for _, g := range s.fleet.Guests {
		s.scheduleDiskPreparation(g)
	}

	for _, entry := range s.fleet.Roles {
		active, err := entry.Active()
		if err != nil {
			continue
		}

		if active.Runtime.Status == guestmodel.StateDisable {
			active.Runtime.Status = guestmodel.StateNotStarted
		}
	}
}

// scheduleDiskPreparation schedules g's single workqueue slot for the
// first extra disk whose redundancy asks for a preparation pass: FSCK
// maps to the fsck plugin, MKFS to the erase+mkfs plugin. The slot always
// relaunches afterward — preparation gates the first start, it does not
// hold the guest down.
func (s *Supervisor) scheduleDiskPreparation(g *guestmodel.Guest) {
	slot, ok := g.Runtime.Workqueue.(*workqueue.Slot)
	if !ok {
		return
	}

	for _, d := range g.Config.ExtraDisks {
		var plugin string

		switch d.Redundancy {
		case guestmodel.RedundancyFSCK:
			plugin = "fsck"
		case guestmodel.RedundancyMKFS:
			plugin = "erase"
		default:
			continue
		}

		args := map[string]string{"device": d.BlockDevA}
		if err := slot.Schedule(plugin, args, workqueue.PostActionRelaunch); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"guest": g.Name(), "plugin": plugin}).
				Warn("supervisor: failed to schedule disk preparation")
		}

		return
	}
}

// OnTick runs the full sweep spec section 5's ordering guarantee 2
// mandates: role promotion, then shutdown-timeout check, then dead
// relaunch, visiting guests in config (fleet) order throughout.
func (s *Supervisor) OnTick() {
	s.rolePromotionPass()
	s.shutdownTimeoutPass()
	s.deadRelaunchPass()
}

// rolePromotionPass reconciles every guest's running state against its
// role's current head (spec section 4.8: CHANGE_ACTIVE_BY_NAME takes
// effect "on the next tick" via role promotion). A guest that is its
// role's active candidate is brought up from DISABLE/NOT_STARTED; a
// guest that has lost active-candidate status while STARTED is force
// demoted so the new head can take over (spec.md section 8 scenario 4:
// "gA moves to DISABLE+cleanup, gB starts").
func (s *Supervisor) rolePromotionPass() {
	if s.mode != guestmodel.ModeRun {
		return
	}

	for _, g := range s.fleet.Guests {
		entry, ok := s.fleet.RoleOf(g.Name())
		if !ok {
			continue
		}

		active, err := entry.Active()
		if err != nil {
			continue
		}

		if g == active {
			if g.Runtime.Status == guestmodel.StateDisable {
				g.Runtime.Status = guestmodel.StateNotStarted
			}

			if g.Runtime.Status == guestmodel.StateNotStarted && !g.Runtime.Held {
				s.startGuest(g)
			}

			continue
		}

		switch g.Runtime.Status {
		case guestmodel.StateNotStarted:
			g.Runtime.Status = guestmodel.StateDisable
			s.cleanup(g)

		case guestmodel.StateStarted:
			s.demoteLostRole(g)
		}
	}
}

// demoteLostRole force-kills a guest that is running but no longer the
// active candidate of its role, matching the original's unconditional
// promotion of the new head with no grace period for the outgoing one.
func (s *Supervisor) demoteLostRole(g *guestmodel.Guest) {
	inst, _ := g.Runtime.Instance.(*runtime.Instance)
	if inst != nil {
		if err := s.adapter.ForceKill(inst); err != nil {
			s.log.WithError(err).WithField("guest", g.Name()).Warn("supervisor: force-kill during role failover failed")
		}
	}

	s.cleanup(g)
	g.Runtime.Status = guestmodel.StateDisable
}

func (s *Supervisor) shutdownTimeoutPass() {
	now := time.Now()

	for _, g := range s.fleet.Guests {
		if g.Runtime.Status != guestmodel.StateShutdown {
			continue
		}

		if !g.Runtime.HasDeadline || now.Before(g.Runtime.ShutdownDeadline) {
			continue
		}

		inst, _ := g.Runtime.Instance.(*runtime.Instance)
		if inst != nil {
			if err := s.adapter.ForceKill(inst); err != nil {
				s.log.WithError(err).WithField("guest", g.Name()).Warn("supervisor: force-kill failed")
			}
		}

		logging.Critical(s.log, logrus.Fields{"guest": g.Name()}, "supervisor: shutdown timeout expired, force-killed guest")

		s.cleanup(g)
		g.Runtime.Status = s.postShutdownState()
	}
}

func (s *Supervisor) deadRelaunchPass() {
	for _, g := range s.fleet.Guests {
		if g.Runtime.Status != guestmodel.StateDead {
			continue
		}

		// A guest that dies while the system is draining is not brought
		// back; it joins the terminal set so the fleet can converge.
		if s.mode == guestmodel.ModeShutdown {
			s.cleanup(g)
			g.Runtime.Status = guestmodel.StateExit
			continue
		}

		if s.startGuest(g) {
			s.hotplug.ResyncGuestDevices(g)
			s.hotplug.ResyncGuestNetifs(g)
		}
	}
}

// OnGuestExit handles C9's GUEST_EXIT(i) notification (spec section 4.7).
func (s *Supervisor) OnGuestExit(idx int) {
	if idx < 0 || idx >= len(s.fleet.Guests) {
		return
	}

	g := s.fleet.Guests[idx]

	switch g.Runtime.Status {
	case guestmodel.StateStarted:
		logging.Critical(s.log, logrus.Fields{"guest": g.Name()}, "supervisor: guest exited unexpectedly")
		s.cleanup(g)
		g.Runtime.Status = guestmodel.StateDead

	case guestmodel.StateShutdown:
		s.cleanup(g)
		g.Runtime.Status = s.postShutdownState()
	}
}

// OnSystemExit broadcasts SYSTEM_SHUTDOWN once: STARTED guests get their
// halt signal and a deadline; everything else that has no running process
// moves straight to EXIT so the fleet can converge (spec section 4.7: "In
// mode=SHUTDOWN, targets move to EXIT instead of NOT_STARTED"; DISABLE/
// NOT_STARTED never listing a shutdown_req transition is read here as "no
// running process, nothing to wait for", an explicit Open Question
// resolution recorded in DESIGN.md).
func (s *Supervisor) OnSystemExit() {
	if s.mode == guestmodel.ModeShutdown {
		return
	}

	s.mode = guestmodel.ModeShutdown

	if s.dispatcher != nil {
		err := s.dispatcher.Dispatch(dispatcher.PhaseTerminate, func(result int) {
			s.log.WithField("result", result).Info("supervisor: manager unmount phase finished during shutdown")
		})
		if err != nil {
			s.log.WithError(err).Warn("supervisor: could not dispatch manager unmount phase")
		}
	}

	for _, g := range s.fleet.Guests {
		switch g.Runtime.Status {
		case guestmodel.StateStarted:
			s.haltSignal(g, g.Config.Lifecycle.HaltSignal)
		case guestmodel.StateNotStarted, guestmodel.StateDisable, guestmodel.StateDead:
			g.Runtime.Status = guestmodel.StateExit
		}
	}
}

// OnReapChildren responds to SIGCHLD. Every child this binary spawns
// (fsck/mkfs/mount helpers) is waited on by its own spawning goroutine via
// os/exec's Cmd.Wait, so there is nothing left to reap here; the handler
// exists so the reactor has somewhere to route the signal (spec section
// 5: "Child processes are owned solely by the spawning worker").
func (s *Supervisor) OnReapChildren() {}

// OnUevent routes a parsed uevent into C4 (spec section 4.4).
func (s *Supervisor) OnUevent(ev any) {
	raw, ok := ev.(hotplug.RawUevent)
	if !ok {
		return
	}

	s.hotplug.HandleUevent(raw)
}

// OnLinkUpdate routes an RTNL link update into C4 (spec section 4.4).
func (s *Supervisor) OnLinkUpdate(upd any) {
	lu, ok := upd.(netlink.LinkUpdate)
	if !ok {
		return
	}

	s.hotplug.HandleLinkUpdate(lu)
}

// ShouldStop reports whether the reactor should exit: shutdown mode and
// every guest has reached a terminal state (spec section 4.7).
func (s *Supervisor) ShouldStop() bool {
	if s.mode != guestmodel.ModeShutdown {
		return false
	}

	for _, g := range s.fleet.Guests {
		if g.Runtime.Status != guestmodel.StateExit && g.Runtime.Status != guestmodel.StateDisable {
			return false
		}
	}

	return true
}

func (s *Supervisor) postShutdownState() guestmodel.State {
	if s.mode == guestmodel.ModeShutdown {
		return guestmodel.StateExit
	}

	return guestmodel.StateNotStarted
}

func (s *Supervisor) haltSignal(g *guestmodel.Guest, signalName string) {
	inst, _ := g.Runtime.Instance.(*runtime.Instance)
	if inst == nil {
		g.Runtime.Status = s.postShutdownState()
		return
	}

	if err := s.adapter.Shutdown(inst, signalName); err != nil {
		s.log.WithError(err).WithField("guest", g.Name()).Warn("supervisor: halt signal failed")
	}

	g.Runtime.HasDeadline = true
	g.Runtime.ShutdownDeadline = time.Now().Add(time.Duration(g.Config.Lifecycle.ShutdownTimeoutMs) * time.Millisecond)
	g.Runtime.Status = guestmodel.StateShutdown
}

// startGuest brings a NOT_STARTED or DEAD guest up (spec section 4.7,
// section 4.3). Returns true on success. If the guest's workqueue slot is
// SCHEDULED, the slot is run first and the actual start is deferred until
// it completes (spec section 4.5 supervisor policy).
func (s *Supervisor) startGuest(g *guestmodel.Guest) bool {
	if slot, ok := g.Runtime.Workqueue.(*workqueue.Slot); ok {
		switch slot.Status {
		case workqueue.StatusScheduled:
			name := g.Name()
			_ = slot.Run(func(result int) {
				if s.rx != nil {
					s.rx.ReportWorkqueueDone(name, result)
				}
			})
			return false

		case workqueue.StatusStarted:
			return false
		}
	}

	inst, err := s.adapter.CreateInstance(g.Config)
	if err != nil {
		s.log.WithError(err).WithField("guest", g.Name()).Error("supervisor: failed to construct guest instance")
		g.Runtime.LaunchErrorCount++
		g.Runtime.Status = guestmodel.StateDead
		return false
	}

	if err := s.adapter.Start(inst); err != nil {
		if g.Runtime.Status == guestmodel.StateDead {
			// Quiet during relaunch: an expected race with monitor cleanup
			// (spec section 4.3 failure semantics).
			s.log.WithError(err).WithField("guest", g.Name()).Debug("supervisor: relaunch start failed, will retry")
		} else {
			s.log.WithError(err).WithField("guest", g.Name()).Error("supervisor: failed to start guest")
		}

		s.adapter.Release(inst)
		g.Runtime.LaunchErrorCount++
		g.Runtime.Status = guestmodel.StateDead
		return false
	}

	g.Runtime.Instance = inst
	g.Runtime.Status = guestmodel.StateStarted
	g.Runtime.HasDeadline = false

	pidfd, err := s.adapter.InitPidFD(inst)
	if err != nil {
		s.log.WithError(err).WithField("guest", g.Name()).Warn("supervisor: failed to open init pidfd, guest exit will go unnoticed")
		return true
	}

	idx := s.indexOf(g)
	if idx >= 0 && s.exitCh != nil {
		monitor.Watch(pidfd, idx, s.exitCh)
	}

	return true
}

func (s *Supervisor) cleanup(g *guestmodel.Guest) {
	inst, ok := g.Runtime.Instance.(*runtime.Instance)
	if ok && inst != nil {
		s.adapter.Release(inst)
	}

	g.Runtime.Instance = nil
	g.Runtime.HasDeadline = false
}

func (s *Supervisor) indexOf(g *guestmodel.Guest) int {
	for i, candidate := range s.fleet.Guests {
		if candidate == g {
			return i
		}
	}

	return -1
}
