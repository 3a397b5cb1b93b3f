//go:build linux && cgo

package hotplug

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/agl/container-manager/internal/guestmodel"
	"github.com/agl/container-manager/internal/runtime"
)

// Engine is the C4 device-matching and attachment engine. Its methods are
// only ever called from the reactor's goroutine (spec section 5: "Cgroup
// files are written by C3... Child processes are owned solely by the
// spawning worker" — the reactor is the only writer of guest/runtime
// state, hotplug included).
type Engine struct {
	log     *logrus.Logger
	fleet   *guestmodel.Fleet
	adapter *runtime.Adapter

	linkNames map[int]string // ifindex -> name, spec section 4.4

	// seen is the current device fleet keyed by devpath, fed by every add/
	// change uevent and pruned on remove. A relaunched guest replays it
	// through its own rules so it sees devices that arrived while it was
	// down (spec section 5 ordering guarantee 3).
	seen map[string]RawUevent
}

// NewEngine builds a hotplug Engine bound to fleet and adapter.
func NewEngine(log *logrus.Logger, fleet *guestmodel.Fleet, adapter *runtime.Adapter) *Engine {
	return &Engine{
		log:       log,
		fleet:     fleet,
		adapter:   adapter,
		linkNames: make(map[int]string),
		seen:      make(map[string]RawUevent),
	}
}

// HandleUevent matches ev against every STARTED guest's device rules in
// fleet order and commits the first match (spec section 4.4 steps 2-4).
// Returns true if a rule matched and was committed (used by the supervisor
// to emit DEVICE_UPDATED book-keeping, though the commit itself is
// already done by the time this returns).
func (e *Engine) HandleUevent(ev RawUevent) bool {
	if ev.Action == guestmodel.ActionRemove {
		delete(e.seen, ev.Devpath)
	} else {
		e.seen[ev.Devpath] = ev
	}

	for _, g := range e.fleet.Guests {
		if g.Runtime.Status != guestmodel.StateStarted {
			continue
		}

		rule, ok := matchRule(g.Config.DeviceRules, ev)
		if !ok {
			continue
		}

		e.commit(g, rule, ev)
		return true
	}

	return false
}

// matchRule returns the first of rules that matches ev, in list order
// (spec section 4.4 step 3: first matching rule wins). Kept free of
// Engine/Instance state so it can be tested directly.
func matchRule(rules []guestmodel.DeviceRule, ev RawUevent) (guestmodel.DeviceRule, bool) {
	for _, rule := range rules {
		if rule.Matches(ev.Devpath, ev.Subsystem, ev.Devtype, ev.Action) {
			return rule, true
		}
	}

	return guestmodel.DeviceRule{}, false
}

// ResyncGuestDevices replays the current device fleet through g's rule
// list, committing every match. Called by the supervisor right after a
// successful relaunch so g sees devices that were hot-plugged while it was
// down (spec section 4.7 "re-run device/netif update", section 5 ordering
// guarantee 3). Commits are idempotent, so devices g already had are
// harmless to replay.
func (e *Engine) ResyncGuestDevices(g *guestmodel.Guest) {
	if g.Runtime.Status != guestmodel.StateStarted {
		return
	}

	for _, ev := range e.seen {
		if rule, ok := matchRule(g.Config.DeviceRules, ev); ok {
			e.commit(g, rule, ev)
		}
	}
}

func (e *Engine) commit(g *guestmodel.Guest, rule guestmodel.DeviceRule, ev RawUevent) {
	fields := logrus.Fields{"guest": g.Name(), "devpath": ev.Devpath, "action": ev.ActionName}

	inst, _ := g.Runtime.Instance.(*runtime.Instance)
	if inst == nil {
		e.log.WithFields(fields).Warn("hotplug: matched guest has no runtime instance")
		return
	}

	if rule.Behavior.AllowViaCgroup {
		if err := e.commitCgroup(inst, rule, ev); err != nil {
			e.log.WithFields(fields).WithError(err).Warn("hotplug: cgroup device commit failed")
		}
	}

	if rule.Behavior.CreateDevnode {
		if err := e.commitDevnode(inst, ev); err != nil {
			e.log.WithFields(fields).WithError(err).Warn("hotplug: devnode commit failed")
		}
	}

	if rule.Behavior.InjectUevent {
		pid := e.adapter.InitPid(inst)
		go injectUevent(e.log, pid, ev)
	}
}

func (e *Engine) commitCgroup(inst *runtime.Instance, rule guestmodel.DeviceRule, ev RawUevent) error {
	devspec, allow := cgroupDevspec(rule, ev)
	return e.adapter.SetCgroupDevice(inst, allow, devspec)
}

// cgroupDevspec computes the cgroup device-policy line and allow/deny
// direction for ev (spec section 4.4 step 4). Add and remove events for
// the same device produce the same devspec with allow flipped, so
// replaying add then remove restores the policy to its prior state (R1).
func cgroupDevspec(rule guestmodel.DeviceRule, ev RawUevent) (devspec string, allow bool) {
	kind := "c"
	if ev.Subsystem == "block" {
		kind = "b"
	}

	perm := rule.Behavior.Permission
	if perm == "" {
		perm = guestmodel.DefaultPermission
	}

	devspec = fmt.Sprintf("%s %d:%d %s", kind, ev.Major, ev.Minor, perm)
	allow = ev.Action == guestmodel.ActionAdd

	return devspec, allow
}

func (e *Engine) commitDevnode(inst *runtime.Instance, ev RawUevent) error {
	if ev.Devname == "" {
		return fmt.Errorf("uevent has no DEVNAME")
	}

	relPath := devnodeRelPath(ev.Devname)
	pid := e.adapter.InitPid(inst)

	if ev.Action == guestmodel.ActionRemove {
		return runtime.RemoveDeviceNode(pid, relPath)
	}

	mode, err := hostDeviceMode(ev.Devname, ev.Subsystem)
	if err != nil {
		return err
	}

	return runtime.CreateDeviceNode(pid, relPath, mode, ev.Major, ev.Minor)
}

// devnodeRelPath strips the DEVNAME's "/dev/" prefix, matching it to the
// guest-root-relative path mknodat/unlinkat expect. Add and remove events
// for the same DEVNAME resolve to the same relPath (R2: replaying the
// same uevent never targets a different node).
func devnodeRelPath(devname string) string {
	return strings.TrimPrefix(devname, "/dev/")
}

func hostDeviceMode(devname, subsystem string) (uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(devname, &st); err == nil {
		return st.Mode, nil
	}

	// Host node may already be gone (e.g. a fast remove); fall back to a
	// type+permission default derived from the subsystem.
	if subsystem == "block" {
		return uint32(runtime.DeviceKindBlock) | 0o660, nil
	}

	return uint32(runtime.DeviceKindChar) | 0o660, nil
}
