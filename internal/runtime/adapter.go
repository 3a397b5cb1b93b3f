//go:build linux && cgo

package runtime

import (
	"fmt"
	"strconv"
	"strings"

	liblxc "github.com/lxc/go-lxc"
	"golang.org/x/sys/unix"

	"github.com/agl/container-manager/internal/cmerr"
	"github.com/agl/container-manager/internal/guestmodel"
)

// LXCPath is where liblxc keeps its per-container state directory. A
// compile-time constant mirrors the original's global config-dir constant
// (design note 4): computed once, never looked up per call.
const LXCPath = "/var/lib/container-manager/lxc"

// Adapter is the C3 runtime engine. One Adapter is shared by the whole
// supervisor; it holds no per-guest state itself (state lives in the
// returned Instance and in guestmodel.Runtime).
type Adapter struct {
	cgroupV2 bool
}

// NewAdapter probes the cgroup version once at startup (design note 4:
// compute environment-derived constants once, pass as read-only context)
// and returns an Adapter ready to build instances.
func NewAdapter() *Adapter {
	return &Adapter{cgroupV2: detectCgroupV2()}
}

func detectCgroupV2() bool {
	_, err := statNoErrno("/sys/fs/cgroup/cgroup.controllers")
	return err == nil
}

func statNoErrno(path string) (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Stat(path, &st)
	return st, err
}

// baselineDeviceAllowList is applied when a guest's EnableProtection is set
// (spec section 4.3): a fixed set of character devices every guest needs
// regardless of its own device rules.
var baselineDeviceAllowList = []string{
	"c 1:3 rwm",   // /dev/null
	"c 1:5 rwm",   // /dev/zero
	"c 1:7 rwm",   // /dev/full
	"c 5:0 rwm",   // /dev/tty
	"c 5:2 rwm",   // /dev/ptmx
	"c 1:8 rwm",   // /dev/random
	"c 1:9 rwm",   // /dev/urandom
	"c 136:* rwm", // /dev/pts/*
}

// CreateInstance materialises cfg into a liblxc container (spec section
// 4.3 contract). On any failure it releases whatever it built and returns
// no instance: the caller must see only an error and no partial state.
func (a *Adapter) CreateInstance(cfg *guestmodel.GuestConfig) (*Instance, error) {
	c, err := liblxc.NewContainer(cfg.Name, LXCPath)
	if err != nil {
		return nil, fmt.Errorf("%w: new container for %q: %w", cmerr.ErrRuntimeConstruction, cfg.Name, err)
	}

	inst := &Instance{name: cfg.Name, container: c}

	if err := a.configure(inst, cfg); err != nil {
		liblxc.Release(c)
		return nil, err
	}

	return inst, nil
}

func (a *Adapter) configure(inst *Instance, cfg *guestmodel.GuestConfig) error {
	c := inst.container
	set := func(key, val string) error {
		if err := c.SetConfigItem(key, val); err != nil {
			return fmt.Errorf("%w: %s=%s for %q: %w", cmerr.ErrRuntimeConstruction, key, val, cfg.Name, err)
		}

		return nil
	}

	// Rootfs.
	if err := set("lxc.rootfs.path", cfg.RootFS.To); err != nil {
		return err
	}

	// Extra disk bind mounts.
	for _, d := range cfg.ExtraDisks {
		opt := "bind"
		if d.Mode == "ro" {
			opt = "bind,ro"
		}

		entry := fmt.Sprintf("%s %s none %s 0 0", d.From, d.To, opt)
		if err := set("lxc.mount.entry", entry); err != nil {
			return err
		}
	}

	// Halt/reboot signals.
	if err := set("lxc.signal.halt", cfg.Lifecycle.HaltSignal); err != nil {
		return err
	}

	if err := set("lxc.signal.reboot", cfg.Lifecycle.RebootSignal); err != nil {
		return err
	}

	// Capability drop/keep (validated against the kernel's known set).
	if len(cfg.Capabilities.Drop) > 0 {
		names, err := validateCapabilities(cfg.Capabilities.Drop)
		if err != nil {
			return fmt.Errorf("%w: guest %q: %w", cmerr.ErrRuntimeConstruction, cfg.Name, err)
		}

		if err := set("lxc.cap.drop", strings.Join(names, " ")); err != nil {
			return err
		}
	}

	if len(cfg.Capabilities.Keep) > 0 {
		names, err := validateCapabilities(cfg.Capabilities.Keep)
		if err != nil {
			return fmt.Errorf("%w: guest %q: %w", cmerr.ErrRuntimeConstruction, cfg.Name, err)
		}

		if err := set("lxc.cap.keep", strings.Join(names, " ")); err != nil {
			return err
		}
	}

	// idmap, only when both uid and gid maps are present (spec section 4.2).
	for _, l := range cfg.IDMap {
		entry := fmt.Sprintf("%s %d %d %d", l.Kind, l.ContainerID, l.HostID, l.Range)
		if err := set("lxc.idmap", entry); err != nil {
			return err
		}
	}

	// tty/pty maxima.
	if err := set("lxc.tty.max", "4"); err != nil {
		return err
	}

	if err := set("lxc.pty.max", "1024"); err != nil {
		return err
	}

	// Automount set: cgroup, proc, sys, plus shmounts when a configured
	// mount targets /dev/shm (spec section 4.3; shmounts parity with
	// cgroup v2 is an open question).
	automount := "cgroup:mixed proc:mixed sys:mixed"
	if hasShmounts(cfg) {
		automount += " shmounts:/dev/shm"
	}

	if err := set("lxc.mount.auto", automount); err != nil {
		return err
	}

	// Per-container cgroup path: cgroup v1 only, documented no-op on v2.
	if !a.cgroupV2 {
		if err := set("lxc.cgroup.dir", cfg.Name); err != nil {
			return err
		}
	}

	if err := a.applyResources(inst, cfg); err != nil {
		return err
	}

	if err := a.applyMounts(inst, cfg); err != nil {
		return err
	}

	if cfg.EnableProtection {
		if err := set("lxc.cgroup.devices.deny", "a"); err != nil {
			return err
		}

		for _, entry := range baselineDeviceAllowList {
			if err := set("lxc.cgroup.devices.allow", entry); err != nil {
				return err
			}
		}
	}

	if err := a.applyStaticDevices(inst, cfg); err != nil {
		return err
	}

	if err := a.applyStaticNetifs(inst, cfg); err != nil {
		return err
	}

	applySocketCAN(cfg)

	return nil
}

func hasShmounts(cfg *guestmodel.GuestConfig) bool {
	for _, m := range cfg.Mounts {
		if strings.HasPrefix(m.Target, "/dev/shm") {
			return true
		}
	}

	return false
}

func (a *Adapter) applyResources(inst *Instance, cfg *guestmodel.GuestConfig) error {
	c := inst.container

	for k, v := range cfg.Resources.CgroupV1 {
		if !a.cgroupV2 {
			if err := c.SetCgroupItem(k, v); err != nil {
				return fmt.Errorf("%w: cgroup v1 %s=%s for %q: %w", cmerr.ErrRuntimeConstruction, k, v, cfg.Name, err)
			}
		}
	}

	for k, v := range cfg.Resources.CgroupV2 {
		if a.cgroupV2 {
			if err := writeUnifiedCgroupFile(cfg.Name, k, v); err != nil {
				return fmt.Errorf("%w: cgroup v2 %s=%s for %q: %w", cmerr.ErrRuntimeConstruction, k, v, cfg.Name, err)
			}
		}
	}

	for k, v := range cfg.Resources.Prlimit {
		if err := c.SetConfigItem("lxc.prlimit."+k, v); err != nil {
			return fmt.Errorf("%w: prlimit %s=%s for %q: %w", cmerr.ErrRuntimeConstruction, k, v, cfg.Name, err)
		}
	}

	for k, v := range cfg.Resources.Sysctl {
		if err := c.SetConfigItem("lxc.sysctl."+k, v); err != nil {
			return fmt.Errorf("%w: sysctl %s=%s for %q: %w", cmerr.ErrRuntimeConstruction, k, v, cfg.Name, err)
		}
	}

	return nil
}

func (a *Adapter) applyMounts(inst *Instance, cfg *guestmodel.GuestConfig) error {
	for _, m := range cfg.Mounts {
		if m.Kind == guestmodel.MountKindDelayed {
			continue // delayed mounts are skipped at construction (spec section 4.3)
		}

		fstype := m.FSType
		if m.Kind == guestmodel.MountKindDirectory {
			fstype = "none"
		}

		opts := m.Options
		if opts == "" {
			opts = "bind"
		}

		entry := fmt.Sprintf("%s %s %s %s 0 0", m.Source, m.Target, fstype, opts)
		if err := inst.container.SetConfigItem("lxc.mount.entry", entry); err != nil {
			return fmt.Errorf("%w: mount %s for %q: %w", cmerr.ErrRuntimeConstruction, entry, cfg.Name, err)
		}
	}

	return nil
}

func (a *Adapter) applyStaticDevices(inst *Instance, cfg *guestmodel.GuestConfig) error {
	for _, d := range cfg.StaticDevices {
		if d.Kind != guestmodel.StaticDeviceNode {
			continue // devdir/gpio/iio are created by boot-time static enumeration, out of scope (spec section 1)
		}

		minor := strconv.FormatInt(d.Minor, 10)
		if d.WideAllow {
			minor = "*"
		}

		entry := fmt.Sprintf("c %d:%s %s", d.Major, minor, guestmodel.DefaultPermission)
		if err := inst.container.SetConfigItem("lxc.cgroup.devices.allow", entry); err != nil {
			if d.Optional {
				continue
			}

			return fmt.Errorf("%w: static device %s for %q: %w", cmerr.ErrRuntimeConstruction, d.Path, cfg.Name, err)
		}
	}

	return nil
}

func (a *Adapter) applyStaticNetifs(inst *Instance, cfg *guestmodel.GuestConfig) error {
	for i, n := range cfg.StaticNetifs {
		prefix := fmt.Sprintf("lxc.net.%d.", i)

		if err := inst.container.SetConfigItem(prefix+"type", "veth"); err != nil {
			return fmt.Errorf("%w: netif %d for %q: %w", cmerr.ErrRuntimeConstruction, i, cfg.Name, err)
		}

		if n.Link != "" {
			if err := inst.container.SetConfigItem(prefix+"link", n.Link); err != nil {
				return err
			}
		}

		if n.Flags != "" {
			if err := inst.container.SetConfigItem(prefix+"flags", n.Flags); err != nil {
				return err
			}
		}

		if n.HWAddr != "" {
			if err := inst.container.SetConfigItem(prefix+"hwaddr", n.HWAddr); err != nil {
				return err
			}
		}

		if n.Address != "" {
			key := prefix + "ipv4.address"
			if n.Mode == "ipv6" {
				key = prefix + "ipv6.address"
			}

			if err := inst.container.SetConfigItem(key, n.Address); err != nil {
				return err
			}
		}

		if n.Gateway != "" {
			key := prefix + "ipv4.gateway"
			if n.Mode == "ipv6" {
				key = prefix + "ipv6.gateway"
			}

			if err := inst.container.SetConfigItem(key, n.Gateway); err != nil {
				return err
			}
		}
	}

	return nil
}

// Start starts a previously-created instance (spec section 4.3).
func (a *Adapter) Start(inst *Instance) error {
	if err := inst.container.Start(); err != nil {
		return fmt.Errorf("%w: start %q: %w", cmerr.ErrRuntimeConstruction, inst.name, err)
	}

	return nil
}

// Shutdown sends the guest's configured halt signal to its init process
// without blocking; the supervisor owns the shutdown timeout and calls
// ForceKill itself on expiry (spec section 4.3, section 4.7).
func (a *Adapter) Shutdown(inst *Instance, signal string) error {
	pid := inst.container.InitPid()
	if pid <= 0 {
		return nil // already gone; the monitor will report GUEST_EXIT
	}

	return unix.Kill(pid, signalByName(signal))
}

// ForceKill sends SIGKILL to the guest's init pid (spec section 4.3,
// section 4.7 shutdown-timeout expiry).
func (a *Adapter) ForceKill(inst *Instance) error {
	pid := inst.container.InitPid()
	if pid <= 0 {
		return nil
	}

	return unix.Kill(pid, unix.SIGKILL)
}

// Release tears down the liblxc handle (spec section 3: "guest instance
// exists only between successful start and cleanup after EXIT/DEAD").
func (a *Adapter) Release(inst *Instance) {
	liblxc.Release(inst.container)
}

// SetCgroupDevice mutates the guest's device cgroup policy (spec section
// 4.4). devspec is a "<c|b> <major>:<minor> <perm>" entry; allow==false
// writes devices.deny instead.
func (a *Adapter) SetCgroupDevice(inst *Instance, allow bool, devspec string) error {
	key := "devices.allow"
	if !allow {
		key = "devices.deny"
	}

	if err := inst.container.SetCgroupItem(key, devspec); err != nil {
		return fmt.Errorf("%s %s for %q: %w", key, devspec, inst.name, err)
	}

	return nil
}

// AttachNetif moves a host-side interface into the guest's network
// namespace, renaming it on entry (spec section 4.3, section 4.4).
func (a *Adapter) AttachNetif(inst *Instance, hostIfname, guestIfname string) error {
	if err := inst.container.AttachInterface(hostIfname, guestIfname); err != nil {
		return fmt.Errorf("attach %s as %s into %q: %w", hostIfname, guestIfname, inst.name, err)
	}

	return nil
}

// InitPid returns the guest's init pid, or 0 if the instance is not
// running.
func (a *Adapter) InitPid(inst *Instance) int {
	return inst.container.InitPid()
}

// InitPidFD opens a pidfd for the guest's init process (spec section 4.9).
func (a *Adapter) InitPidFD(inst *Instance) (int, error) {
	pid := inst.container.InitPid()
	if pid <= 0 {
		return -1, fmt.Errorf("instance %q has no init pid", inst.name)
	}

	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return -1, fmt.Errorf("pidfd_open(%d): %w", pid, err)
	}

	return fd, nil
}

func signalByName(name string) unix.Signal {
	switch name {
	case "SIGTERM":
		return unix.SIGTERM
	case "SIGINT":
		return unix.SIGINT
	case "SIGHUP":
		return unix.SIGHUP
	case "SIGUSR1":
		return unix.SIGUSR1
	case "SIGUSR2":
		return unix.SIGUSR2
	default:
		return unix.SIGTERM
	}
}
