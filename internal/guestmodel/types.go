// Package guestmodel defines the immutable per-guest configuration and the
// mutable per-guest runtime record the supervisor owns, plus the fleet-wide
// role table (spec section 3).
//
// Design note 2 in spec.md asks for the config/runtime split explicitly:
// config is loaded once and never mutated; Runtime is owned exclusively by
// the supervisor (C7) and joined to its Config by Guest.Name.
package guestmodel

import "time"

// Redundancy selects how an extra disk entry is prepared by the per-guest
// workqueue (spec section 4.2, supplemented by block-util.c semantics in
// SPEC_FULL.md section 4, item 4).
type Redundancy int

const (
	RedundancyFailover Redundancy = iota
	RedundancyAB
	RedundancyFSCK
	RedundancyMKFS
)

// FSEntry describes one filesystem to prepare: the guest rootfs or an extra
// disk (spec section 4.2).
type FSEntry struct {
	From       string // host source, empty for rootfs (uses BlockDevA/B directly)
	To         string // mountpoint, or guest-root-relative bind target
	FSType     string
	Mode       string // "ro" | "rw"
	Redundancy Redundancy
	BlockDevA  string
	BlockDevB  string
}

// LifecycleConfig holds the guest's halt/reboot signal names and shutdown
// timeout (spec section 4.2).
type LifecycleConfig struct {
	HaltSignal        string
	RebootSignal      string
	ShutdownTimeoutMs int
}

// DefaultHaltSignal and DefaultRebootSignal are applied when the guest JSON
// omits the field (spec section 4.2).
const DefaultHaltSignal = "SIGTERM"
const DefaultRebootSignal = "SIGTERM"

// DefaultShutdownTimeoutMs is applied when the guest JSON omits the
// shutdown timeout (spec section 4.2).
const DefaultShutdownTimeoutMs = 1000

// CapabilityConfig holds the capability bounding-set adjustments (spec
// section 4.2). Names are validated against the kernel's known capability
// set by internal/runtime/capabilities.go before being applied.
type CapabilityConfig struct {
	Drop []string
	Keep []string
}

// IDMapEntry is one "type first-id-in-id-range first-id-in-mapped-range
// range-length" idmap line (lxc.idmap wire format).
type IDMapEntry struct {
	Kind        string // "u" | "g"
	ContainerID int64
	HostID      int64
	Range       int64
}

// ResourceConfig holds the guest's cgroup/prlimit/sysctl knobs (spec
// section 4.2). CgroupV1 entries are applied through go-lxc's
// SetCgroupItem; CgroupV2 entries are applied through unified-hierarchy
// file writes (see internal/runtime).
type ResourceConfig struct {
	CgroupV1 map[string]string
	CgroupV2 map[string]string
	Prlimit  map[string]string
	Sysctl   map[string]string
}

// MountKind selects how a configured mount is automounted by C3 (spec
// section 4.3: "filesystem and directory types only; delayed types
// skipped").
type MountKind int

const (
	MountKindFilesystem MountKind = iota
	MountKindDirectory
	MountKindDelayed
)

// MountEntry is one pre/post/delayed filesystem mount (spec section 4.2).
type MountEntry struct {
	Kind    MountKind
	Source  string
	Target  string
	FSType  string
	Options string
}

// StaticDeviceKind selects the static device flavor (spec section 4.2).
type StaticDeviceKind int

const (
	StaticDeviceNode StaticDeviceKind = iota
	StaticDeviceDir
	StaticDeviceGPIO
	StaticDeviceIIO
)

// StaticDevice is a device enumerated and created at guest construction
// time (spec section 4.3). Static device *enumeration at boot* (the
// stat/mknod/sysfs side of it) is out of scope per spec section 1; this
// struct only carries the config C3 needs to set the matching cgroup
// allow entry when building the container.
type StaticDevice struct {
	Kind      StaticDeviceKind
	Path      string
	Major     int64
	Minor     int64
	Mode      uint32
	Optional  bool
	WideAllow bool
}

// ActionMask is a bitmask over uevent ACTION strings a device rule matches
// (spec section 3).
type ActionMask uint8

const (
	ActionAdd ActionMask = 1 << iota
	ActionRemove
	ActionChange
	ActionMove
)

// Behavior is the commit triple a matched device rule applies (spec
// section 3, section 4.4).
type Behavior struct {
	InjectUevent   bool
	CreateDevnode  bool
	AllowViaCgroup bool
	Permission     string // default "rw"
}

// DefaultPermission is applied when a rule's behavior omits Permission.
const DefaultPermission = "rw"

// DeviceRule is one per-guest device-matching clause (spec section 3,
// section 4.4). Rules are tried in config order; first match wins.
type DeviceRule struct {
	DevpathPrefix    string
	Subsystem        string
	ActionMask       ActionMask
	DevtypeAllowlist []string // nil/empty means "no filter"
	Behavior         Behavior
}

// Matches reports whether a parsed uevent matches this rule (spec section
// 4.4 step 2).
func (r DeviceRule) Matches(devpath, subsystem, devtype string, action ActionMask) bool {
	if r.Subsystem != subsystem {
		return false
	}

	if r.ActionMask&action == 0 {
		return false
	}

	if len(r.DevpathPrefix) > 0 && !hasPrefix(devpath, r.DevpathPrefix) {
		return false
	}

	if len(r.DevtypeAllowlist) == 0 {
		return true
	}

	for _, t := range r.DevtypeAllowlist {
		if t == devtype {
			return true
		}
	}

	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// StaticNetif is a veth configured at guest construction time (spec
// section 4.2, section 4.3).
type StaticNetif struct {
	Link    string
	Flags   string
	HWAddr  string
	Mode    string
	Address string
	Gateway string
}

// GuestConfig is the immutable per-guest configuration loaded once at
// startup (spec section 3). It is shared by reference and never mutated
// after internal/config finishes loading the fleet.
type GuestConfig struct {
	Name         string
	Role         string
	BootPriority int
	AutoBoot     bool

	RootFS     FSEntry
	ExtraDisks []FSEntry

	Lifecycle    LifecycleConfig
	Capabilities CapabilityConfig
	IDMap        []IDMapEntry // nil unless both uid and gid maps present

	Resources ResourceConfig

	Mounts []MountEntry

	StaticDevices []StaticDevice
	DeviceRules   []DeviceRule

	StaticNetifs      []StaticNetif
	DynamicNetifNames []string

	EnableProtection bool // default device deny + baseline allow list
}

// NetifBinding is one dynamic network interface binding for a guest (spec
// section 3). CurrentIfindex == 0 means unbound.
type NetifBinding struct {
	Ifname         string
	CurrentIfindex int
	IsAvailable    bool
}

// Runtime is the mutable per-guest record the supervisor exclusively owns
// (spec section 3). Instance is the opaque handle into internal/runtime;
// kept as `any` here rather than a concrete type to avoid guestmodel
// importing internal/runtime (design note 2: config/runtime split, joined
// by name, not by a shared concrete dependency).
type Runtime struct {
	Instance         any
	Status           State
	HasDeadline      bool // invariant P3: deadline defined iff SHUTDOWN/REBOOT
	ShutdownDeadline time.Time
	NetifBindings    []NetifBinding
	LaunchErrorCount int // incremented, never read — spec.md open question

	// Held parks a NOT_STARTED guest after its workqueue completed with a
	// hold post-action: role promotion must not start it again until a
	// reboot request clears the flag.
	Held bool

	// Workqueue is this guest's single C5 slot (spec section 3, section
	// 4.5), kept as `any` for the same reason Instance is: guestmodel must
	// not import internal/workqueue. Consumers type-assert to
	// *workqueue.Slot.
	Workqueue any
}

// Guest couples an immutable Config with its mutable Runtime (spec section
// 3). Name is unique across the fleet.
type Guest struct {
	Config  *GuestConfig
	Runtime *Runtime
}

func (g *Guest) Name() string { return g.Config.Name }
func (g *Guest) Role() string { return g.Config.Role }

// NewGuest builds a Guest in its initial state: DISABLE, no instance, no
// deadline (spec section 3: "Initial = DISABLE on load").
func NewGuest(cfg *GuestConfig) *Guest {
	bindings := make([]NetifBinding, 0, len(cfg.DynamicNetifNames))
	for _, name := range cfg.DynamicNetifNames {
		bindings = append(bindings, NetifBinding{Ifname: name})
	}

	return &Guest{
		Config: cfg,
		Runtime: &Runtime{
			Status:        StateDisable,
			NetifBindings: bindings,
		},
	}
}
