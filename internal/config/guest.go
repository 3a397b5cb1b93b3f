package config

import (
	"fmt"

	"github.com/agl/container-manager/internal/cmerr"
	"github.com/agl/container-manager/internal/guestmodel"
)

// guestFile is the per-guest JSON document (spec section 4.2). Field names
// mirror the original config's vocabulary directly since the format is
// fixed and parsing is mechanical (spec section 1 non-goal).
type guestFile struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	BootPriority int    `json:"bootpriority"`
	AutoBoot     bool   `json:"autoboot"`

	RootFS struct {
		Path     string   `json:"path"`
		FSType   string   `json:"fstype"`
		Mode     string   `json:"mode"`
		Blockdev []string `json:"blockdev"`
	} `json:"rootfs"`

	ExtraDisks []struct {
		From       string   `json:"from"`
		To         string   `json:"to"`
		FSType     string   `json:"fstype"`
		Mode       string   `json:"mode"`
		Redundancy string   `json:"redundancy"`
		Blockdev   []string `json:"blockdev"`
	} `json:"extradisks,omitempty"`

	Lifecycle struct {
		Halt              string `json:"halt"`
		Reboot            string `json:"reboot"`
		ShutdownTimeoutMs *int   `json:"shutdown_timeout_ms"`
	} `json:"lifecycle"`

	Capabilities struct {
		Drop []string `json:"drop,omitempty"`
		Keep []string `json:"keep,omitempty"`
	} `json:"capabilities"`

	IDMap struct {
		UID []idmapLine `json:"uid,omitempty"`
		GID []idmapLine `json:"gid,omitempty"`
	} `json:"idmap"`

	Resources struct {
		CgroupV1 map[string]string `json:"cgroup_v1,omitempty"`
		CgroupV2 map[string]string `json:"cgroup_v2,omitempty"`
		Prlimit  map[string]string `json:"prlimit,omitempty"`
		Sysctl   map[string]string `json:"sysctl,omitempty"`
	} `json:"resources"`

	Mounts []struct {
		Type    string `json:"type"` // "filesystem" | "directory" | "delayed"
		Source  string `json:"source"`
		Target  string `json:"target"`
		FSType  string `json:"fstype,omitempty"`
		Options string `json:"options,omitempty"`
	} `json:"mounts,omitempty"`

	StaticDevices []struct {
		Kind      string `json:"kind"` // "devnode" | "devdir" | "gpio" | "iio"
		Path      string `json:"path"`
		Major     int64  `json:"major,omitempty"`
		Minor     int64  `json:"minor,omitempty"`
		Mode      uint32 `json:"mode,omitempty"`
		Optional  bool   `json:"optional,omitempty"`
		WideAllow bool   `json:"wideallow,omitempty"`
	} `json:"static_devices,omitempty"`

	DeviceRules []struct {
		DevpathPrefix string   `json:"devpath_prefix"`
		Subsystem     string   `json:"subsystem"`
		Actions       []string `json:"actions"`
		Devtype       []string `json:"devtype,omitempty"`
		Behavior      struct {
			InjectUevent   bool   `json:"inject_uevent"`
			CreateDevnode  bool   `json:"create_devnode"`
			AllowViaCgroup bool   `json:"allow_via_cgroup"`
			Permission     string `json:"permission,omitempty"`
		} `json:"behavior"`
	} `json:"device_rules,omitempty"`

	StaticNetifs []struct {
		Link    string `json:"link"`
		Flags   string `json:"flags,omitempty"`
		HWAddr  string `json:"hwaddr,omitempty"`
		Mode    string `json:"mode,omitempty"`
		Address string `json:"address,omitempty"`
		Gateway string `json:"gateway,omitempty"`
	} `json:"static_netif,omitempty"`

	DynamicNetif []string `json:"dynamic_netif,omitempty"`

	EnableProtection bool `json:"enable_protection,omitempty"`
}

type idmapLine struct {
	ContainerID int64 `json:"container_id"`
	HostID      int64 `json:"host_id"`
	Range       int64 `json:"range"`
}

// toGuestConfig validates mandatory fields and converts the JSON DTO into
// the immutable guestmodel.GuestConfig. Missing mandatory fields abort this
// guest only (spec section 4.2, section 7 taxonomy item 1).
func (gf *guestFile) toGuestConfig() (*guestmodel.GuestConfig, error) {
	if gf.Name == "" {
		return nil, fmt.Errorf("%w: guest has no name", cmerr.ErrConfigInvalid)
	}

	if gf.RootFS.Path == "" || gf.RootFS.FSType == "" || len(gf.RootFS.Blockdev) == 0 {
		return nil, fmt.Errorf("%w: guest %q missing rootfs path/fstype/blockdev", cmerr.ErrConfigInvalid, gf.Name)
	}

	cfg := &guestmodel.GuestConfig{
		Name:             gf.Name,
		Role:             gf.Role,
		BootPriority:     gf.BootPriority,
		AutoBoot:         gf.AutoBoot,
		EnableProtection: gf.EnableProtection,
	}

	cfg.RootFS = guestmodel.FSEntry{
		To:        gf.RootFS.Path,
		FSType:    gf.RootFS.FSType,
		Mode:      orDefault(gf.RootFS.Mode, "rw"),
		BlockDevA: blockdevAt(gf.RootFS.Blockdev, 0),
		BlockDevB: blockdevAt(gf.RootFS.Blockdev, 1),
	}

	for _, d := range gf.ExtraDisks {
		if d.From == "" || d.To == "" || d.FSType == "" || len(d.Blockdev) == 0 {
			return nil, fmt.Errorf("%w: guest %q has an incomplete extra disk entry", cmerr.ErrConfigInvalid, gf.Name)
		}

		cfg.ExtraDisks = append(cfg.ExtraDisks, guestmodel.FSEntry{
			From:       d.From,
			To:         d.To,
			FSType:     d.FSType,
			Mode:       orDefault(d.Mode, "rw"),
			Redundancy: parseRedundancy(d.Redundancy),
			BlockDevA:  blockdevAt(d.Blockdev, 0),
			BlockDevB:  blockdevAt(d.Blockdev, 1),
		})
	}

	timeoutMs := guestmodel.DefaultShutdownTimeoutMs
	if gf.Lifecycle.ShutdownTimeoutMs != nil {
		// Boundary B2: an explicit 0 is kept as 0 ("force immediately on
		// next tick"), not defaulted away.
		timeoutMs = *gf.Lifecycle.ShutdownTimeoutMs
	}

	cfg.Lifecycle = guestmodel.LifecycleConfig{
		HaltSignal:        orDefault(gf.Lifecycle.Halt, guestmodel.DefaultHaltSignal),
		RebootSignal:      orDefault(gf.Lifecycle.Reboot, guestmodel.DefaultRebootSignal),
		ShutdownTimeoutMs: timeoutMs,
	}

	cfg.Capabilities = guestmodel.CapabilityConfig{Drop: gf.Capabilities.Drop, Keep: gf.Capabilities.Keep}

	if len(gf.IDMap.UID) > 0 && len(gf.IDMap.GID) > 0 {
		for _, l := range gf.IDMap.UID {
			cfg.IDMap = append(cfg.IDMap, guestmodel.IDMapEntry{Kind: "u", ContainerID: l.ContainerID, HostID: l.HostID, Range: l.Range})
		}
		for _, l := range gf.IDMap.GID {
			cfg.IDMap = append(cfg.IDMap, guestmodel.IDMapEntry{Kind: "g", ContainerID: l.ContainerID, HostID: l.HostID, Range: l.Range})
		}
	}

	cfg.Resources = guestmodel.ResourceConfig{
		CgroupV1: gf.Resources.CgroupV1,
		CgroupV2: gf.Resources.CgroupV2,
		Prlimit:  gf.Resources.Prlimit,
		Sysctl:   gf.Resources.Sysctl,
	}

	for _, m := range gf.Mounts {
		kind, ok := parseMountKind(m.Type)
		if !ok {
			return nil, fmt.Errorf("%w: guest %q has unknown mount type %q", cmerr.ErrConfigInvalid, gf.Name, m.Type)
		}

		cfg.Mounts = append(cfg.Mounts, guestmodel.MountEntry{
			Kind: kind, Source: m.Source, Target: m.Target, FSType: m.FSType, Options: m.Options,
		})
	}

	for _, d := range gf.StaticDevices {
		kind, ok := parseStaticDeviceKind(d.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: guest %q has unknown static device kind %q", cmerr.ErrConfigInvalid, gf.Name, d.Kind)
		}

		cfg.StaticDevices = append(cfg.StaticDevices, guestmodel.StaticDevice{
			Kind: kind, Path: d.Path, Major: d.Major, Minor: d.Minor, Mode: d.Mode,
			Optional: d.Optional, WideAllow: d.WideAllow,
		})
	}

	for _, r := range gf.DeviceRules {
		var mask guestmodel.ActionMask
		for _, a := range r.Actions {
			mask |= parseActionMask(a)
		}

		cfg.DeviceRules = append(cfg.DeviceRules, guestmodel.DeviceRule{
			DevpathPrefix:    r.DevpathPrefix,
			Subsystem:        r.Subsystem,
			ActionMask:       mask,
			DevtypeAllowlist: r.Devtype,
			Behavior: guestmodel.Behavior{
				InjectUevent:   r.Behavior.InjectUevent,
				CreateDevnode:  r.Behavior.CreateDevnode,
				AllowViaCgroup: r.Behavior.AllowViaCgroup,
				Permission:     orDefault(r.Behavior.Permission, guestmodel.DefaultPermission),
			},
		})
	}

	for _, n := range gf.StaticNetifs {
		cfg.StaticNetifs = append(cfg.StaticNetifs, guestmodel.StaticNetif{
			Link: n.Link, Flags: n.Flags, HWAddr: n.HWAddr, Mode: n.Mode, Address: n.Address, Gateway: n.Gateway,
		})
	}

	cfg.DynamicNetifNames = gf.DynamicNetif

	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}

	return v
}

func blockdevAt(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}

	return ""
}

func parseRedundancy(s string) guestmodel.Redundancy {
	switch s {
	case "AB":
		return guestmodel.RedundancyAB
	case "FSCK":
		return guestmodel.RedundancyFSCK
	case "MKFS":
		return guestmodel.RedundancyMKFS
	default:
		return guestmodel.RedundancyFailover
	}
}

func parseMountKind(s string) (guestmodel.MountKind, bool) {
	switch s {
	case "filesystem":
		return guestmodel.MountKindFilesystem, true
	case "directory":
		return guestmodel.MountKindDirectory, true
	case "delayed":
		return guestmodel.MountKindDelayed, true
	default:
		return 0, false
	}
}

func parseStaticDeviceKind(s string) (guestmodel.StaticDeviceKind, bool) {
	switch s {
	case "devnode":
		return guestmodel.StaticDeviceNode, true
	case "devdir":
		return guestmodel.StaticDeviceDir, true
	case "gpio":
		return guestmodel.StaticDeviceGPIO, true
	case "iio":
		return guestmodel.StaticDeviceIIO, true
	default:
		return 0, false
	}
}

func parseActionMask(s string) guestmodel.ActionMask {
	switch s {
	case "add":
		return guestmodel.ActionAdd
	case "remove":
		return guestmodel.ActionRemove
	case "change":
		return guestmodel.ActionChange
	case "move":
		return guestmodel.ActionMove
	default:
		return 0
	}
}
