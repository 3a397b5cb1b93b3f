// Package dispatcher is C6: the manager-wide storage work pipeline (spec
// section 4.6), grounded on container-manager-operations.c's
// manager_mount_operation/manager_worker_exec and the erase/mkfs plugin
// shape it shares with internal/workqueue.
package dispatcher

import (
	"github.com/agl/container-manager/internal/config"
)

// EntryKind is one pipeline row's operation (spec section 4.6's fixed
// table).
type EntryKind int

const (
	KindMountThenFsck EntryKind = iota
	KindMountThenMkfs
	KindUnmount
	KindEraseThenMkfs
)

// Phase selects which subset of the table a dispatch runs (spec section
// 4.6, section 5).
type Phase int

const (
	PhaseStart Phase = iota
	PhaseTerminate
	PhaseTerminateExt
)

// Entry is one row of the manager pipeline table.
type Entry struct {
	Index      int
	Kind       EntryKind
	Device     string // primary blockdev; redundancy's second device, if any, is Mirror
	Mirror     string
	MountPoint string
	Filesystem string
	MountFlags string
	Option     string
	Phase      Phase

	mounted    bool
	errorCount int
}

// defaultTable is the built-in fallback pipeline from spec section 4.6's
// worked example, used when the host file carries no operation.mount
// override.
func defaultTable() []*Entry {
	return []*Entry{
		{Index: 0, Kind: KindMountThenFsck, Device: "/dev/mmcblk0p1", MountPoint: "/var/nv1", Filesystem: "ext4", Phase: PhaseStart},
		{Index: 1, Kind: KindMountThenMkfs, Device: "/dev/mmcblk0p2", MountPoint: "/var/nv2", Filesystem: "ext4", Phase: PhaseStart},
		{Index: 2, Kind: KindUnmount, MountPoint: "/var/nv1", Phase: PhaseTerminate},
		{Index: 3, Kind: KindUnmount, MountPoint: "/var/nv2", Phase: PhaseTerminate},
		{Index: 4, Kind: KindEraseThenMkfs, Device: "/dev/mmcblk0p2", Filesystem: "ext4", Phase: PhaseTerminateExt},
	}
}

// BuildTable converts the host file's operation.mount override into the
// fixed pipeline table, falling back to the built-in default when op is
// nil (spec section 4.6, section 6).
func BuildTable(op *config.OperationConfig) []*Entry {
	if op == nil || len(op.Mount) == 0 {
		return defaultTable()
	}

	table := make([]*Entry, 0, len(op.Mount))

	for i, m := range op.Mount {
		e := &Entry{
			Index:      i,
			MountPoint: m.To,
			Filesystem: m.Filesystem,
			MountFlags: m.Mode,
			Option:     m.Option,
		}

		if len(m.Blockdev) > 0 {
			e.Device = m.Blockdev[0]
		}
		if len(m.Blockdev) > 1 {
			e.Mirror = m.Blockdev[1]
		}

		switch m.Type {
		case "mount-then-fsck-on-fail":
			e.Kind = KindMountThenFsck
			e.Phase = PhaseStart
		case "mount-then-mkfs-on-fail":
			e.Kind = KindMountThenMkfs
			e.Phase = PhaseStart
		case "unmount":
			e.Kind = KindUnmount
			e.Phase = PhaseTerminate
		case "erase+mkfs":
			e.Kind = KindEraseThenMkfs
			e.Phase = PhaseTerminateExt
		}

		table = append(table, e)
	}

	return table
}
