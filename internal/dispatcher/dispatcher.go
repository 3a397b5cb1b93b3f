//go:build linux

package dispatcher

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"
)

// Result codes a dispatch reports back to the reactor (spec section 4.6:
// "reports a single response back to the host when the whole phase is
// done").
const (
	ResultDone   = 0
	ResultCancel = 1
	ResultError  = -1
)

const (
	mountRetryInterval = 50 * time.Millisecond
	mountRetryBudget   = 3 * time.Second
	eraseNodeWaitMax   = 5 * time.Second
	eraseBufSize       = 1024 * 1024
)

// Dispatcher runs the manager-wide pipeline on at most one detached
// worker goroutine at a time (spec section 5: "zero-or-more detached
// worker threads ... and at most one detached worker thread (C6 manager
// pipeline)").
type Dispatcher struct {
	log   *logrus.Logger
	table []*Entry

	running atomic.Bool
	cancel  atomic.Bool
	t       *tomb.Tomb // tracks the in-flight phase worker; fresh per Dispatch
}

// New builds a Dispatcher bound to table (spec section 4.6).
func New(log *logrus.Logger, table []*Entry) *Dispatcher {
	return &Dispatcher{log: log, table: table}
}

// Dispatch runs phase on a detached goroutine and invokes onDone exactly
// once with the phase's result, mirroring Slot.Run's pattern so the
// reactor is never blocked (spec section 5). Only one phase may be in
// flight at a time (invariant P5); a second Dispatch while one is running
// is refused.
func (d *Dispatcher) Dispatch(phase Phase, onDone func(result int)) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher: a phase is already in flight")
	}

	d.cancel.Store(false)

	// A tomb is dead for good once its last goroutine returns, so each
	// dispatched phase gets its own.
	t := new(tomb.Tomb)
	d.t = t

	t.Go(func() error {
		result := d.runPhase(phase)
		d.running.Store(false)
		onDone(result)
		return nil
	})

	return nil
}

// Cancel is a one-way hang-up of the control channel (spec section 4.6):
// it never blocks, and the worker notices on its own next poll.
func (d *Dispatcher) Cancel() {
	d.cancel.Store(true)
}

func (d *Dispatcher) runPhase(phase Phase) int {
	for _, e := range d.table {
		if e.Phase != phase {
			continue
		}

		if d.cancel.Load() {
			return ResultCancel
		}

		var result int

		switch e.Kind {
		case KindMountThenFsck:
			result = d.runMount(e, "fsck")
		case KindMountThenMkfs:
			result = d.runMount(e, "mkfs")
		case KindUnmount:
			result = d.runUnmount(e)
		case KindEraseThenMkfs:
			result = d.runErase(e)
		}

		if result == ResultCancel {
			return ResultCancel
		}
	}

	return ResultDone
}

// runMount implements spec section 4.6's mount algorithm: try mount; on
// failure run the recovery tool; retry once; on second failure, record
// error_count++ and continue the pipeline (grounded on
// container-manager-operations.c's manager_mount_operation).
func (d *Dispatcher) runMount(e *Entry, recovery string) int {
	if err := d.mountOnce(e); err == nil {
		e.mounted = true
		return ResultDone
	}

	if d.cancel.Load() {
		return ResultCancel
	}

	tool := "/sbin/fsck.ext4"
	args := []string{"-p", e.Device}
	if recovery == "mkfs" {
		tool = "/sbin/mkfs.ext4"
		args = []string{"-F", "-I", "256", e.Device}
	}

	if result := runRecoveryChild(tool, args, &d.cancel); result == ResultCancel {
		return ResultCancel
	}

	if err := d.mountOnce(e); err != nil {
		d.log.WithError(err).WithField("mountpoint", e.MountPoint).
			Warn("dispatcher: mount failed after recovery, giving up on this entry")
		e.errorCount++
		return ResultDone
	}

	e.mounted = true
	return ResultDone
}

func (d *Dispatcher) mountOnce(e *Entry) error {
	if err := os.MkdirAll(e.MountPoint, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", e.MountPoint, err)
	}

	// rw mounts are fully synchronous, ro mounts only add MS_RDONLY.
	var flags uintptr = unix.MS_NOATIME
	if e.MountFlags == "ro" {
		flags |= unix.MS_RDONLY
	} else {
		flags |= unix.MS_DIRSYNC | unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_SYNCHRONOUS
	}

	if err := unix.Mount(e.Device, e.MountPoint, e.Filesystem, flags, e.Option); err != nil {
		return fmt.Errorf("mount %s -> %s: %w", e.Device, e.MountPoint, err)
	}

	return nil
}

// runUnmount retries for up to mountRetryBudget, then falls back to a
// lazy (detach) unmount (spec section 4.6).
func (d *Dispatcher) runUnmount(e *Entry) int {
	deadline := time.Now().Add(mountRetryBudget)

	for {
		if d.cancel.Load() {
			return ResultCancel
		}

		err := unix.Unmount(e.MountPoint, 0)
		if err == nil {
			e.mounted = false
			return ResultDone
		}

		if time.Now().After(deadline) {
			break
		}

		time.Sleep(mountRetryInterval)
	}

	if err := unix.Unmount(e.MountPoint, unix.MNT_DETACH); err != nil {
		d.log.WithError(err).WithField("mountpoint", e.MountPoint).
			Warn("dispatcher: lazy unmount failed")
		return ResultError
	}

	e.mounted = false
	return ResultDone
}

// runErase waits for the unmounted device's sysfs ext4 node to disappear,
// zero-fills the raw block device until ENOSPC, then formats it (spec
// section 4.6, grounded on plugin/erase-mkfs-plugin.c's erase+mkfs
// combination, reused at the manager level here instead of per-guest).
func (d *Dispatcher) runErase(e *Entry) int {
	devName := e.Device
	if idx := lastSlash(devName); idx >= 0 {
		devName = devName[idx+1:]
	}

	sysfsNode := "/sys/fs/ext4/" + devName

	deadline := time.Now().Add(eraseNodeWaitMax)
	for {
		if _, err := os.Stat(sysfsNode); os.IsNotExist(err) {
			break
		}

		if time.Now().After(deadline) {
			d.log.WithField("device", e.Device).Warn("dispatcher: erase: sysfs node still present after wait, proceeding anyway")
			break
		}

		if d.cancel.Load() {
			return ResultCancel
		}

		time.Sleep(mountRetryInterval)
	}

	result := d.zeroFill(e.Device)
	if result == ResultDone {
		result = runRecoveryChild("/sbin/mkfs.ext4", []string{"-I", "256", e.Device}, &d.cancel)
	}

	if result == ResultError {
		e.errorCount++
	}

	return result
}

func (d *Dispatcher) zeroFill(device string) int {
	fd, err := unix.Open(device, unix.O_CLOEXEC|unix.O_SYNC|unix.O_WRONLY, 0)
	if err != nil {
		return ResultError
	}
	defer unix.Close(fd)

	buf := make([]byte, eraseBufSize)

	for {
		if d.cancel.Load() {
			return ResultCancel
		}

		if _, err := unix.Write(fd, buf); err != nil {
			if err == unix.EINTR {
				continue
			}

			// ENOSPC is the only expected terminal condition: the device is
			// full of zeros. Anything else is a real write failure.
			if err == unix.ENOSPC {
				return ResultDone
			}

			return ResultError
		}
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
