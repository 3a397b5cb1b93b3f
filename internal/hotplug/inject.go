//go:build linux && cgo

package hotplug

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// ueventMulticastGroup is NETLINK_KOBJECT_UEVENT's single multicast group;
// udevd inside the guest listens on it exactly like it listens on the
// host's (spec section 4.4: "send it on a netlink-kobject-uevent socket
// inside the guest's network namespace").
const ueventMulticastGroup = 1

// injectUevent enters the guest's network namespace on a dedicated,
// locked OS thread and re-emits ev as a synthetic kernel uevent (spec
// section 4.4 step "inject_uevent"). It runs on its own goroutine,
// mirroring the original's fork-enter-exit-reap shape (design note 6/7):
// the goroutine locks its OS thread and never unlocks it, so the runtime
// destroys the thread when the goroutine returns instead of handing a
// namespace-switched thread back to the scheduler pool — the Go
// equivalent of "the child exits; parent waits and reaps".
func injectUevent(log *logrus.Logger, initPid int, ev RawUevent) {
	runtime.LockOSThread()

	origNs, err := netns.Get()
	if err != nil {
		log.WithError(err).Warn("hotplug: uevent injection: failed to save host netns")
		return
	}
	defer origNs.Close()

	guestNs, err := netns.GetFromPid(initPid)
	if err != nil {
		log.WithError(err).WithField("pid", initPid).Warn("hotplug: uevent injection: failed to open guest netns")
		return
	}
	defer guestNs.Close()

	if err := netns.Set(guestNs); err != nil {
		log.WithError(err).Warn("hotplug: uevent injection: setns failed")
		return
	}
	defer netns.Set(origNs)

	if err := sendUevent(ev); err != nil {
		log.WithError(err).Warn("hotplug: uevent injection: send failed")
	}
}

func sendUevent(ev RawUevent) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)

	msg := buildUeventMessage(ev)

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: ueventMulticastGroup}

	return unix.Sendto(fd, msg, 0, sa)
}

// buildUeventMessage builds the "@<devpath>\0KEY=VALUE\0...\0" wire format
// (spec section 4.4), skipping SEQNUM (already excluded from
// ev.Properties) and rewriting DEVNAME to strip any "/dev/" prefix.
func buildUeventMessage(ev RawUevent) []byte {
	var b strings.Builder

	b.WriteByte('@')
	b.WriteString(ev.Devpath)
	b.WriteByte(0)

	keys := make([]string, 0, len(ev.Properties))
	for k := range ev.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := ev.Properties[k]
		if k == "DEVNAME" {
			v = strings.TrimPrefix(v, "/dev/")
		}

		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte(0)
	}

	return []byte(b.String())
}
