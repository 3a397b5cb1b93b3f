//go:build linux && cgo

// Package hotplug is C4: it consumes kernel uevents and RTNL link events,
// matches devices to guests by rule, and commits the match (cgroup allow/
// deny, device-node creation, uevent re-injection into the guest's netns)
// (spec section 4.4).
package hotplug

import (
	"context"
	"strconv"

	"github.com/jochenvg/go-udev"
	"github.com/sirupsen/logrus"

	"github.com/agl/container-manager/internal/guestmodel"
)

// RawUevent is the engine's library-agnostic view of a kernel uevent, so
// matching logic (and its tests) never depend on go-udev's Device type
// directly (spec section 4.4 step 1).
type RawUevent struct {
	Action     guestmodel.ActionMask
	ActionName string
	Devpath    string
	Subsystem  string
	Devtype    string
	Devname    string // as reported by udev; may carry a "/dev/" prefix
	Major      int64
	Minor      int64
	Properties map[string]string // every KEY=VALUE pair except SEQNUM
}

func actionMask(name string) guestmodel.ActionMask {
	switch name {
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

// StartUeventMonitor opens the kernel uevent netlink socket and feeds
// translated RawUevent values into out until ctx is cancelled. Errors from
// the monitor are logged and the monitor is not restarted automatically —
// matching spec section 7's "a failed listener is disabled" posture for
// non-core listeners.
func StartUeventMonitor(ctx context.Context, log *logrus.Logger, out chan<- any) error {
	u := udev.Udev{}
	mon := u.NewMonitorFromNetlink("udev")

	deviceCh, errCh, err := mon.DeviceChan(ctx)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return

			case err, ok := <-errCh:
				if !ok {
					return
				}

				log.WithError(err).Warn("hotplug: uevent monitor error")

			case dev, ok := <-deviceCh:
				if !ok {
					return
				}

				out <- translateDevice(dev)
			}
		}
	}()

	return nil
}

func translateDevice(dev *udev.Device) RawUevent {
	props := make(map[string]string)
	for k, v := range dev.Properties() {
		if k == "SEQNUM" {
			continue
		}

		props[k] = v
	}

	major, _ := strconv.ParseInt(dev.PropertyValue("MAJOR"), 10, 64)
	minor, _ := strconv.ParseInt(dev.PropertyValue("MINOR"), 10, 64)

	action := dev.Action()

	return RawUevent{
		Action:     actionMask(action),
		ActionName: action,
		Devpath:    dev.Devpath(),
		Subsystem:  dev.Subsystem(),
		Devtype:    dev.Devtype(),
		Devname:    dev.Devnode(),
		Major:      major,
		Minor:      minor,
		Properties: props,
	}
}
