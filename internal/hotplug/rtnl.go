//go:build linux && cgo

package hotplug

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/agl/container-manager/internal/guestmodel"
	"github.com/agl/container-manager/internal/runtime"
)

// StartLinkMonitor subscribes to RTNL link add/del/change events and feeds
// them into out until ctx is cancelled (spec section 4.4).
func StartLinkMonitor(ctx context.Context, log *logrus.Logger, out chan<- any) error {
	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})

	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		close(done)
	}()

	go func() {
		for upd := range updates {
			out <- upd
		}
	}()

	return nil
}

// HandleLinkUpdate maintains the ifindex->name table and attaches newly
// appeared interfaces to any guest with a matching unbound dynamic netif
// binding (spec section 4.4). Multiple attaches of the same binding before
// a remove are forbidden by construction: CurrentIfindex != 0 already
// marks it bound, so a repeat NEWLINK for the same name is a no-op
// (idempotence, spec section 4.4 last paragraph).
func (e *Engine) HandleLinkUpdate(upd netlink.LinkUpdate) {
	name := upd.Attrs().Name
	index := int(upd.Attrs().Index)

	switch upd.Header.Type {
	case unix.RTM_NEWLINK:
		e.linkNames[index] = name
		e.attachMatchingBindings(name, index)

	case unix.RTM_DELLINK:
		delete(e.linkNames, index)
		e.unbindByIndex(index)
	}
}

func (e *Engine) attachMatchingBindings(name string, index int) {
	for _, g := range e.fleet.Guests {
		if g.Runtime.Status != guestmodel.StateStarted {
			continue
		}

		for i := range g.Runtime.NetifBindings {
			b := &g.Runtime.NetifBindings[i]
			if b.Ifname != name || b.CurrentIfindex != 0 {
				continue
			}

			inst, _ := g.Runtime.Instance.(*runtime.Instance)
			if inst == nil {
				continue
			}

			if err := e.adapter.AttachNetif(inst, name, name); err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{"guest": g.Name(), "ifname": name}).
					Warn("hotplug: netif attach failed, left unbound for retry")
				continue
			}

			b.CurrentIfindex = index
			b.IsAvailable = true
		}
	}
}

// ResyncGuestNetifs re-attempts attachment of g's still-unbound dynamic
// netif bindings against every currently known interface (spec section
// 4.7 ordering guarantee 3: "a successful relaunch re-triggers a device
// and netif update before the tick returns"). Unlike attachMatchingBindings
// this only touches g, since it runs right after g itself was relaunched.
func (e *Engine) ResyncGuestNetifs(g *guestmodel.Guest) {
	if g.Runtime.Status != guestmodel.StateStarted {
		return
	}

	inst, _ := g.Runtime.Instance.(*runtime.Instance)
	if inst == nil {
		return
	}

	for i := range g.Runtime.NetifBindings {
		b := &g.Runtime.NetifBindings[i]
		if b.CurrentIfindex != 0 {
			continue
		}

		for index, name := range e.linkNames {
			if name != b.Ifname {
				continue
			}

			if err := e.adapter.AttachNetif(inst, name, name); err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{"guest": g.Name(), "ifname": name}).
					Warn("hotplug: netif resync attach failed, left unbound for retry")
				continue
			}

			b.CurrentIfindex = index
			b.IsAvailable = true
			break
		}
	}
}

func (e *Engine) unbindByIndex(index int) {
	for _, g := range e.fleet.Guests {
		for i := range g.Runtime.NetifBindings {
			b := &g.Runtime.NetifBindings[i]
			if b.CurrentIfindex == index {
				b.CurrentIfindex = 0
				b.IsAvailable = false
			}
		}
	}
}
