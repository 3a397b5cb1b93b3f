//go:build linux && cgo

package supervisor

import (
	"github.com/agl/container-manager/internal/guestmodel"
	"github.com/agl/container-manager/internal/runtime"
)

// Subcommand selects which lifecycle action an IPC request asks for (spec
// section 4.8).
type Subcommand int32

const (
	SubcommandShutdown    Subcommand = 1
	SubcommandReboot      Subcommand = 2
	SubcommandForceReboot Subcommand = 3
)

// LifecycleResult is the wire response code for LIFECYCLE_BY_NAME/
// LIFECYCLE_BY_ROLE (spec section 6).
type LifecycleResult int32

const (
	LifecycleAccept LifecycleResult = 0
	LifecycleNoName LifecycleResult = -1
	LifecycleNoRole LifecycleResult = -2
	LifecycleError  LifecycleResult = -100
)

// ChangeActiveResult is the wire response code for CHANGE_ACTIVE_BY_NAME
// (spec section 6).
type ChangeActiveResult int32

const (
	ChangeActiveAccept ChangeActiveResult = 0
	ChangeActiveNoName ChangeActiveResult = -1
	ChangeActiveError  ChangeActiveResult = -100
)

// LifecycleByName implements the LIFECYCLE_BY_NAME IPC command (spec
// section 4.8).
func (s *Supervisor) LifecycleByName(name string, sub Subcommand) LifecycleResult {
	g, ok := s.fleet.Guest(name)
	if !ok {
		return LifecycleNoName
	}

	return s.applyLifecycle(g, sub)
}

// LifecycleByRole implements the LIFECYCLE_BY_ROLE IPC command: it targets
// the role's currently-active guest (spec section 4.8).
func (s *Supervisor) LifecycleByRole(role string, sub Subcommand) LifecycleResult {
	g, err := s.fleet.ActiveOf(role)
	if err != nil {
		return LifecycleNoRole
	}

	return s.applyLifecycle(g, sub)
}

func (s *Supervisor) applyLifecycle(g *guestmodel.Guest, sub Subcommand) LifecycleResult {
	switch sub {
	case SubcommandForceReboot:
		// FORCEREBOOT directly invokes force_kill (spec section 4.8),
		// bypassing the halt-signal/deadline dance entirely.
		inst, _ := g.Runtime.Instance.(*runtime.Instance)
		if inst != nil {
			if err := s.adapter.ForceKill(inst); err != nil {
				s.log.WithError(err).WithField("guest", g.Name()).Warn("supervisor: force-reboot kill failed")
				return LifecycleError
			}
		}

		return LifecycleAccept

	case SubcommandReboot:
		switch g.Runtime.Status {
		case guestmodel.StateStarted:
			s.haltSignal(g, g.Config.Lifecycle.RebootSignal)

		case guestmodel.StateNotStarted:
			// A reboot request on an idle guest starts it, releasing a
			// workqueue hold if one is in effect (spec section 4.7
			// transition table: NOT_STARTED x reboot_req).
			g.Runtime.Held = false
			s.startGuest(g)
		}

		return LifecycleAccept

	case SubcommandShutdown:
		switch g.Runtime.Status {
		case guestmodel.StateStarted:
			s.haltSignal(g, g.Config.Lifecycle.HaltSignal)

		case guestmodel.StateDead:
			// Spec section 4.7 transition table: DEAD x shutdown_req moves
			// the guest back to NOT_STARTED without relaunching it first.
			s.cleanup(g)
			g.Runtime.Status = guestmodel.StateNotStarted
		}

		return LifecycleAccept

	default:
		return LifecycleError
	}
}

// ChangeActiveByName implements CHANGE_ACTIVE_BY_NAME: it rotates name to
// the head of its role's candidate list; the actual guest swap happens on
// the next tick's role-promotion pass (spec section 4.8).
func (s *Supervisor) ChangeActiveByName(name string) ChangeActiveResult {
	entry, ok := s.fleet.RoleOf(name)
	if !ok {
		return ChangeActiveNoName
	}

	if !entry.RotateToHead(name) {
		return ChangeActiveNoName
	}

	return ChangeActiveAccept
}

// GuestSnapshot is one row of the GETGUESTS response (spec section 4.8,
// section 6).
type GuestSnapshot struct {
	Name   string
	Role   string
	Status guestmodel.ExternalStatus
}

// Snapshot returns up to 16 guest rows for GETGUESTS (spec section 4.8:
// "up to 16 {name[128], role[128], status:i32}").
func (s *Supervisor) Snapshot() []GuestSnapshot {
	max := len(s.fleet.Guests)
	if max > 16 {
		max = 16
	}

	rows := make([]GuestSnapshot, 0, max)
	for _, g := range s.fleet.Guests[:max] {
		rows = append(rows, GuestSnapshot{
			Name:   g.Name(),
			Role:   g.Role(),
			Status: g.Runtime.Status.External(),
		})
	}

	return rows
}
