package guestmodel

// State is a guest's position in the supervisor's state machine (spec
// section 3, section 4.7).
type State int

const (
	// StateDisable means the guest is not participating: either never
	// promoted by role selection, or parked there after losing a role
	// race, or terminal once system shutdown finishes draining it.
	StateDisable State = iota
	// StateNotStarted is eligible to run but not currently running.
	StateNotStarted
	// StateStarted has a live instance and a registered pidfd monitor.
	StateStarted
	// StateReboot is defined for fidelity with the source state table but,
	// per spec section 9 open questions, is never assigned: reboot
	// requests route through StateShutdown exactly like halt requests.
	StateReboot
	// StateShutdown has sent the halt signal and is waiting for exit or
	// for its shutdown deadline to expire.
	StateShutdown
	// StateDead exited unexpectedly in RUN mode and awaits unconditional
	// relaunch on the next tick.
	StateDead
	// StateExit is terminal, reached only while System mode is SHUTDOWN.
	StateExit
)

// String implements fmt.Stringer for logging.
func (s State) String() string {
	switch s {
	case StateDisable:
		return "DISABLE"
	case StateNotStarted:
		return "NOT_STARTED"
	case StateStarted:
		return "STARTED"
	case StateReboot:
		return "REBOOT"
	case StateShutdown:
		return "SHUTDOWN"
	case StateDead:
		return "DEAD"
	case StateExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// ExternalStatus is the wire status code reported by GETGUESTS (spec
// section 6).
type ExternalStatus int32

const (
	ExternalDisable    ExternalStatus = -1
	ExternalNotStarted ExternalStatus = 0
	ExternalStarted    ExternalStatus = 1
	ExternalShutdown   ExternalStatus = 2
	ExternalDead       ExternalStatus = 3
	ExternalExit       ExternalStatus = 4
)

// External maps the internal state to the wire status. StateReboot maps to
// the same code as StateShutdown since it is never actually assigned (see
// StateReboot's doc comment) but would behave identically if it were.
func (s State) External() ExternalStatus {
	switch s {
	case StateDisable:
		return ExternalDisable
	case StateNotStarted:
		return ExternalNotStarted
	case StateStarted:
		return ExternalStarted
	case StateReboot, StateShutdown:
		return ExternalShutdown
	case StateDead:
		return ExternalDead
	case StateExit:
		return ExternalExit
	default:
		return ExternalDisable
	}
}

// SystemMode is monotonic: once SHUTDOWN it never returns to RUN (spec
// section 3, invariant P6).
type SystemMode int

const (
	ModeRun SystemMode = iota
	ModeShutdown
)

func (m SystemMode) String() string {
	if m == ModeShutdown {
		return "SHUTDOWN"
	}

	return "RUN"
}
