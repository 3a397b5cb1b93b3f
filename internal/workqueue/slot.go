// Package workqueue is C5: one scheduled, cancellable background task per
// guest (spec section 4.5). Each guest has exactly one Slot; the slot
// state machine and its plugin are described in spec section 3 and
// section 4.5.
package workqueue

import (
	"fmt"
	"sync/atomic"

	"gopkg.in/tomb.v2"
)

// Status is a workqueue slot's position in its own small state machine
// (spec section 3, section 4.5).
type Status int

const (
	StatusDisable Status = iota
	StatusInactive
	StatusScheduled
	StatusStarted
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusDisable:
		return "DISABLE"
	case StatusInactive:
		return "INACTIVE"
	case StatusScheduled:
		return "SCHEDULED"
	case StatusStarted:
		return "STARTED"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// PostAction is what the supervisor does with a guest once its slot
// completes (spec section 3, section 4.5 supervisor policy).
type PostAction int

const (
	PostActionHold PostAction = iota
	PostActionRelaunch
)

// Result codes a plugin's Exec returns (spec section 4.5 transition
// table).
const (
	ResultSuccess = 0
	ResultCancel  = 1
	ResultFail    = -1
)

// Slot is one guest's workqueue record. The supervisor keeps it in the
// owning guest's Runtime.Workqueue field, so the guest name is not
// duplicated here (design note 2's "joined by id" pattern applied to this record too).
type Slot struct {
	Status     Status
	PluginName string
	PostAction PostAction
	Result     int

	plugin Plugin
	cancel atomic.Bool
	t      *tomb.Tomb // tracks the in-flight worker; fresh per Run
}

// NewSlot returns a slot in its initial DISABLE state (spec section 3).
func NewSlot() *Slot {
	return &Slot{Status: StatusDisable}
}

// Initialize moves DISABLE -> INACTIVE (spec section 4.5).
func (s *Slot) Initialize() {
	if s.Status == StatusDisable {
		s.Status = StatusInactive
	}
}

// Schedule moves INACTIVE -> SCHEDULED, recording which plugin to run and
// what to do with the guest afterward (spec section 4.5). Returns an error
// if the slot is not INACTIVE — in particular it refuses to schedule over
// a SCHEDULED or STARTED slot (spec section 3: "a guest cannot be
// relaunched while its slot is SCHEDULED or STARTED").
func (s *Slot) Schedule(pluginName string, args map[string]string, post PostAction) error {
	if s.Status != StatusInactive {
		return fmt.Errorf("workqueue: cannot schedule from state %s", s.Status)
	}

	plugin, err := newPlugin(pluginName)
	if err != nil {
		return err
	}

	plugin.SetArgs(args)

	s.plugin = plugin
	s.PluginName = pluginName
	s.PostAction = post
	s.Status = StatusScheduled

	return nil
}

// Run moves SCHEDULED -> STARTED and dispatches the plugin on a detached
// goroutine (spec section 4.5, section 5). onExit is invoked exactly once,
// off the caller's goroutine, when the worker finishes; the supervisor
// uses it to feed a completion message back onto the reactor's channel
// rather than touching guest state from the worker goroutine directly.
func (s *Slot) Run(onExit func(result int)) error {
	if s.Status != StatusScheduled {
		return fmt.Errorf("workqueue: cannot run from state %s", s.Status)
	}

	s.Status = StatusStarted
	s.cancel.Store(false)

	// A tomb is dead for good once its last goroutine returns, so each run
	// gets its own.
	t := new(tomb.Tomb)
	s.t = t

	t.Go(func() error {
		result := s.plugin.Exec(&s.cancel)
		onExit(result)
		return nil
	})

	return nil
}

// Complete moves STARTED -> COMPLETED, recording the worker's result (spec
// section 4.5). Called by the supervisor's OnWorkqueueDone on the reactor
// goroutine, once the completion reported through Run's onExit callback
// has reached it.
func (s *Slot) Complete(result int) {
	if s.Status == StatusStarted {
		s.Status = StatusCompleted
		s.Result = result
	}
}

// Cleanup moves COMPLETED -> INACTIVE and returns the post-completion
// action the supervisor should take (spec section 4.5).
func (s *Slot) Cleanup() PostAction {
	action := s.PostAction

	if s.Status == StatusCompleted {
		s.Status = StatusInactive
		s.plugin = nil
	}

	return action
}

// Remove forces the slot back to INACTIVE from any state except STARTED
// or COMPLETED (spec section 3 transition table: "any state except
// STARTED/COMPLETED -- remove --> INACTIVE").
func (s *Slot) Remove() error {
	if s.Status == StatusStarted || s.Status == StatusCompleted {
		return fmt.Errorf("workqueue: cannot remove from state %s", s.Status)
	}

	s.Status = StatusInactive
	s.plugin = nil

	return nil
}

// Cancel requests cooperative cancellation of a SCHEDULED or STARTED slot
// (spec section 3, section 5, design note 8). The plugin notices on its
// own next poll and returns ResultCancel; Cancel itself never blocks.
func (s *Slot) Cancel() {
	if s.Status == StatusScheduled || s.Status == StatusStarted {
		s.cancel.Store(true)
	}
}

// Wait blocks until the dispatched worker goroutine has returned. Tests
// use this; production code instead relies on the onExit callback so the
// reactor is never blocked (spec section 5: reactor handlers must not
// block).
func (s *Slot) Wait() error {
	if s.t == nil {
		return nil
	}

	return s.t.Wait()
}
