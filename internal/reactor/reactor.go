// Package reactor is C1: the single-threaded, event-driven readiness loop
// (spec section 4.1). Every other component hands the reactor a channel of
// events it wants serialized; the reactor's Run loop is the only goroutine
// that ever calls into the supervisor, so C7 remains the single writer of
// guest state even though I/O (uevents, RTNL, pidfd waits, IPC) happens on
// dedicated goroutines feeding those channels.
//
// This is the idiomatic-Go rendering of the original's epoll/timerfd/
// signalfd loop: a `select` over channels gives the same "exactly one
// handler runs to completion before the next one starts, dispatch order
// otherwise unspecified" semantics without hand-rolled epoll bookkeeping.
package reactor

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agl/container-manager/internal/sysnotify"
)

// TickInterval is the periodic timer period (spec section 4.1: "50ms
// periodic tick").
const TickInterval = 50 * time.Millisecond

const eventBuffer = 64

// Handlers is the set of callbacks the reactor invokes for each event
// source. Every call happens on the reactor's own goroutine; handlers must
// not block beyond the "a few milliseconds" budget in spec section 5.
type Handlers struct {
	OnTick          func()
	OnGuestExit     func(guestIndex int)
	OnSystemExit    func() // SIGTERM/SIGINT
	OnReapChildren  func() // SIGCHLD
	OnUevent        func(ev any)
	OnLinkUpdate    func(upd any)
	OnIPCRequest    func(req any)
	OnWorkqueueDone func(guestName string, result int)
	OnDispatchDone  func(phase, result int)
	ShouldStop      func() bool
}

// Reactor owns the single select loop over every event source: timer,
// signals, guest-exit notifications (C9), hotplug uevents/RTNL updates
// (C4), and IPC requests (C8).
type Reactor struct {
	log *logrus.Logger

	handlers Handlers

	guestExitCh chan int
	ueventCh    chan any
	linkCh      chan any
	ipcCh       chan any
	workqueueCh chan workqueueResult
	dispatchCh  chan dispatchResult

	sigCh chan os.Signal
	done  chan struct{}
}

type workqueueResult struct {
	guestName string
	result    int
}

type dispatchResult struct {
	phase  int
	result int
}

// New builds a Reactor. The returned channels are handed to C4 and C8 so
// their I/O goroutines can feed events back onto the reactor's single
// select loop.
func New(log *logrus.Logger, h Handlers) *Reactor {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGCHLD, syscall.SIGINT)

	return &Reactor{
		log:         log,
		handlers:    h,
		guestExitCh: make(chan int, eventBuffer),
		ueventCh:    make(chan any, eventBuffer),
		linkCh:      make(chan any, eventBuffer),
		ipcCh:       make(chan any, eventBuffer),
		workqueueCh: make(chan workqueueResult, eventBuffer),
		dispatchCh:  make(chan dispatchResult, eventBuffer),
		sigCh:       sigCh,
		done:        make(chan struct{}),
	}
}

// GuestExitChan is the channel C9 monitors send a guest's fleet index on
// when its pidfd becomes readable (spec section 4.9).
func (r *Reactor) GuestExitChan() chan<- int { return r.guestExitCh }

// UeventChan is the channel C4's udev-monitor goroutine feeds parsed
// uevents into.
func (r *Reactor) UeventChan() chan<- any { return r.ueventCh }

// LinkUpdateChan is the channel C4's RTNL-subscription goroutine feeds
// link add/del/change updates into.
func (r *Reactor) LinkUpdateChan() chan<- any { return r.linkCh }

// IPCChan is the channel C8's listener goroutine feeds accepted requests
// into, one at a time (spec section 4.8: single concurrent session).
func (r *Reactor) IPCChan() chan<- any { return r.ipcCh }

// ReportWorkqueueDone is called by a C5 worker goroutine when its plugin
// exits, rejoining the result onto the reactor's single serialized event
// stream (spec section 4.5: "STARTED --worker-exit--> COMPLETED").
func (r *Reactor) ReportWorkqueueDone(guestName string, result int) {
	r.workqueueCh <- workqueueResult{guestName: guestName, result: result}
}

// ReportDispatchDone is called by the C6 manager-pipeline worker goroutine
// when a dispatched phase finishes (spec section 4.6: "reports a single
// response back to the host when the whole phase is done").
func (r *Reactor) ReportDispatchDone(phase, result int) {
	r.dispatchCh <- dispatchResult{phase: phase, result: result}
}

// Stop requests the loop exit at the next iteration boundary (spec section
// 4.7: "once all guests are in EXIT/DISABLE the reactor is asked to
// exit").
func (r *Reactor) Stop() {
	close(r.done)
}

// Run drives the loop until Stop is called or Handlers.ShouldStop returns
// true. It emits the systemd watchdog keepalive once per tick (spec
// section 4.1, section 6).
func (r *Reactor) Run() error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return nil

		case <-ticker.C:
			r.handlers.OnTick()
			if err := sysnotify.Watchdog(); err != nil {
				r.log.WithError(err).Debug("sysnotify watchdog failed (not running under systemd?)")
			}

		case sig := <-r.sigCh:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				r.handlers.OnSystemExit()
			case syscall.SIGCHLD:
				r.handlers.OnReapChildren()
			}

		case idx := <-r.guestExitCh:
			r.handlers.OnGuestExit(idx)

		case ev := <-r.ueventCh:
			r.handlers.OnUevent(ev)

		case upd := <-r.linkCh:
			r.handlers.OnLinkUpdate(upd)

		case req := <-r.ipcCh:
			r.handlers.OnIPCRequest(req)

		case wr := <-r.workqueueCh:
			if r.handlers.OnWorkqueueDone != nil {
				r.handlers.OnWorkqueueDone(wr.guestName, wr.result)
			}

		case dr := <-r.dispatchCh:
			if r.handlers.OnDispatchDone != nil {
				r.handlers.OnDispatchDone(dr.phase, dr.result)
			}
		}

		if r.handlers.ShouldStop != nil && r.handlers.ShouldStop() {
			return nil
		}
	}
}
