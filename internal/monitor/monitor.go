//go:build linux

// Package monitor is C9: it watches a started guest's init pidfd and emits
// a single GUEST_EXIT notification onto the reactor's channel when the
// guest's init process dies (spec section 4.9).
//
// Exactly one registration exists per guest at a time (spec invariant P2);
// Watch's caller (the supervisor) is responsible for not calling Watch
// again until the previous watch's goroutine has reported exit.
package monitor

import (
	"golang.org/x/sys/unix"
)

// Watch blocks (on its own goroutine) until pidfd becomes readable — i.e.
// the process has exited — then sends guestIndex on exitCh and returns.
// Watch takes ownership of pidfd and closes it once the exit has been
// reported, deregistering the source (spec invariant P2: a guest outside
// STARTED has no registered pidfd).
func Watch(pidfd int, guestIndex int, exitCh chan<- int) {
	go func() {
		defer unix.Close(pidfd)

		fds := []unix.PollFd{{Fd: int32(pidfd), Events: unix.POLLIN}}

		for {
			n, err := unix.Poll(fds, -1)
			if err != nil {
				if err == unix.EINTR {
					continue
				}

				break
			}

			if n > 0 {
				break
			}
		}

		exitCh <- guestIndex
	}()
}
