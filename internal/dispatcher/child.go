//go:build linux

package dispatcher

import (
	"os/exec"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const childPollInterval = 100 * time.Millisecond

// runRecoveryChild runs name with args to completion, polling cancel
// every 100ms (spec section 4.6: "the worker waits on a 2-slot poll
// ({pidfd, control-fd}, 100ms timeout)" — the control-fd side of that
// poll is collapsed here into the cancel flag the dispatcher goroutine
// already owns). Cancellation sends SIGTERM via pidfd_send_signal with a
// kill(2) fallback, matching section 4.6 exactly.
func runRecoveryChild(name string, args []string, cancel *atomic.Bool) int {
	cmd := exec.Command(name, args...)

	if err := cmd.Start(); err != nil {
		return ResultError
	}

	pidfd, pidfdErr := unix.PidfdOpen(cmd.Process.Pid, 0)
	if pidfdErr == nil {
		defer unix.Close(pidfd)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	ticker := time.NewTicker(childPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				if cancel.Load() {
					return ResultCancel
				}
				return ResultError
			}
			return ResultDone

		case <-ticker.C:
			if !cancel.Load() {
				continue
			}

			if pidfdErr == nil {
				if sigErr := unix.PidfdSendSignal(pidfd, unix.SIGTERM, nil, 0); sigErr == nil {
					continue
				}
			}
			_ = cmd.Process.Signal(unix.SIGTERM)
		}
	}
}
