//go:build linux

// Package plugins holds the workqueue's closed set of compile-time
// plugins (spec section 4.5 design note 5), grounded on
// plugin/fsck-plugin.c and plugin/erase-mkfs-plugin.c: each plugin
// fork+execs a single privileged helper binary and polls a cancel flag
// every 100ms while it waits, like the original's poll loop. The wait
// itself is os/exec's Cmd.Wait on its own goroutine; the child's pidfd is
// used only to deliver SIGTERM (cm_pidfd_open / cm_pidfd_send_signal
// analogues).
package plugins

import (
	"os/exec"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agl/container-manager/internal/workqueue"
)

const pollInterval = 100 * time.Millisecond

// runCancellable starts name with args and blocks until it exits,
// polling cancel every pollInterval. On cancellation it sends SIGTERM via
// pidfd_send_signal, falling back to kill(2) if the pidfd could not be
// opened — the same two-step the original tries with
// cm_pidfd_send_signal/kill (plugin/fsck-plugin.c).
func runCancellable(name string, args []string, cancel *atomic.Bool) int {
	cmd := exec.Command(name, args...)

	if err := cmd.Start(); err != nil {
		return workqueue.ResultFail
	}

	pid := cmd.Process.Pid

	pidfd, pidfdErr := unix.PidfdOpen(pid, 0)
	if pidfdErr == nil {
		defer unix.Close(pidfd)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				if cancel.Load() {
					return workqueue.ResultCancel
				}
				return workqueue.ResultFail
			}
			return workqueue.ResultSuccess

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
