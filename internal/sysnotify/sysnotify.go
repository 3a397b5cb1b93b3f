// Package sysnotify wraps the systemd notify-socket protocol: startup
// readiness and per-tick watchdog keepalive (spec section 6).
package sysnotify

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready emits READY=1. cmd/container-managerd calls it once at startup,
// after wiring and dispatching the manager START phase but before the
// reactor runs its first tick, so no guest has been started yet when it is
// sent. A missing NOTIFY_SOCKET (not running under systemd) is not an
// error.
func Ready() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	return err
}

// Watchdog emits a single watchdog keepalive. Called once per reactor tick
// per spec section 4.1.
func Watchdog() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	return err
}

// Stopping emits STOPPING=1 so systemd does not consider a graceful
// shutdown a crash while the reactor drains guests.
func Stopping() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}
