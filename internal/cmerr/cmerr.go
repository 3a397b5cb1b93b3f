// Package cmerr holds the sentinel errors for the daemon's error taxonomy.
//
// Errors are grouped by kind, not by origin package, so callers can branch
// on "what recovery applies" with errors.Is rather than on which component
// produced the error.
package cmerr

import "errors"

var (
	// ErrConfigInvalid marks a guest or host config that failed mandatory
	// field validation. The guest is skipped, not fatal, unless it is the
	// host file itself.
	ErrConfigInvalid = errors.New("config: invalid or incomplete")

	// ErrRuntimeConstruction marks any failure between create_instance and
	// start. The guest is left without an instance and retried on the next
	// tick as DEAD.
	ErrRuntimeConstruction = errors.New("runtime: construction failed")

	// ErrTransient marks a retryable OS-level error (EBUSY, EINTR, ...).
	ErrTransient = errors.New("transient OS error")

	// ErrCancelled marks a cooperative-cancellation unwind. Not a failure.
	ErrCancelled = errors.New("operation cancelled")

	// ErrProtocol marks a malformed or unknown IPC request. The session is
	// dropped silently; it is never surfaced to the caller.
	ErrProtocol = errors.New("ipc: protocol error")

	// ErrInvariant marks a state-machine combination that should be
	// unreachable. Recovery is to log and leave the guest as-is; it must
	// never panic.
	ErrInvariant = errors.New("invariant violation")
)
