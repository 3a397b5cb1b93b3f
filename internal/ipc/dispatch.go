//go:build linux && cgo

package ipc

import (
	"github.com/agl/container-manager/internal/supervisor"
)

// Dispatch turns a decoded Request into a Supervisor call and writes its
// response (spec section 4.8). It is meant to be the reactor's
// OnIPCRequest handler, so it runs on the reactor's own goroutine.
func Dispatch(sup *supervisor.Supervisor, ev any) {
	req, ok := ev.(*Request)
	if !ok {
		return
	}

	switch req.Command {
	case CommandGetGuests:
		handleGetGuests(sup, req)

	case CommandLifecycleByName:
		handleLifecycle(sup, req, false)

	case CommandLifecycleByRole:
		handleLifecycle(sup, req, true)

	case CommandChangeActiveByName:
		handleChangeActive(sup, req)

	default:
		req.Drop() // unknown command: drop the session silently
	}
}

func handleGetGuests(sup *supervisor.Supervisor, req *Request) {
	snap := sup.Snapshot()

	rows := make([]GuestRow, 0, len(snap))
	for _, g := range snap {
		rows = append(rows, GuestRow{Name: g.Name, Role: g.Role, Status: int32(g.Status)})
	}

	_ = req.Respond(encodeGetGuestsResponse(rows))
}

func handleLifecycle(sup *supervisor.Supervisor, req *Request, byRole bool) {
	lr, err := decodeLifecycleRequest(req.Body)
	if err != nil {
		req.Drop() // undersized datagram: drop the session silently
		return
	}

	target := decodeName(lr.Name)
	sub := supervisor.Subcommand(lr.Subcommand)

	var result supervisor.LifecycleResult
	if byRole {
		result = sup.LifecycleByRole(target, sub)
	} else {
		result = sup.LifecycleByName(target, sub)
	}

	_ = req.Respond(encodeLifecycleResponse(int32(result)))
}

func handleChangeActive(sup *supervisor.Supervisor, req *Request) {
	name, err := decodeChangeActiveRequest(req.Body)
	if err != nil {
		req.Drop() // undersized datagram: drop the session silently
		return
	}

	result := sup.ChangeActiveByName(name)

	_ = req.Respond(encodeChangeActiveResponse(int32(result)))
}
