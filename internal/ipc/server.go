//go:build linux

package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SocketName is the abstract-namespace seqpacket socket the daemon
// listens on (spec section 4.8, section 6). Go's net package dials the
// Linux abstract namespace natively when a UnixAddr.Name starts with
// "@" — no manual sockaddr packing needed.
const SocketName = "@agl/container-manager-interface"

// Request is one decoded frame, still bound to the connection it arrived
// on so its handler can write exactly one response before the session is
// torn down (spec section 4.8, section 5 ordering guarantee 4).
type Request struct {
	Command uint32
	Body    []byte

	SessionID uuid.UUID
	conn      *net.UnixConn
}

// Respond writes resp and closes the connection — every session is
// exactly one request/response pair (spec section 5 ordering guarantee
// 4).
func (r *Request) Respond(resp []byte) error {
	defer r.conn.Close()

	_, err := r.conn.Write(resp)
	return err
}

// Drop tears the session down without a response. Used for protocol
// errors (undersized datagram, unknown command), which are dropped
// silently per spec section 7.
func (r *Request) Drop() {
	_ = r.conn.Close()
}

// Server is C8's listener: single concurrent session, one request per
// datagram (spec section 4.8).
type Server struct {
	log      *logrus.Logger
	listener *net.UnixListener
	out      chan<- any

	current *net.UnixConn
}

// Listen opens the abstract socket and starts accepting sessions. Parsed
// requests are sent on out (the reactor's IPCChan) for the reactor's own
// goroutine to dispatch, preserving single-writer semantics (spec section
// 5).
func Listen(ctx context.Context, log *logrus.Logger, out chan<- any) (*Server, error) {
	addr := &net.UnixAddr{Name: SocketName, Net: "unixpacket"}

	ln, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{log: log, listener: ln, out: out}

	go s.acceptLoop(ctx)

	return s, nil
}

// Close stops accepting new sessions.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			return
		}

		// Single concurrent session: a new connection drops whatever
		// session was previously active (spec section 4.8).
		if s.current != nil {
			_ = s.current.Close()
		}
		s.current = conn

		go s.readOne(conn)
	}
}

func (s *Server) readOne(conn *net.UnixConn) {
	buf := make([]byte, MaxPayload)

	n, err := conn.Read(buf)
	if err != nil {
		_ = conn.Close()
		return
	}

	body := buf[:n]

	hdr, err := decodeHeader(body)
	if err != nil {
		s.log.WithError(err).Warn("ipc: malformed request, dropping session")
		_ = conn.Close()
		return
	}

	req := &Request{
		Command:   hdr.Command,
		Body:      body[headerLen:],
		SessionID: uuid.New(),
		conn:      conn,
	}

	s.log.WithFields(logrus.Fields{"session": req.SessionID, "command": fmt.Sprintf("%#x", req.Command)}).
		Debug("ipc: request accepted")

	s.out <- req
}
