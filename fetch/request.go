// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fetch

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"strconv"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/spyglass-browser/spyglass/ev"
	"github.com/spyglass-browser/spyglass/ipc"
	"github.com/spyglass-browser/spyglass/netbuf"
)

const (
	// maxReplyLine bounds a Gemini reply header: two digits, a space and up
	// to 1024 bytes of meta, before the CRLF.
	maxReplyLine = 1027

	// bodyChunk bounds a single MsgBuf payload, comfortably below the
	// frame limit of the IPC transport.
	bodyChunk = 8192
)

var crlf = []byte("\r\n")

// state is the tagged current phase of a Request. Each variant carries only
// the data that is meaningful while it is the current one.
type state interface {
	name() string
}

type stateResolving struct {
	lookup *Lookup
}

// stateConnecting iterates the resolved addresses one at a time; fd is the
// socket of the connect attempt in flight, -1 between attempts.
type stateConnecting struct {
	addrs   []netip.Addr
	next    int
	fd      int
	lastErr error
}

type stateHandshaking struct {
	timer ev.TimerID
}

type stateAwaitingCert struct{}

// stateHeader accumulates the reply header; after a valid header the request
// pauses until the UI process sends MsgProceed.
type stateHeader struct {
	paused bool
}

type stateBody struct{}

type stateClosing struct{}

type stateDone struct{}

func (stateResolving) name() string    { return "resolving" }
func (stateConnecting) name() string   { return "connecting" }
func (stateHandshaking) name() string  { return "handshaking" }
func (stateAwaitingCert) name() string { return "awaiting-cert" }
func (stateHeader) name() string       { return "header" }
func (stateBody) name() string         { return "body" }
func (stateClosing) name() string      { return "closing" }
func (stateDone) name() string         { return "done" }

// Request is one asynchronous fetch, identified by the correlation id shared
// with the UI process. It owns exactly one connection and borrows the
// Scheduler and the IPC channel through its Engine.
type Request struct {
	id  uint32
	eng *Engine

	proto       ipc.Protocol
	host        string
	port        string
	portNum     int
	requestLine string
	clientCert  []byte

	conn  *netbuf.Conn
	state state

	// registered is the descriptor currently registered with the loop on
	// this request's behalf, -1 if none.
	registered int

	// terminalSent is set once MsgEof or MsgErr went out; afterwards the
	// engine guarantees silence for this correlation id.
	terminalSent bool
}

func newRequest(eng *Engine, id uint32, proto ipc.Protocol, host, port, requestLine string, clientCert []byte) *Request {
	return &Request{
		id:          id,
		eng:         eng,
		proto:       proto,
		host:        host,
		port:        port,
		requestLine: requestLine,
		clientCert:  clientCert,
		conn:        netbuf.NewConn(),
		registered:  -1,
	}
}

func (r *Request) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"id":    r.id,
		"host":  r.host,
		"proto": r.proto.String(),
		"state": r.state.name(),
	})
}

// start kicks off resolution. Called once, right after table insertion.
func (r *Request) start() {
	st := &stateResolving{}
	r.state = st
	r.logger().Debug("Starting request")

	port, err := strconv.Atoi(r.port)
	if err != nil || port <= 0 || port > 65535 {
		r.fail("invalid port %q", r.port)
		return
	}
	r.portNum = port

	// For literal addresses the callback runs synchronously and has
	// already advanced the state; only then is there no lookup to track.
	if lookup := r.eng.resolver.Lookup(r.host, r.onResolved); lookup != nil {
		st.lookup = lookup
	}
}

func (r *Request) onResolved(addrs []netip.Addr, err error) {
	if _, ok := r.state.(*stateResolving); !ok {
		return
	}

	if err != nil {
		r.fail("name resolution failed: %v", err)
		return
	}

	r.state = &stateConnecting{addrs: addrs, fd: -1}
	r.connectNext()
}

// connectNext tries the resolved addresses sequentially: the first address
// whose connect succeeds wins, all others are only reported once the whole
// set is exhausted.
func (r *Request) connectNext() {
	st := r.state.(*stateConnecting)

	for st.next < len(st.addrs) {
		addr := st.addrs[st.next]
		st.next++

		fd, err := unix.Socket(afForAddr(addr), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			st.lastErr = err
			continue
		}

		sa := sockaddrFromAddrPort(netip.AddrPortFrom(addr, uint16(r.portNum)))
		switch err := unix.Connect(fd, sa); err {
		case nil:
			st.fd = fd
			r.connected()
			return

		case unix.EINPROGRESS:
			st.fd = fd
			if err := r.eng.loop.Register(fd, ev.Write, r.onConnectWritable); err != nil {
				_ = unix.Close(fd)
				st.fd = -1
				st.lastErr = err
				continue
			}
			r.registered = fd
			return

		default:
			_ = unix.Close(fd)
			st.lastErr = err
		}
	}

	if st.lastErr == nil {
		st.lastErr = fmt.Errorf("no usable addresses")
	}
	r.fail("can't connect to %s:%s: %v", r.host, r.port, st.lastErr)
}

func (r *Request) onConnectWritable(fd int, _ ev.Events) {
	st, ok := r.state.(*stateConnecting)
	if !ok || st.fd != fd {
		return
	}

	r.unregister()

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soErr != 0 {
		err = unix.Errno(soErr)
	}
	if err != nil {
		_ = unix.Close(fd)
		st.fd = -1
		st.lastErr = err
		r.connectNext()
		return
	}

	r.connected()
}

// connected hands the socket to the connection and either starts the TLS
// handshake or goes straight to sending the request line.
func (r *Request) connected() {
	st := r.state.(*stateConnecting)
	r.unregister()
	r.conn.Bind(st.fd)
	st.fd = -1

	if !r.proto.UsesTLS() {
		if !r.sendRequestLine() {
			return
		}
		r.state = &stateBody{}
		r.syncConnInterest()
		return
	}

	hs := &stateHandshaking{
		timer: r.eng.loop.ArmTimer(r.eng.handshakeTimeout, r.onHandshakeTimeout),
	}
	r.state = hs

	opts := netbuf.TLSOpts{ClientCert: r.clientCert}
	if err := r.conn.StartTLS(r.host, opts); err != nil {
		r.eng.loop.CancelTimer(hs.timer)
		r.fail("starting TLS errored: %v", err)
		return
	}
	r.syncConnInterest()
}

func (r *Request) onHandshakeTimeout() {
	// The timer may outlive the state it was armed for.
	if _, ok := r.state.(*stateHandshaking); !ok {
		return
	}
	r.fail("TLS handshake timed out")
}

// onConnEvent is the single readiness callback for the bound connection from
// the handshake on.
func (r *Request) onConnEvent(_ int, events ev.Events) {
	switch st := r.state.(type) {
	case *stateHandshaking:
		done, err := r.conn.HandshakeDone()
		if !done {
			return
		}

		r.eng.loop.CancelTimer(st.timer)
		if err != nil {
			r.fail("TLS handshake failed: %v", err)
			return
		}

		r.eng.send(ipc.MsgCheckCert, r.id, &ipc.CheckCertPayload{Hash: r.conn.PeerCertHash()})
		r.state = &stateAwaitingCert{}

		// The trust decision needs the user; pause until MsgCertStatus.
		r.unregister()

	case *stateHeader, *stateBody:
		r.onIO(events)

	case *stateClosing:
		r.driveShutdown()
	}
}

// onCertStatus resumes a request paused on the trust decision.
func (r *Request) onCertStatus(accept bool) {
	if _, ok := r.state.(*stateAwaitingCert); !ok {
		r.logger().Debug("Ignoring stray certificate status")
		return
	}

	if !accept {
		r.fail("server certificate rejected")
		return
	}

	if !r.sendRequestLine() {
		return
	}
	if r.proto.HasReplyHeader() {
		r.state = &stateHeader{}
	} else {
		r.state = &stateBody{}
	}
	r.syncConnInterest()
}

// onProceed resumes a request paused after its reply header.
func (r *Request) onProceed() {
	st, ok := r.state.(*stateHeader)
	if !ok || !st.paused {
		r.logger().Debug("Ignoring stray proceed")
		return
	}

	r.state = &stateBody{}

	// Body bytes read alongside the header waited out the pause.
	r.forwardBody()
	if r.terminalSent {
		return
	}
	r.syncConnInterest()
}

// stop cancels the request from any state without a terminal message; the UI
// process has abandoned the correlation id.
func (r *Request) stop() {
	r.logger().Debug("Stopping request")
	r.terminalSent = true
	r.startClosing()
}

// sendRequestLine queues the request line and reports whether the request is
// still alive afterwards.
func (r *Request) sendRequestLine() bool {
	r.conn.Push([]byte(r.requestLine))
	r.conn.Push(crlf)

	if _, err := r.conn.Flush(); err != nil && err != netbuf.ErrWouldBlock {
		r.fail("sending request errored: %v", err)
		return false
	}
	return true
}

func (r *Request) onIO(events ev.Events) {
	if events.Writable() {
		if _, err := r.conn.Flush(); err != nil && err != netbuf.ErrWouldBlock {
			r.fail("write errored: %v", err)
			return
		}
	}

	if events.Readable() {
		for {
			_, err := r.conn.Fill()
			if err == netbuf.ErrWouldBlock {
				break
			} else if err == io.EOF {
				r.onEOF()
				return
			} else if err != nil {
				r.fail("read errored: %v", err)
				return
			}

			if !r.process() {
				return
			}
		}
	}

	r.syncConnInterest()
}

// process consumes buffered bytes according to the current state. It reports
// whether the caller should keep reading.
func (r *Request) process() bool {
	switch st := r.state.(type) {
	case *stateHeader:
		return r.parseReplyHeader(st)

	case *stateBody:
		r.forwardBody()
		return !r.terminalSent

	default:
		return false
	}
}

// parseReplyHeader frames the Gemini status line: two digits, one space, meta,
// CRLF. On success the reply is reported and the request pauses for the UI
// process's verdict on the code.
func (r *Request) parseReplyHeader(st *stateHeader) bool {
	data := r.conn.Data()

	idx := bytes.Index(data, crlf)
	if idx < 0 {
		if len(data) > maxReplyLine {
			r.fail("reply header exceeds %d bytes", maxReplyLine)
			return false
		}
		return true
	}

	line := data[:idx]
	if len(line) > maxReplyLine {
		r.fail("reply header exceeds %d bytes", maxReplyLine)
		return false
	}
	if len(line) < 3 || !isDigit(line[0]) || !isDigit(line[1]) || line[2] != ' ' {
		r.fail("malformed reply header")
		return false
	}

	code := uint64(line[0]-'0')*10 + uint64(line[1]-'0')
	meta := string(line[3:])
	r.conn.Consume(idx + len(crlf))

	r.eng.send(ipc.MsgReply, r.id, &ipc.ReplyPayload{Code: code, Meta: meta})

	// Response-code policy is the UI process's call; wait for MsgProceed
	// before committing to the body.
	st.paused = true
	r.unregister()
	return false
}

// forwardBody streams buffered body bytes to the UI process in bounded chunks.
func (r *Request) forwardBody() {
	for {
		data := r.conn.Data()
		if len(data) == 0 {
			return
		}

		n := len(data)
		if n > bodyChunk {
			n = bodyChunk
		}

		chunk := append([]byte(nil), data[:n]...)
		r.conn.Consume(n)
		r.eng.send(ipc.MsgBuf, r.id, &ipc.BufPayload{Data: chunk})
	}
}

func (r *Request) onEOF() {
	switch st := r.state.(type) {
	case *stateHeader:
		if !st.paused {
			r.fail("connection closed before reply header")
			return
		}

		// The header was delivered; the body ended before the proceed
		// arrived. The id still owes its terminal message.
		r.terminalSent = true
		r.eng.send(ipc.MsgEof, r.id, nil)
		r.startClosing()

	case *stateBody:
		r.forwardBody()
		r.terminalSent = true
		r.eng.send(ipc.MsgEof, r.id, nil)
		r.logger().Debug("Request finished")
		r.startClosing()

	default:
		r.startClosing()
	}
}

// fail reports a terminal error, unless a terminal message already went out,
// and tears the request down. Reachable from any state.
func (r *Request) fail(format string, args ...interface{}) {
	if !r.terminalSent {
		msg := fmt.Sprintf(format, args...)
		r.logger().WithField("cause", msg).Info("Request errored")

		r.terminalSent = true
		r.eng.send(ipc.MsgErr, r.id, &ipc.ErrPayload{Message: msg})
	}
	r.startClosing()
}

// startClosing cancels whatever the current state holds open and drives
// connection teardown.
func (r *Request) startClosing() {
	switch st := r.state.(type) {
	case *stateResolving:
		if st.lookup != nil {
			st.lookup.Cancel()
		}

	case *stateConnecting:
		r.unregister()
		if st.fd >= 0 {
			_ = unix.Close(st.fd)
			st.fd = -1
		}

	case *stateHandshaking:
		r.eng.loop.CancelTimer(st.timer)

	case *stateClosing, *stateDone:
		return
	}

	r.unregister()
	r.state = &stateClosing{}
	r.driveShutdown()
}

// driveShutdown completes the TLS close handshake before releasing the
// descriptor; partial progress is retried on the next readiness event.
func (r *Request) driveShutdown() {
	switch err := r.conn.Shutdown(); err {
	case netbuf.ErrWouldBlock:
		r.syncConnInterest()

	default:
		if err != nil {
			r.logger().WithError(err).Debug("Connection shutdown errored")
		}
		r.finish()
	}
}

// finish releases the connection and removes the request from the active
// table. Terminal.
func (r *Request) finish() {
	r.unregister()
	if err := r.conn.Close(); err != nil {
		r.logger().WithError(err).Debug("Closing connection errored")
	}

	r.state = &stateDone{}
	r.eng.remove(r.id)
}

// abort releases everything immediately, without waiting for the TLS close
// handshake. Used when the whole engine goes down.
func (r *Request) abort() {
	r.terminalSent = true
	if st, ok := r.state.(*stateResolving); ok && st.lookup != nil {
		st.lookup.Cancel()
	}
	if st, ok := r.state.(*stateConnecting); ok && st.fd >= 0 {
		_ = unix.Close(st.fd)
	}
	if st, ok := r.state.(*stateHandshaking); ok {
		r.eng.loop.CancelTimer(st.timer)
	}
	r.finish()
}

// syncConnInterest (re)registers the connection's descriptor with the
// interest it currently needs.
func (r *Request) syncConnInterest() {
	fd, interest := r.conn.Readiness()
	if fd < 0 {
		return
	}

	if r.registered >= 0 && r.registered != fd {
		r.eng.loop.Unregister(r.registered)
		r.registered = -1
	}

	if err := r.eng.loop.Register(fd, interest, r.onConnEvent); err != nil {
		r.fail("registering connection errored: %v", err)
		return
	}
	r.registered = fd
}

func (r *Request) unregister() {
	if r.registered >= 0 {
		r.eng.loop.Unregister(r.registered)
		r.registered = -1
	}
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
