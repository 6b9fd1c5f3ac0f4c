// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package netbuf

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// TLSOpts configures the client side of a TLS upgrade.
type TLSOpts struct {
	// VerifyCerts enables chain, name and time verification. Left false,
	// every certificate is accepted here and trust becomes the caller's
	// decision, made from the peer certificate hash.
	VerifyCerts bool

	// ClientCert optionally holds a PEM-encoded certificate and key to
	// authenticate with.
	ClientCert []byte
}

// StartTLS upgrades the bound descriptor to a TLS client session and starts
// the handshake. Progress is reported on the notify pipe named by Readiness;
// poll HandshakeDone after each readiness event.
//
// Go's TLS stack offers no resumable non-blocking handshake, so the session
// runs small pump goroutines around crypto/tls. They communicate with the loop
// thread exclusively through the notify pipe and the session mutex, keeping
// the Conn surface would-block based like the plaintext backend.
func (c *Conn) StartTLS(hostname string, opts TLSOpts) error {
	if c.tls != nil {
		return fmt.Errorf("connection is already a TLS session")
	}
	if c.fd < 0 {
		return fmt.Errorf("connection is not bound")
	}

	cfg := &tls.Config{
		ServerName: hostname,
		MinVersion: tls.VersionTLS12,
	}
	if !opts.VerifyCerts {
		cfg.InsecureSkipVerify = true
	}
	if len(opts.ClientCert) > 0 {
		cert, err := tls.X509KeyPair(opts.ClientCert, opts.ClientCert)
		if err != nil {
			return fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	// net.FileConn duplicates the descriptor into the runtime poller; the
	// raw fd is released here either way and the session owns its dup.
	f := os.NewFile(uintptr(c.fd), "tls-upgrade")
	nc, err := net.FileConn(f)
	_ = f.Close()
	c.fd = -1
	if err != nil {
		return fmt.Errorf("handing socket to the runtime: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = nc.Close()
		return fmt.Errorf("notify pipe: %w", err)
	}

	s := &tlsSession{
		tconn:       tls.Client(nc, cfg),
		notifyRead:  pipeFds[0],
		notifyWrite: pipeFds[1],
	}
	s.cond = sync.NewCond(&s.mu)
	c.tls = s

	go s.handshakeLoop()
	return nil
}

// HandshakeDone reports whether the TLS handshake has finished and with which
// outcome. It is meaningful only after StartTLS.
func (c *Conn) HandshakeDone() (bool, error) {
	c.tls.drainNotify()

	c.tls.mu.Lock()
	defer c.tls.mu.Unlock()

	// Bytes or an EOF pumped in alongside the handshake result must stay
	// visible across the caller's pause for the trust decision.
	c.tls.rearmLocked()
	return c.tls.hsDone, c.tls.hsErr
}

// PeerCertHash returns the SHA-256 fingerprint of the peer's leaf certificate,
// or the empty string before a successful handshake.
func (c *Conn) PeerCertHash() string {
	c.tls.mu.Lock()
	defer c.tls.mu.Unlock()

	return c.tls.peerHash
}

// tlsSession pumps bytes between a crypto/tls connection and the loop thread.
// All fields behind mu; the notify pipe wakes the loop after every mutation.
type tlsSession struct {
	tconn *tls.Conn

	notifyRead  int
	notifyWrite int

	mu   sync.Mutex
	cond *sync.Cond

	hsDone   bool
	hsErr    error
	peerHash string

	inbound  []byte
	readErr  error
	outbound []byte
	writeErr error

	closing    bool
	closeDone  bool
	closeErr   error
	pipeClosed bool
}

// fill moves pumped-in bytes into dst. Caller is the loop thread.
func (s *tlsSession) fill(dst *Buffer) (int, error) {
	s.drainNotify()

	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.inbound); n > 0 {
		dst.Append(s.inbound)
		s.inbound = s.inbound[:0]

		// Draining the pipe above consumed the wakeup for a latched
		// error too; re-arm so it surfaces on the next readiness event
		// even if the caller pauses before filling again.
		s.rearmLocked()
		return n, nil
	}

	switch {
	case s.readErr != nil:
		return 0, s.readErr
	case s.writeErr != nil:
		return 0, s.writeErr
	case s.hsErr != nil:
		return 0, s.hsErr
	}
	return 0, ErrWouldBlock
}

// send queues p for the write pump. Never blocks.
func (s *tlsSession) send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}
	if s.closing {
		return fmt.Errorf("TLS session is shutting down")
	}

	s.outbound = append(s.outbound, p...)
	s.cond.Signal()
	return nil
}

// shutdown starts respectively continues the TLS close handshake. It reports
// ErrWouldBlock until the handshake has completed.
func (s *tlsSession) shutdown() error {
	s.drainNotify()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeDone {
		return nil
	}

	if !s.closing {
		s.closing = true
		s.cond.Signal()
		go s.closeLoop()
	}
	return ErrWouldBlock
}

// close releases the notify pipe. The socket itself is closed by the close
// handshake, which is started here if nobody drove shutdown before; close
// never waits for it.
func (s *tlsSession) close() error {
	s.mu.Lock()

	if !s.closing {
		s.closing = true
		s.cond.Signal()
		go s.closeLoop()
	}

	var errs *multierror.Error
	errs = multierror.Append(errs, s.closeErr)

	if !s.pipeClosed {
		s.pipeClosed = true
		errs = multierror.Append(errs, unix.Close(s.notifyRead))
		errs = multierror.Append(errs, unix.Close(s.notifyWrite))
	}
	s.mu.Unlock()

	return errs.ErrorOrNil()
}

// rearmLocked writes a fresh wakeup byte while undelivered session state
// remains. Consumers drain the whole pipe before inspecting the session, so
// anything they leave latched needs a new byte to stay visible; mu must be
// held.
func (s *tlsSession) rearmLocked() {
	if len(s.inbound) > 0 || s.readErr != nil || s.writeErr != nil {
		s.notifyLocked()
	}
}

// drainNotify empties the notify pipe so the next event re-arms it.
func (s *tlsSession) drainNotify() {
	s.mu.Lock()
	closed := s.pipeClosed
	s.mu.Unlock()
	if closed {
		return
	}

	var buf [64]byte
	for {
		if n, err := unix.Read(s.notifyRead, buf[:]); err != nil || n < len(buf) {
			return
		}
	}
}

// notifyLocked wakes the loop thread; mu must be held.
func (s *tlsSession) notifyLocked() {
	if !s.pipeClosed {
		_, _ = unix.Write(s.notifyWrite, []byte{0})
	}
}

func (s *tlsSession) handshakeLoop() {
	err := s.tconn.Handshake()

	var hash string
	if err == nil {
		if certs := s.tconn.ConnectionState().PeerCertificates; len(certs) > 0 {
			hash = Fingerprint(certs[0].Raw)
		}
	}

	s.mu.Lock()
	s.hsDone = true
	s.hsErr = err
	s.peerHash = hash
	s.notifyLocked()
	s.mu.Unlock()

	if err == nil {
		go s.readLoop()
		go s.writeLoop()
	}
}

func (s *tlsSession) readLoop() {
	buf := make([]byte, 16*growth)
	for {
		n, err := s.tconn.Read(buf)

		s.mu.Lock()
		if n > 0 {
			s.inbound = append(s.inbound, buf[:n]...)
		}
		if err != nil {
			s.readErr = err
		}
		s.notifyLocked()
		s.mu.Unlock()

		if err != nil {
			return
		}
	}
}

func (s *tlsSession) writeLoop() {
	for {
		s.mu.Lock()
		for len(s.outbound) == 0 && !s.closing {
			s.cond.Wait()
		}
		if len(s.outbound) == 0 {
			s.mu.Unlock()
			return
		}
		chunk := s.outbound
		s.outbound = nil
		s.mu.Unlock()

		if _, err := s.tconn.Write(chunk); err != nil {
			s.mu.Lock()
			s.writeErr = err
			s.notifyLocked()
			s.mu.Unlock()
			return
		}
	}
}

// closeLoop completes the TLS close handshake in the background; crypto/tls
// bounds the close-notify write with its own deadline.
func (s *tlsSession) closeLoop() {
	err := s.tconn.Close()

	// A peer that already tore the socket down cannot take the close
	// notify; the connection is just as closed.
	if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
		err = nil
	}

	s.mu.Lock()
	s.closeDone = true
	s.closeErr = err
	s.notifyLocked()
	s.mu.Unlock()
}

// Fingerprint formats a raw DER certificate as the identity hash reported by
// PeerCertHash. The trust layer above compares stored hashes against it.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "SHA256:" + hex.EncodeToString(sum[:])
}
