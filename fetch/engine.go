// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fetch

import (
	"io"
	"os"
	"time"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"

	"github.com/spyglass-browser/spyglass/ev"
	"github.com/spyglass-browser/spyglass/ipc"
	"github.com/spyglass-browser/spyglass/netbuf"
)

// DefaultHandshakeTimeout bounds a TLS handshake unless configured otherwise.
const DefaultHandshakeTimeout = 10 * time.Second

// Options configures an Engine.
type Options struct {
	// Proxies routes matching URL schemes through fixed hosts.
	Proxies ProxyMap

	// HandshakeTimeout bounds each TLS handshake.
	HandshakeTimeout time.Duration

	// Resolver overrides the resolv.conf-based default, mainly for tests.
	Resolver *Resolver
}

// Engine is the network process's core: it decodes commands arriving on the
// IPC channel, runs one Request per correlation id and streams their results
// back. Everything runs on the loop thread; the active-request table is only
// ever touched there.
type Engine struct {
	loop     *ev.Loop
	ch       *ipc.Channel
	resolver *Resolver

	proxies          ProxyMap
	handshakeTimeout time.Duration

	requests map[uint32]*Request

	quitting bool
}

// NewEngine creates an Engine on the given loop and channel.
func NewEngine(loop *ev.Loop, ch *ipc.Channel, opts Options) *Engine {
	e := &Engine{
		loop:             loop,
		ch:               ch,
		resolver:         opts.Resolver,
		proxies:          opts.Proxies,
		handshakeTimeout: opts.HandshakeTimeout,
		requests:         make(map[uint32]*Request),
	}

	if e.resolver == nil {
		e.resolver = NewResolver(loop)
	}
	if e.handshakeTimeout <= 0 {
		e.handshakeTimeout = DefaultHandshakeTimeout
	}
	if e.proxies == nil {
		e.proxies = make(ProxyMap)
	}

	return e
}

// Start registers the IPC channel with the loop.
func (e *Engine) Start() error {
	return e.loop.Register(e.ch.Fd(), ev.Read, e.onChannelEvent)
}

// UpdateProxies replaces the proxy rules for future requests. Loop thread
// only; reloading code running elsewhere must come through ev.Loop.Post.
func (e *Engine) UpdateProxies(proxies ProxyMap) {
	if proxies == nil {
		proxies = make(ProxyMap)
	}
	e.proxies = proxies
}

func (e *Engine) onChannelEvent(_ int, events ev.Events) {
	if events.Readable() {
		for {
			if _, err := e.ch.Fill(); err == netbuf.ErrWouldBlock {
				break
			} else if err != nil {
				e.channelDead(err)
				return
			}
		}

		for {
			msg, err := e.ch.Next()
			if err != nil {
				e.channelDead(err)
				return
			} else if msg == nil {
				break
			}

			e.dispatch(msg)
		}
	}

	if events.Writable() {
		if err := e.ch.Flush(); err != nil && err != netbuf.ErrWouldBlock {
			e.channelDead(err)
			return
		}
	}

	e.syncChannelInterest()
}

// send frames a message to the UI process, flushing opportunistically and
// falling back to write-readiness for the rest.
func (e *Engine) send(msgType, id uint32, payload cboring.CborMarshaler) {
	if err := e.ch.Compose(msgType, id, -1, payload); err != nil {
		log.WithError(err).WithField("type", msgType).Error("Composing message errored")
		return
	}

	if err := e.ch.Flush(); err != nil && err != netbuf.ErrWouldBlock {
		e.channelDead(err)
		return
	}
	e.syncChannelInterest()
}

func (e *Engine) syncChannelInterest() {
	interest := ev.Read
	if e.ch.PendingWrite() {
		interest |= ev.Write
	}

	if err := e.loop.Register(e.ch.Fd(), interest, e.onChannelEvent); err != nil {
		log.WithError(err).Error("Re-registering IPC channel errored")
	}
}

func (e *Engine) dispatch(msg *ipc.Message) {
	defer msg.Discard()

	switch msg.Type {
	case ipc.MsgGet:
		e.handleGet(msg)

	case ipc.MsgCertStatus:
		var payload ipc.CertStatusPayload
		if err := msg.Decode(&payload); err != nil {
			log.WithError(err).Warn("Decoding certificate status errored")
			return
		}
		if req, exists := e.requests[msg.ID]; exists {
			req.onCertStatus(payload.Accept)
		}

	case ipc.MsgProceed:
		if req, exists := e.requests[msg.ID]; exists {
			req.onProceed()
		}

	case ipc.MsgStop:
		if req, exists := e.requests[msg.ID]; exists {
			req.stop()
		}

	case ipc.MsgQuit:
		e.quit()

	default:
		log.WithFields(log.Fields{
			"type": msg.Type,
			"id":   msg.ID,
		}).Warn("Unexpected message on the IPC channel")
	}
}

func (e *Engine) handleGet(msg *ipc.Message) {
	var get ipc.GetPayload
	if err := msg.Decode(&get); err != nil {
		log.WithError(err).Warn("Decoding get payload errored")
		return
	}

	if _, exists := e.requests[msg.ID]; exists {
		log.WithField("id", msg.ID).Warn("Duplicate correlation id, dropping get")
		return
	}

	var clientCert []byte
	if fd := msg.TakeFd(); fd >= 0 {
		f := os.NewFile(uintptr(fd), "client-cert")
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			log.WithError(err).WithField("id", msg.ID).Warn("Reading client certificate errored")
		} else {
			clientCert = data
		}
	}

	proto, host, port := get.Proto, get.Host, get.Port
	if proxy, exists := e.proxies[get.Scheme]; exists {
		// The proxy speaks for the scheme; the request line stays as-is.
		proto, host, port = proxy.Proto, proxy.Host, proxy.Port
	}

	req := newRequest(e, msg.ID, proto, host, port, get.RequestLine, clientCert)
	e.requests[msg.ID] = req
	req.start()
}

// remove drops a finished request from the active table. Only called from
// Request.finish, after teardown fully completed.
func (e *Engine) remove(id uint32) {
	delete(e.requests, id)

	log.WithFields(log.Fields{
		"id":     id,
		"active": len(e.requests),
	}).Debug("Removed request")

	if e.quitting && len(e.requests) == 0 {
		e.loop.Stop()
	}
}

// quit aborts every outstanding request and stops the loop.
func (e *Engine) quit() {
	log.Info("Network engine shutting down")
	e.quitting = true

	for _, req := range e.requests {
		req.abort()
	}
	e.loop.Stop()
}

// channelDead handles a broken IPC channel: without a peer no request can
// deliver anything, so everything outstanding is torn down and the loop ends.
func (e *Engine) channelDead(err error) {
	if err == io.EOF {
		log.Info("IPC peer closed the channel")
	} else {
		log.WithError(err).Error("IPC channel failed")
	}

	e.loop.Unregister(e.ch.Fd())
	e.quit()
}
