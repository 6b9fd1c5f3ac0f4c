// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fetch

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/spyglass-browser/spyglass/ev"
)

// Resolver performs DNS lookups without ever blocking the event loop: queries
// leave through a non-blocking UDP socket registered with the Scheduler,
// answers arrive as readiness events, retries ride on loop timers.
type Resolver struct {
	loop     *ev.Loop
	servers  []netip.AddrPort
	timeout  time.Duration
	attempts int
}

// NewResolver creates a Resolver configured from /etc/resolv.conf. Without a
// usable configuration the systemd-resolved stub resolver is assumed.
func NewResolver(loop *ev.Loop) *Resolver {
	servers, timeout, attempts := resolvConf()
	return NewStaticResolver(loop, servers, timeout, attempts)
}

// NewStaticResolver creates a Resolver with a fixed nameserver set.
func NewStaticResolver(loop *ev.Loop, servers []netip.AddrPort, timeout time.Duration, attempts int) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if attempts <= 0 {
		attempts = 2
	}

	return &Resolver{
		loop:     loop,
		servers:  servers,
		timeout:  timeout,
		attempts: attempts,
	}
}

func resolvConf() (servers []netip.AddrPort, timeout time.Duration, attempts int) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		log.WithError(err).Warn("Reading resolv.conf errored, assuming stub resolver")
		return []netip.AddrPort{netip.MustParseAddrPort("127.0.0.53:53")}, 0, 0
	}

	for _, server := range cfg.Servers {
		if addr, err := netip.ParseAddr(server); err == nil {
			servers = append(servers, netip.AddrPortFrom(addr, 53))
		}
	}
	if len(servers) == 0 {
		servers = []netip.AddrPort{netip.MustParseAddrPort("127.0.0.53:53")}
	}

	return servers, time.Duration(cfg.Timeout) * time.Second, cfg.Attempts
}

// LookupCallback receives the resolved addresses or the terminal error of a
// lookup. It runs on the loop thread; for literal IP addresses it may be
// invoked synchronously from Lookup.
type LookupCallback func(addrs []netip.Addr, err error)

// Lookup resolves host and reports through cb exactly once. The returned
// handle may be nil if the lookup finished synchronously.
func (r *Resolver) Lookup(host string, cb LookupCallback) *Lookup {
	if addr, err := netip.ParseAddr(host); err == nil {
		cb([]netip.Addr{addr}, nil)
		return nil
	}

	if len(r.servers) == 0 {
		cb(nil, fmt.Errorf("no nameservers configured"))
		return nil
	}

	lk := &Lookup{r: r, host: host, cb: cb, fd: -1}
	if err := lk.open(); err != nil {
		cb(nil, err)
		return nil
	}
	return lk
}

// Lookup is one in-flight name resolution: a connected UDP socket, an A and an
// AAAA query in flight, and a retry timer.
type Lookup struct {
	r    *Resolver
	host string
	cb   LookupCallback

	fd    int
	retry ev.TimerID

	server int
	tries  int

	idA, idAAAA     uint16
	doneA, doneAAAA bool
	v4, v6          []netip.Addr

	finished bool
}

// Cancel abandons the lookup; the callback will not be invoked.
func (lk *Lookup) Cancel() {
	lk.teardown()
}

// open connects a fresh socket to the current nameserver and sends the
// queries.
func (lk *Lookup) open() error {
	server := lk.r.servers[lk.server]

	fd, err := unix.Socket(afForAddr(server.Addr()), unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("resolver socket: %w", err)
	}
	if err := unix.Connect(fd, sockaddrFromAddrPort(server)); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("connecting to nameserver %v: %w", server, err)
	}

	lk.fd = fd
	if err := lk.r.loop.Register(fd, ev.Read, lk.onReadable); err != nil {
		_ = unix.Close(fd)
		lk.fd = -1
		return err
	}

	if lk.sendQueries(); lk.finished {
		return nil
	}
	lk.retry = lk.r.loop.ArmTimer(lk.r.timeout, lk.onTimeout)
	return nil
}

// sendQueries (re)sends the A and AAAA questions. Send errors are left to the
// retry timer.
func (lk *Lookup) sendQueries() {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(lk.host), qtype)
		m.Id = dns.Id()

		if qtype == dns.TypeA {
			lk.idA = m.Id
		} else {
			lk.idAAAA = m.Id
		}

		packed, err := m.Pack()
		if err != nil {
			lk.finish(nil, fmt.Errorf("packing DNS query: %w", err))
			return
		}

		if _, err := unix.Write(lk.fd, packed); err != nil {
			lk.logger().WithError(err).Debug("Sending DNS query errored")
		}
	}
}

func (lk *Lookup) onReadable(fd int, _ ev.Events) {
	buf := make([]byte, 4096)

	for !lk.finished {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		} else if err != nil {
			lk.finish(nil, fmt.Errorf("reading DNS response: %w", err))
			return
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			lk.logger().WithError(err).Debug("Unpacking DNS response errored")
			continue
		}

		switch msg.Id {
		case lk.idA:
			if !lk.doneA {
				lk.doneA = true
				lk.v4 = answerAddrs(msg)
			}
		case lk.idAAAA:
			if !lk.doneAAAA {
				lk.doneAAAA = true
				lk.v6 = answerAddrs(msg)
			}
		default:
			continue
		}

		if lk.doneA && lk.doneAAAA {
			if addrs := append(lk.v4, lk.v6...); len(addrs) > 0 {
				lk.finish(addrs, nil)
			} else {
				lk.finish(nil, fmt.Errorf("%q does not resolve", lk.host))
			}
			return
		}
	}
}

// onTimeout resends the outstanding queries, moving to the next nameserver
// after the per-server attempt budget is spent.
func (lk *Lookup) onTimeout() {
	if lk.finished {
		return
	}

	if lk.tries++; lk.tries >= lk.r.attempts {
		lk.tries = 0
		lk.server++

		if lk.server >= len(lk.r.servers) {
			lk.finish(nil, fmt.Errorf("name resolution for %q timed out", lk.host))
			return
		}

		lk.r.loop.Unregister(lk.fd)
		_ = unix.Close(lk.fd)
		lk.fd = -1

		if err := lk.open(); err != nil {
			lk.finish(nil, err)
		}
		return
	}

	if lk.sendQueries(); lk.finished {
		return
	}
	lk.retry = lk.r.loop.ArmTimer(lk.r.timeout, lk.onTimeout)
}

func (lk *Lookup) finish(addrs []netip.Addr, err error) {
	if lk.finished {
		return
	}

	cb := lk.cb
	lk.teardown()
	cb(addrs, err)
}

func (lk *Lookup) teardown() {
	if lk.finished {
		return
	}
	lk.finished = true

	lk.r.loop.CancelTimer(lk.retry)
	if lk.fd >= 0 {
		lk.r.loop.Unregister(lk.fd)
		_ = unix.Close(lk.fd)
		lk.fd = -1
	}
}

func (lk *Lookup) logger() *log.Entry {
	return log.WithField("host", lk.host)
}

// answerAddrs extracts the address records of a response. A failure rcode
// yields no addresses; the lookup errors only if both families come up empty.
func answerAddrs(msg *dns.Msg) (addrs []netip.Addr) {
	if msg.Rcode != dns.RcodeSuccess {
		return nil
	}

	for _, rr := range msg.Answer {
		switch record := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(record.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(record.AAAA.To16()); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}

func afForAddr(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func sockaddrFromAddrPort(ap netip.AddrPort) unix.Sockaddr {
	if addr := ap.Addr(); addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}
