// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fetch

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/spyglass-browser/spyglass/ev"
)

func TestLookupLiteral(t *testing.T) {
	loop, err := ev.NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	r := NewStaticResolver(loop, nil, 0, 0)

	for _, literal := range []string{"192.0.2.7", "2001:db8::1"} {
		var got []netip.Addr
		var gotErr error

		if lk := r.Lookup(literal, func(addrs []netip.Addr, err error) {
			got, gotErr = addrs, err
		}); lk != nil {
			t.Fatalf("literal %q produced an asynchronous lookup", literal)
		}

		if gotErr != nil {
			t.Fatal(gotErr)
		}
		if len(got) != 1 || got[0] != netip.MustParseAddr(literal) {
			t.Fatalf("literal %q resolved to %v", literal, got)
		}
	}
}

func TestLookupNoServers(t *testing.T) {
	loop, err := ev.NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	r := NewStaticResolver(loop, nil, 0, 0)

	var gotErr error
	if lk := r.Lookup("example.org", func(_ []netip.Addr, err error) {
		gotErr = err
	}); lk != nil {
		t.Fatal("lookup without nameservers did not finish synchronously")
	}
	if gotErr == nil {
		t.Fatal("lookup without nameservers did not error")
	}
}

// testNameserver runs a miekg/dns server on a loopback UDP socket, answering
// A questions for the given name with the given address.
func testNameserver(t *testing.T, name, addr string) netip.AddrPort {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)

		q := req.Question[0]
		if q.Qtype == dns.TypeA && q.Name == dns.Fqdn(name) {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    60,
				},
				A: net.ParseIP(addr),
			})
		}

		_ = w.WriteMsg(resp)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return netip.MustParseAddrPort(pc.LocalAddr().String())
}

func TestLookupAgainstServer(t *testing.T) {
	server := testNameserver(t, "spyglass.test", "192.0.2.42")

	loop, err := ev.NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	r := NewStaticResolver(loop, []netip.AddrPort{server}, time.Second, 2)

	type result struct {
		addrs []netip.Addr
		err   error
	}
	results := make(chan result, 1)

	loop.Post(func() {
		r.Lookup("spyglass.test", func(addrs []netip.Addr, err error) {
			results <- result{addrs, err}
			loop.Stop()
		})
	})

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run() }()

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatal(res.err)
		}
		want := netip.MustParseAddr("192.0.2.42")
		found := false
		for _, addr := range res.addrs {
			if addr == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("lookup answered %v", res.addrs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("lookup did not finish")
	}

	if err := <-loopDone; err != nil {
		t.Fatal(err)
	}
}

func TestLookupNxdomain(t *testing.T) {
	server := testNameserver(t, "exists.test", "192.0.2.1")

	loop, err := ev.NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	r := NewStaticResolver(loop, []netip.AddrPort{server}, time.Second, 2)

	errs := make(chan error, 1)
	loop.Post(func() {
		r.Lookup("missing.test", func(_ []netip.Addr, err error) {
			errs <- err
			loop.Stop()
		})
	})

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run() }()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("empty answer did not error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("lookup did not finish")
	}

	if err := <-loopDone; err != nil {
		t.Fatal(err)
	}
}
