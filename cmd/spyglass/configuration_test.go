// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spyglass-browser/spyglass/ipc"
)

func TestParseConfig(t *testing.T) {
	content := `
[logging]
level = "error"
format = "text"

[net]
handshake-timeout = "3s"

[control]
socket = "/run/spyglass-test.sock"

[[proxy]]
scheme = "gopher"
host = "proxy.example.org"

[[proxy]]
scheme = "http"
host = "gateway.example.org"
port = "1965"
protocol = "gemini"
`

	filename := filepath.Join(t.TempDir(), "spyglass.toml")
	if err := os.WriteFile(filename, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	conf, err := parseConfig(filename)
	if err != nil {
		t.Fatal(err)
	}

	if conf.handshakeTimeout != 3*time.Second {
		t.Fatalf("handshake timeout is %v", conf.handshakeTimeout)
	}
	if conf.controlSocket != "/run/spyglass-test.sock" {
		t.Fatalf("control socket is %q", conf.controlSocket)
	}

	gopher, exists := conf.proxies["gopher"]
	if !exists {
		t.Fatal("gopher proxy rule missing")
	}
	if gopher.Host != "proxy.example.org" || gopher.Port != "1965" || gopher.Proto != ipc.Gemini {
		t.Fatalf("gopher rule is %+v", gopher)
	}

	gateway, exists := conf.proxies["http"]
	if !exists {
		t.Fatal("http proxy rule missing")
	}
	if gateway.Host != "gateway.example.org" || gateway.Proto != ipc.Gemini {
		t.Fatalf("http rule is %+v", gateway)
	}
}

func TestParseConfigMissingFile(t *testing.T) {
	conf, err := parseConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if conf.handshakeTimeout != 0 {
		t.Fatalf("handshake timeout defaulted to %v", conf.handshakeTimeout)
	}
	if conf.controlSocket == "" {
		t.Fatal("control socket has no default")
	}
	if len(conf.proxies) != 0 {
		t.Fatalf("missing file produced %d proxy rules", len(conf.proxies))
	}
}

func TestParseProxyInvalid(t *testing.T) {
	tests := []proxyConf{
		{Scheme: "gopher"},
		{Host: "proxy.example.org"},
		{Scheme: "gopher", Host: "proxy.example.org", Protocol: "http"},
	}

	for _, test := range tests {
		if rule, err := parseProxy(test); err == nil {
			t.Errorf("%+v was accepted as %+v", test, rule)
		}
	}
}

func TestParseConfigBadTimeout(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "spyglass.toml")
	content := "[net]\nhandshake-timeout = \"soon\"\n"
	if err := os.WriteFile(filename, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := parseConfig(filename); err == nil {
		t.Fatal("invalid handshake timeout was accepted")
	}
}
