// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package fetch drives one asynchronous request per correlation id through
// resolution, connection, an optional TLS handshake, protocol framing and
// streamed body delivery, riding on the ev Scheduler, netbuf connections and
// the ipc channel to the UI process.
package fetch

import (
	"github.com/spyglass-browser/spyglass/ipc"
)

// Proxy routes every request for a URL scheme through a fixed host, speaking
// the proxy's protocol while keeping the original request line.
type Proxy struct {
	Scheme string
	Host   string
	Port   string
	Proto  ipc.Protocol
}

// ProxyMap indexes proxy rules by URL scheme.
type ProxyMap map[string]Proxy

// BuildProxyMap indexes rules by scheme; a later rule for the same scheme wins.
func BuildProxyMap(rules []Proxy) ProxyMap {
	m := make(ProxyMap, len(rules))
	for _, rule := range rules {
		m[rule.Scheme] = rule
	}
	return m
}
