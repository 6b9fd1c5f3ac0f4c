// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ev

import (
	"os"
	"os/signal"
)

// Signal arranges for cb to run on the loop thread whenever sig is delivered.
//
// The Go runtime already confines signal delivery to a channel send, so the
// forwarding goroutine does nothing but push the notification through the
// wakeup pipe via Post; no user logic ever runs on the signal path itself.
// The forwarder stops when the loop is closed.
func (l *Loop) Signal(sig os.Signal, cb func(os.Signal)) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)

	stop := make(chan struct{})
	l.signals = append(l.signals, stop)

	go func() {
		defer signal.Stop(ch)

		for {
			select {
			case s := <-ch:
				l.Post(func() { cb(s) })

			case <-stop:
				return
			}
		}
	}()
}
