// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

// spyglass is a terminal Gemini/Gopher/Finger client. The binary runs twice:
// once as the UI process and, re-executed by it, as the network process. The
// two talk over a socketpair speaking the framed IPC protocol.
package main

import (
	"flag"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/spyglass-browser/spyglass/ev"
	"github.com/spyglass-browser/spyglass/fetch"
	"github.com/spyglass-browser/spyglass/ipc"
	"github.com/spyglass-browser/spyglass/proc"
)

func main() {
	if proc.IsNetProcess() {
		runNetProcess()
		return
	}

	configPath := flag.String("config", defaultConfigPath(), "configuration file")
	flag.Parse()

	conf, err := parseConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	// A second invocation with a URL hands it to the running instance.
	if rawURL := flag.Arg(0); rawURL != "" {
		if err := ipc.SendOpenURL(conf.controlSocket, rawURL); err == nil {
			return
		}
	}

	runUIProcess(*configPath, conf)
}

// runUIProcess spawns the network process and runs the UI-side loop: the IPC
// channel, the control socket and the frontend.
func runUIProcess(configPath string, conf *configuration) {
	loop, err := ev.NewLoop()
	if err != nil {
		log.WithError(err).Fatal("Failed to create event loop")
	}
	defer loop.Close()

	child, fd, err := proc.SpawnNet(configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to spawn network process")
	}

	ch, err := ipc.NewChannel(fd)
	if err != nil {
		log.WithError(err).Fatal("Failed to wrap IPC channel")
	}
	defer ch.Close()

	front := &stdoutFrontend{oneShot: flag.Arg(0) != ""}
	ui, err := newUI(loop, ch, front)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up UI channel")
	}
	front.ui = ui

	control, err := ipc.ListenControl(loop, conf.controlSocket, func(url string) {
		if _, err := ui.Get(url); err != nil {
			log.WithError(err).WithField("url", url).Warn("Rejecting handed-over URL")
		}
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to bind control socket")
	}
	defer control.Close()

	if watcher, err := watchConfig(loop, configPath, func(*configuration) {}); err == nil {
		defer watcher.Close()
	} else {
		log.WithError(err).Debug("Watching configuration errored")
	}

	for _, sig := range []os.Signal{os.Interrupt, syscall.SIGTERM} {
		loop.Signal(sig, func(os.Signal) {
			log.Info("Shutting down..")
			ui.Quit()
			loop.Stop()
		})
	}

	if rawURL := flag.Arg(0); rawURL != "" {
		if _, err := ui.Get(rawURL); err != nil {
			log.WithError(err).Fatal("Invalid URL")
		}
	}

	if err := loop.Run(); err != nil {
		log.WithError(err).Error("Event loop errored")
	}

	_ = child.Wait()
}

// runNetProcess is the re-executed child: it restricts its own privileges and
// serves requests arriving on the inherited socketpair end.
func runNetProcess() {
	conf, err := parseConfig(proc.ConfigPath())
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	proc.RestrictPrivileges()

	loop, err := ev.NewLoop()
	if err != nil {
		log.WithError(err).Fatal("Failed to create event loop")
	}
	defer loop.Close()

	ch, err := ipc.NewChannel(proc.ChannelFd)
	if err != nil {
		log.WithError(err).Fatal("Failed to wrap IPC channel")
	}
	defer ch.Close()

	engine := fetch.NewEngine(loop, ch, fetch.Options{
		Proxies:          conf.proxies,
		HandshakeTimeout: conf.handshakeTimeout,
	})
	if err := engine.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start network engine")
	}

	if watcher, err := watchConfig(loop, proc.ConfigPath(), func(c *configuration) {
		engine.UpdateProxies(c.proxies)
	}); err == nil {
		defer watcher.Close()
	} else {
		log.WithError(err).Debug("Watching configuration errored")
	}

	log.Info("Network engine running")
	if err := loop.Run(); err != nil {
		log.WithError(err).Error("Event loop errored")
	}
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "spyglass", "spyglass.toml")
	}
	return "spyglass.toml"
}
