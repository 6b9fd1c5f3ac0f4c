// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/spyglass-browser/spyglass/ev"
	"github.com/spyglass-browser/spyglass/fetch"
	"github.com/spyglass-browser/spyglass/ipc"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging logConf
	Net     netConf
	Control controlConf
	Proxy   []proxyConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// netConf describes the network engine's configuration block.
type netConf struct {
	HandshakeTimeout string `toml:"handshake-timeout"`
}

// controlConf describes the control socket configuration block.
type controlConf struct {
	Socket string
}

// proxyConf describes one Proxy-configuration block, routing a URL scheme
// through a fixed host.
type proxyConf struct {
	Scheme   string
	Host     string
	Port     string
	Protocol string
}

// configuration is the parsed, validated program configuration.
type configuration struct {
	handshakeTimeout time.Duration
	controlSocket    string
	proxies          fetch.ProxyMap
}

// parseConfig reads filename and applies the logging settings. A missing file
// yields the defaults.
func parseConfig(filename string) (*configuration, error) {
	var conf tomlConfig
	if filename != "" {
		if _, err := toml.DecodeFile(filename, &conf); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Logging
	if conf.Logging.Level != "" {
		if lvl, err := log.ParseLevel(conf.Logging.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Logging.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.Logging.ReportCaller)

	switch conf.Logging.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}

	c := &configuration{
		controlSocket: conf.Control.Socket,
		proxies:       make(fetch.ProxyMap),
	}

	if conf.Net.HandshakeTimeout != "" {
		d, err := time.ParseDuration(conf.Net.HandshakeTimeout)
		if err != nil {
			return nil, fmt.Errorf("net.handshake-timeout: %w", err)
		}
		c.handshakeTimeout = d
	}

	if c.controlSocket == "" {
		c.controlSocket = defaultControlSocket()
	}

	var rules []fetch.Proxy
	for _, p := range conf.Proxy {
		rule, err := parseProxy(p)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	c.proxies = fetch.BuildProxyMap(rules)

	return c, nil
}

// parseProxy inspects a Proxy-configuration block and returns a fetch rule.
func parseProxy(p proxyConf) (fetch.Proxy, error) {
	var proto ipc.Protocol
	switch p.Protocol {
	case "", "gemini":
		proto = ipc.Gemini
	case "gopher":
		proto = ipc.Gopher
	case "finger":
		proto = ipc.Finger
	default:
		return fetch.Proxy{}, fmt.Errorf("proxy for %q: unknown protocol %q", p.Scheme, p.Protocol)
	}

	if p.Scheme == "" || p.Host == "" {
		return fetch.Proxy{}, fmt.Errorf("proxy needs both scheme and host")
	}

	port := p.Port
	if port == "" {
		port = defaultPort(proto)
	}

	return fetch.Proxy{
		Scheme: p.Scheme,
		Host:   p.Host,
		Port:   port,
		Proto:  proto,
	}, nil
}

func defaultPort(proto ipc.Protocol) string {
	switch proto {
	case ipc.Gopher:
		return "70"
	case ipc.Finger:
		return "79"
	default:
		return "1965"
	}
}

func defaultControlSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "spyglass.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("spyglass-%d.sock", os.Getuid()))
}

// watchConfig re-parses filename whenever it changes and applies the result
// on the loop thread. Editors replacing the file instead of rewriting it are
// handled by re-adding the watch on the parent directory.
func watchConfig(loop *ev.Loop, filename string, apply func(*configuration)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(filename) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				conf, err := parseConfig(filename)
				if err != nil {
					log.WithError(err).Warn("Reloading configuration errored")
					continue
				}

				log.WithField("config", filename).Info("Reloaded configuration")
				loop.Post(func() { apply(conf) })

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Watching configuration errored")
			}
		}
	}()

	return watcher, nil
}
