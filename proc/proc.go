// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package proc wires the two engine processes together: the UI process
// re-executes its own binary as the network process, connected through a
// socketpair that carries the framed IPC protocol.
package proc

import (
	"fmt"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// netProcessEnv marks the re-executed child as the network process.
const netProcessEnv = "SPYGLASS_NET_PROCESS"

// configEnv hands the configuration path down to the network process.
const configEnv = "SPYGLASS_CONFIG"

// ChannelFd is the descriptor number the network process inherits its IPC
// socket on, right after stdio.
const ChannelFd = 3

// IsNetProcess reports whether this process was spawned as the network side.
func IsNetProcess() bool {
	return os.Getenv(netProcessEnv) == "1"
}

// ConfigPath returns the configuration path handed down by the supervisor.
func ConfigPath() string {
	return os.Getenv(configEnv)
}

// SpawnNet starts the network process and returns its handle together with
// the UI side of the IPC socketpair.
func SpawnNet(configPath string) (*exec.Cmd, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("socketpair: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, -1, fmt.Errorf("locating own binary: %w", err)
	}

	childEnd := os.NewFile(uintptr(fds[1]), "ipc-net")

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(),
		netProcessEnv+"=1",
		configEnv+"="+configPath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childEnd}

	if err := cmd.Start(); err != nil {
		_ = childEnd.Close()
		_ = unix.Close(fds[0])
		return nil, -1, fmt.Errorf("starting network process: %w", err)
	}

	// The child owns its dup now.
	_ = childEnd.Close()

	log.WithField("pid", cmd.Process.Pid).Debug("Spawned network process")
	return cmd, fds[0], nil
}

// RestrictPrivileges applies best-effort privilege restriction to the calling
// process. Failures are logged, not fatal.
func RestrictPrivileges() {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		log.WithError(err).Warn("Setting no-new-privs errored")
	}
}
