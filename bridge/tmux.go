// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"os/exec"
	"strings"
)

// TmuxTransport drives agents running in tmux windows over the legacy
// channel. Each agent maps to a window named after it in the configured
// session.
type TmuxTransport struct {
	session string
}

// NewTmuxTransport creates a legacy transport over the named tmux session.
func NewTmuxTransport(session string) *TmuxTransport {
	return &TmuxTransport{session: session}
}

// Send types text into the agent's window followed by Enter. Reports false
// when the window does not exist or tmux is unreachable.
func (t *TmuxTransport) Send(target, text string) bool {
	if !t.TargetExists(target) {
		return false
	}
	if text == "" {
		// Probe sends verify reachability without touching the window.
		return true
	}
	cmd := exec.Command("tmux", "send-keys", "-t", t.session+":"+target, text, "Enter")
	return cmd.Run() == nil
}

// ListTargets returns the window names of the session.
func (t *TmuxTransport) ListTargets() []string {
	out, err := exec.Command("tmux", "list-windows", "-t", t.session, "-F", "#{window_name}").Output()
	if err != nil {
		return nil
	}

	var targets []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			targets = append(targets, line)
		}
	}
	return targets
}

// TargetExists reports whether a window named after the agent exists.
func (t *TmuxTransport) TargetExists(name string) bool {
	for _, target := range t.ListTargets() {
		if target == name {
			return true
		}
	}
	return false
}
