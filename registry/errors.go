// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import "errors"

var (
	// ErrEmptyName is returned when an agent name is empty.
	ErrEmptyName = errors.New("empty agent name")

	// ErrAgentNotFound is returned when an agent is not registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrNoCapableAgent is returned when no registered agent covers the
	// required capabilities.
	ErrNoCapableAgent = errors.New("no capable agent available")

	// ErrInvalidStatus is returned for an unknown agent status.
	ErrInvalidStatus = errors.New("invalid agent status")
)
