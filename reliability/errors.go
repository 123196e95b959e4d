// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package reliability

import "errors"

var (
	// ErrDeliveryTimeout indicates an acknowledgment was not received
	// before the deadline. The message is retried or dead-lettered.
	ErrDeliveryTimeout = errors.New("delivery timed out")

	// ErrInvalidTransition indicates an attempt to move a delivery record
	// out of a terminal state or along a disallowed edge.
	ErrInvalidTransition = errors.New("invalid delivery state transition")
)
