// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	// ErrClosed is returned when an operation is attempted on a stopped broker.
	ErrClosed = errors.New("broker is closed")

	// ErrAlreadySubscribed is returned when a target already has an active consumer.
	ErrAlreadySubscribed = errors.New("target already subscribed")

	// ErrNotSubscribed is returned when unsubscribing a target without a consumer.
	ErrNotSubscribed = errors.New("target not subscribed")

	// ErrTransport is returned when a message cannot be handed to the underlying store.
	ErrTransport = errors.New("transport failure")
)
