// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import "errors"

var (
	// ErrLegacySend is returned when the legacy transport rejects a send.
	ErrLegacySend = errors.New("legacy transport send failed")

	// ErrUnknownTarget is returned when neither the registry nor the legacy
	// transport knows the target.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrProbeFailed is returned when a connectivity probe does not succeed
	// within its timeout.
	ErrProbeFailed = errors.New("connectivity probe failed")

	// ErrRateLimited is returned when a per-agent rate limit rejects an
	// operation.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidMode is returned for an unknown transport mode.
	ErrInvalidMode = errors.New("invalid transport mode")
)
