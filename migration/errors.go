// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package migration

import "errors"

var (
	// ErrValidation is returned when a pre-execution check fails. Nothing
	// has been mutated when this error is returned.
	ErrValidation = errors.New("validation failed")

	// ErrMigrationStep is returned when a step exhausts its probe retries.
	ErrMigrationStep = errors.New("migration step failed")

	// ErrRollback is returned when a rollback cannot be executed. No
	// automated recovery follows this error.
	ErrRollback = errors.New("rollback failed")

	// ErrEmergencyStop is returned when the cooperative stop flag was
	// raised between phases.
	ErrEmergencyStop = errors.New("emergency stop requested")

	// ErrInvalidTransition is returned for a phase change outside the
	// state machine.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrInvalidPlan is returned for a structurally invalid migration plan.
	ErrInvalidPlan = errors.New("invalid migration plan")

	// ErrCheckpointInvalid is returned when a checkpoint fails its
	// completeness check.
	ErrCheckpointInvalid = errors.New("checkpoint invalid")

	// ErrRunInProgress is returned when a migration run is already active.
	ErrRunInProgress = errors.New("migration run in progress")
)
