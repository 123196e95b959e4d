// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package migration

// Phase is one stage of a migration run.
type Phase string

const (
	PhasePlanning    Phase = "planning"
	PhasePreparation Phase = "preparation"
	PhaseValidation  Phase = "validation"
	PhaseExecution   Phase = "execution"
	PhaseMonitoring  Phase = "monitoring"
	PhaseCompletion  Phase = "completion"
	PhaseRollback    Phase = "rollback"
)

// phaseTransitions encodes the strictly forward phase order. Rollback is
// reachable from every non-terminal phase.
var phaseTransitions = map[Phase][]Phase{
	PhasePlanning:    {PhasePreparation, PhaseRollback},
	PhasePreparation: {PhaseValidation, PhaseRollback},
	PhaseValidation:  {PhaseExecution, PhaseRollback},
	PhaseExecution:   {PhaseMonitoring, PhaseRollback},
	PhaseMonitoring:  {PhaseCompletion, PhaseRollback},
}

// CanTransition reports whether moving from p to next is allowed.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseCompletion || p == PhaseRollback
}
