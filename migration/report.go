// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// PhaseResult is the outcome of one executed phase.
type PhaseResult struct {
	Phase     Phase         `json:"phase"`
	Passed    bool          `json:"passed"`
	Error     string        `json:"error,omitempty"`
	Checks    []CheckResult `json:"checks,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Report is the phase-by-phase record of a migration run. One is produced
// for every run regardless of outcome.
type Report struct {
	PlanID       string          `json:"plan_id"`
	Strategy     Strategy        `json:"strategy"`
	DryRun       bool            `json:"dry_run,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
	Phases       []PhaseResult   `json:"phases"`
	FinalPhase   Phase           `json:"final_phase"`
	FinalStatus  string          `json:"final_status"` // completed | failed | rolled_back | rollback_failed
	BaselineRate float64         `json:"baseline_rate"`
	FinalRate    float64         `json:"final_rate"`
	Rollback     *RollbackRecord `json:"rollback,omitempty"`
}

// Save persists the report as a JSON file under dir, named by plan id.
func (r *Report) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, r.PlanID+".json"), raw, 0o644)
}

// LoadReport reads a persisted report back.
func LoadReport(dir, planID string) (*Report, error) {
	raw, err := os.ReadFile(filepath.Join(dir, planID+".json"))
	if err != nil {
		return nil, err
	}

	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
