// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/absmach/agentbus/storage"
)

// CheckResult is the outcome of one validation check.
type CheckResult struct {
	Name    string            `json:"name"`
	Passed  bool              `json:"passed"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Prober runs a connectivity probe against one agent over one transport.
type Prober interface {
	Probe(ctx context.Context, agent string, mode storage.TransportMode) error
}

// ValidatorConfig holds the static minimums for resource checks.
type ValidatorConfig struct {
	// MinDiskBytes is the required free space on the data directory.
	MinDiskBytes uint64

	// MinMemoryBytes is the required free system memory.
	MinMemoryBytes uint64

	// ConnectivityThreshold is the required probe success rate.
	ConnectivityThreshold float64

	// DataDir is the filesystem checked for disk headroom.
	DataDir string
}

// DefaultValidatorConfig returns the validator defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinDiskBytes:          256 << 20, // 256 MiB
		MinMemoryBytes:        128 << 20, // 128 MiB
		ConnectivityThreshold: 0.9,
		DataDir:               ".",
	}
}

// Validator runs stateless pre-execution checks. Each check is independently
// retryable by the caller; the validator itself never retries.
type Validator struct {
	cfg ValidatorConfig

	// diskFree and memFree are swappable for tests.
	diskFree func(dir string) (uint64, error)
	memFree  func() (uint64, error)
}

// NewValidator creates a validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	def := DefaultValidatorConfig()
	if cfg.MinDiskBytes == 0 {
		cfg.MinDiskBytes = def.MinDiskBytes
	}
	if cfg.MinMemoryBytes == 0 {
		cfg.MinMemoryBytes = def.MinMemoryBytes
	}
	if cfg.ConnectivityThreshold <= 0 {
		cfg.ConnectivityThreshold = def.ConnectivityThreshold
	}
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}

	return &Validator{
		cfg:      cfg,
		diskFree: diskFree,
		memFree:  memFree,
	}
}

// ValidatePlan checks a plan's structural validity: known strategy, non-empty
// steps, valid mode sequences, and every referenced agent registered.
func (v *Validator) ValidatePlan(ctx context.Context, plan *Plan, agents AgentLister) CheckResult {
	res := CheckResult{Name: "plan", Details: map[string]string{}}

	if plan == nil {
		res.Message = "plan is nil"
		return res
	}
	if !plan.Strategy.Valid() {
		res.Message = fmt.Sprintf("unknown strategy %q", plan.Strategy)
		return res
	}
	if len(plan.Steps) == 0 {
		res.Message = "plan has no steps"
		return res
	}

	registered, err := agents.List(ctx)
	if err != nil {
		res.Message = fmt.Sprintf("failed to list agents: %v", err)
		return res
	}
	known := make(map[string]struct{}, len(registered))
	for _, desc := range registered {
		known[desc.Name] = struct{}{}
	}

	for _, step := range plan.Steps {
		if step.Agent == "" {
			res.Message = "step with empty agent"
			return res
		}
		if _, ok := known[step.Agent]; !ok {
			res.Message = fmt.Sprintf("agent %q not registered", step.Agent)
			return res
		}
		if len(step.Modes) == 0 {
			res.Message = fmt.Sprintf("agent %q has an empty mode sequence", step.Agent)
			return res
		}
		for _, mode := range step.Modes {
			if !mode.Valid() {
				res.Message = fmt.Sprintf("agent %q references invalid mode %q", step.Agent, mode)
				return res
			}
		}
	}

	res.Passed = true
	res.Message = "plan well-formed"
	res.Details["steps"] = fmt.Sprintf("%d", len(plan.Steps))
	return res
}

// ValidateConnectivity probes every plan agent over its current transport and
// requires the success rate to reach the configured threshold.
func (v *Validator) ValidateConnectivity(ctx context.Context, plan *Plan, agents AgentLister, prober Prober) CheckResult {
	res := CheckResult{Name: "connectivity", Details: map[string]string{}}

	registered, err := agents.List(ctx)
	if err != nil {
		res.Message = fmt.Sprintf("failed to list agents: %v", err)
		return res
	}
	modes := make(map[string]storage.TransportMode, len(registered))
	for _, desc := range registered {
		modes[desc.Name] = desc.TransportMode
	}

	total := 0
	ok := 0
	for _, step := range plan.Steps {
		mode, found := modes[step.Agent]
		if !found {
			mode = storage.ModeLegacy
		}
		total++
		if err := prober.Probe(ctx, step.Agent, mode); err != nil {
			res.Details[step.Agent] = err.Error()
			continue
		}
		ok++
	}

	if total == 0 {
		res.Message = "no agents to probe"
		return res
	}

	rate := float64(ok) / float64(total)
	res.Details["success_rate"] = fmt.Sprintf("%.2f", rate)
	if rate < v.cfg.ConnectivityThreshold {
		res.Message = fmt.Sprintf("connectivity %.2f below threshold %.2f", rate, v.cfg.ConnectivityThreshold)
		return res
	}

	res.Passed = true
	res.Message = fmt.Sprintf("%d/%d agents reachable", ok, total)
	return res
}

// ValidateResources checks disk and memory headroom against the configured
// static minimums.
func (v *Validator) ValidateResources(_ context.Context) CheckResult {
	res := CheckResult{Name: "resources", Details: map[string]string{}}

	disk, err := v.diskFree(v.cfg.DataDir)
	if err != nil {
		res.Message = fmt.Sprintf("disk check failed: %v", err)
		return res
	}
	res.Details["disk_free_bytes"] = fmt.Sprintf("%d", disk)
	if disk < v.cfg.MinDiskBytes {
		res.Message = fmt.Sprintf("free disk %d below minimum %d", disk, v.cfg.MinDiskBytes)
		return res
	}

	mem, err := v.memFree()
	if err != nil {
		res.Message = fmt.Sprintf("memory check failed: %v", err)
		return res
	}
	res.Details["mem_free_bytes"] = fmt.Sprintf("%d", mem)
	if mem < v.cfg.MinMemoryBytes {
		res.Message = fmt.Sprintf("free memory %d below minimum %d", mem, v.cfg.MinMemoryBytes)
		return res
	}

	res.Passed = true
	res.Message = "resource headroom available"
	return res
}

func diskFree(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func memFree() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Freeram) * uint64(info.Unit), nil
}
