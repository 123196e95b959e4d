// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/agentbus/storage"
)

// Strategy selects how agents are ordered and grouped during execution.
type Strategy string

const (
	// StrategyGradual migrates agents one at a time, ordered by the
	// configured priority (name order when unset).
	StrategyGradual Strategy = "gradual"

	// StrategyCanary isolates the first agent with an extended validation
	// window before the bulk follows.
	StrategyCanary Strategy = "canary"

	// StrategyImmediate migrates every agent directly to the broker in a
	// single pass.
	StrategyImmediate Strategy = "immediate"

	// StrategyBatch migrates agents in fixed-size chunks.
	StrategyBatch Strategy = "batch"

	// StrategyCapabilityBased migrates agents holding a named capability
	// before the rest.
	StrategyCapabilityBased Strategy = "capability_based"
)

// Valid reports whether the strategy is one of the defined strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyGradual, StrategyCanary, StrategyImmediate, StrategyBatch, StrategyCapabilityBased:
		return true
	}
	return false
}

// Step migrates one agent through an ordered transport mode sequence.
type Step struct {
	Agent  string                  `json:"agent"`
	Modes  []storage.TransportMode `json:"modes"`
	Canary bool                    `json:"canary,omitempty"`
	Batch  int                     `json:"batch,omitempty"`
}

// Plan is an ordered list of migration steps with its rollback anchors.
type Plan struct {
	ID            string    `json:"id"`
	Strategy      Strategy  `json:"strategy"`
	Steps         []Step    `json:"steps"`
	CheckpointIDs []string  `json:"checkpoint_ids,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Agents returns the plan's agent names in step order.
func (p *Plan) Agents() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Agent)
	}
	return out
}

// PlannerConfig holds plan-building tunables.
type PlannerConfig struct {
	// BatchSize is the chunk size for the batch strategy.
	BatchSize int

	// Priority orders agents under the gradual strategy; lower values
	// migrate first. Agents without an entry sort by name after all
	// prioritized ones.
	Priority map[string]int

	// Capability selects the leading group for the capability_based
	// strategy.
	Capability string
}

// Planner builds migration plans from registered agents.
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner creates a planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2
	}
	return &Planner{cfg: cfg}
}

// AgentLister narrows the registry surface the planner needs.
type AgentLister interface {
	List(ctx context.Context) ([]*storage.AgentDescriptor, error)
}

// Build discovers agents and assembles a plan for the given strategy. An
// empty only selects every registered agent. Agents already on the broker
// transport are skipped, so the plan may be empty.
func (p *Planner) Build(ctx context.Context, agents AgentLister, strategy Strategy, only []string) (*Plan, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidPlan, strategy)
	}

	all, err := agents.List(ctx)
	if err != nil {
		return nil, err
	}

	selected := filterAgents(all, only)
	plan := &Plan{
		ID:        uuid.NewString(),
		Strategy:  strategy,
		CreatedAt: time.Now(),
	}

	switch strategy {
	case StrategyGradual:
		p.sortByPriority(selected)
		for _, desc := range selected {
			plan.Steps = append(plan.Steps, Step{Agent: desc.Name, Modes: modeSequence(desc.TransportMode)})
		}

	case StrategyCanary:
		sortByName(selected)
		for i, desc := range selected {
			plan.Steps = append(plan.Steps, Step{
				Agent:  desc.Name,
				Modes:  modeSequence(desc.TransportMode),
				Canary: i == 0,
			})
		}

	case StrategyImmediate:
		sortByName(selected)
		for _, desc := range selected {
			plan.Steps = append(plan.Steps, Step{Agent: desc.Name, Modes: []storage.TransportMode{storage.ModeBroker}})
		}

	case StrategyBatch:
		sortByName(selected)
		for i, desc := range selected {
			plan.Steps = append(plan.Steps, Step{
				Agent: desc.Name,
				Modes: modeSequence(desc.TransportMode),
				Batch: i / p.cfg.BatchSize,
			})
		}

	case StrategyCapabilityBased:
		sortByName(selected)
		var leading, trailing []*storage.AgentDescriptor
		for _, desc := range selected {
			if p.cfg.Capability != "" && desc.HasCapabilities([]string{p.cfg.Capability}) {
				leading = append(leading, desc)
			} else {
				trailing = append(trailing, desc)
			}
		}
		for _, desc := range append(leading, trailing...) {
			plan.Steps = append(plan.Steps, Step{Agent: desc.Name, Modes: modeSequence(desc.TransportMode)})
		}
	}

	return plan, nil
}

// modeSequence returns the transport modes an agent passes through on its
// way to the broker, starting after its current mode.
func modeSequence(current storage.TransportMode) []storage.TransportMode {
	switch current {
	case storage.ModeLegacy:
		return []storage.TransportMode{storage.ModeHybrid, storage.ModeBroker}
	case storage.ModeHybrid:
		return []storage.TransportMode{storage.ModeBroker}
	default:
		return nil
	}
}

func filterAgents(all []*storage.AgentDescriptor, only []string) []*storage.AgentDescriptor {
	wanted := make(map[string]struct{}, len(only))
	for _, name := range only {
		wanted[name] = struct{}{}
	}

	var out []*storage.AgentDescriptor
	for _, desc := range all {
		if len(wanted) > 0 {
			if _, ok := wanted[desc.Name]; !ok {
				continue
			}
		}
		if desc.TransportMode == storage.ModeBroker {
			continue
		}
		out = append(out, desc)
	}
	return out
}

func (p *Planner) sortByPriority(agents []*storage.AgentDescriptor) {
	sort.Slice(agents, func(i, j int) bool {
		pi, iok := p.cfg.Priority[agents[i].Name]
		pj, jok := p.cfg.Priority[agents[j].Name]
		if iok != jok {
			return iok
		}
		if iok && pi != pj {
			return pi < pj
		}
		return agents[i].Name < agents[j].Name
	})
}

func sortByName(agents []*storage.AgentDescriptor) {
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].Name < agents[j].Name
	})
}
