// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/agentbus/bridge"
	"github.com/absmach/agentbus/server/otel"
	"github.com/absmach/agentbus/storage"
)

// Config holds migration manager tunables.
type Config struct {
	// Strategy is the default strategy when a run does not name one.
	Strategy Strategy

	// Planner settings.
	BatchSize  int
	Priority   map[string]int
	Capability string

	// StepRetries bounds probe retries within one execution step. A step
	// exhausting its retries fails the phase, never just one probe.
	StepRetries int

	// StepRetryDelay is the pause between step retries.
	StepRetryDelay time.Duration

	// MonitorDuration and MonitorInterval shape the stability window after
	// execution.
	MonitorDuration time.Duration
	MonitorInterval time.Duration

	// CanaryWindow extends monitoring for the canary agent before the bulk
	// proceeds.
	CanaryWindow time.Duration

	// RollbackThreshold is the monitoring success rate below which a
	// rollback triggers.
	RollbackThreshold float64

	// CheckpointBefore captures a safety checkpoint before execution.
	CheckpointBefore bool

	// ReportDir is where run reports are persisted.
	ReportDir string
}

// DefaultConfig returns the migration manager defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyGradual,
		BatchSize:         2,
		StepRetries:       3,
		StepRetryDelay:    500 * time.Millisecond,
		MonitorDuration:   10 * time.Second,
		MonitorInterval:   time.Second,
		CanaryWindow:      5 * time.Second,
		RollbackThreshold: 0.8,
		CheckpointBefore:  true,
		ReportDir:         "reports",
	}
}

// RunOptions select what one run does.
type RunOptions struct {
	// Strategy overrides the configured default when set.
	Strategy Strategy

	// Agents restricts the run to the named agents; empty selects all.
	Agents []string

	// DryRun plans and validates without mutating any agent.
	DryRun bool

	// Force skips failed validation gates. Every forced run is logged as
	// an audited override; it is never the default.
	Force bool
}

// Manager orchestrates the migration phase state machine. It owns the bridge;
// the bridge owns the registry and the broker client.
type Manager struct {
	bridge    *bridge.Bridge
	validator *Validator
	rollback  *RollbackManager
	planner   *Planner

	cfg     Config
	metrics *otel.Metrics // nil if metrics disabled
	logger  *slog.Logger

	mu        sync.Mutex
	running   bool
	phase     Phase
	last      *Report
	emergency atomic.Bool
}

// NewManager creates a migration manager.
func NewManager(br *bridge.Bridge, validator *Validator, rollback *RollbackManager, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.StepRetries <= 0 {
		cfg.StepRetries = def.StepRetries
	}
	if cfg.StepRetryDelay <= 0 {
		cfg.StepRetryDelay = def.StepRetryDelay
	}
	if cfg.MonitorDuration <= 0 {
		cfg.MonitorDuration = def.MonitorDuration
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.CanaryWindow <= 0 {
		cfg.CanaryWindow = def.CanaryWindow
	}
	if cfg.RollbackThreshold <= 0 {
		cfg.RollbackThreshold = def.RollbackThreshold
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = def.ReportDir
	}

	return &Manager{
		bridge:    br,
		validator: validator,
		rollback:  rollback,
		planner: NewPlanner(PlannerConfig{
			BatchSize:  cfg.BatchSize,
			Priority:   cfg.Priority,
			Capability: cfg.Capability,
		}),
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetrics wires the OTel instruments recorded per finished run.
func (m *Manager) SetMetrics(mx *otel.Metrics) {
	m.metrics = mx
}

// Phase returns the phase of the active or last run.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// LastReport returns the report of the last finished run.
func (m *Manager) LastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// EmergencyStop raises the cooperative stop flag. The active run checks it
// between phases, never mid-step.
func (m *Manager) EmergencyStop() {
	m.emergency.Store(true)
	m.logger.Warn("emergency stop requested")
}

// Run executes one migration. The report is persisted regardless of outcome;
// the returned error describes why a run did not complete.
func (m *Manager) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, ErrRunInProgress
	}
	m.running = true
	m.phase = PhasePlanning
	m.mu.Unlock()
	m.emergency.Store(false)

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	strategy := opts.Strategy
	if strategy == "" {
		strategy = m.cfg.Strategy
	}

	run := &runState{
		report: &Report{
			Strategy:  strategy,
			DryRun:    opts.DryRun,
			StartedAt: time.Now(),
		},
		opts: opts,
	}
	defer m.finish(run)

	// Planning.
	if err := m.phasePlanning(ctx, run, strategy); err != nil {
		return run.report, err
	}
	if len(run.plan.Steps) == 0 {
		m.logger.Info("nothing to migrate", "strategy", strategy)
		run.report.FinalPhase = PhaseCompletion
		run.report.FinalStatus = "completed"
		return run.report, nil
	}

	// Preparation.
	if err := m.advance(ctx, run, PhasePreparation, func() error {
		return m.phasePreparation(ctx, run)
	}); err != nil {
		return run.report, err
	}

	// Validation.
	if err := m.advance(ctx, run, PhaseValidation, func() error {
		return m.phaseValidation(ctx, run)
	}); err != nil {
		return run.report, err
	}

	// Execution.
	if err := m.advance(ctx, run, PhaseExecution, func() error {
		return m.phaseExecution(ctx, run)
	}); err != nil {
		return run.report, err
	}

	// Monitoring.
	if err := m.advance(ctx, run, PhaseMonitoring, func() error {
		return m.phaseMonitoring(ctx, run)
	}); err != nil {
		return run.report, err
	}

	// Completion.
	if err := m.transition(PhaseCompletion); err != nil {
		return run.report, err
	}
	m.phaseCompletion(ctx, run)
	run.report.FinalPhase = PhaseCompletion
	run.report.FinalStatus = "completed"
	return run.report, nil
}

type runState struct {
	plan   *Plan
	report *Report
	opts   RunOptions
	checks []CheckResult
	preID  string // pre-migration checkpoint id
}

// advance transitions into a phase, runs it, and routes failures into
// rollback. The emergency stop flag is checked before every phase.
func (m *Manager) advance(ctx context.Context, run *runState, next Phase, fn func() error) error {
	if m.emergency.Load() {
		m.fail(ctx, run, ErrEmergencyStop)
		return ErrEmergencyStop
	}
	if err := m.transition(next); err != nil {
		return err
	}

	started := time.Now()
	err := fn()
	result := PhaseResult{
		Phase:     next,
		Passed:    err == nil,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if err != nil {
		result.Error = err.Error()
	}
	if next == PhaseValidation {
		result.Checks = run.checks
	}
	run.report.Phases = append(run.report.Phases, result)

	if err != nil {
		m.fail(ctx, run, err)
		return err
	}
	return nil
}

// fail routes a phase failure into rollback. Dry runs mutate nothing, so
// they only record the failure.
func (m *Manager) fail(ctx context.Context, run *runState, cause error) {
	run.report.FinalStatus = "failed"
	run.report.FinalPhase = m.Phase()

	if run.opts.DryRun {
		return
	}

	if err := m.transition(PhaseRollback); err != nil {
		m.logger.Error("cannot enter rollback", "error", err)
		return
	}
	run.report.FinalPhase = PhaseRollback

	rec, err := m.rollback.ExecuteRollback(ctx, run.preID, cause.Error())
	if err != nil {
		// A failed rollback is terminal and requires operator action.
		m.logger.Error("rollback failed, manual intervention required", "error", err)
		run.report.FinalStatus = "rollback_failed"
		return
	}
	run.report.Rollback = rec
	run.report.FinalStatus = "rolled_back"
}

func (m *Manager) finish(run *runState) {
	run.report.CompletedAt = time.Now()
	if run.report.PlanID == "" && run.plan != nil {
		run.report.PlanID = run.plan.ID
	}
	if run.report.PlanID == "" {
		run.report.PlanID = fmt.Sprintf("unplanned-%d", run.report.StartedAt.UnixNano())
	}

	if err := run.report.Save(m.cfg.ReportDir); err != nil {
		m.logger.Error("failed to persist migration report", "plan", run.report.PlanID, "error", err)
	}

	if m.metrics != nil {
		dur := run.report.CompletedAt.Sub(run.report.StartedAt)
		m.metrics.RecordMigration(run.report.FinalStatus, float64(dur.Microseconds())/1000)
		if run.report.Rollback != nil {
			m.metrics.RecordRollback(run.report.Rollback.Status)
		}
	}

	m.mu.Lock()
	m.last = run.report
	m.mu.Unlock()
}

func (m *Manager) transition(next Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.phase.CanTransition(next) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.phase, next)
	}
	m.logger.Info("migration phase transition", "from", m.phase, "to", next)
	m.phase = next
	return nil
}

func (m *Manager) phasePlanning(ctx context.Context, run *runState, strategy Strategy) error {
	started := time.Now()
	plan, err := m.planner.Build(ctx, m.bridge.Registry(), strategy, run.opts.Agents)

	result := PhaseResult{
		Phase:     PhasePlanning,
		Passed:    err == nil,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if err != nil {
		result.Error = err.Error()
		run.report.Phases = append(run.report.Phases, result)
		run.report.FinalPhase = PhasePlanning
		run.report.FinalStatus = "failed"
		return err
	}

	run.plan = plan
	run.report.PlanID = plan.ID
	run.report.Phases = append(run.report.Phases, result)
	m.logger.Info("migration planned", "plan", plan.ID, "strategy", strategy, "steps", len(plan.Steps))
	return nil
}

func (m *Manager) phasePreparation(ctx context.Context, run *runState) error {
	if m.cfg.CheckpointBefore && !run.opts.DryRun {
		id := "pre-" + run.plan.ID
		if _, err := m.rollback.CreateCheckpoint(ctx, id, string(PhasePreparation)); err != nil {
			return fmt.Errorf("failed to create pre-migration checkpoint: %w", err)
		}
		run.preID = id
		run.plan.CheckpointIDs = append(run.plan.CheckpointIDs, id)
	}

	run.report.BaselineRate = m.measure(ctx, run.plan, false)
	m.logger.Info("baseline captured", "plan", run.plan.ID, "success_rate", run.report.BaselineRate)
	return nil
}

func (m *Manager) phaseValidation(ctx context.Context, run *runState) error {
	reg := m.bridge.Registry()
	checks := []CheckResult{
		m.validator.ValidatePlan(ctx, run.plan, reg),
		m.validator.ValidateConnectivity(ctx, run.plan, reg, m.bridge),
		m.validator.ValidateResources(ctx),
	}
	run.checks = checks

	for _, check := range checks {
		if check.Passed {
			continue
		}
		if run.opts.Force {
			m.logger.Warn("validation gate overridden by force flag",
				"check", check.Name,
				"message", check.Message)
			continue
		}
		return fmt.Errorf("%w: %s: %s", ErrValidation, check.Name, check.Message)
	}
	return nil
}

func (m *Manager) phaseExecution(ctx context.Context, run *runState) error {
	if run.opts.DryRun {
		m.logger.Info("dry run, skipping execution", "plan", run.plan.ID)
		return nil
	}

	for _, step := range run.plan.Steps {
		if err := m.executeStep(ctx, step); err != nil {
			return err
		}

		if step.Canary && run.plan.Strategy == StrategyCanary {
			if err := m.watchCanary(ctx, step.Agent); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeStep drives one agent through its mode sequence. A failed probe is
// retried within the step's own bound; exhausting it fails the phase.
func (m *Manager) executeStep(ctx context.Context, step Step) error {
	for _, mode := range step.Modes {
		var lastErr error
		committed := false
		for attempt := 0; attempt < m.cfg.StepRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(m.cfg.StepRetryDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := m.bridge.MigrateAgent(ctx, step.Agent, mode); err != nil {
				lastErr = err
				m.logger.Warn("migration step probe failed",
					"agent", step.Agent,
					"mode", mode,
					"attempt", attempt+1,
					"error", err)
				continue
			}
			committed = true
			break
		}
		if !committed {
			return fmt.Errorf("%w: agent %s to %s: %v", ErrMigrationStep, step.Agent, mode, lastErr)
		}
	}
	return nil
}

// watchCanary runs the extended validation window for the canary agent
// before the bulk of the plan proceeds.
func (m *Manager) watchCanary(ctx context.Context, agent string) error {
	deadline := time.Now().Add(m.cfg.CanaryWindow)
	total, ok := 0, 0

	for time.Now().Before(deadline) {
		total++
		if err := m.bridge.Probe(ctx, agent, storage.ModeBroker); err == nil {
			ok++
		}

		select {
		case <-time.After(m.cfg.MonitorInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if total == 0 {
		return nil
	}
	rate := float64(ok) / float64(total)
	if rate < m.cfg.RollbackThreshold {
		return fmt.Errorf("%w: canary %s success rate %.2f below %.2f", ErrMigrationStep, agent, rate, m.cfg.RollbackThreshold)
	}
	m.logger.Info("canary window passed", "agent", agent, "success_rate", rate)
	return nil
}

func (m *Manager) phaseMonitoring(ctx context.Context, run *runState) error {
	if run.opts.DryRun {
		return nil
	}

	deadline := time.Now().Add(m.cfg.MonitorDuration)
	total, ok := 0, 0

	for time.Now().Before(deadline) {
		for _, step := range run.plan.Steps {
			total++
			if err := m.bridge.Probe(ctx, step.Agent, storage.ModeBroker); err == nil {
				ok++
			}
		}

		select {
		case <-time.After(m.cfg.MonitorInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if total == 0 {
		return nil
	}
	rate := float64(ok) / float64(total)
	run.report.FinalRate = rate
	if rate < m.cfg.RollbackThreshold {
		return fmt.Errorf("%w: stability %.2f below rollback threshold %.2f", ErrMigrationStep, rate, m.cfg.RollbackThreshold)
	}
	m.logger.Info("monitoring passed", "plan", run.plan.ID, "success_rate", rate)
	return nil
}

func (m *Manager) phaseCompletion(ctx context.Context, run *runState) {
	if run.report.FinalRate == 0 {
		run.report.FinalRate = m.measure(ctx, run.plan, !run.opts.DryRun)
	}
	m.logger.Info("migration completed",
		"plan", run.plan.ID,
		"baseline", run.report.BaselineRate,
		"final", run.report.FinalRate)
}

// measure probes every plan agent once and returns the success rate. broker
// selects the broker transport for all probes instead of each agent's
// current mode.
func (m *Manager) measure(ctx context.Context, plan *Plan, broker bool) float64 {
	agents, err := m.bridge.Registry().List(ctx)
	if err != nil {
		return 0
	}
	modes := make(map[string]storage.TransportMode, len(agents))
	for _, desc := range agents {
		modes[desc.Name] = desc.TransportMode
	}

	total, ok := 0, 0
	for _, step := range plan.Steps {
		mode := storage.ModeBroker
		if !broker {
			if current, found := modes[step.Agent]; found {
				mode = current
			}
		}
		total++
		if err := m.bridge.Probe(ctx, step.Agent, mode); err == nil {
			ok++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}
