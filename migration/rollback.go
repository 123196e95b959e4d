// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/absmach/agentbus/bridge"
	"github.com/absmach/agentbus/storage"
)

// checkpointFileExt is the on-disk suffix of compressed checkpoint files.
const checkpointFileExt = ".json.zst"

// RollbackConfig holds rollback manager tunables.
type RollbackConfig struct {
	// MaxCheckpoints caps retained checkpoints; the oldest is evicted
	// first.
	MaxCheckpoints int

	// Dir is where compressed checkpoint files are persisted.
	Dir string

	// SuccessThreshold is the per-agent probe success rate required for a
	// rollback to count as completed.
	SuccessThreshold float64
}

// DefaultRollbackConfig returns the rollback defaults.
func DefaultRollbackConfig() RollbackConfig {
	return RollbackConfig{
		MaxCheckpoints:   10,
		Dir:              "checkpoints",
		SuccessThreshold: 0.8,
	}
}

// AgentRollback is the outcome of restoring one agent.
type AgentRollback struct {
	Agent    string                `json:"agent"`
	Mode     storage.TransportMode `json:"mode"`
	Restored bool                  `json:"restored"`
	Probed   bool                  `json:"probed"`
	Error    string                `json:"error,omitempty"`
}

// RollbackRecord is the outcome of one rollback execution.
type RollbackRecord struct {
	CheckpointID string          `json:"checkpoint_id"`
	Reason       string          `json:"reason"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
	Agents       []AgentRollback `json:"agents"`
	SuccessRate  float64         `json:"success_rate"`
	Status       string          `json:"status"` // completed | completed_with_issues
}

// RollbackManager captures and restores safety checkpoints. Checkpoints are
// write-once and persisted both in the checkpoint store and as compressed
// files on disk, so a restart can still roll back.
type RollbackManager struct {
	checkpoints storage.CheckpointStore
	bridge      *bridge.Bridge
	cfg         RollbackConfig
	logger      *slog.Logger
}

// NewRollbackManager creates a rollback manager.
func NewRollbackManager(checkpoints storage.CheckpointStore, br *bridge.Bridge, cfg RollbackConfig, logger *slog.Logger) *RollbackManager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRollbackConfig()
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = def.MaxCheckpoints
	}
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}

	return &RollbackManager{
		checkpoints: checkpoints,
		bridge:      br,
		cfg:         cfg,
		logger:      logger,
	}
}

// CreateCheckpoint snapshots every agent descriptor and the bridge
// configuration under the given id. The capture is a point-in-time read and
// never blocks message flow.
func (rm *RollbackManager) CreateCheckpoint(ctx context.Context, id, phase string) (*storage.Checkpoint, error) {
	agents, err := rm.bridge.Registry().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot agents: %w", err)
	}

	bridgeCfg, err := rm.bridge.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot bridge: %w", err)
	}

	cp := &storage.Checkpoint{
		ID:        id,
		Phase:     phase,
		CreatedAt: time.Now(),
		Agents:    make(map[string]*storage.AgentDescriptor, len(agents)),
		Bridge:    bridgeCfg,
	}
	for _, desc := range agents {
		cp.Agents[desc.Name] = desc.Clone()
		cp.RollbackSteps = append(cp.RollbackSteps, storage.RollbackStep{
			Agent: desc.Name,
			Mode:  desc.TransportMode,
		})
	}
	sort.Slice(cp.RollbackSteps, func(i, j int) bool {
		return cp.RollbackSteps[i].Agent < cp.RollbackSteps[j].Agent
	})

	if err := rm.checkpoints.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	if err := rm.writeFile(cp); err != nil {
		rm.logger.Warn("failed to write checkpoint file", "checkpoint", id, "error", err)
	}
	if err := rm.evict(ctx); err != nil {
		rm.logger.Warn("checkpoint eviction failed", "error", err)
	}

	rm.logger.Info("checkpoint created", "checkpoint", id, "phase", phase, "agents", len(cp.Agents))
	return cp, nil
}

// ValidateCheckpoint checks a checkpoint's completeness before allowing its
// use: non-empty agent snapshots and a present bridge configuration.
func (rm *RollbackManager) ValidateCheckpoint(ctx context.Context, id string) error {
	cp, err := rm.checkpoints.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointInvalid, err)
	}
	return validateCheckpoint(cp)
}

func validateCheckpoint(cp *storage.Checkpoint) error {
	if len(cp.Agents) == 0 {
		return fmt.Errorf("%w: no agent snapshots", ErrCheckpointInvalid)
	}
	if cp.Bridge.Modes == nil {
		return fmt.Errorf("%w: missing bridge configuration", ErrCheckpointInvalid)
	}
	for name, desc := range cp.Agents {
		if desc == nil || desc.Name != name {
			return fmt.Errorf("%w: corrupt snapshot for %q", ErrCheckpointInvalid, name)
		}
	}
	return nil
}

// ExecuteRollback restores every captured agent's transport mode from the
// checkpoint (latest when id is empty) and re-probes connectivity. The
// restore forces modes directly, bypassing probe-before-commit; an ambiguous
// or invalid recorded mode falls back to legacy.
func (rm *RollbackManager) ExecuteRollback(ctx context.Context, id, reason string) (*RollbackRecord, error) {
	var (
		cp  *storage.Checkpoint
		err error
	)
	if id == "" {
		cp, err = rm.checkpoints.Latest(ctx)
	} else {
		cp, err = rm.checkpoints.Get(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: checkpoint unavailable: %v", ErrRollback, err)
	}
	if err := validateCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRollback, err)
	}

	rec := &RollbackRecord{
		CheckpointID: cp.ID,
		Reason:       reason,
		StartedAt:    time.Now(),
	}

	ok := 0
	for _, step := range cp.RollbackSteps {
		mode := step.Mode
		if !mode.Valid() {
			mode = storage.ModeLegacy
		}

		ar := AgentRollback{Agent: step.Agent, Mode: mode}
		if err := rm.bridge.Registry().SetTransportMode(ctx, step.Agent, mode); err != nil {
			ar.Error = err.Error()
			rec.Agents = append(rec.Agents, ar)
			continue
		}
		ar.Restored = true

		if err := rm.bridge.Probe(ctx, step.Agent, mode); err != nil {
			ar.Error = err.Error()
		} else {
			ar.Probed = true
			ok++
		}
		rec.Agents = append(rec.Agents, ar)
	}

	rec.CompletedAt = time.Now()
	if len(rec.Agents) > 0 {
		rec.SuccessRate = float64(ok) / float64(len(rec.Agents))
	}
	if rec.SuccessRate >= rm.cfg.SuccessThreshold {
		rec.Status = "completed"
	} else {
		rec.Status = "completed_with_issues"
	}

	rm.logger.Info("rollback executed",
		"checkpoint", cp.ID,
		"reason", reason,
		"success_rate", rec.SuccessRate,
		"status", rec.Status)
	return rec, nil
}

// LoadCheckpointFile reads a compressed checkpoint file back into memory.
func (rm *RollbackManager) LoadCheckpointFile(id string) (*storage.Checkpoint, error) {
	f, err := os.Open(filepath.Join(rm.cfg.Dir, id+checkpointFileExt))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}

	var cp storage.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointInvalid, err)
	}
	return &cp, nil
}

func (rm *RollbackManager) writeFile(cp *storage.Checkpoint) error {
	if err := os.MkdirAll(rm.cfg.Dir, 0o755); err != nil {
		return err
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(rm.cfg.Dir, cp.ID+checkpointFileExt))
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// evict removes the oldest checkpoints beyond the retention cap, both from
// the store and from disk.
func (rm *RollbackManager) evict(ctx context.Context) error {
	all, err := rm.checkpoints.List(ctx)
	if err != nil {
		return err
	}
	if len(all) <= rm.cfg.MaxCheckpoints {
		return nil
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	for _, cp := range all[:len(all)-rm.cfg.MaxCheckpoints] {
		if err := rm.checkpoints.Delete(ctx, cp.ID); err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(rm.cfg.Dir, cp.ID+checkpointFileExt)); err != nil && !os.IsNotExist(err) {
			rm.logger.Warn("failed to remove checkpoint file", "checkpoint", cp.ID, "error", err)
		}
		rm.logger.Debug("checkpoint evicted", "checkpoint", cp.ID)
	}
	return nil
}
