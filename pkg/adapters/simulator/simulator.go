// Package simulator is a deterministic in-process adapter. It stands in for
// robots in development setups and is selected whenever a dispatch asks for
// simulation.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/models"
)

const (
	// CodeSimulatedRun tags the summary log line of every simulated run.
	CodeSimulatedRun = "SIMULATED_RUN"
	// CodeStepCompleted tags per-instruction telemetry lines.
	CodeStepCompleted = "STEP_COMPLETED"
)

// Config configures the simulator.
type Config struct {
	AdapterID string
	// Delay is slept before a run completes.
	Delay time.Duration
	// PendingPolls keeps each run reported as running for this many Status
	// calls before it completes.
	PendingPolls int
	// Failure, when set, makes every run fail with it.
	Failure *adapters.Failure
}

// Simulator implements adapters.Transport without any external system.
type Simulator struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]int
	canceled map[string]bool
	logs     map[string][]adapters.LogLine
}

// New creates a simulator.
func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Simulator {
	if cfg.AdapterID == "" {
		cfg.AdapterID = "simulator"
	}

	if clk == nil {
		clk = clock.Real()
	}

	return &Simulator{
		cfg:      cfg,
		clk:      clk,
		logger:   logger.With("module", "simulator"),
		pending:  map[string]int{},
		canceled: map[string]bool{},
		logs:     map[string][]adapters.LogLine{},
	}
}

func (s *Simulator) AdapterID() string { return s.cfg.AdapterID }

func (s *Simulator) Mode() models.ExecutionMode { return models.ExecutionModeSimulator }

// Name returns the simulator flavour reported in raw logs for platform.
func Name(platform models.TargetPlatform) string {
	switch platform {
	case models.PlatformIntegraAssist:
		return "assist_plus"
	case models.PlatformOpentronsFlex:
		return "opentrons_flex_sim"
	default:
		return "opentrons_ot2_sim"
	}
}

// ExternalRunID returns the external id assigned to a simulated run.
func ExternalRunID(executionRunID string) string {
	return "sim-" + executionRunID
}

type rawLog struct {
	Simulator      string                `json:"simulator"`
	ExecutionRunID string                `json:"execution_run_id"`
	RobotPlanID    string                `json:"robot_plan_id"`
	TargetPlatform models.TargetPlatform `json:"target_platform"`
	Attempt        int                   `json:"attempt"`
	Parameters     map[string]any        `json:"parameters"`
	Steps          []rawStep             `json:"steps"`
	FinalStatus    string                `json:"final_status"`
}

type rawStep struct {
	Index   int       `json:"index"`
	Command string    `json:"command"`
	At      time.Time `json:"at"`
}

func (s *Simulator) Execute(ctx context.Context, req adapters.ExecuteRequest) (*adapters.Result, error) {
	if s.cfg.Delay > 0 {
		timer := time.NewTimer(s.cfg.Delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, &adapters.DispatchError{Op: "execute", StatusRaw: "canceled", Err: ctx.Err()}
		case <-timer.C:
		}
	}

	plan := req.RobotPlan
	now := s.clk.Now()
	externalID := ExternalRunID(req.ExecutionRunID)
	name := Name(plan.TargetPlatform)

	final := adapters.FinalCompleted
	if s.cfg.Failure != nil {
		final = adapters.FinalFailed
	} else if s.cfg.PendingPolls > 0 {
		final = adapters.FinalRunning
	}

	logs := []adapters.LogLine{{
		Message:   fmt.Sprintf("Simulated %s run for %s", name, plan.ID),
		Level:     "info",
		Code:      CodeSimulatedRun,
		Data:      map[string]any{"adapter": s.cfg.AdapterID, "simulator": name, "attempt": req.Attempt},
		Timestamp: &now,
	}}

	steps := make([]rawStep, 0, len(plan.Instructions))

	var csv strings.Builder

	csv.WriteString("index,command,at\n")

	for i, instr := range plan.Instructions {
		at := now.Add(time.Duration(i+1) * time.Second)
		steps = append(steps, rawStep{Index: instr.Index, Command: instr.Command, At: at})
		fmt.Fprintf(&csv, "%d,%s,%s\n", instr.Index, instr.Command, at.Format(time.RFC3339))

		logs = append(logs, adapters.LogLine{
			Message:   fmt.Sprintf("step %d %s", instr.Index, instr.Command),
			Level:     "telemetry",
			Code:      CodeStepCompleted,
			Data:      map[string]any{"index": instr.Index, "command": instr.Command},
			Timestamp: &at,
		})
	}

	if s.cfg.Failure != nil {
		logs = append(logs, adapters.LogLine{
			Message:   s.cfg.Failure.Message,
			Level:     "error",
			Code:      s.cfg.Failure.Code,
			Timestamp: &now,
		})
	}

	raw, err := json.MarshalIndent(rawLog{
		Simulator:      name,
		ExecutionRunID: req.ExecutionRunID,
		RobotPlanID:    plan.ID,
		TargetPlatform: plan.TargetPlatform,
		Attempt:        req.Attempt,
		Parameters:     req.Parameters,
		Steps:          steps,
		FinalStatus:    final,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render simulator log: %w", err)
	}

	s.mu.Lock()
	s.logs[externalID] = logs
	if final == adapters.FinalRunning {
		s.pending[externalID] = s.cfg.PendingPolls
	}
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "simulated run", "execution_run_id", req.ExecutionRunID, "final_status", final)

	return &adapters.Result{
		FinalStatus:   final,
		StatusRaw:     final,
		ExternalRunID: externalID,
		Logs:          logs,
		Artifacts: []adapters.ResultArtifact{{
			Role:    "telemetry_csv",
			URI:     fmt.Sprintf("records/artifacts/%s/telemetry.csv", req.ExecutionRunID),
			Content: []byte(csv.String()),
		}},
		Failure: s.cfg.Failure,
		RawLog:  raw,
	}, nil
}

// Status reports running while pending polls remain, then completed.
func (s *Simulator) Status(_ context.Context, run *models.ExecutionRun) (*adapters.StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := run.ExternalRunID

	if s.canceled[id] {
		return &adapters.StatusResult{Normalized: adapters.StatusFailed, Raw: "canceled"}, nil
	}

	remaining, ok := s.pending[id]
	if !ok {
		if _, known := s.logs[id]; !known {
			return &adapters.StatusResult{Normalized: adapters.StatusUnknown, Raw: "not_found"}, nil
		}

		return &adapters.StatusResult{Normalized: adapters.StatusCompleted, Raw: "completed"}, nil
	}

	if remaining > 0 {
		s.pending[id] = remaining - 1

		return &adapters.StatusResult{Normalized: adapters.StatusRunning, Raw: "running"}, nil
	}

	delete(s.pending, id)

	return &adapters.StatusResult{Normalized: adapters.StatusCompleted, Raw: "completed"}, nil
}

func (s *Simulator) Cancel(_ context.Context, run *models.ExecutionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.canceled[run.ExternalRunID] = true
	delete(s.pending, run.ExternalRunID)

	return nil
}

func (s *Simulator) Logs(_ context.Context, run *models.ExecutionRun) ([]adapters.LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]adapters.LogLine(nil), s.logs[run.ExternalRunID]...), nil
}

func (s *Simulator) Health(context.Context) error { return nil }
