// Package sidecar dispatches robot plans to a subprocess that speaks the
// sidecar contract over stdin and stdout.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/contract"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
)

const defaultTimeout = 10 * time.Minute

// ErrBadSidecarResponse is returned when stdout does not satisfy the contract.
var ErrBadSidecarResponse = errors.New("BAD_SIDECAR_RESPONSE")

// Config configures a sidecar transport.
type Config struct {
	AdapterID string
	Command   string
	Args      []string
	Timeout   time.Duration

	// RequireContract refuses dispatch until the contract self-test passed.
	RequireContract bool
}

// Transport implements adapters.Transport over a sidecar process.
type Transport struct {
	cfg      Config
	contract *contract.Contract
	run      Runner
	logger   *slog.Logger
}

// New creates a sidecar transport. run defaults to ExecRunner.
func New(cfg Config, c *contract.Contract, run Runner, logger *slog.Logger) *Transport {
	if cfg.AdapterID == "" {
		cfg.AdapterID = "sidecar"
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if run == nil {
		run = ExecRunner
	}

	return &Transport{
		cfg:      cfg,
		contract: c,
		run:      run,
		logger:   logger.With("module", "sidecar", "adapter_id", cfg.AdapterID),
	}
}

func (t *Transport) AdapterID() string { return t.cfg.AdapterID }

func (t *Transport) Mode() models.ExecutionMode { return models.ExecutionModeSidecar }

type artifactRef struct {
	Role        string `json:"role"`
	Path        string `json:"path"`
	ContentHash string `json:"content_hash,omitempty"`
}

type request struct {
	Operation         string         `json:"operation"`
	ContractVersion   string         `json:"contract_version"`
	ExecutionRunID    string         `json:"execution_run_id"`
	ExternalRunID     string         `json:"external_run_id,omitempty"`
	RobotPlanID       string         `json:"robot_plan_id,omitempty"`
	AdapterID         string         `json:"adapter_id,omitempty"`
	TargetPlatform    string         `json:"target_platform,omitempty"`
	Attempt           int            `json:"attempt,omitempty"`
	RuntimeParameters map[string]any `json:"runtime_parameters,omitempty"`
	ArtifactRefs      []artifactRef  `json:"artifact_refs,omitempty"`
}

type logEntry struct {
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Code      *string        `json:"code"`
	Data      map[string]any `json:"data"`
	Timestamp *string        `json:"timestamp"`
}

type executeResponse struct {
	FinalStatus  string                    `json:"final_status"`
	Logs         []logEntry                `json:"logs"`
	Artifacts    []adapters.ResultArtifact `json:"artifacts"`
	Measurements []map[string]any          `json:"measurements"`
	Failure      *adapters.Failure         `json:"failure"`
	External     *struct {
		RunID     string `json:"runId"`
		RawStatus string `json:"rawStatus"`
	} `json:"external"`
}

type statusResponse struct {
	Status    string            `json:"status"`
	RawStatus string            `json:"raw_status"`
	Failure   *adapters.Failure `json:"failure"`
}

type cancelResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type logsResponse struct {
	Logs []logEntry `json:"logs"`
}

// Execute runs the sidecar's execute operation.
func (t *Transport) Execute(ctx context.Context, req adapters.ExecuteRequest) (*adapters.Result, error) {
	if err := t.gate("execute"); err != nil {
		return nil, err
	}

	refs := make([]artifactRef, 0, len(req.Artifacts))
	for _, a := range req.Artifacts {
		refs = append(refs, artifactRef{Role: a.Role, Path: a.Path, ContentHash: a.ContentHash})
	}

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}

	body := request{
		Operation:         "execute",
		ExecutionRunID:    req.ExecutionRunID,
		RobotPlanID:       req.RobotPlan.ID,
		AdapterID:         t.cfg.AdapterID,
		TargetPlatform:    string(req.RobotPlan.TargetPlatform),
		Attempt:           req.Attempt,
		RuntimeParameters: params,
		ArtifactRefs:      refs,
	}

	var resp executeResponse

	out, err := t.call(ctx, &body, &resp)
	if err != nil {
		return nil, err
	}

	final, ok := adapters.NormalizeFinal(resp.FinalStatus)
	if !ok || final == adapters.FinalRunning {
		return nil, t.badResponse("execute", out, fmt.Sprintf("invalid final_status %q", resp.FinalStatus))
	}

	result := &adapters.Result{
		FinalStatus:  final,
		StatusRaw:    resp.FinalStatus,
		Artifacts:    resp.Artifacts,
		Measurements: resp.Measurements,
		Failure:      resp.Failure,
		Stderr:       string(out.Stderr),
		RawLog:       out.Stdout,
		Logs:         convertLogs(resp.Logs),
	}

	if !out.OK {
		code := out.ExitCode
		result.ExitCode = &code
	}

	if resp.External != nil {
		result.ExternalRunID = resp.External.RunID

		if resp.External.RawStatus != "" {
			result.StatusRaw = resp.External.RawStatus
		}
	}

	return result, nil
}

// Status runs the sidecar's status operation.
func (t *Transport) Status(ctx context.Context, run *models.ExecutionRun) (*adapters.StatusResult, error) {
	if err := t.gate("status"); err != nil {
		return nil, err
	}

	var resp statusResponse

	out, err := t.call(ctx, t.runRequest("status", run), &resp)
	if err != nil {
		return nil, err
	}

	raw := resp.RawStatus
	if raw == "" {
		raw = resp.Status
	}

	result := &adapters.StatusResult{
		Normalized: adapters.NormalizeStatus(resp.Status),
		Raw:        raw,
		Stderr:     string(out.Stderr),
		Failure:    resp.Failure,
	}

	if !out.OK {
		code := out.ExitCode
		result.ExitCode = &code
	}

	return result, nil
}

// Cancel runs the sidecar's cancel operation.
func (t *Transport) Cancel(ctx context.Context, run *models.ExecutionRun) error {
	if err := t.gate("cancel"); err != nil {
		return err
	}

	var resp cancelResponse

	_, err := t.call(ctx, t.runRequest("cancel", run), &resp)
	if err != nil {
		return err
	}

	if !resp.OK {
		return fmt.Errorf("sidecar refused cancel: %s", resp.Message)
	}

	return nil
}

// Logs runs the sidecar's logs operation.
func (t *Transport) Logs(ctx context.Context, run *models.ExecutionRun) ([]adapters.LogLine, error) {
	if err := t.gate("logs"); err != nil {
		return nil, err
	}

	var resp logsResponse

	_, err := t.call(ctx, t.runRequest("logs", run), &resp)
	if err != nil {
		return nil, err
	}

	return convertLogs(resp.Logs), nil
}

// Health checks that the sidecar command resolves and, when required, that
// the contract is ready.
func (t *Transport) Health(_ context.Context) error {
	if _, err := exec.LookPath(t.cfg.Command); err != nil {
		return fmt.Errorf("sidecar command %q not found: %w", t.cfg.Command, err)
	}

	if t.cfg.RequireContract && (t.contract == nil || !t.contract.Ready()) {
		return contract.ErrContractNotReady
	}

	return nil
}

func (t *Transport) runRequest(op string, run *models.ExecutionRun) *request {
	return &request{
		Operation:      op,
		ExecutionRunID: run.RecordID,
		ExternalRunID:  run.ExternalRunID,
		RobotPlanID:    run.RobotPlanRef,
		AdapterID:      t.cfg.AdapterID,
	}
}

func (t *Transport) gate(op string) error {
	if !t.cfg.RequireContract {
		return nil
	}

	if t.contract != nil && t.contract.Ready() {
		return nil
	}

	return &adapters.DispatchError{
		Op:     op,
		Stderr: ErrBadSidecarResponse.Error() + ": contract not ready",
		Err:    fmt.Errorf("%w: %w", ErrBadSidecarResponse, contract.ErrContractNotReady),
	}
}

// call sends req and decodes a contract-checked response into out.
func (t *Transport) call(ctx context.Context, req *request, out any) (RunResult, error) {
	if t.contract != nil {
		req.ContractVersion = t.contract.Version()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to marshal %s request: %w", req.Operation, err)
	}

	if t.contract != nil {
		issues, err := t.contract.Validate(req.Operation, contract.Request, payload)
		if err == nil && len(issues) > 0 {
			return RunResult{}, fmt.Errorf("%s request violates contract: %s", req.Operation, formatIssues(issues))
		}
	}

	t.logger.DebugContext(ctx, "Running sidecar", "operation", req.Operation, "execution_run_id", req.ExecutionRunID)

	res, err := t.run(ctx, t.cfg.Command, t.cfg.Args, payload, t.cfg.Timeout)
	if err != nil {
		return res, &adapters.DispatchError{Op: req.Operation, Stderr: err.Error(), Err: err}
	}

	stdout := bytes.TrimSpace(res.Stdout)
	if len(stdout) == 0 {
		exitCode := res.ExitCode

		return res, &adapters.DispatchError{
			Op:       req.Operation,
			ExitCode: &exitCode,
			Stderr:   string(res.Stderr),
			Err:      fmt.Errorf("sidecar produced no output"),
		}
	}

	if t.contract != nil {
		issues, err := t.contract.Validate(req.Operation, contract.Response, stdout)
		if err != nil {
			return res, t.badResponse(req.Operation, res, err.Error())
		}

		if len(issues) > 0 {
			return res, t.badResponse(req.Operation, res, formatIssues(issues))
		}
	}

	if err := json.Unmarshal(stdout, out); err != nil {
		return res, t.badResponse(req.Operation, res, "invalid json: "+err.Error())
	}

	return res, nil
}

func (t *Transport) badResponse(op string, res RunResult, detail string) error {
	var exitCode *int
	if !res.OK {
		code := res.ExitCode
		exitCode = &code
	}

	return &adapters.DispatchError{
		Op:       op,
		ExitCode: exitCode,
		Stderr:   ErrBadSidecarResponse.Error() + ": " + detail,
		Err:      fmt.Errorf("%w: %s", ErrBadSidecarResponse, detail),
	}
}

func convertLogs(entries []logEntry) []adapters.LogLine {
	lines := make([]adapters.LogLine, 0, len(entries))

	for _, e := range entries {
		line := adapters.LogLine{Message: e.Message, Level: e.Level, Data: e.Data}

		if e.Code != nil {
			line.Code = *e.Code
		}

		if e.Timestamp != nil {
			if ts, err := time.Parse(time.RFC3339Nano, *e.Timestamp); err == nil {
				ts = ts.UTC()
				line.Timestamp = &ts
			}
		}

		lines = append(lines, line)
	}

	return lines
}

func formatIssues(issues []persistence.Issue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.Path+": "+issue.Message)
	}

	return strings.Join(parts, "; ")
}
