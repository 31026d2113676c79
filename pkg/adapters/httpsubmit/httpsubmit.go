// Package httpsubmit dispatches robot plans by posting the artifact and
// runtime parameters directly to an adapter's HTTP API.
package httpsubmit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/models"
)

// Config configures a direct HTTP submit transport.
type Config struct {
	AdapterID string
	BaseURL   string
	Timeout   time.Duration
	Headers   map[string]string
}

// Transport implements adapters.Transport with a single submit call.
type Transport struct {
	adapterID string
	client    *Client
}

// New creates a direct HTTP submit transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	logger = logger.With("module", "http_submit", "adapter_id", cfg.AdapterID)

	return &Transport{
		adapterID: cfg.AdapterID,
		client:    NewClient(cfg.BaseURL, cfg.Timeout, cfg.Headers, logger),
	}
}

func (t *Transport) AdapterID() string { return t.adapterID }

func (t *Transport) Mode() models.ExecutionMode { return models.ExecutionModeHTTPSubmit }

type submitArtifact struct {
	Role      string `json:"role"`
	Filename  string `json:"filename"`
	MediaType string `json:"media_type,omitempty"`
	Content   string `json:"content"`
}

type submitRequest struct {
	RobotPlanID    string         `json:"robot_plan_id"`
	ExecutionRunID string         `json:"execution_run_id"`
	Attempt        int            `json:"attempt"`
	TargetPlatform string         `json:"target_platform"`
	Artifact       submitArtifact `json:"artifact"`
	Parameters     map[string]any `json:"parameters"`
}

type runResponse struct {
	RunID   string            `json:"runId"`
	ID      string            `json:"id"`
	Status  string            `json:"status"`
	Failure *adapters.Failure `json:"failure,omitempty"`
}

func (r runResponse) id() string {
	if r.RunID != "" {
		return r.RunID
	}

	return r.ID
}

type logsResponse struct {
	Logs []adapters.LogLine `json:"logs"`
}

// Execute posts the primary artifact and parameters.
func (t *Transport) Execute(ctx context.Context, req adapters.ExecuteRequest) (*adapters.Result, error) {
	artifact, ok := req.Primary()
	if !ok {
		return nil, fmt.Errorf("robot plan %s has no artifact to submit", req.RobotPlan.ID)
	}

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}

	body := submitRequest{
		RobotPlanID:    req.RobotPlan.ID,
		ExecutionRunID: req.ExecutionRunID,
		Attempt:        req.Attempt,
		TargetPlatform: string(req.RobotPlan.TargetPlatform),
		Artifact: submitArtifact{
			Role:      artifact.Role,
			Filename:  path.Base(artifact.Path),
			MediaType: artifact.MediaType,
			Content:   string(artifact.Content),
		},
		Parameters: params,
	}

	var resp runResponse

	if err := t.client.Do(ctx, "submit", http.MethodPost, "/runs", body, &resp); err != nil {
		return nil, err
	}

	if resp.id() == "" {
		return nil, &adapters.DispatchError{Op: "submit", StatusRaw: resp.Status, Stderr: "malformed response: missing run id"}
	}

	return ResultFromStatus(resp.id(), "", resp.Status, resp.Failure), nil
}

// ResultFromStatus builds an execute result from the status returned at
// submission. Unrecognised statuses are treated as accepted and running.
func ResultFromStatus(runID, protocolID, status string, failure *adapters.Failure) *adapters.Result {
	final, ok := adapters.NormalizeFinal(status)
	if !ok {
		switch adapters.NormalizeStatus(status) {
		case adapters.StatusCompleted:
			final = adapters.FinalCompleted
		case adapters.StatusFailed:
			final = adapters.FinalFailed
		default:
			final = adapters.FinalRunning
		}
	}

	return &adapters.Result{
		FinalStatus:        final,
		StatusRaw:          status,
		ExternalRunID:      runID,
		ExternalProtocolID: protocolID,
		Failure:            failure,
	}
}

// Status fetches the run's current status.
func (t *Transport) Status(ctx context.Context, run *models.ExecutionRun) (*adapters.StatusResult, error) {
	if run.ExternalRunID == "" {
		return &adapters.StatusResult{Normalized: adapters.StatusUnknown}, nil
	}

	var resp runResponse

	if err := t.client.Do(ctx, "status", http.MethodGet, "/runs/"+url.PathEscape(run.ExternalRunID), nil, &resp); err != nil {
		return nil, err
	}

	return &adapters.StatusResult{Normalized: adapters.NormalizeStatus(resp.Status), Raw: resp.Status, Failure: resp.Failure}, nil
}

// Cancel asks the adapter to stop the run.
func (t *Transport) Cancel(ctx context.Context, run *models.ExecutionRun) error {
	if run.ExternalRunID == "" {
		return nil
	}

	return t.client.Do(ctx, "cancel", http.MethodPost, "/runs/"+url.PathEscape(run.ExternalRunID)+"/cancel", map[string]any{}, nil)
}

// Logs fetches adapter-side log lines.
func (t *Transport) Logs(ctx context.Context, run *models.ExecutionRun) ([]adapters.LogLine, error) {
	if run.ExternalRunID == "" {
		return nil, nil
	}

	var resp logsResponse

	if err := t.client.Do(ctx, "logs", http.MethodGet, "/runs/"+url.PathEscape(run.ExternalRunID)+"/logs", nil, &resp); err != nil {
		return nil, err
	}

	return resp.Logs, nil
}

// Health probes the adapter's health endpoint.
func (t *Transport) Health(ctx context.Context) error {
	return t.client.Do(ctx, "health", http.MethodGet, "/health", nil, nil)
}
