// Package twostep dispatches robot plans to adapters that expect the
// protocol file to be uploaded before a run is created for it.
package twostep

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/adapters/httpsubmit"
	"github.com/dukex/labrun/pkg/models"
)

// Config configures a two-step HTTP transport.
type Config struct {
	AdapterID string
	BaseURL   string
	Timeout   time.Duration
	Headers   map[string]string
}

// Transport uploads the protocol, then creates a run referencing it.
type Transport struct {
	adapterID string
	client    *httpsubmit.Client
	logger    *slog.Logger
}

// New creates a two-step HTTP transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	logger = logger.With("module", "two_step_http", "adapter_id", cfg.AdapterID)

	return &Transport{
		adapterID: cfg.AdapterID,
		client:    httpsubmit.NewClient(cfg.BaseURL, cfg.Timeout, cfg.Headers, logger),
		logger:    logger,
	}
}

func (t *Transport) AdapterID() string { return t.adapterID }

func (t *Transport) Mode() models.ExecutionMode { return models.ExecutionModeTwoStep }

type protocolRequest struct {
	Filename  string `json:"filename"`
	MediaType string `json:"media_type,omitempty"`
	Content   string `json:"content"`
}

type runRequest struct {
	ProtocolID string            `json:"protocol_id"`
	Parameters map[string]any    `json:"parameters"`
	Labels     map[string]string `json:"labels"`
}

// resource accepts both bare and {"data": {...}} wrapped responses.
type resource struct {
	ID      string            `json:"id"`
	Status  string            `json:"status"`
	Failure *adapters.Failure `json:"failure,omitempty"`
	Data    *struct {
		ID      string            `json:"id"`
		Status  string            `json:"status"`
		Failure *adapters.Failure `json:"failure,omitempty"`
	} `json:"data,omitempty"`
}

func (r resource) unwrap() (string, string, *adapters.Failure) {
	if r.Data != nil {
		return r.Data.ID, r.Data.Status, r.Data.Failure
	}

	return r.ID, r.Status, r.Failure
}

type actionRequest struct {
	ActionType string `json:"action_type"`
}

type logsResponse struct {
	Logs []adapters.LogLine `json:"logs"`
}

func (t *Transport) Execute(ctx context.Context, req adapters.ExecuteRequest) (*adapters.Result, error) {
	artifact, ok := req.Primary()
	if !ok {
		return nil, fmt.Errorf("robot plan %s has no artifact to submit", req.RobotPlan.ID)
	}

	var proto resource

	err := t.client.Do(ctx, "create_protocol", http.MethodPost, "/protocols", protocolRequest{
		Filename:  path.Base(artifact.Path),
		MediaType: artifact.MediaType,
		Content:   string(artifact.Content),
	}, &proto)
	if err != nil {
		return nil, err
	}

	protocolID, _, _ := proto.unwrap()
	if protocolID == "" {
		return nil, &adapters.DispatchError{Op: "create_protocol", Stderr: "malformed response: missing protocol id"}
	}

	t.logger.DebugContext(ctx, "protocol uploaded", "protocol_id", protocolID, "execution_run_id", req.ExecutionRunID)

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}

	var run resource

	err = t.client.Do(ctx, "create_run", http.MethodPost, "/runs", runRequest{
		ProtocolID: protocolID,
		Parameters: params,
		Labels: map[string]string{
			"execution_run_id": req.ExecutionRunID,
			"robot_plan_id":    req.RobotPlan.ID,
		},
	}, &run)
	if err != nil {
		return nil, err
	}

	runID, status, failure := run.unwrap()
	if runID == "" {
		return nil, &adapters.DispatchError{Op: "create_run", StatusRaw: status, Stderr: "malformed response: missing run id"}
	}

	return httpsubmit.ResultFromStatus(runID, protocolID, status, failure), nil
}

func (t *Transport) Status(ctx context.Context, run *models.ExecutionRun) (*adapters.StatusResult, error) {
	if run.ExternalRunID == "" {
		return &adapters.StatusResult{Normalized: adapters.StatusUnknown}, nil
	}

	var res resource

	if err := t.client.Do(ctx, "status", http.MethodGet, "/runs/"+url.PathEscape(run.ExternalRunID), nil, &res); err != nil {
		return nil, err
	}

	_, status, failure := res.unwrap()

	return &adapters.StatusResult{Normalized: adapters.NormalizeStatus(status), Raw: status, Failure: failure}, nil
}

// Cancel issues a stop action against the run.
func (t *Transport) Cancel(ctx context.Context, run *models.ExecutionRun) error {
	if run.ExternalRunID == "" {
		return nil
	}

	return t.client.Do(ctx, "cancel", http.MethodPost, "/runs/"+url.PathEscape(run.ExternalRunID)+"/actions",
		actionRequest{ActionType: "stop"}, nil)
}

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

func (t *Transport) Health(ctx context.Context) error {
	return t.client.Do(ctx, "health", http.MethodGet, "/health", nil, nil)
}
