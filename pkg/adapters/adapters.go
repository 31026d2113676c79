// Package adapters defines the transport contract between the execution
// engine and robot adapters.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/labrun/pkg/models"
)

// Final statuses an adapter may report for an execute call.
const (
	FinalCompleted = "completed"
	FinalFailed    = "failed"
	FinalCanceled  = "canceled"
	FinalRunning   = "running"
)

// Normalized statuses exposed by Status.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusUnknown   = "unknown"
)

var (
	// ErrNoTransport is returned when no transport matches a dispatch.
	ErrNoTransport = errors.New("no transport available")

	// ErrUnknownAdapter is returned by Registry.Get for unregistered adapter ids.
	ErrUnknownAdapter = errors.New("no runner registered for adapter")

	// ErrNotSupported is returned for operations an adapter does not implement.
	ErrNotSupported = errors.New("operation not supported by adapter")
)

// Artifact is a compiled artifact handed to an adapter.
type Artifact struct {
	Role        string
	Path        string
	ContentHash string
	MediaType   string
	Content     []byte
}

// ExecuteRequest is one dispatch of a robot plan.
type ExecuteRequest struct {
	ExecutionRunID string
	RobotPlan      *models.RobotPlan
	Artifacts      []Artifact
	Parameters     map[string]any
	Attempt        int
}

// Primary returns the first artifact, which adapters submit.
func (r ExecuteRequest) Primary() (Artifact, bool) {
	if len(r.Artifacts) == 0 {
		return Artifact{}, false
	}

	return r.Artifacts[0], true
}

// LogLine is one adapter-side log line.
type LogLine struct {
	Message   string         `json:"message"`
	Level     string         `json:"level,omitempty"`
	Code      string         `json:"code,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// ResultArtifact is an artifact the adapter produced. Content is written to
// the artifact store at URI when present.
type ResultArtifact struct {
	Role    string `json:"role"`
	URI     string `json:"uri"`
	Content []byte `json:"-"`
}

// Failure is an adapter's own classification of a failure.
type Failure struct {
	Code    string `json:"code,omitempty"`
	Class   string `json:"class,omitempty"`
	Message string `json:"message,omitempty"`
}

// Result is the outcome of Execute. FinalStatus FinalRunning means the
// adapter accepted the run and the poller must reconcile it.
type Result struct {
	FinalStatus        string
	StatusRaw          string
	ExternalRunID      string
	ExternalProtocolID string
	Logs               []LogLine
	Artifacts          []ResultArtifact
	Measurements       []map[string]any
	Failure            *Failure
	ExitCode           *int
	Stderr             string
	RawLog             []byte
}

// StatusResult is a normalized status observation.
type StatusResult struct {
	Normalized string
	Raw        string
	ExitCode   *int
	Stderr     string
	Failure    *Failure
}

// Transport dispatches robot plans to one adapter.
type Transport interface {
	// AdapterID is the registry key of this transport.
	AdapterID() string
	Mode() models.ExecutionMode
	Execute(ctx context.Context, req ExecuteRequest) (*Result, error)
	Status(ctx context.Context, run *models.ExecutionRun) (*StatusResult, error)
	Cancel(ctx context.Context, run *models.ExecutionRun) error
	Logs(ctx context.Context, run *models.ExecutionRun) ([]LogLine, error)
	Health(ctx context.Context) error
}

// DispatchError carries the raw signals of a failed adapter call for the
// failure classifier.
type DispatchError struct {
	Op        string
	StatusRaw string
	ExitCode  *int
	Stderr    string
	Err       error
}

func (e *DispatchError) Error() string {
	parts := []string{e.Op + " failed"}

	if e.StatusRaw != "" {
		parts = append(parts, "status "+e.StatusRaw)
	}

	if e.ExitCode != nil {
		parts = append(parts, fmt.Sprintf("exit code %d", *e.ExitCode))
	}

	msg := strings.Join(parts, ", ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

var statusAliases = map[string]string{
	"running":     StatusRunning,
	"queued":      StatusRunning,
	"pending":     StatusRunning,
	"accepted":    StatusRunning,
	"started":     StatusRunning,
	"in_progress": StatusRunning,
	"in-progress": StatusRunning,
	"paused":      StatusRunning,
	"finishing":   StatusRunning,
	"completed":   StatusCompleted,
	"complete":    StatusCompleted,
	"succeeded":   StatusCompleted,
	"success":     StatusCompleted,
	"finished":    StatusCompleted,
	"done":        StatusCompleted,
	"failed":      StatusFailed,
	"failure":     StatusFailed,
	"error":       StatusFailed,
	"errored":     StatusFailed,
	"canceled":    StatusFailed,
	"cancelled":   StatusFailed,
	"stopped":     StatusFailed,
	"aborted":     StatusFailed,
}

// NormalizeStatus maps a raw adapter status onto running, completed, failed
// or unknown.
func NormalizeStatus(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.TrimPrefix(key, "run_")
	key = strings.TrimPrefix(key, "status_")

	if normalized, ok := statusAliases[key]; ok {
		return normalized
	}

	return StatusUnknown
}

// NormalizeFinal maps a raw status onto the final statuses accepted from an
// execute call. ok is false when raw is not one of them.
func NormalizeFinal(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case FinalCompleted:
		return FinalCompleted, true
	case FinalFailed:
		return FinalFailed, true
	case FinalCanceled, "cancelled":
		return FinalCanceled, true
	case FinalRunning, "queued", "pending", "accepted":
		return FinalRunning, true
	default:
		return "", false
	}
}

// Simulated reports whether the runtime parameters ask for simulation.
func Simulated(params map[string]any) bool {
	v, ok := params["simulate"].(bool)

	return ok && v
}
