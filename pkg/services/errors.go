// Package services implements the execution engine's operations: planned
// run lifecycle, robot plan control, execution run reconciliation,
// materialization and incidents.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/labrun/pkg/adapters/sidecar"
	"github.com/dukex/labrun/pkg/contract"
	"github.com/dukex/labrun/pkg/persistence"
)

// Request-level error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidationError    = persistence.CodeValidationError
	CodeLintError          = persistence.CodeLintError
	CodeUpdateFailed       = persistence.CodeUpdateFailed
	CodeCreateFailed       = persistence.CodeCreateFailed
	CodeBadSidecarResponse = "BAD_SIDECAR_RESPONSE"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL"
)

var (
	// Lookup errors (404 Not Found).
	ErrNotFound = errors.New("not found")

	// Validation errors (400 Bad Request).
	ErrBadRequest          = errors.New("bad request")
	ErrInvalidParameters   = errors.New("INVALID_PARAMETERS")
	ErrUnsupportedPlatform = errors.New("unsupported target platform")
	ErrNoArtifacts         = errors.New("robot plan has no artifacts")

	// State conflicts (409 Conflict).
	ErrConflict = errors.New("conflict")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string              // Operation name
	Code    string              // Error code for API responses
	Message string              // Human-readable message
	Issues  []persistence.Issue // Validation findings, if any
	Err     error               // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// ErrorCode returns the API error code.
func (e *ServiceError) ErrorCode() string {
	return e.Code
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func notFound(op, what, id string) *ServiceError {
	return &ServiceError{Op: op, Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", what, id), Err: ErrNotFound}
}

func badRequest(op string, err error, format string, args ...any) *ServiceError {
	if err == nil {
		err = ErrBadRequest
	}

	return &ServiceError{Op: op, Code: CodeBadRequest, Message: fmt.Sprintf(format, args...), Err: err}
}

func conflict(op string, err error, format string, args ...any) *ServiceError {
	if err == nil {
		err = ErrConflict
	}

	return &ServiceError{Op: op, Code: CodeConflict, Message: fmt.Sprintf(format, args...), Err: err}
}

// storeError converts a record store failure into a ServiceError carrying
// the matching request-level code.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return err
	}

	if persistence.IsNotFound(err) || errors.Is(err, persistence.ErrFileNotFound) {
		return &ServiceError{Op: op, Code: CodeNotFound, Err: errors.Join(ErrNotFound, err)}
	}

	var writeErr *persistence.WriteError
	if errors.As(err, &writeErr) {
		return &ServiceError{Op: op, Code: writeErr.Code, Issues: writeErr.Issues, Err: err}
	}

	if persistence.IsConflict(err) {
		return &ServiceError{Op: op, Code: CodeUpdateFailed, Err: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}

// CodeOf returns the machine-readable code for err.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Code != "" {
		return svcErr.Code
	}

	if code := persistence.WriteCode(err); code != "" {
		return code
	}

	switch {
	case persistence.IsNotFound(err), errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, sidecar.ErrBadSidecarResponse), errors.Is(err, contract.ErrContractNotReady):
		return CodeBadSidecarResponse
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidParameters):
		return CodeBadRequest
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case persistence.IsConflict(err):
		return CodeUpdateFailed
	default:
		return CodeInternal
	}
}

// IssuesOf returns the validation findings carried by err.
func IssuesOf(err error) []persistence.Issue {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && len(svcErr.Issues) > 0 {
		return svcErr.Issues
	}

	var writeErr *persistence.WriteError
	if errors.As(err, &writeErr) {
		return writeErr.Issues
	}

	return nil
}

// IsNotFound checks if an error should return HTTP 404.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsBadRequest checks if an error should return HTTP 400.
func IsBadRequest(err error) bool {
	return CodeOf(err) == CodeBadRequest
}

// IsConflict checks if an error is a state conflict that should return HTTP 409.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}

// IsInvalidParameters checks if runtime parameters were rejected.
func IsInvalidParameters(err error) bool {
	return errors.Is(err, ErrInvalidParameters)
}
