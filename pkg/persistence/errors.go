package persistence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/labrun/pkg/models"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrRecordNotFound indicates no record exists with the given id.
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecordExists indicates a record with the same id already exists.
	ErrRecordExists = errors.New("record already exists")

	// ErrVersionConflict indicates the stored version differs from the expected one.
	ErrVersionConflict = errors.New("record version conflict")

	// ErrInvalidRecord indicates the envelope is structurally unusable.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrFileNotFound indicates no artifact file exists at the path.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileExists indicates an artifact file already exists at the path.
	ErrFileExists = errors.New("file already exists")

	// ErrFileConflict indicates the stored file SHA differs from the expected one.
	ErrFileConflict = errors.New("file sha conflict")

	// ErrInvalidFilter indicates a list filter key is not allowed.
	ErrInvalidFilter = errors.New("invalid list filter")
)

// Machine-readable write failure codes.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeLintError       = "LINT_ERROR"
	CodeCreateFailed    = "CREATE_FAILED"
	CodeUpdateFailed    = "UPDATE_FAILED"
)

// WriteError reports a rejected create or update.
type WriteError struct {
	Op       string  // "Create" or "Update"
	Code     string  // One of the Code* constants
	RecordID string  // Record the write targeted
	Issues   []Issue // Schema or lint findings, if any
	Err      error   // Underlying error
}

func (e *WriteError) Error() string {
	if len(e.Issues) > 0 {
		parts := make([]string, 0, len(e.Issues))
		for _, issue := range e.Issues {
			parts = append(parts, issue.Path+": "+issue.Message)
		}

		return fmt.Sprintf("%s %s rejected (%s): %s", e.Op, e.RecordID, e.Code, strings.Join(parts, "; "))
	}

	return fmt.Sprintf("%s %s failed (%s): %v", e.Op, e.RecordID, e.Code, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// RecordError wraps record lookups with additional context.
type RecordError struct {
	Op       string // Operation being performed (e.g., "Get", "List")
	RecordID string // Record ID if applicable
	Err      error  // Underlying error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s operation failed for record %s: %v", e.Op, e.RecordID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for record errors.
func (e *RecordError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRecordError creates a new record error with context.
func NewRecordError(op, recordID string, err error) *RecordError {
	return &RecordError{Op: op, RecordID: recordID, Err: err}
}

// IsNotFound checks if an error indicates a record was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// IsConflict checks if an error indicates an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrFileConflict)
}

// WriteCode returns the write failure code carried by err, or "".
func WriteCode(err error) string {
	var writeErr *WriteError
	if errors.As(err, &writeErr) {
		return writeErr.Code
	}

	return ""
}

// CheckGate runs the gate for a write and returns a *WriteError when the
// record is rejected. A nil gate accepts everything.
func CheckGate(gate Gate, op string, env *models.Envelope, skipValidation, skipLint bool) error {
	if gate == nil {
		return nil
	}

	if !skipValidation {
		if issues := gate.Validate(env); len(issues) > 0 {
			return &WriteError{Op: op, Code: CodeValidationError, RecordID: env.RecordID, Issues: issues, Err: ErrInvalidRecord}
		}
	}

	if !skipLint {
		if issues := gate.Lint(env); len(issues) > 0 {
			return &WriteError{Op: op, Code: CodeLintError, RecordID: env.RecordID, Issues: issues, Err: ErrInvalidRecord}
		}
	}

	return nil
}
