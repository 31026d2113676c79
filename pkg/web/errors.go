package web

import (
	"errors"
	"strings"

	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/services"
	"github.com/dukex/labrun/pkg/workers"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// Problem is an RFC 7807 problem carrying the engine's error code and, when
// relevant, the records a failed request still wrote.
type Problem struct {
	*problems.Problem

	Code           string                    `json:"code,omitempty"`
	Issues         []persistence.Issue       `json:"issues,omitempty"`
	ExecutionRunID string                    `json:"execution_run_id,omitempty"`
	LogID          string                    `json:"log_id,omitempty"`
	RunStatus      models.ExecutionRunStatus `json:"run_status,omitempty"`
	LeaseBlockedBy *workers.LeaseBlock       `json:"lease_blocked_by,omitempty"`
}

func newProblem(c fiber.Ctx, status int, problemType, code string) *Problem {
	return &Problem{
		Problem: problems.NewStatusProblem(status).
			WithInstance(c.Path()).
			WithType(problemType),
		Code: code,
	}
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := newProblem(c, fiber.StatusBadRequest, "validation_error", services.CodeBadRequest)
	problem.Detail = detail

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func statusForCode(code string) (int, string) {
	switch code {
	case services.CodeNotFound:
		return fiber.StatusNotFound, "not_found"
	case services.CodeBadRequest, services.CodeValidationError, services.CodeLintError:
		return fiber.StatusBadRequest, strings.ToLower(code)
	case services.CodeConflict, services.CodeUpdateFailed:
		return fiber.StatusConflict, strings.ToLower(code)
	case services.CodeBadSidecarResponse:
		return fiber.StatusBadGateway, "bad_sidecar_response"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

// handleServiceError maps service layer errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, workers.ErrUnknownWorker):
		problem := newProblem(c, fiber.StatusNotFound, "worker_not_found", services.CodeNotFound)
		problem.Detail = err.Error()

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case errors.Is(err, workers.ErrLeaseHeld):
		return leaseHeld(c, err, nil)
	}

	code := services.CodeOf(err)
	status, problemType := statusForCode(code)

	if services.IsInvalidParameters(err) {
		problemType = "invalid_parameters"
	}

	problem := newProblem(c, status, problemType, code)
	problem.Issues = services.IssuesOf(err)

	if status == fiber.StatusInternalServerError {
		problem.Problem = problem.WithError(err)
	} else {
		problem.Detail = err.Error()
	}

	return c.Status(status).JSON(problem)
}

func leaseHeld(c fiber.Ctx, err error, block *workers.LeaseBlock) error {
	problem := newProblem(c, fiber.StatusConflict, "lease_held", services.CodeConflict)
	problem.Detail = err.Error()
	problem.LeaseBlockedBy = block

	return c.Status(fiber.StatusConflict).JSON(problem)
}

// handleDispatchError answers a dispatch that failed after its execution
// run was recorded. Request errors fall through to handleServiceError.
func handleDispatchError(c fiber.Ctx, result *services.ExecuteResult, err error) error {
	if result == nil || result.ExecutionRunID == "" {
		return handleServiceError(c, err)
	}

	code := services.CodeOf(err)
	if code == services.CodeInternal {
		code = "DISPATCH_FAILED"
	}

	problem := newProblem(c, fiber.StatusBadGateway, "dispatch_failed", code)
	problem.Detail = err.Error()
	problem.ExecutionRunID = result.ExecutionRunID
	problem.LogID = result.LogID
	problem.RunStatus = result.Status

	return c.Status(fiber.StatusBadGateway).JSON(problem)
}
