// Package web provides HTTP handlers and REST API endpoints for the execution engine.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/labrun/pkg/contract"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/services"
	"github.com/dukex/labrun/pkg/workers"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Services are the collaborators behind the API.
type Services struct {
	Orchestrator  *services.Orchestrator
	Executor      services.Executor
	Control       *services.Control
	ExecutionRuns *services.ExecutionRuns
	Incidents     *services.Incidents
	Workers       *workers.Set
	Contract      *contract.Contract
	Store         persistence.RecordStore
}

type APIHandlers struct {
	svc       Services
	validator *validator.Validate
}

func NewAPIHandlers(svc Services, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{svc: svc, validator: validator}
}

// Routes registers every endpoint on router.
func (h *APIHandlers) Routes(router fiber.Router) {
	pr := router.Group("/planned-runs")
	pr.Post("/", h.CreatePlannedRun)
	pr.Get("/:id", h.GetPlannedRun)
	pr.Post("/:id/compile", h.CompilePlannedRun)

	rp := router.Group("/robot-plans")
	rp.Get("/:id", h.GetRobotPlan)
	rp.Post("/:id/execute", h.ExecuteRobotPlan)
	rp.Post("/:id/cancel", h.CancelRobotPlan)
	rp.Get("/:id/status", h.GetRobotPlanStatus)
	rp.Get("/:id/logs", h.ListRobotPlanLogs)
	rp.Get("/:id/artifacts/:role", h.GetRobotPlanArtifact)

	er := router.Group("/execution-runs")
	er.Get("/", h.ListExecutionRuns)
	er.Get("/:id", h.GetExecutionRun)
	er.Get("/:id/lineage", h.GetExecutionRunLineage)
	er.Post("/:id/retry", h.RetryExecutionRun)
	er.Post("/:id/resolve", h.ResolveExecutionRun)
	er.Post("/:id/cancel", h.CancelExecutionRun)
	er.Post("/:id/materialize", h.MaterializeExecutionRun)

	w := router.Group("/workers")
	w.Get("/", h.ListWorkers)
	w.Get("/:name", h.GetWorker)
	w.Post("/:name/start", h.StartWorker)
	w.Post("/:name/stop", h.StopWorker)
	w.Post("/:name/force-takeover", h.ForceTakeoverWorker)
	w.Post("/:name/run-once", h.RunWorkerOnce)

	inc := router.Group("/incidents")
	inc.Get("/", h.ListIncidents)
	inc.Post("/scan", h.ScanIncidents)
	inc.Post("/:id/ack", h.AckIncident)
	inc.Post("/:id/resolve", h.ResolveIncident)

	ep := router.Group("/execution-plans")
	ep.Post("/:id/validate", h.ValidateExecutionPlan)
	ep.Post("/:id/emit", h.EmitExecutionPlan)

	router.Get("/sidecar/contract", h.GetSidecarContract)
	router.Get("/health", h.HealthCheck)
}

// bind decodes an optional JSON body into req and validates it.
func (h *APIHandlers) bind(c fiber.Ctx, req any) error {
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	return nil
}

func (h *APIHandlers) CreatePlannedRun(c fiber.Ctx) error {
	var req CreatePlannedRunRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	run, err := h.svc.Orchestrator.CreatePlannedRun(c.Context(), services.CreatePlannedRunRequest{
		Title:      req.Title,
		SourceType: req.SourceType,
		SourceRef:  req.SourceRef,
		Bindings:   req.Bindings,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) GetPlannedRun(c fiber.Ctx) error {
	run, err := h.svc.Orchestrator.GetPlannedRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CompilePlannedRun(c fiber.Ctx) error {
	var req CompilePlannedRunRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	plan, err := h.svc.Orchestrator.CompilePlannedRun(c.Context(), c.Params("id"), req.TargetPlatform)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(plan)
}

func (h *APIHandlers) GetRobotPlan(c fiber.Ctx) error {
	plan, err := h.svc.Orchestrator.GetRobotPlan(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(plan)
}

func (h *APIHandlers) ExecuteRobotPlan(c fiber.Ctx) error {
	var req ExecuteRobotPlanRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	result, err := h.svc.Executor.ExecuteRobotPlan(c.Context(), c.Params("id"), services.ExecuteOptions{
		ParentExecutionRunID: req.ParentExecutionRunID,
		Parameters:           req.Parameters,
	})
	if err != nil {
		return handleDispatchError(c, result, err)
	}

	return c.Status(executeStatus(result)).JSON(result)
}

// executeStatus is 202 while the adapter has not finished the run.
func executeStatus(result *services.ExecuteResult) int {
	if result.Status == models.ExecutionRunStatusRunning {
		return fiber.StatusAccepted
	}

	return fiber.StatusCreated
}

func (h *APIHandlers) CancelRobotPlan(c fiber.Ctx) error {
	result, err := h.svc.Control.CancelRobotPlan(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetRobotPlanStatus(c fiber.Ctx) error {
	status, err := h.svc.Control.GetRobotPlanStatus(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) ListRobotPlanLogs(c fiber.Ctx) error {
	logs, err := h.svc.Control.ListRobotPlanLogs(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(logs)
}

func (h *APIHandlers) GetRobotPlanArtifact(c fiber.Ctx) error {
	artifact, err := h.svc.Orchestrator.GetRobotPlanArtifact(c.Context(), c.Params("id"), c.Params("role"))
	if err != nil {
		return handleServiceError(c, err)
	}

	c.Attachment(artifact.Filename)

	if artifact.MediaType != "" {
		c.Set(fiber.HeaderContentType, artifact.MediaType)
	}

	if artifact.ContentHash != "" {
		c.Set(fiber.HeaderETag, strconv.Quote(artifact.ContentHash))
	}

	return c.Send(artifact.Content)
}

// parseListExecutionRunsRequest parses the query parameters for listing execution runs.
func parseListExecutionRunsRequest(c fiber.Ctx) (services.ListFilter, error) {
	filter := services.ListFilter{
		RobotPlanRef: c.Query("robot_plan_ref"),
		Status:       models.ExecutionRunStatus(c.Query("status")),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return filter, err
		}

		filter.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return filter, err
		}

		filter.Offset = offset
	}

	return filter, nil
}

func (h *APIHandlers) ListExecutionRuns(c fiber.Ctx) error {
	filter, err := parseListExecutionRunsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	runs, err := h.svc.ExecutionRuns.List(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"execution_runs": runs,
		"pagination": fiber.Map{
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

func (h *APIHandlers) GetExecutionRun(c fiber.Ctx) error {
	run, err := h.svc.ExecutionRuns.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) GetExecutionRunLineage(c fiber.Ctx) error {
	lineage, err := h.svc.ExecutionRuns.Lineage(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"lineage": lineage})
}

func (h *APIHandlers) RetryExecutionRun(c fiber.Ctx) error {
	var req RetryExecutionRunRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	result, err := h.svc.ExecutionRuns.Retry(c.Context(), c.Params("id"), req.Force)
	if err != nil {
		return handleDispatchError(c, result, err)
	}

	return c.Status(executeStatus(result)).JSON(result)
}

func (h *APIHandlers) ResolveExecutionRun(c fiber.Ctx) error {
	var req ResolveExecutionRunRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	run, err := h.svc.ExecutionRuns.Resolve(c.Context(), c.Params("id"), req.Note)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CancelExecutionRun(c fiber.Ctx) error {
	result, err := h.svc.ExecutionRuns.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) MaterializeExecutionRun(c fiber.Ctx) error {
	id := c.Params("id")

	graphID, err := h.svc.ExecutionRuns.Materialize(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(MaterializeResponse{ExecutionRunID: id, EventGraphID: graphID})
}

func (h *APIHandlers) ListWorkers(c fiber.Ctx) error {
	all := h.svc.Workers.All()

	statuses := make([]workers.Status, 0, len(all))
	for _, w := range all {
		statuses = append(statuses, w.Status())
	}

	return c.JSON(fiber.Map{"workers": statuses})
}

func (h *APIHandlers) GetWorker(c fiber.Ctx) error {
	w, err := h.svc.Workers.Get(c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(w.Status())
}

func (h *APIHandlers) startWorker(c fiber.Ctx, force bool) error {
	var req StartWorkerRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	w, err := h.svc.Workers.Get(c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	interval := time.Duration(req.IntervalMs) * time.Millisecond

	status, err := w.Start(c.Context(), interval, workers.StartOptions{ForceTakeover: force})
	if err != nil {
		if status.LeaseBlockedBy != nil {
			return leaseHeld(c, err, status.LeaseBlockedBy)
		}

		return handleServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) StartWorker(c fiber.Ctx) error {
	return h.startWorker(c, false)
}

func (h *APIHandlers) ForceTakeoverWorker(c fiber.Ctx) error {
	return h.startWorker(c, true)
}

func (h *APIHandlers) StopWorker(c fiber.Ctx) error {
	w, err := h.svc.Workers.Get(c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	status, err := w.Stop(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) RunWorkerOnce(c fiber.Ctx) error {
	w, err := h.svc.Workers.Get(c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	summary, err := w.RunOnce(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"worker": w.Name(), "summary": summary})
}

func (h *APIHandlers) ListIncidents(c fiber.Ctx) error {
	incidents, err := h.svc.Incidents.List(c.Context(), models.IncidentStatus(c.Query("status")))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"incidents": incidents})
}

func (h *APIHandlers) ScanIncidents(c fiber.Ctx) error {
	summary, err := h.svc.Incidents.Scan(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(summary)
}

func (h *APIHandlers) AckIncident(c fiber.Ctx) error {
	var req IncidentNoteRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	incident, err := h.svc.Incidents.Ack(c.Context(), c.Params("id"), req.Note, req.By)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(incident)
}

func (h *APIHandlers) ResolveIncident(c fiber.Ctx) error {
	var req IncidentNoteRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	incident, err := h.svc.Incidents.Resolve(c.Context(), c.Params("id"), req.Note, req.By)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(incident)
}

func (h *APIHandlers) ValidateExecutionPlan(c fiber.Ctx) error {
	var req ValidateExecutionPlanRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	result, err := h.svc.Orchestrator.ValidateExecutionPlan(c.Context(), c.Params("id"), req.EnvironmentID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) EmitExecutionPlan(c fiber.Ctx) error {
	var req EmitExecutionPlanRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	result, err := h.svc.Orchestrator.EmitExecutionPlan(c.Context(), c.Params("id"), req.EnvironmentID, req.Target)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetSidecarContract(c fiber.Ctx) error {
	if h.svc.Contract == nil {
		return handleServiceError(c, &services.ServiceError{
			Op: "GetSidecarContract", Code: services.CodeNotFound, Message: "no sidecar contract loaded", Err: services.ErrNotFound,
		})
	}

	return c.JSON(ContractResponse{
		Version:  h.svc.Contract.Version(),
		Ready:    h.svc.Contract.Ready(),
		SelfTest: h.svc.Contract.LastReport(),
		Manifest: h.svc.Contract.Manifest(),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	checkers := map[string]string{"record_store": "ok"}
	healthy := true

	if err := h.svc.Store.HealthCheck(c.Context()); err != nil {
		checkers["record_store"] = err.Error()
		healthy = false
	}

	if h.svc.Contract != nil {
		checkers["sidecar_contract"] = "not_ready"
		if h.svc.Contract.Ready() {
			checkers["sidecar_contract"] = "ready"
		}
	}

	response := HealthResponse{
		Status:    "healthy",
		Message:   "labrun is healthy",
		Checkers:  checkers,
		Timestamp: time.Now().UTC(),
	}

	httpStatus := http.StatusOK
	if !healthy {
		response.Status = "unhealthy"
		response.Message = "labrun is unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(response)
}
