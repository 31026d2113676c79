package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/dukex/labrun/pkg/compiler"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
)

const (
	robotArtifactRoot = "records/robot-artifact"
	planArtifactRoot  = "records/execution-plan-artifact"
)

// Orchestrator implements the planned run lifecycle up to a compiled robot
// plan, and execution plan validation and emission.
type Orchestrator struct {
	repo      *records.Repository
	artifacts persistence.ArtifactStore
	logger    *slog.Logger
}

// NewOrchestrator creates a new orchestrator service.
func NewOrchestrator(repo *records.Repository, artifacts persistence.ArtifactStore, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		artifacts: artifacts,
		logger:    logger.With("module", "orchestrator"),
	}
}

// CreatePlannedRunRequest describes a new planned run.
type CreatePlannedRunRequest struct {
	Title      string
	SourceType models.SourceType
	SourceRef  string
	Bindings   models.Bindings
}

// CreatePlannedRun stores a planned run for an existing protocol or event
// graph. It starts ready when its bindings are structurally complete.
func (o *Orchestrator) CreatePlannedRun(ctx context.Context, req CreatePlannedRunRequest) (*models.PlannedRun, error) {
	const op = "CreatePlannedRun"

	if strings.TrimSpace(req.Title) == "" {
		return nil, badRequest(op, nil, "title is required")
	}

	if !req.SourceType.Valid() {
		return nil, badRequest(op, nil, "unknown source type %q", req.SourceType)
	}

	if err := o.checkSourceKind(ctx, op, req.SourceType, req.SourceRef); err != nil {
		return nil, err
	}

	state := models.PlannedRunStateDraft
	if req.Bindings.Present() {
		state = models.PlannedRunStateReady
	}

	rec, err := records.Create(ctx, o.repo, models.KindPlannedRun, "create planned run", func(id string) *models.PlannedRun {
		return &models.PlannedRun{
			RecordID:   id,
			Title:      strings.TrimSpace(req.Title),
			SourceType: req.SourceType,
			SourceRef:  req.SourceRef,
			Bindings:   req.Bindings,
			State:      state,
		}
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	o.logger.InfoContext(ctx, "planned run created", "planned_run_id", rec.Value.RecordID, "state", state)

	return rec.Value, nil
}

func (o *Orchestrator) checkSourceKind(ctx context.Context, op string, sourceType models.SourceType, ref string) error {
	env, err := o.repo.Store().Get(ctx, ref)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(op, string(sourceType), ref)
		}

		return storeError(op, err)
	}

	if env.Kind != sourceType.Kind() {
		return notFound(op, string(sourceType), ref)
	}

	return nil
}

// GetPlannedRun loads a planned run.
func (o *Orchestrator) GetPlannedRun(ctx context.Context, id string) (*models.PlannedRun, error) {
	rec, err := records.Get[models.PlannedRun](ctx, o.repo, models.KindPlannedRun, id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, notFound("GetPlannedRun", "planned run", id)
		}

		return nil, storeError("GetPlannedRun", err)
	}

	return rec.Value, nil
}

// GetRobotPlan loads a robot plan.
func (o *Orchestrator) GetRobotPlan(ctx context.Context, id string) (*models.RobotPlan, error) {
	return loadRobotPlan(ctx, o.repo, "GetRobotPlan", id)
}

func loadRobotPlan(ctx context.Context, repo *records.Repository, op, id string) (*models.RobotPlan, error) {
	rec, err := records.Get[models.RobotPlan](ctx, repo, models.KindRobotPlan, id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, notFound(op, "robot plan", id)
		}

		return nil, storeError(op, err)
	}

	return rec.Value, nil
}

func (o *Orchestrator) loadSource(ctx context.Context, op string, run *models.PlannedRun) (compiler.Source, error) {
	switch run.SourceType {
	case models.SourceTypeEventGraph:
		rec, err := records.Get[models.EventGraph](ctx, o.repo, models.KindEventGraph, run.SourceRef)
		if err != nil {
			if persistence.IsNotFound(err) {
				return compiler.Source{}, notFound(op, "event graph", run.SourceRef)
			}

			return compiler.Source{}, storeError(op, err)
		}

		return compiler.FromEventGraph(rec.Value), nil
	default:
		rec, err := records.Get[models.Protocol](ctx, o.repo, models.KindProtocol, run.SourceRef)
		if err != nil {
			if persistence.IsNotFound(err) {
				return compiler.Source{}, notFound(op, "protocol", run.SourceRef)
			}

			return compiler.Source{}, storeError(op, err)
		}

		return compiler.FromProtocol(rec.Value), nil
	}
}

// CompilePlannedRun compiles a planned run for platform and stores the
// resulting robot plan and its artifacts.
func (o *Orchestrator) CompilePlannedRun(ctx context.Context, plannedRunID string, platform models.TargetPlatform) (*models.RobotPlan, error) {
	const op = "CompilePlannedRun"

	if !platform.Valid() {
		return nil, badRequest(op, ErrUnsupportedPlatform, "unsupported target platform %q", platform)
	}

	run, err := o.GetPlannedRun(ctx, plannedRunID)
	if err != nil {
		return nil, err
	}

	src, err := o.loadSource(ctx, op, run)
	if err != nil {
		return nil, err
	}

	rec, err := records.CreateWith(ctx, o.repo, models.KindRobotPlan, "compile planned run "+plannedRunID, func(id string) (*models.RobotPlan, error) {
		out, err := compiler.Compile(id, run, src, platform)
		if err != nil {
			return nil, err
		}

		plan := &models.RobotPlan{
			ID:             id,
			PlannedRunRef:  run.RecordID,
			TargetPlatform: platform,
			Status:         models.RobotPlanStatusCompiled,
			Artifacts:      []models.ArtifactRef{},
			Instructions:   out.Instructions,
		}

		// artifacts are written before the plan record so a stored plan
		// never references a missing file
		for _, file := range out.Files {
			ref, err := o.writeArtifact(ctx, platform, id, file)
			if err != nil {
				return nil, err
			}

			plan.Artifacts = append(plan.Artifacts, ref)
		}

		return plan, nil
	})
	if err != nil {
		if errors.Is(err, compiler.ErrUnsupportedPlatform) || errors.Is(err, compiler.ErrIncompatibleBindings) {
			return nil, badRequest(op, err, "%v", err)
		}

		return nil, storeError(op, err)
	}

	o.logger.InfoContext(ctx, "robot plan compiled",
		"robot_plan_id", rec.Value.ID,
		"planned_run_id", plannedRunID,
		"target_platform", platform,
		"artifacts", len(rec.Value.Artifacts))

	return rec.Value, nil
}

func (o *Orchestrator) writeArtifact(ctx context.Context, platform models.TargetPlatform, planID string, file compiler.File) (models.ArtifactRef, error) {
	p := path.Join(robotArtifactRoot, string(platform), file.Filename)

	stored, err := persistence.PutFile(ctx, o.artifacts, p, file.Content, "compile "+planID)
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("failed to write artifact %s: %w", p, err)
	}

	return models.ArtifactRef{
		Role:        file.Role,
		Path:        stored.Path,
		ContentHash: persistence.ContentHash(file.Content),
		MediaType:   file.MediaType,
	}, nil
}

// ArtifactContent is a fetched robot plan artifact.
type ArtifactContent struct {
	Filename    string
	MediaType   string
	ContentHash string
	Content     []byte
}

// GetRobotPlanArtifact returns the content of the artifact with role.
func (o *Orchestrator) GetRobotPlanArtifact(ctx context.Context, robotPlanID, role string) (*ArtifactContent, error) {
	const op = "GetRobotPlanArtifact"

	plan, err := o.GetRobotPlan(ctx, robotPlanID)
	if err != nil {
		return nil, err
	}

	ref, ok := plan.Artifact(role)
	if !ok {
		return nil, notFound(op, "artifact", robotPlanID+"/"+role)
	}

	file, err := o.artifacts.GetFile(ctx, ref.Path)
	if err != nil {
		if errors.Is(err, persistence.ErrFileNotFound) {
			return nil, notFound(op, "artifact file", ref.Path)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &ArtifactContent{
		Filename:    path.Base(ref.Path),
		MediaType:   ref.MediaType,
		ContentHash: ref.ContentHash,
		Content:     file.Content,
	}, nil
}

// PlanValidation is the outcome of validating an execution plan.
type PlanValidation struct {
	ExecutionPlanID string              `json:"execution_plan_id"`
	EnvironmentID   string              `json:"environment_id"`
	Valid           bool                `json:"valid"`
	Issues          []persistence.Issue `json:"issues"`
}

func (o *Orchestrator) loadPlanAndEnvironment(ctx context.Context, op, planID, envID string) (*records.Record[models.ExecutionPlan], *models.ExecutionEnvironment, error) {
	plan, err := records.Get[models.ExecutionPlan](ctx, o.repo, models.KindExecutionPlan, planID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, nil, notFound(op, "execution plan", planID)
		}

		return nil, nil, storeError(op, err)
	}

	env, err := records.Get[models.ExecutionEnvironment](ctx, o.repo, models.KindExecutionEnvironment, envID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, nil, notFound(op, "execution environment", envID)
		}

		return nil, nil, storeError(op, err)
	}

	return plan, env.Value, nil
}

// ValidateExecutionPlan checks an execution plan against an environment.
func (o *Orchestrator) ValidateExecutionPlan(ctx context.Context, planID, envID string) (*PlanValidation, error) {
	plan, env, err := o.loadPlanAndEnvironment(ctx, "ValidateExecutionPlan", planID, envID)
	if err != nil {
		return nil, err
	}

	issues := compiler.ValidateExecutionPlan(plan.Value, env)
	if issues == nil {
		issues = []persistence.Issue{}
	}

	return &PlanValidation{
		ExecutionPlanID: planID,
		EnvironmentID:   envID,
		Valid:           len(issues) == 0,
		Issues:          issues,
	}, nil
}

// EmitResult describes an emitted execution plan artifact.
type EmitResult struct {
	ExecutionPlanID string                 `json:"execution_plan_id"`
	Artifact        models.DerivedArtifact `json:"artifact"`
}

// EmitExecutionPlan renders the plan for target, stores the artifact and
// records its hash on the plan. Re-emitting replaces the target's entry.
func (o *Orchestrator) EmitExecutionPlan(ctx context.Context, planID, envID string, target models.TargetPlatform) (*EmitResult, error) {
	const op = "EmitExecutionPlan"

	if !target.Valid() {
		return nil, badRequest(op, ErrUnsupportedPlatform, "unsupported target %q", target)
	}

	plan, env, err := o.loadPlanAndEnvironment(ctx, op, planID, envID)
	if err != nil {
		return nil, err
	}

	if issues := compiler.ValidateExecutionPlan(plan.Value, env); len(issues) > 0 {
		return nil, &ServiceError{Op: op, Code: CodeBadRequest, Message: "execution plan is not valid for environment " + envID, Issues: issues, Err: ErrBadRequest}
	}

	file, err := compiler.EmitExecutionPlan(plan.Value, env, target)
	if err != nil {
		return nil, badRequest(op, err, "%v", err)
	}

	p := path.Join(planArtifactRoot, planID, file.Filename)

	if _, err := persistence.PutFile(ctx, o.artifacts, p, file.Content, "emit "+planID+" for "+string(target)); err != nil {
		return nil, fmt.Errorf("%s: failed to write %s: %w", op, p, err)
	}

	artifact := models.DerivedArtifact{Target: string(target), Path: p, ContentHash: persistence.ContentHash(file.Content)}

	_, err = records.Mutate(ctx, o.repo, models.KindExecutionPlan, planID, "emit "+string(target), func(ep *models.ExecutionPlan) error {
		for i, existing := range ep.DerivedArtifacts {
			if existing.Target == artifact.Target {
				if existing == artifact {
					return records.ErrUnchanged
				}

				ep.DerivedArtifacts[i] = artifact

				return nil
			}
		}

		ep.DerivedArtifacts = append(ep.DerivedArtifacts, artifact)

		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	return &EmitResult{ExecutionPlanID: planID, Artifact: artifact}, nil
}
