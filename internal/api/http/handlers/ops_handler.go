package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/backoffice-engine/internal/api/dto"
	"github.com/spec-kit/backoffice-engine/internal/domain"
	"github.com/spec-kit/backoffice-engine/internal/repository"
	"github.com/spec-kit/backoffice-engine/internal/scheduler"
	"github.com/spec-kit/backoffice-engine/internal/sla"
	"github.com/spec-kit/backoffice-engine/internal/workflow"
	apperrors "github.com/spec-kit/backoffice-engine/pkg/util"
)

// WorkflowOps is the slice of the workflow engine exposed to operators.
type WorkflowOps interface {
	StartExecution(ctx context.Context, automationID, recipientID string, triggerData map[string]string) (*domain.AutomationExecution, error)
	Fire(ctx context.Context, trigger domain.TriggerType, req workflow.TriggerRequest) (int, error)
}

// DeadlineOps is the slice of the deadline tracker exposed to operators.
type DeadlineOps interface {
	AttachPolicy(ctx context.Context, ticketID string, priority domain.TicketPriority) (*domain.SlaTracking, error)
	RecordFirstResponse(ctx context.Context, ticketID string, at time.Time) (*domain.SlaTracking, error)
	RecordResolution(ctx context.Context, ticketID string, at time.Time) (*domain.SlaTracking, error)
}

// JobRunner runs scheduled jobs on demand, behind the same run guards.
type JobRunner interface {
	RunWorkflowOnce(ctx context.Context) error
	RunSLAOnce(ctx context.Context) error
}

// SegmentStore persists segments that automations gate entry on.
type SegmentStore interface {
	Create(ctx context.Context, segment *domain.Segment) error
}

// OpsHandler exposes manual triggers, segments and deadline events to operators.
type OpsHandler struct {
	workflow WorkflowOps
	deadline DeadlineOps
	jobs     JobRunner
	segments SegmentStore
	now      func() time.Time
}

// NewOpsHandler constructs handler.
func NewOpsHandler(workflow WorkflowOps, deadline DeadlineOps, jobs JobRunner, segments SegmentStore) *OpsHandler {
	return &OpsHandler{workflow: workflow, deadline: deadline, jobs: jobs, segments: segments, now: time.Now}
}

// StartExecution handles POST /ops/executions.
func (h *OpsHandler) StartExecution(c *fiber.Ctx) error {
	var req dto.StartExecutionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	req.AutomationID = strings.TrimSpace(req.AutomationID)
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	if req.AutomationID == "" || req.RecipientID == "" {
		return apperrors.NewValidationError("automation_id and recipient_id required", nil)
	}

	exec, err := h.workflow.StartExecution(c.UserContext(), req.AutomationID, req.RecipientID, req.TriggerData)
	if err != nil {
		return apperrors.MapError(err)
	}
	if exec == nil {
		return c.JSON(fiber.Map{"data": nil, "started": false})
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": executionResponse(exec), "started": true})
}

// CreateSegment handles POST /ops/segments. Criteria are rejected here rather than
// when an automation later evaluates them.
func (h *OpsHandler) CreateSegment(c *fiber.Ctx) error {
	var req dto.CreateSegmentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return apperrors.NewValidationError("name required", nil)
	}
	if err := req.Criteria.Validate(); err != nil {
		return apperrors.NewValidationError(err.Error(), map[string]any{"field": "criteria"})
	}

	seg := &domain.Segment{Name: req.Name, Criteria: req.Criteria}
	if err := h.segments.Create(c.UserContext(), seg); err != nil {
		if errors.Is(err, domain.ErrInvalidCriteria) {
			return apperrors.NewValidationError(err.Error(), map[string]any{"field": "criteria"})
		}
		return apperrors.MapError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.SegmentResponse{
		ID:        seg.ID,
		Name:      seg.Name,
		Criteria:  seg.Criteria,
		CreatedAt: seg.CreatedAt,
	}})
}

// RecipientCreated handles POST /ops/triggers/welcome.
func (h *OpsHandler) RecipientCreated(c *fiber.Ctx) error {
	var req dto.RecipientCreatedRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if strings.TrimSpace(req.RecipientID) == "" {
		return apperrors.NewValidationError("recipient_id required", nil)
	}

	started, err := h.workflow.Fire(c.UserContext(), domain.TriggerWelcome, workflow.TriggerRequest{RecipientID: req.RecipientID})
	if err != nil {
		return apperrors.MapError(err)
	}
	return c.JSON(fiber.Map{"data": dto.TriggerResponse{Trigger: domain.TriggerWelcome, Started: started}})
}

// RunWorkflow handles POST /ops/jobs/workflow.
func (h *OpsHandler) RunWorkflow(c *fiber.Ctx) error {
	return h.runJob(c, scheduler.JobWorkflow, h.jobs.RunWorkflowOnce)
}

// RunSLA handles POST /ops/jobs/sla.
func (h *OpsHandler) RunSLA(c *fiber.Ctx) error {
	return h.runJob(c, scheduler.JobSLA, h.jobs.RunSLAOnce)
}

func (h *OpsHandler) runJob(c *fiber.Ctx, name string, run func(context.Context) error) error {
	if err := run(c.UserContext()); err != nil {
		if errors.Is(err, scheduler.ErrRunInProgress) {
			return apperrors.NewConflict("job already running", map[string]any{"job": name})
		}
		return apperrors.MapError(err)
	}
	return c.JSON(fiber.Map{"data": dto.RunResponse{Job: name, Status: "completed"}})
}

// AttachPolicy handles POST /ops/tickets/:id/sla.
func (h *OpsHandler) AttachPolicy(c *fiber.Ctx) error {
	var req dto.AttachPolicyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid payload")
		}
	}

	rec, err := h.deadline.AttachPolicy(c.UserContext(), c.Params("id"), req.Priority)
	if err != nil {
		return mapDeadlineError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": trackingResponse(rec)})
}

// FirstResponse handles POST /ops/tickets/:id/first-response.
func (h *OpsHandler) FirstResponse(c *fiber.Ctx) error {
	return h.recordEvent(c, h.deadline.RecordFirstResponse)
}

// Resolution handles POST /ops/tickets/:id/resolution.
func (h *OpsHandler) Resolution(c *fiber.Ctx) error {
	return h.recordEvent(c, h.deadline.RecordResolution)
}

func (h *OpsHandler) recordEvent(c *fiber.Ctx, record func(context.Context, string, time.Time) (*domain.SlaTracking, error)) error {
	var req dto.RecordEventRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid payload")
		}
	}
	at := h.now()
	if req.At != nil {
		at = *req.At
	}

	rec, err := record(c.UserContext(), c.Params("id"), at)
	if err != nil {
		return mapDeadlineError(err)
	}
	return c.JSON(fiber.Map{"data": trackingResponse(rec)})
}

func mapDeadlineError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NewNotFound("ticket sla tracking", nil)
	case errors.Is(err, sla.ErrNoPolicy):
		return apperrors.NewValidationError(err.Error(), nil)
	}
	return apperrors.MapError(err)
}

func executionResponse(exec *domain.AutomationExecution) dto.ExecutionResponse {
	return dto.ExecutionResponse{
		ID:            exec.ID,
		AutomationID:  exec.AutomationID,
		RecipientID:   exec.RecipientID,
		CurrentStepID: exec.CurrentStepID,
		Status:        exec.Status,
		NextStepAt:    exec.NextStepAt,
	}
}

func trackingResponse(rec *domain.SlaTracking) dto.TrackingResponse {
	deadline := func(kind domain.DeadlineKind) dto.DeadlineResponse {
		return dto.DeadlineResponse{
			Deadline:    rec.Deadline(kind),
			Status:      rec.Status(kind),
			EventAt:     rec.EventAt(kind),
			WarningSent: rec.NoticeSent(kind, domain.NoticeWarning),
			BreachSent:  rec.NoticeSent(kind, domain.NoticeBreach),
		}
	}
	return dto.TrackingResponse{
		ID:         rec.ID,
		TicketID:   rec.TicketID,
		PolicyID:   rec.PolicyID,
		Response:   deadline(domain.DeadlineResponse),
		Resolution: deadline(domain.DeadlineResolution),
		CreatedAt:  rec.CreatedAt,
	}
}
