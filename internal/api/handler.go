package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/uarflow/internal/campaign"
	"github.com/lalithlochan/uarflow/internal/db"
	"github.com/lalithlochan/uarflow/internal/scheduler"
)

// CampaignJob is the name of the scheduler job that guards campaign
// generation.
const CampaignJob = "campaign"

type HealthChecker interface {
	Health(ctx context.Context) error
}

type CampaignGenerator interface {
	Generate(ctx context.Context, period, applicationID, createdBy string) (*campaign.Result, error)
}

type JobRunner interface {
	RunNow(ctx context.Context, name string) error
	Exclusive(ctx context.Context, name string, fn scheduler.JobFunc) error
}

type Requeuer interface {
	Requeue(ctx context.Context, id uuid.UUID, actor string) (*db.NotificationCandidate, error)
}

// GenerateRequest is the body of POST /v1/campaigns/generate.
type GenerateRequest struct {
	Period        string `json:"period" validate:"required"`
	ApplicationID string `json:"applicationId" validate:"required"`
	CreatedBy     string `json:"createdBy"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Handler struct {
	logger    *zap.Logger
	health    HealthChecker
	campaigns CampaignGenerator
	jobs      JobRunner
	requeuer  Requeuer
	validate  *validator.Validate
}

func NewHandler(logger *zap.Logger, health HealthChecker, campaigns CampaignGenerator, jobs JobRunner, requeuer Requeuer) *Handler {
	return &Handler{
		logger:    logger,
		health:    health,
		campaigns: campaigns,
		jobs:      jobs,
		requeuer:  requeuer,
		validate:  validator.New(),
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("UNAVAILABLE"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// GenerateCampaign handles POST /v1/campaigns/generate
func (h *Handler) GenerateCampaign(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "period and applicationId are required")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = actor(r)
	}

	var result *campaign.Result
	err := h.jobs.Exclusive(r.Context(), CampaignJob, func(ctx context.Context, _ *zap.Logger) error {
		var err error
		result, err = h.campaigns.Generate(ctx, req.Period, req.ApplicationID, req.CreatedBy)
		return err
	})

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case campaign.IsInputError(err):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign request", err.Error())
	case errors.Is(err, scheduler.ErrJobBusy):
		h.writeError(w, http.StatusConflict, "job_busy", "Campaign generation already running", "retry once the running generation finishes")
	default:
		h.logger.Error("failed to generate campaign",
			zap.Error(err),
			zap.String("period", req.Period),
			zap.String("application_id", req.ApplicationID),
		)
		h.writeError(w, http.StatusInternalServerError, "generation_failed", "Failed to generate campaign", err.Error())
	}
}

// RunJob handles POST /v1/jobs/{name}/run
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := h.jobs.RunNow(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "completed"})
	case errors.Is(err, scheduler.ErrUnknownJob):
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown job", name)
	case errors.Is(err, scheduler.ErrJobBusy):
		h.writeError(w, http.StatusConflict, "job_busy", "Job already running", name)
	default:
		h.writeError(w, http.StatusInternalServerError, "job_failed", "Job failed", err.Error())
	}
}

// RequeueNotification handles POST /v1/notifications/{id}/requeue
func (h *Handler) RequeueNotification(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	c, err := h.requeuer.Requeue(r.Context(), id, actor(r))
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "No failed notification with this ID", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to requeue notification", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to requeue notification", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":         c.ID.String(),
		"request_id": c.RequestID,
		"status":     db.StatusPending,
	})
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "ops-api"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
