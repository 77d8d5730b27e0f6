package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/podushkina/claimflow/internal/apperror"
	"github.com/podushkina/claimflow/internal/claim"
	"github.com/podushkina/claimflow/internal/task"
)

// Tasks is the scheduler surface exposed over HTTP.
type Tasks interface {
	Enqueue(ctx context.Context, p task.Params) (*task.Task, error)
	GetTaskByID(ctx context.Context, id string) (*task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) (*task.Task, error)
	RetryTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, limit int) ([]*task.Task, error)
	Running() bool
}

type Claims interface {
	Get(ctx context.Context, id string) (*claim.Claim, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	tasks  Tasks
	claims Claims
	redis  Pinger
	log    zerolog.Logger
}

func NewHandler(tasks Tasks, claims Claims, redis Pinger, log zerolog.Logger) *Handler {
	return &Handler{tasks: tasks, claims: claims, redis: redis, log: log}
}

const defaultListLimit = 100

type CreateTaskRequest struct {
	Type        task.Type `json:"type"`
	EntityID    string    `json:"entity_id"`
	EntityType  string    `json:"entity_type"`
	Priority    *int      `json:"priority,omitempty"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	DedupeKey   string    `json:"dedupe_key,omitempty"`
}

type UpdateTaskRequest struct {
	Status task.Status `json:"status"`
}

type ReportReadyEvent struct {
	ReportID string `json:"report_id"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Details []string `json:"details,omitempty"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	priority := task.DefaultPriority(req.Type)
	if req.Priority != nil {
		priority = *req.Priority
	}
	entityType := req.EntityType
	if entityType == "" {
		entityType = task.EntityClaim
		if req.Type == task.TypeCreateClaim {
			entityType = task.EntityReport
		}
	}

	t, err := h.tasks.Enqueue(r.Context(), task.Params{
		Type:        req.Type,
		EntityID:    req.EntityID,
		EntityType:  entityType,
		Priority:    priority,
		MaxAttempts: req.MaxAttempts,
		DedupeKey:   req.DedupeKey,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.GetTaskByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tasks, err := h.tasks.ListTasks(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.tasks.UpdateTaskStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.RetryTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// ReportReady starts the pipeline for a report. Repeated events for the same
// report resolve to the task the first one created.
func (h *Handler) ReportReady(w http.ResponseWriter, r *http.Request) {
	var ev ReportReadyEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.ReportID == "" {
		respondError(w, http.StatusBadRequest, "report_id is required")
		return
	}

	t, err := h.tasks.Enqueue(r.Context(), task.Params{
		Type:       task.TypeCreateClaim,
		EntityID:   ev.ReportID,
		EntityType: task.EntityReport,
		Priority:   task.PriorityCreateClaim,
		DedupeKey:  "report-ready:" + ev.ReportID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, t)
}

func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := h.claims.Get(r.Context(), id)
	if errors.Is(err, claim.ErrNotFound) {
		respondError(w, http.StatusNotFound, "claim not found")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"scheduler": h.tasks.Running(),
	}
	if err := h.redis.Ping(r.Context()); err != nil {
		body["status"] = "degraded"
		body["redis"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	respondJSON(w, http.StatusOK, body)
}

// fail writes err with the status its kind maps to. Unclassified errors are
// internal.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperror.KindValidation:
		status = http.StatusBadRequest
	case apperror.KindNotFound:
		status = http.StatusNotFound
	case apperror.KindEligibility, apperror.KindGeneration:
		status = http.StatusUnprocessableEntity
	case apperror.KindTerminal:
		status = http.StatusConflict
	case apperror.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	respondJSON(w, status, ErrorResponse{Error: appErr.Error(), Kind: string(appErr.Kind), Details: appErr.Details})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
