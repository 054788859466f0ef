package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"proctorlog/internal/collector/models"
	"proctorlog/internal/platform/metrics"
	"proctorlog/internal/platform/middleware"
	"proctorlog/pkg/domain"
	dErrors "proctorlog/pkg/domain-errors"
	"proctorlog/pkg/platform/httputil"
	"proctorlog/pkg/platform/middleware/metadata"
	"proctorlog/pkg/platform/middleware/requesttime"
)

// Service defines the collector operations exposed over HTTP.
type Service interface {
	Accept(ctx context.Context, req *models.LogBatchRequest) (domain.Receipt, error)
	Attempt(ctx context.Context, attemptID string) (*models.AttemptLog, error)
}

// Handler serves the collector's log endpoints.
type Handler struct {
	logger  *slog.Logger
	service Service
	metrics *metrics.Metrics
}

// New creates a collector Handler. metrics may be nil.
func New(service Service, logger *slog.Logger, metrics *metrics.Metrics) *Handler {
	return &Handler{
		logger:  logger,
		service: service,
		metrics: metrics,
	}
}

// Register registers the collector routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	logsRouter := chi.NewRouter()
	logsRouter.Use(middleware.Recovery(h.logger))
	logsRouter.Use(middleware.RequestID)
	logsRouter.Use(metadata.ClientMetadata)
	logsRouter.Use(requesttime.Middleware)
	logsRouter.Use(middleware.Logger(h.logger))
	logsRouter.Use(middleware.Latency(h.metrics))
	logsRouter.Post("/logs", h.HandleAccept)
	logsRouter.Get("/logs/{attemptId}", h.HandleGetAttempt)

	r.Mount("/", logsRouter)
}

// HandleAccept stores a batch of events for one attempt.
func (h *Handler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(r)

	req, err := httputil.DecodeJSON[models.LogBatchRequest](r)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to decode log batch",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	receipt, err := h.service.Accept(ctx, req)
	if err != nil {
		h.logFailure(ctx, requestID, "failed to accept log batch", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receipt)
}

// HandleGetAttempt returns the stored log for an attempt.
func (h *Handler) HandleGetAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(r)

	log, err := h.service.Attempt(ctx, chi.URLParam(r, "attemptId"))
	if err != nil {
		h.logFailure(ctx, requestID, "failed to load attempt", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, log)
}

func (h *Handler) logFailure(ctx context.Context, requestID, msg string, err error) {
	if dErrors.HasCode(err, dErrors.CodeInternal) {
		h.logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err)
		return
	}
	h.logger.WarnContext(ctx, msg, "request_id", requestID, "error", err)
}
