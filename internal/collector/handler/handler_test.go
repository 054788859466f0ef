package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"proctorlog/internal/collector/handler/mocks"
	"proctorlog/internal/collector/metrics"
	"proctorlog/internal/collector/models"
	"proctorlog/internal/collector/service"
	"proctorlog/internal/collector/store"
	"proctorlog/internal/platform/logger"
	"proctorlog/internal/platform/middleware"
	"proctorlog/pkg/domain"
	dErrors "proctorlog/pkg/domain-errors"
	"proctorlog/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	ctx context.Context
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupSuite() {
	s.ctx = context.Background()
}

func newTestRouter(t *testing.T) (http.Handler, *mocks.MockService) {
	t.Helper()
	ctrl := gomock.NewController(t)
	mockService := mocks.NewMockService(ctrl)
	r := chi.NewRouter()
	New(mockService, logger.Discard(), nil).Register(r)
	return r, mockService
}

func sampleEvent(attemptID string) domain.Event {
	return domain.Event{
		EventID:   uuid.NewString(),
		EventType: domain.EventFullscreenExit,
		Timestamp: time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC),
		AttemptID: attemptID,
	}
}

// =============================================================================
// POST /logs
// =============================================================================

func (s *HandlerSuite) TestAcceptReturnsReceipt() {
	router, mockService := newTestRouter(s.T())
	ev := sampleEvent("attempt-1")

	mockService.EXPECT().
		Accept(gomock.Any(), gomock.Cond(func(req *models.LogBatchRequest) bool {
			return req.AttemptID == "attempt-1" && len(req.Events) == 1 && req.MarkSubmitted
		})).
		Return(domain.Receipt{OK: true, Received: 1, Saved: 1, Submitted: true}, nil)

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/logs", domain.Batch{
		AttemptID:     "attempt-1",
		Events:        []domain.Event{ev},
		MarkSubmitted: true,
	})
	rr := testutil.DoRequest(router, req)

	testutil.AssertStatusOK(s.T(), rr)
	s.NotEmpty(rr.Header().Get(middleware.RequestIDHeader))
	receipt := testutil.UnmarshalResponse[domain.Receipt](s.T(), rr)
	s.Equal(domain.Receipt{OK: true, Received: 1, Saved: 1, Submitted: true}, *receipt)
}

func (s *HandlerSuite) TestAcceptMalformedBody() {
	router, _ := newTestRouter(s.T())

	rr := testutil.DoRequest(router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/logs", `{"attemptId":`))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
}

func (s *HandlerSuite) TestAcceptServiceErrors() {
	cases := []struct {
		name   string
		err    error
		status int
		code   dErrors.Code
	}{
		{"validation", dErrors.New(dErrors.CodeInvalidInput, "attemptId is required"), http.StatusBadRequest, dErrors.CodeInvalidInput},
		{"conflict", dErrors.New(dErrors.CodeConflict, service.ConflictMessage), http.StatusConflict, dErrors.CodeConflict},
		{"internal", dErrors.New(dErrors.CodeInternal, "failed to store events"), http.StatusInternalServerError, dErrors.CodeInternal},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			router, mockService := newTestRouter(s.T())
			mockService.EXPECT().Accept(gomock.Any(), gomock.Any()).Return(domain.Receipt{}, tc.err)

			req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/logs", domain.Batch{AttemptID: "attempt-1"})
			rr := testutil.DoRequest(router, req)
			testutil.AssertStatusAndError(s.T(), rr, tc.status, string(tc.code))
		})
	}
}

// =============================================================================
// GET /logs/{attemptId}
// =============================================================================

func (s *HandlerSuite) TestGetAttempt() {
	router, mockService := newTestRouter(s.T())
	at := time.Date(2026, 5, 1, 15, 0, 0, 0, time.UTC)
	mockService.EXPECT().Attempt(gomock.Any(), "attempt-1").Return(&models.AttemptLog{
		AttemptID:   "attempt-1",
		Submitted:   true,
		SubmittedAt: &at,
		Events:      []domain.Event{sampleEvent("attempt-1")},
	}, nil)

	rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/logs/attempt-1"))

	testutil.AssertStatusOK(s.T(), rr)
	log := testutil.UnmarshalResponse[models.AttemptLog](s.T(), rr)
	s.True(log.Submitted)
	s.Len(log.Events, 1)
}

func (s *HandlerSuite) TestGetAttemptNotFound() {
	router, mockService := newTestRouter(s.T())
	mockService.EXPECT().Attempt(gomock.Any(), "missing").
		Return(nil, dErrors.New(dErrors.CodeNotFound, "attempt not found"))

	rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/logs/missing"))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, string(dErrors.CodeNotFound))
}

// =============================================================================
// End to end over the in-memory store
// =============================================================================

func (s *HandlerSuite) TestRetriedBatchOverHTTP() {
	svc := service.New(store.NewInMemoryStore(),
		service.WithMetrics(metrics.New(prometheus.NewRegistry())),
		service.WithLogger(logger.Discard()),
	)
	router := chi.NewRouter()
	New(svc, logger.Discard(), nil).Register(router)

	events := make([]domain.Event, 5)
	for i := range events {
		events[i] = sampleEvent("attempt-d")
	}
	body := domain.Batch{AttemptID: "attempt-d", Events: events}

	first := testutil.DoRequest(router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/logs", body))
	testutil.AssertStatusOK(s.T(), first)
	s.Equal(5, testutil.UnmarshalResponse[domain.Receipt](s.T(), first).Saved)

	second := testutil.DoRequest(router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/logs", body))
	testutil.AssertStatusOK(s.T(), second)
	receipt := testutil.UnmarshalResponse[domain.Receipt](s.T(), second)
	s.Equal(0, receipt.Saved)
	s.Equal(5, receipt.DuplicatesIgnored)

	sealed := testutil.DoRequest(router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/logs",
		domain.Batch{AttemptID: "attempt-d", MarkSubmitted: true}))
	testutil.AssertStatusOK(s.T(), sealed)

	late := testutil.DoRequest(router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/logs",
		domain.Batch{AttemptID: "attempt-d", Events: []domain.Event{sampleEvent("attempt-d")}}))
	testutil.AssertStatusAndError(s.T(), late, http.StatusConflict, string(dErrors.CodeConflict))
}

func (s *HandlerSuite) TestMissingAttemptIDOverHTTP() {
	svc := service.New(store.NewInMemoryStore(), service.WithLogger(logger.Discard()))
	router := chi.NewRouter()
	New(svc, logger.Discard(), nil).Register(router)

	rr := testutil.DoRequest(router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/logs", `{"events":[]}`))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeInvalidInput))
}
