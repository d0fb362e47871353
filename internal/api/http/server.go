package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/application/actions"
	appNotification "github.com/escrow-hub/escrow-hub/internal/application/notification"
	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	actionSvc       *actions.Service
	notificationSvc *appNotification.Service
	sseHub          notification.SSEHub
	auth            *Authenticator
	limiter         *rateLimiter
	cluster         Cluster
	requestTimeout  time.Duration
	logger          zerolog.Logger
}

type Option func(*Server)

// WithRateLimit throttles each caller to perSecond requests with the given
// burst. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = newRateLimiter(perSecond, burst)
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

func NewServer(
	actionSvc *actions.Service,
	notificationSvc *appNotification.Service,
	sseHub notification.SSEHub,
	auth *Authenticator,
	logger zerolog.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		actionSvc:       actionSvc,
		notificationSvc: notificationSvc,
		sseHub:          sseHub,
		auth:            auth,
		requestTimeout:  30 * time.Second,
		logger:          logger.With().Str("component", "http").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.rateLimit)

		// Streams outlive the request timeout.
		r.Get("/events", s.sseEndpoint)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))

			r.Route("/transactions", func(r chi.Router) {
				r.Post("/", s.createTransaction)
				r.Get("/", s.listTransactions)
				r.Get("/stats", s.statistics)

				r.Route("/{transactionId}", func(r chi.Router) {
					r.Get("/", s.getTransaction)
					r.Get("/log", s.transitionLog)
					r.Get("/payment-instructions", s.paymentInstructions)
					r.Get("/notifications", s.transactionNotifications)
					r.With(s.requireRole(escrow.RoleAdmin)).Post("/replay", s.replayTransaction)

					r.Post("/contract", handleAction(s, s.actionSvc.GenerateContract))
					r.Post("/contract/signed", handleAction(s, s.actionSvc.UploadSignedContract))
					r.Post("/payment/proof", handleAction(s, s.actionSvc.SubmitPaymentProof))
					r.Post("/payment/confirm", handleAction(s, s.actionSvc.ConfirmPayment))
					r.Post("/payment/reject", handleAction(s, s.actionSvc.RejectPayment))
					r.Post("/inspection", handleAction(s, s.actionSvc.ScheduleInspection))
					r.Post("/inspection/complete", handleAction(s, s.actionSvc.CompleteInspection))
					r.Post("/release", handleAction(s, s.actionSvc.ReleaseFunds))
					r.Post("/ready-for-delivery", handleAction(s, s.actionSvc.MarkReadyForDelivery))
					r.Post("/delivered", handleAction(s, s.actionSvc.MarkDelivered))
					r.Post("/complete", handleAction(s, s.actionSvc.Complete))
					r.Post("/cancel", handleAction(s, s.actionSvc.Cancel))
					r.Post("/refund", handleAction(s, s.actionSvc.Refund))
					r.Post("/reopen", handleAction(s, s.actionSvc.Reopen))

					r.Post("/dispute", handleAction(s, s.actionSvc.RaiseDispute))
					r.Post("/dispute/responses", handleAction(s, s.actionSvc.RespondDispute))
					r.Post("/dispute/status", handleAction(s, s.actionSvc.UpdateDispute))
					r.Post("/dispute/resolve", handleAction(s, s.actionSvc.ResolveDispute))
				})
			})

			if s.cluster != nil {
				r.Route("/cluster", func(r chi.Router) {
					r.Use(s.requireRole(escrow.RoleAdmin, escrow.RoleSystem))
					r.Get("/", s.clusterStatus)
					r.Post("/join", s.clusterJoin)
					r.Post("/remove", s.clusterRemove)
				})
			}

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.listNotifications)
				r.Get("/{notificationId}", s.getNotification)
				r.With(s.requireRole(escrow.RoleAdmin)).Get("/{notificationId}/attempts", s.notificationAttempts)
				r.With(s.requireRole(escrow.RoleAdmin)).Post("/{notificationId}/send", s.sendNotification)
			})
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":      "ok",
		"sse_clients": s.sseHub.ClientCount(),
	}
	if s.cluster != nil {
		body["raft_state"] = s.cluster.State()
		body["leader"] = s.cluster.LeaderAddr()
	}
	respondJSON(w, http.StatusOK, body)
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondActionError maps engine and action errors to HTTP. Rejected
// transitions carry the authoritative snapshot when the caller may see it.
func (s *Server) respondActionError(w http.ResponseWriter, r *http.Request, snapshot *escrow.Transaction, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	body := map[string]interface{}{
		"error":   code,
		"message": err.Error(),
	}
	if te, ok := escrow.AsTransitionError(err); ok && snapshot == nil {
		snapshot = te.Transaction
	}
	if actor, ok := actorFromContext(r.Context()); ok && snapshot != nil && actions.Visible(actor, snapshot) {
		body["transaction"] = snapshot
	}
	respondJSON(w, status, body)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, actions.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, actions.ErrNotVerified):
		return http.StatusForbidden, "KYC_REQUIRED"
	case errors.Is(err, actions.ErrNoPaymentInstructions):
		return http.StatusUnprocessableEntity, "PAYMENT_INSTRUCTIONS_UNAVAILABLE"
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED_ACTOR"
	case errors.Is(err, escrow.ErrAlreadyApplied):
		return http.StatusConflict, "ALREADY_APPLIED"
	case errors.Is(err, escrow.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, escrow.ErrDuplicate):
		return http.StatusConflict, "DUPLICATE"
	case errors.Is(err, escrow.ErrDeadlinePassed):
		return http.StatusUnprocessableEntity, "DEADLINE_PASSED"
	case errors.Is(err, escrow.ErrDisputeBlocking):
		return http.StatusLocked, "DISPUTE_BLOCKING"
	case errors.Is(err, escrow.ErrPersistenceFailure):
		return http.StatusServiceUnavailable, "PERSISTENCE_FAILURE"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

// decodeBody decodes a JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// requestIDFromHeader reads the optional Idempotency-Key header.
func requestIDFromHeader(r *http.Request) (uuid.UUID, error) {
	v := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if v == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func optionalQuery(r *http.Request, key string) *string {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		return &v
	}
	return nil
}
