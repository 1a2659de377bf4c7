// Package httpapi exposes the quota engine over HTTP with chi.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ineyio/quotaledger"
	logpkg "github.com/ineyio/quotaledger/internal/logger"
)

// HealthFunc reports whether the backing store is reachable.
type HealthFunc func(ctx context.Context) error

// Server serves the quota API.
type Server struct {
	engine *quotaledger.Engine
	health HealthFunc
	logger *zap.Logger
}

// NewServer creates an HTTP API server. health may be nil.
func NewServer(engine *quotaledger.Engine, health HealthFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: engine, health: health, logger: logger}
}

// Register mounts the API routes on r.
func (s *Server) Register(r chi.Router) {
	r.Get("/healthz", s.Health)
	r.Route("/v1/users/{userID}/quotas", func(r chi.Router) {
		r.Get("/", s.GetStats)
		r.Route("/{bucket}", func(r chi.Router) {
			r.Get("/", s.Check)
			r.Post("/consume", s.Consume)
			r.Post("/refund", s.Refund)
			r.Post("/reset", s.Reset)
			r.Put("/limit", s.Adjust)
			r.Get("/audit", s.History)
		})
	})
}

type amountRequest struct {
	Amount   *int64               `json:"amount"`
	Metadata quotaledger.Metadata `json:"metadata,omitempty"`
}

// amount returns the requested amount, 1 when the field is absent.
func (r amountRequest) amount() int64 {
	if r.Amount == nil {
		return 1
	}
	return *r.Amount
}

type limitRequest struct {
	Limit   int64  `json:"limit"`
	AdminID string `json:"adminId"`
	Reason  string `json:"reason"`
}

type historyResponse struct {
	Entries []quotaledger.AuditEntry `json:"entries"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /healthz.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			logpkg.FromContext(r.Context()).Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStats handles GET /v1/users/{userID}/quotas.
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Check handles GET /v1/users/{userID}/quotas/{bucket}?amount=N.
// amount defaults to 1.
func (s *Server) Check(w http.ResponseWriter, r *http.Request) {
	amount := int64(1)
	if v := r.URL.Query().Get("amount"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "amount must be an integer")
			return
		}
		amount = n
	}

	res, err := s.engine.Check(r.Context(), chi.URLParam(r, "userID"), bucketParam(r), amount)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Consume handles POST /v1/users/{userID}/quotas/{bucket}/consume.
// amount defaults to 1. A rejected consume is a normal outcome and answers
// 200 with success=false.
func (s *Server) Consume(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Consume(r.Context(), chi.URLParam(r, "userID"), bucketParam(r), req.amount(), req.Metadata)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Refund handles POST /v1/users/{userID}/quotas/{bucket}/refund.
// amount defaults to 1.
func (s *Server) Refund(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.Refund(r.Context(), chi.URLParam(r, "userID"), bucketParam(r), req.amount(), req.Metadata); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reset handles POST /v1/users/{userID}/quotas/{bucket}/reset.
func (s *Server) Reset(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Reset(r.Context(), chi.URLParam(r, "userID"), bucketParam(r))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaledger.StatsFor(rec))
}

// Adjust handles PUT /v1/users/{userID}/quotas/{bucket}/limit.
func (s *Server) Adjust(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if !decode(w, r, &req) {
		return
	}
	userID, bucket := chi.URLParam(r, "userID"), bucketParam(r)
	if err := s.engine.Adjust(r.Context(), userID, bucket, req.Limit, req.AdminID, req.Reason); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /v1/users/{userID}/quotas/{bucket}/audit.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.History(r.Context(), chi.URLParam(r, "userID"), bucketParam(r))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []quotaledger.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Entries: entries})
}

func bucketParam(r *http.Request) quotaledger.Bucket {
	return quotaledger.Bucket(chi.URLParam(r, "bucket"))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// handleError maps engine errors onto HTTP statuses without exposing store internals.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	log := logpkg.FromContext(r.Context())
	switch {
	case quotaledger.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation_failed", validationMessage(err))
	case quotaledger.IsRetryable(err):
		log.Info("quota transaction conflict", zap.Error(err))
		writeError(w, http.StatusConflict, "conflict", quotaledger.ErrTransactionConflict.Error())
	case quotaledger.IsInfrastructure(err):
		log.Error("quota store failure", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "quota store unavailable")
	default:
		log.Error("unexpected error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func validationMessage(err error) string {
	for _, s := range []error{
		quotaledger.ErrUnknownBucket,
		quotaledger.ErrInvalidAmount,
		quotaledger.ErrInvalidLimit,
		quotaledger.ErrMissingUserID,
		quotaledger.ErrMissingAdminID,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return quotaledger.ErrValidation.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
