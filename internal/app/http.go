package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bookclub/api/internal/auth"
)

// identityProvider resolves bearer tokens and signs them out.
type identityProvider interface {
	Identify(ctx context.Context, token string) (auth.Caller, error)
	Revoke(ctx context.Context, caller auth.Caller) error
}

// pinger is an optional dependency checked by /api/ready.
type pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	service    *Service
	identity   identityProvider
	sessions   pinger
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, identity identityProvider, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		identity:   identity,
		corsOrigin: corsOrigin,
		log:        logger,
	}
}

// WithSessionPinger adds the revocation store to the readiness checks.
func (s *HTTPServer) WithSessionPinger(p pinger) *HTTPServer {
	s.sessions = p
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)

	r.Post("/api/session/logout", s.handleLogout)

	r.Route("/api/discussions", func(r chi.Router) {
		r.Post("/participants/cancel", s.handleCancel)
		r.Get("/{discussionID}", s.handleDiscussion)
		r.Get("/{discussionID}/participants", s.handlePublicParticipants)
		r.Post("/{discussionID}/participants", s.handleRequestJoin)
		r.Patch("/{discussionID}/participants/{participantID}", s.handleSetStatus)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if s.sessions != nil {
		checks["redis"] = map[string]any{"status": "ok"}
		if err := s.sessions.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	if err := s.identity.Revoke(r.Context(), caller); err != nil {
		s.fail(w, r, errUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRequestJoin(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	created, err := s.service.RequestJoin(r.Context(), chi.URLParam(r, "discussionID"), caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"participation": s.service.project(created, ViewManager),
	})
}

func (s *HTTPServer) handlePublicParticipants(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.optionalCaller(w, r)
	if !ok {
		return
	}
	summary, err := s.service.PublicSummary(r.Context(), chi.URLParam(r, "discussionID"), caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleDiscussion(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.optionalCaller(w, r)
	if !ok {
		return
	}
	includeParticipants := false
	if raw := r.URL.Query().Get("includeParticipants"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidArgument, "includeParticipants must be a boolean", nil)
			return
		}
		includeParticipants = parsed
	}
	detail, err := s.service.Discussion(r.Context(), chi.URLParam(r, "discussionID"), caller, includeParticipants)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	updated, err := s.service.SetStatus(r.Context(), chi.URLParam(r, "discussionID"), chi.URLParam(r, "participantID"), caller, body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"participation": s.service.project(updated, ViewManager),
	})
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		DiscussionID string `json:"discussionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.CancelParticipation(r.Context(), body.DiscussionID, caller); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// requireCaller resolves the bearer token and rejects anonymous requests.
func (s *HTTPServer) requireCaller(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	caller, ok := s.optionalCaller(w, r)
	if !ok {
		return auth.Caller{}, false
	}
	if caller.IsAnonymous() {
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Unauthorized", nil)
		return auth.Caller{}, false
	}
	return caller, true
}

// optionalCaller returns the anonymous caller when no token is sent. A token
// that is sent but does not verify is rejected rather than ignored.
func (s *HTTPServer) optionalCaller(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	token := bearerToken(r)
	if token == "" {
		return auth.Anonymous, true
	}
	caller, err := s.identity.Identify(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrRevokedToken) {
			writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Unauthorized", nil)
			return auth.Caller{}, false
		}
		s.fail(w, r, errUnavailable(err))
		return auth.Caller{}, false
	}
	return caller, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody decodes exactly one JSON object and rejects unknown fields.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid JSON body")
	}
	if decoder.More() {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, CodeUnavailable, "Service temporarily unavailable, retry shortly", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
