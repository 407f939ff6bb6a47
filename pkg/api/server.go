// Package api serves the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ganger-platform/aigateway/pkg/config"
	"github.com/ganger-platform/aigateway/pkg/gateway"
	"github.com/ganger-platform/aigateway/pkg/models"
)

const maxBodyBytes = 1 << 20

// Server is the gateway HTTP API.
type Server struct {
	cfg    *config.Config
	gw     *gateway.Gateway
	logger *slog.Logger
}

// New creates a Server. A nil logger falls back to slog.Default().
func New(cfg *config.Config, gw *gateway.Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, gw: gw, logger: logger.With("component", "api")}
}

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"mode":   s.gw.Emergency().Mode().String(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	var secret []byte
	if s.cfg.Auth.JWTSecret != "" {
		secret = []byte(s.cfg.Auth.JWTSecret)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(secret, s.logger))
		r.Post("/chat", s.handleChat)
		r.Get("/usage", s.handleUsage)
		r.Get("/usage/{app}", s.handleUsage)
		r.Post("/safety/check", s.handleSafetyCheck)
		r.Get("/models", s.handleModels)
		r.Route("/emergency", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/", s.handleEmergencyState)
			r.Post("/stop", s.handleEmergencyStop)
			r.Post("/resume", s.handleEmergencyResume)
		})
	})
	return r
}

// ListenAndServe starts the server and shuts it down gracefully when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, models.NewError(models.CodeInvalidRequest, err))
		return
	}
	app, err := callerApp(r, req.App)
	if err != nil {
		writeError(w, err)
		return
	}
	req.App = app

	res, err := s.gw.Chat(r.Context(), req)
	if err != nil {
		e := models.AsError(err)
		setRetryAfter(w, e)
		writeJSON(w, statusFor(e.Code), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	if c := ClaimsFrom(r.Context()); c != nil && c.Role != RoleAdmin {
		// App tokens only see their own usage.
		if app != "" && app != c.App {
			writeForbidden(w)
			return
		}
		app = c.App
	}
	report, err := s.gw.GetUsage(r.Context(), app)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type safetyCheckRequest struct {
	Content    string                 `json:"content"`
	UseCase    models.UseCase         `json:"use_case,omitempty"`
	Compliance models.ComplianceLevel `json:"compliance,omitempty"`
}

func (s *Server) handleSafetyCheck(w http.ResponseWriter, r *http.Request) {
	var req safetyCheckRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, models.NewError(models.CodeInvalidRequest, err))
		return
	}
	sc := models.SafetyContext{UseCase: req.UseCase, Compliance: req.Compliance}
	if c := ClaimsFrom(r.Context()); c != nil {
		sc.App = c.App
	}
	writeJSON(w, http.StatusOK, s.gw.CheckSafety(req.Content, sc))
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.gw.Models()})
}

func (s *Server) handleEmergencyState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Emergency().State())
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, models.NewError(models.CodeInvalidRequest, err))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual stop"
	}
	s.logger.Warn("manual emergency stop", "reason", req.Reason, "request_id", middleware.GetReqID(r.Context()))
	s.gw.Emergency().Stop(req.Reason)
	writeJSON(w, http.StatusOK, s.gw.Emergency().State())
}

func (s *Server) handleEmergencyResume(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("manual emergency resume", "request_id", middleware.GetReqID(r.Context()))
	s.gw.Emergency().Resume()
	writeJSON(w, http.StatusOK, s.gw.Emergency().State())
}

// callerApp resolves which app a request is charged to. App tokens always
// charge their own app; admin tokens and dev mode use the body.
func callerApp(r *http.Request, bodyApp string) (string, error) {
	c := ClaimsFrom(r.Context())
	if c == nil || (c.Role == RoleAdmin && bodyApp != "") {
		return bodyApp, nil
	}
	if bodyApp != "" && bodyApp != c.App {
		return "", models.NewError(models.CodeAuthenticationRequired, fmt.Errorf("token for %q cannot act as %q", c.App, bodyApp))
	}
	return c.App, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps error codes onto HTTP statuses.
func statusFor(code models.Code) int {
	switch code {
	case models.CodeAuthenticationRequired:
		return http.StatusUnauthorized
	case models.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case models.CodeBudgetExceeded:
		return http.StatusPaymentRequired
	case models.CodeSafetyViolation:
		return http.StatusUnprocessableEntity
	case models.CodeModelUnavailable, models.CodeEmergencyStop:
		return http.StatusServiceUnavailable
	case models.CodeNetworkError:
		return http.StatusBadGateway
	case models.CodeTimeoutError:
		return http.StatusGatewayTimeout
	case models.CodeInvalidRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func setRetryAfter(w http.ResponseWriter, e *models.Error) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
}

// writeError writes a ChatResult-shaped failure for err.
func writeError(w http.ResponseWriter, err error) {
	e := models.AsError(err)
	setRetryAfter(w, e)
	writeJSON(w, statusFor(e.Code), models.ChatResult{Error: e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeForbidden rejects an authenticated caller whose role does not cover the route.
func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, models.ChatResult{
		Error: models.NewError(models.CodeAuthenticationRequired, ErrInsufficientRole),
	})
}
