// Package api exposes the marketplace over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"repro_market/pkg/config"
	"repro_market/pkg/market"
	"repro_market/pkg/marketplace"
	"repro_market/pkg/security"
)

// Server serves the marketplace API
type Server struct {
	svc        *marketplace.Service
	tokens     *security.TokenManager
	config     config.APIConfig
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	now        func() time.Time
}

// NewServer creates the API server and its routes
func NewServer(svc *marketplace.Service, tokens *security.TokenManager, cfg config.APIConfig, logger *zap.Logger) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("marketplace service is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token manager is required")
	}

	s := &Server{
		svc:    svc,
		tokens: tokens,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting API server",
		zap.String("addr", s.config.ListenAddr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving api: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Post("/validators", s.handleRegister)
	r.Post("/validators/token", s.handleLogin)
	r.With(s.authenticate).Get("/validators/me", s.handleMe)

	r.Route("/papers/{paperID}", func(r chi.Router) {
		r.Get("/marketplace", s.handleMarketplace)
		r.Get("/ledger", s.handleLedger)
		r.Get("/work-orders/{orderID}/audit-roll", s.handleAuditRoll)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/work-orders", s.handlePublish)
			r.Post("/work-orders/{orderID}/claim", s.handleClaim)
			r.Post("/work-orders/{orderID}/submit", s.handleSubmit)
			r.Post("/work-orders/{orderID}/fork", s.handleFork)
			r.Post("/work-orders/{orderID}/audit/claim", s.handleClaimAudit)
			r.Post("/work-orders/{orderID}/audit/submit", s.handleSubmitAudit)
		})
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestID", middleware.GetReqID(r.Context())))
	})
}

// fail writes the error response for an operation error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("requestID", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Handle string `json:"handle"`
}

type registerResponse struct {
	Profile market.ValidatorProfile `json:"profile"`
	Token   *security.Token         `json:"token"`
	// Secret is returned once; it is needed to obtain later tokens.
	Secret string `json:"secret"`
}

// handleRegister creates a new validator. Existing handles are refused so a
// token is only ever issued to whoever holds the handle's secret.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadJSON", err.Error())
		return
	}

	secret, credential, err := s.tokens.NewCredential()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	profile, err := s.svc.Enroll(r.Context(), req.Handle, credential)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	token, err := s.tokens.Issue(profile.Handle, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Profile: profile, Token: token, Secret: secret})
}

type loginRequest struct {
	Handle string `json:"handle"`
	Secret string `json:"secret"`
}

// handleLogin issues a fresh token to a validator presenting its secret.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadJSON", err.Error())
		return
	}

	credential, err := s.svc.Credential(r.Context(), req.Handle)
	if err == nil {
		err = security.VerifySecret(req.Secret, credential)
	}
	if err != nil {
		if errors.Is(err, marketplace.ErrValidatorNotFound) || errors.Is(err, security.ErrInvalidCredentials) {
			s.logger.Debug("Rejected login",
				zap.String("handle", req.Handle),
				zap.Error(err))
			writeError(w, http.StatusUnauthorized, "Unauthorized", security.ErrInvalidCredentials.Error())
			return
		}
		s.fail(w, r, err)
		return
	}

	profile, err := s.svc.Profile(r.Context(), req.Handle)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	token, err := s.tokens.Issue(profile.Handle, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, err := s.svc.Profile(r.Context(), handleFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req marketplace.PublishRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadJSON", err.Error())
		return
	}
	paperID := chi.URLParam(r, "paperID")
	if req.Paper.ID != "" && req.Paper.ID != paperID {
		writeError(w, http.StatusBadRequest, "InvalidInput", "paper id in body does not match the path")
		return
	}
	req.Paper.ID = paperID

	orders, err := s.svc.PublishPaper(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"workOrders": orders})
}

func (s *Server) handleMarketplace(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Snapshot(r.Context(), chi.URLParam(r, "paperID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	paperID := chi.URLParam(r, "paperID")
	actor := r.URL.Query().Get("actor")
	ledger, err := s.svc.Ledger(r.Context(), paperID, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ledger == nil {
		ledger = market.Ledger{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"paperId": paperID, "entries": ledger})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.Claim(r.Context(), chi.URLParam(r, "paperID"), chi.URLParam(r, "orderID"), handleFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req marketplace.SubmitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadJSON", err.Error())
		return
	}
	order, err := s.svc.Submit(r.Context(), chi.URLParam(r, "paperID"), chi.URLParam(r, "orderID"), handleFrom(r.Context()), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.Fork(r.Context(), chi.URLParam(r, "paperID"), chi.URLParam(r, "orderID"), handleFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleClaimAudit(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.ClaimAudit(r.Context(), chi.URLParam(r, "paperID"), chi.URLParam(r, "orderID"), handleFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleSubmitAudit(w http.ResponseWriter, r *http.Request) {
	var req marketplace.AuditRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadJSON", err.Error())
		return
	}
	order, err := s.svc.SubmitAudit(r.Context(), chi.URLParam(r, "paperID"), chi.URLParam(r, "orderID"), handleFrom(r.Context()), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleAuditRoll(w http.ResponseWriter, r *http.Request) {
	attempt := 0
	if raw := r.URL.Query().Get("attempt"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidInput", fmt.Sprintf("attempt must be an integer, got %q", raw))
			return
		}
		attempt = n
	}

	res, err := s.svc.AuditRoll(r.Context(), chi.URLParam(r, "paperID"), chi.URLParam(r, "orderID"), attempt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
