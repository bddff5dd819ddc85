// Package control serves the HTTP API tests use to register rules, inspect
// fulfillment and wait on labels while a proxy is running.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jingkaihe/stubnet/internal/httpx"
	"github.com/jingkaihe/stubnet/pkg/api"
	"github.com/jingkaihe/stubnet/pkg/intercept"
)

// maxRuleBytes bounds POST /rules bodies.
const maxRuleBytes = 1 << 20

// Server is the control plane handler.
type Server struct {
	registry *intercept.Registry
	router   chi.Router
	logger   *slog.Logger
}

// New creates a control plane for registry.
func New(registry *intercept.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		logger:   logger.With("component", "control"),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	s.Routes(r)
	s.router = r
	return s
}

// Routes mounts the control endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Route("/rules", func(r chi.Router) {
		r.Post("/", s.handleRegister)
		r.Get("/", s.handleList)
		r.Delete("/", s.handleReset)
		r.Post("/{label}/wait", s.handleWait)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, s.registry.Rules())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var cfg api.RuleConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRuleBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	h, err := s.registry.RegisterConfig(cfg)
	if err != nil {
		httpx.Error(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("rule registered", "label", h.Label(), "method", cfg.Method, "url", cfg.URL)
	httpx.JSON(w, http.StatusCreated, api.RegisterResponse{Label: h.Label()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.registry.Reset()
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	q := r.URL.Query()

	var timeout time.Duration
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid timeout: "+v)
			return
		}
		timeout = d
	}
	count := int64(1)
	if v := q.Get("count"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			httpx.Error(w, http.StatusBadRequest, "invalid count: "+v)
			return
		}
		count = n
	}

	wait := s.registry.WaitForCount
	switch v := q.Get("until"); v {
	case "", "match":
	case "response":
		wait = s.registry.WaitForResponse
	default:
		httpx.Error(w, http.StatusBadRequest, "invalid until: "+v)
		return
	}

	h, ok := s.registry.Lookup(label)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "no interception registered for label "+label)
		return
	}
	if err := wait(r.Context(), h, count, timeout); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		httpx.Error(w, statusFor(err), err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, api.WaitResponse{Label: label, Matched: h.Matched()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrDuplicateLabel), errors.Is(err, api.ErrRuleReset):
		return http.StatusConflict
	case errors.Is(err, api.ErrUnknownLabel):
		return http.StatusNotFound
	case errors.Is(err, api.ErrWaitTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
