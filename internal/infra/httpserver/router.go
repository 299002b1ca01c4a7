package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	appscans "github.com/kyoulho/p-roro-sub011/internal/application/scans"
	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
	"github.com/kyoulho/p-roro-sub011/internal/middleware"
)

// Scans is the write side the router needs. *appscans.Orchestrator
// implements it.
type Scans interface {
	Submit(ctx context.Context, req *domain.ScanRequest) (*domain.ScanRequest, error)
	Cancel(ctx context.Context, project string, id domain.RequestID) error
	Ready() bool
}

// Options wires the optional parts of the router.
type Options struct {
	Log         *zap.Logger
	Metrics     *middleware.Metrics
	Health      map[string]middleware.HealthChecker
	APIKeys     map[string]string
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
}

type Router struct {
	scans Scans
	repo  domain.Repository
	log   *zap.Logger
}

func NewRouter(scans Scans, repo domain.Repository, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = middleware.NewMetrics()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := &Router{scans: scans, repo: repo, log: log}
	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	mux.Use(middleware.Logging(log))
	mux.Use(metrics.Middleware)
	if len(opts.APIKeys) > 0 {
		mux.Use(middleware.APIKeyAuth(opts.APIKeys))
	}

	mux.Get("/health", middleware.HealthHandler(opts.Health))
	mux.Get("/ready", middleware.ReadinessHandler(scans.Ready))
	mux.Get("/live", middleware.LivenessHandler)
	mux.Get("/metrics", metrics.Handler)

	mux.Route("/v1/{project}", func(rt chi.Router) {
		rt.Use(middleware.RequireProject)
		submit := r.wrap(r.handleSubmit)
		if opts.RateLimiter != nil {
			rt.With(middleware.RateLimit(opts.RateLimiter)).Post("/scans", submit)
		} else {
			rt.Post("/scans", submit)
		}
		rt.Get("/scans/{id}", r.wrap(r.handleGet))
		rt.Post("/scans/{id}/cancel", r.wrap(r.handleCancel))
		rt.Get("/scans/{id}/records", r.wrap(r.handleRecords))
	})

	return mux
}

// badRequest marks client input errors.
type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var br badRequest
		var ude *dialect.UnsupportedDialectError
		switch {
		case errors.As(err, &br), errors.As(err, &ude):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, appscans.ErrNotStarted):
			http.Error(w, "not accepting scans", http.StatusServiceUnavailable)
		default:
			r.log.Error("request failed", zap.String("path", req.URL.Path), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

type submitBody struct {
	Target     domain.TargetHost `json:"target"`
	Password   string            `json:"password"`
	PrivateKey string            `json:"private_key"`
	Categories []domain.Category `json:"categories"`
	CIDR       string            `json:"cidr"`
}

// POST /v1/{project}/scans
func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) error {
	project := chi.URLParam(req, "project")

	var body submitBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return badRequest{fmt.Errorf("decode body: %w", err)}
	}
	// credentials are json:"-" on TargetHost so they never leave in responses
	body.Target.Password = body.Password
	body.Target.PrivateKey = body.PrivateKey
	if body.CIDR == "" {
		if err := middleware.ValidateTarget(body.Target); err != nil {
			return badRequest{err}
		}
	}
	if err := middleware.ValidateCIDR(body.CIDR); err != nil {
		return badRequest{err}
	}
	if err := middleware.ValidateCategories(body.Categories); err != nil {
		return badRequest{err}
	}

	created, err := r.scans.Submit(req.Context(), &domain.ScanRequest{
		ProjectID:  project,
		Target:     body.Target,
		Categories: body.Categories,
		CIDR:       body.CIDR,
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	return json.NewEncoder(w).Encode(created)
}

func requestID(req *http.Request) (domain.RequestID, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateRequestID(id); err != nil {
		return "", badRequest{err}
	}
	return domain.RequestID(id), nil
}

// GET /v1/{project}/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id, err := requestID(req)
	if err != nil {
		return err
	}
	scan, err := r.repo.Get(req.Context(), chi.URLParam(req, "project"), id)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(scan)
}

// POST /v1/{project}/scans/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := requestID(req)
	if err != nil {
		return err
	}
	if err := r.scans.Cancel(req.Context(), chi.URLParam(req, "project"), id); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	return json.NewEncoder(w).Encode(map[string]string{"id": string(id), "status": "cancel requested"})
}

// GET /v1/{project}/scans/{id}/records
func (r *Router) handleRecords(w http.ResponseWriter, req *http.Request) error {
	id, err := requestID(req)
	if err != nil {
		return err
	}
	// project scope check
	if _, err := r.repo.Get(req.Context(), chi.URLParam(req, "project"), id); err != nil {
		return err
	}
	recs, err := r.repo.ListRecords(req.Context(), id)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []domain.AssessmentRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(recs)
}
