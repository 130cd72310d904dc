package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"cronwatch/internal/config"
	"cronwatch/internal/models"
	"cronwatch/internal/store"
	"cronwatch/internal/telemetry"
)

// DataStore is the slice of the Postgres store the API consumes.
type DataStore interface {
	GetTenantSchedule(ctx context.Context, tenantID string) (models.TenantSchedule, error)
	UpdateTenantDomains(ctx context.Context, tenantID string, defaultDomains, manualDomains []models.Domain, manualCount int) error
	SetTenantPackage(ctx context.Context, tenantID, packageID string, expiresAt time.Time) error

	CreatePackage(ctx context.Context, p store.CreatePackageParams) (models.Package, error)
	UpdatePackage(ctx context.Context, id string, p store.UpdatePackageParams) (models.Package, error)
	DeletePackage(ctx context.Context, id string) error
	GetPackage(ctx context.Context, id string) (models.Package, error)
	ListPackages(ctx context.Context) ([]models.Package, error)

	QueryLogs(ctx context.Context, f store.LogFilter) ([]models.LogRecord, int64, error)
	DeleteLogs(ctx context.Context, f store.LogFilter) (int64, error)
}

// Scheduler is the queue-sync surface invoked after primary writes commit.
type Scheduler interface {
	Reconcile(ctx context.Context, tenantID string) error
	CleanAllPreviousTasks(ctx context.Context, tenantID string) error
	RemoveDomainFromQueue(ctx context.Context, tenantID, url, kind string) (bool, error)
	UpdateDomainInQueue(ctx context.Context, tenantID string, d models.Domain, kind string) error
	UpdateJobsForPackage(ctx context.Context, packageID string) error
	RemoveJobsForPackage(ctx context.Context, packageID string) error
}

// LogBuffer exposes the unflushed probe logs for combined reads.
type LogBuffer interface {
	Read(ctx context.Context, tenantID string) ([]models.LogRecord, error)
}

// RateLimiter throttles schedule-mutating requests per tenant.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string) (bool, float64, error)
}

// Server wires the HTTP handlers for the tenant-facing API.
type Server struct {
	cfg      config.Config
	store    DataStore
	sched    Scheduler
	buffer   LogBuffer
	limiter  RateLimiter
	validate *validator.Validate
	logger   *slog.Logger
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, st DataStore, sched Scheduler, buffer LogBuffer, limiter RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		sched:    sched,
		buffer:   buffer,
		limiter:  limiter,
		validate: validator.New(),
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/domains", s.handleAddDomains)
		r.Delete("/domains", s.handleRemoveDomains)
		r.Patch("/domains/{domainID}", s.handlePatchDomain)
		r.Put("/package", s.handleAssignPackage)
		r.Get("/logs", s.handleTenantLogs)
	})

	r.Route("/packages", func(r chi.Router) {
		r.Post("/", s.handleCreatePackage)
		r.Get("/", s.handleListPackages)
		r.Get("/{packageID}", s.handleGetPackage)
		r.Patch("/{packageID}", s.handleUpdatePackage)
		r.Delete("/{packageID}", s.handleDeletePackage)
	})

	r.Route("/admin/logs", func(r chi.Router) {
		r.Get("/", s.handleAdminLogs)
		r.Delete("/", s.handleAdminPurgeLogs)
	})

	return r
}

// decode unmarshals and validates a JSON request body.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid json")
	}
	return s.validate.Struct(dst)
}

// allowTenant enforces the per-tenant mutation budget. It writes the 429
// itself and reports whether the handler may continue.
func (s *Server) allowTenant(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("rate limit check failed", "tenant", tenantID, "error", err)
		// Fail open: a broken limiter must not take the API down.
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

// syncResult is the soft-warning envelope carried by every mutating response.
// scheduled=false means the primary write committed but the queue sync did
// not take; the next reconcile trigger repairs it.
type syncResult struct {
	Scheduled bool   `json:"scheduled"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) syncOutcome(op string, tenantID string, err error) syncResult {
	if err == nil {
		return syncResult{Scheduled: true}
	}
	s.logger.Warn("queue sync failed after committed write",
		"op", op, "tenant", tenantID, "error", err)
	return syncResult{Scheduled: false, Message: "saved, but scheduling is delayed until the next sync"}
}

func storeErrStatus(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
