package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cronwatch/internal/models"
)

type addDomainsRequest struct {
	Domains []addDomainEntry `json:"domains" validate:"required,min=1,max=20,dive"`
}

type addDomainEntry struct {
	URL        string `json:"url" validate:"required,max=255"`
	IntervalMs int64  `json:"interval_ms" validate:"omitempty,gte=1000"`
}

type addDomainsResponse struct {
	Domains []models.Domain `json:"domains"`
	syncResult
}

// handleAddDomains appends manual domains to a tenant. URLs are normalized
// before the duplicate and quota checks so "example.com" and
// "https://example.com/" count as the same domain.
func (s *Server) handleAddDomains(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !s.allowTenant(w, r, tenantID) {
		return
	}

	var req addDomainsRequest
	if err := s.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ts, err := s.store.GetTenantSchedule(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), storeErrStatus(err))
		return
	}
	if ts.Status != models.StatusEnabled {
		http.Error(w, "tenant is not active", http.StatusForbidden)
		return
	}
	if ts.PackageID == nil {
		http.Error(w, "tenant has no active package", http.StatusForbidden)
		return
	}

	pkg, err := s.store.GetPackage(r.Context(), *ts.PackageID)
	if err != nil {
		http.Error(w, err.Error(), storeErrStatus(err))
		return
	}

	seen := map[string]bool{}
	for _, d := range ts.DefaultDomains {
		seen[d.URL] = true
	}
	for _, d := range ts.ManualDomains {
		seen[d.URL] = true
	}

	var added []models.Domain
	for _, entry := range req.Domains {
		url := models.SanitizeDomainURL(entry.URL)
		if url == "" {
			http.Error(w, fmt.Sprintf("invalid domain %q", entry.URL), http.StatusBadRequest)
			return
		}
		if seen[url] {
			http.Error(w, fmt.Sprintf("domain %s already exists", url), http.StatusConflict)
			return
		}
		seen[url] = true
		added = append(added, models.Domain{
			ID:         uuid.NewString(),
			URL:        url,
			Status:     models.StatusEnabled,
			IntervalMs: entry.IntervalMs,
		})
	}

	newCount := ts.ManualCronCount + len(added)
	if pkg.ManualCronLimit > 0 && newCount > pkg.ManualCronLimit {
		http.Error(w, fmt.Sprintf("manual cron limit of %d reached", pkg.ManualCronLimit), http.StatusForbidden)
		return
	}

	manual := append(append([]models.Domain{}, ts.ManualDomains...), added...)
	if err := s.store.UpdateTenantDomains(r.Context(), tenantID, ts.DefaultDomains, manual, newCount); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	outcome := s.syncOutcome("add domains", tenantID, s.sched.Reconcile(r.Context(), tenantID))
	writeJSON(w, http.StatusCreated, addDomainsResponse{Domains: added, syncResult: outcome})
}

type removeDomainsRequest struct {
	DomainIDs []string `json:"domain_ids" validate:"required,min=1,dive,uuid4"`
}

type removeDomainsResponse struct {
	Removed []string `json:"removed"`
	syncResult
}

// handleRemoveDomains deletes manual domains by id. Default domains cannot be
// removed, only disabled.
func (s *Server) handleRemoveDomains(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !s.allowTenant(w, r, tenantID) {
		return
	}

	var req removeDomainsRequest
	if err := s.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ts, err := s.store.GetTenantSchedule(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), storeErrStatus(err))
		return
	}

	drop := map[string]bool{}
	for _, id := range req.DomainIDs {
		drop[id] = true
	}

	var kept, removed []models.Domain
	for _, d := range ts.ManualDomains {
		if drop[d.ID] {
			removed = append(removed, d)
			continue
		}
		kept = append(kept, d)
	}
	if len(removed) != len(req.DomainIDs) {
		http.Error(w, "unknown manual domain id", http.StatusNotFound)
		return
	}

	count := ts.ManualCronCount - len(removed)
	if count < 0 {
		count = 0
	}
	if err := s.store.UpdateTenantDomains(r.Context(), tenantID, ts.DefaultDomains, kept, count); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var syncErr error
	ids := make([]string, 0, len(removed))
	for _, d := range removed {
		ids = append(ids, d.ID)
		if _, err := s.sched.RemoveDomainFromQueue(r.Context(), tenantID, d.URL, models.KindManual); err != nil && syncErr == nil {
			syncErr = err
		}
	}

	outcome := s.syncOutcome("remove domains", tenantID, syncErr)
	writeJSON(w, http.StatusOK, removeDomainsResponse{Removed: ids, syncResult: outcome})
}

type patchDomainRequest struct {
	Status string `json:"status" validate:"required,oneof=enabled disabled"`
}

type patchDomainResponse struct {
	Domain models.Domain `json:"domain"`
	Kind   string        `json:"kind"`
	syncResult
}

// handlePatchDomain flips one domain between enabled and disabled, then
// replaces or removes its recurring job.
func (s *Server) handlePatchDomain(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	domainID := chi.URLParam(r, "domainID")
	if !s.allowTenant(w, r, tenantID) {
		return
	}

	var req patchDomainRequest
	if err := s.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ts, err := s.store.GetTenantSchedule(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), storeErrStatus(err))
		return
	}

	domain, kind := ts.FindDomain(domainID)
	if domain == nil {
		http.Error(w, "unknown domain id", http.StatusNotFound)
		return
	}
	domain.Status = req.Status

	if err := s.store.UpdateTenantDomains(r.Context(), tenantID, ts.DefaultDomains, ts.ManualDomains, ts.ManualCronCount); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	outcome := s.syncOutcome("patch domain", tenantID,
		s.sched.UpdateDomainInQueue(r.Context(), tenantID, *domain, kind))
	writeJSON(w, http.StatusOK, patchDomainResponse{Domain: *domain, Kind: kind, syncResult: outcome})
}

type assignPackageRequest struct {
	PackageID string `json:"package_id" validate:"required,uuid4"`
}

type assignPackageResponse struct {
	PackageID string    `json:"package_id"`
	ExpiresAt time.Time `json:"expires_at"`
	syncResult
}

// handleAssignPackage subscribes a tenant to a package: previous jobs are
// torn down first so nothing keeps firing at the old interval, then the
// subscription is written and the schedule rebuilt.
func (s *Server) handleAssignPackage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !s.allowTenant(w, r, tenantID) {
		return
	}

	var req assignPackageRequest
	if err := s.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pkg, err := s.store.GetPackage(r.Context(), req.PackageID)
	if err != nil {
		http.Error(w, err.Error(), storeErrStatus(err))
		return
	}
	if pkg.Status != models.StatusEnabled {
		http.Error(w, "package is not available", http.StatusForbidden)
		return
	}

	syncErr := s.sched.CleanAllPreviousTasks(r.Context(), tenantID)

	expiresAt := time.Now().UTC().Add(time.Duration(pkg.ValidityDays) * 24 * time.Hour)
	if err := s.store.SetTenantPackage(r.Context(), tenantID, pkg.ID, expiresAt); err != nil {
		http.Error(w, err.Error(), storeErrStatus(err))
		return
	}

	if err := s.sched.Reconcile(r.Context(), tenantID); err != nil && syncErr == nil {
		syncErr = err
	}

	outcome := s.syncOutcome("assign package", tenantID, syncErr)
	writeJSON(w, http.StatusOK, assignPackageResponse{
		PackageID:  pkg.ID,
		ExpiresAt:  expiresAt,
		syncResult: outcome,
	})
}
