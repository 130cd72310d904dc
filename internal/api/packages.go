package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"cronwatch/internal/models"
	"cronwatch/internal/store"
)

type createPackageRequest struct {
	Name            string  `json:"name" validate:"required,max=100"`
	Price           float64 `json:"price" validate:"gte=0"`
	ValidityDays    int     `json:"validity_days" validate:"required,gt=0"`
	IntervalMs      int64   `json:"interval_ms" validate:"omitempty,gte=1000"`
	ManualCronLimit int     `json:"manual_cron_limit" validate:"gte=0"`
}

func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var req createPackageRequest
	if err := s.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pkg, err := s.store.CreatePackage(r.Context(), store.CreatePackageParams{
		Name:            req.Name,
		Price:           req.Price,
		ValidityDays:    req.ValidityDays,
		IntervalMs:      req.IntervalMs,
		ManualCronLimit: req.ManualCronLimit,
		Status:          models.StatusEnabled,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.store.ListPackages(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": pkgs})
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.store.GetPackage(r.Context(), chi.URLParam(r, "packageID"))
	if err != nil {
		http.Error(w, err.Error(), storeErrStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

type updatePackageRequest struct {
	Price           *float64 `json:"price" validate:"omitempty,gte=0"`
	ValidityDays    *int     `json:"validity_days" validate:"omitempty,gt=0"`
	IntervalMs      *int64   `json:"interval_ms" validate:"omitempty,gte=1000"`
	ManualCronLimit *int     `json:"manual_cron_limit" validate:"omitempty,gte=0"`
	Status          *string  `json:"status" validate:"omitempty,oneof=enabled disabled"`
}

type updatePackageResponse struct {
	Package models.Package `json:"package"`
	syncResult
}

// handleUpdatePackage edits a package and re-syncs every subscriber, since an
// interval or status change affects all of their default-domain jobs.
func (s *Server) handleUpdatePackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "packageID")

	var req updatePackageRequest
	if err := s.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pkg, err := s.store.UpdatePackage(r.Context(), id, store.UpdatePackageParams{
		Price:           req.Price,
		ValidityDays:    req.ValidityDays,
		IntervalMs:      req.IntervalMs,
		ManualCronLimit: req.ManualCronLimit,
		Status:          req.Status,
	})
	if err != nil {
		http.Error(w, err.Error(), storeErrStatus(err))
		return
	}

	outcome := s.syncOutcome("update package", id, s.sched.UpdateJobsForPackage(r.Context(), id))
	writeJSON(w, http.StatusOK, updatePackageResponse{Package: pkg, syncResult: outcome})
}

type deletePackageResponse struct {
	Deleted bool `json:"deleted"`
	syncResult
}

// handleDeletePackage tears down subscriber jobs before the row disappears,
// because the teardown needs the subscriber list the row still anchors.
func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "packageID")

	syncErr := s.sched.RemoveJobsForPackage(r.Context(), id)

	if err := s.store.DeletePackage(r.Context(), id); err != nil {
		http.Error(w, err.Error(), storeErrStatus(err))
		return
	}

	outcome := s.syncOutcome("delete package", id, syncErr)
	writeJSON(w, http.StatusOK, deletePackageResponse{Deleted: true, syncResult: outcome})
}
