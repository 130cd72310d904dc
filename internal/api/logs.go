package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"cronwatch/internal/models"
	"cronwatch/internal/store"
)

const combinedLogCap = 100

type tenantLogsResponse struct {
	Logs         []models.LogRecord `json:"logs"`
	Buffered     int                `json:"buffered"`
	DurableTotal int64              `json:"durable_total"`
}

// handleTenantLogs merges unflushed buffer entries with durable history,
// newest first, capped so the response stays a single page.
func (s *Server) handleTenantLogs(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	buffered, err := s.buffer.Read(r.Context(), tenantID)
	if err != nil {
		// Durable history still answers the request when Redis is out.
		s.logger.Warn("log buffer read failed", "tenant", tenantID, "error", err)
		buffered = nil
	}

	durable, total, err := s.store.QueryLogs(r.Context(), store.LogFilter{
		TenantID: tenantID,
		Limit:    combinedLogCap,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	merged := append(append([]models.LogRecord{}, buffered...), durable...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if len(merged) > combinedLogCap {
		merged = merged[:combinedLogCap]
	}

	writeJSON(w, http.StatusOK, tenantLogsResponse{
		Logs:         merged,
		Buffered:     len(buffered),
		DurableTotal: total,
	})
}

// logFilterFromQuery builds a durable-log filter from query parameters.
func logFilterFromQuery(r *http.Request) (store.LogFilter, error) {
	q := r.URL.Query()
	f := store.LogFilter{
		TenantID:   q.Get("tenant_id"),
		Domain:     q.Get("domain"),
		DomainType: q.Get("domain_type"),
	}
	if v := q.Get("status"); v != "" {
		status, err := strconv.Atoi(v)
		if err != nil {
			return f, err
		}
		f.Status = &status
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return f, err
		}
		f.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			return f, err
		}
		f.Offset = offset
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = combinedLogCap
	}
	return f, nil
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	f, err := logFilterFromQuery(r)
	if err != nil {
		http.Error(w, "bad filter", http.StatusBadRequest)
		return
	}
	logs, total, err := s.store.QueryLogs(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "total": total})
}

func (s *Server) handleAdminPurgeLogs(w http.ResponseWriter, r *http.Request) {
	f, err := logFilterFromQuery(r)
	if err != nil {
		http.Error(w, "bad filter", http.StatusBadRequest)
		return
	}
	deleted, err := s.store.DeleteLogs(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("purged probe logs", "deleted", deleted, "tenant", f.TenantID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
