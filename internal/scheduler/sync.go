package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cronwatch/internal/models"
	"cronwatch/internal/telemetry"
)

// TenantSource provides the authoritative tenant and entitlement state. The
// primary write (domain or package change) has already been committed by the
// time the synchronizer reads it.
type TenantSource interface {
	GetTenantSchedule(ctx context.Context, tenantID string) (models.TenantSchedule, error)
	ListEligibleTenantSchedules(ctx context.Context, cutoff time.Time) ([]models.TenantSchedule, error)
	TenantIDsForPackage(ctx context.Context, packageID string) ([]string, error)
}

// JobQueue is the durable recurring-job queue the synchronizer drives.
type JobQueue interface {
	AddRecurring(ctx context.Context, spec models.JobSpec) error
	RemoveRecurring(ctx context.Context, key string) (bool, error)
	ListRecurring(ctx context.Context) ([]models.JobSpec, error)
	ScheduleCleanup(ctx context.Context, tenantID string, fireAt time.Time) error
	RemoveCleanup(ctx context.Context, tenantID string) error
	Clear(ctx context.Context) error
}

// Synchronizer keeps the queue's recurring-job set consistent with the
// tenant/domain state in the store. All operations are best-effort relative
// to the primary write: failures are returned for the caller to surface as a
// soft warning, and the next reconcile trigger repairs the drift.
type Synchronizer struct {
	store  TenantSource
	queue  JobQueue
	margin time.Duration
	logger *slog.Logger
}

// New builds a synchronizer. margin is the minimum remaining entitlement
// below which no work is scheduled (it would be torn down immediately).
func New(store TenantSource, queue JobQueue, margin time.Duration, logger *slog.Logger) *Synchronizer {
	if margin <= 0 {
		margin = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{store: store, queue: queue, margin: margin, logger: logger}
}

// Reconcile aligns the queue with one tenant's current domain set: eligible
// domains get exactly one recurring job each, changed intervals or expiries
// are replaced, and everything else belonging to the tenant is removed. The
// tenant's single cleanup task is re-armed for the entitlement expiry.
func (s *Synchronizer) Reconcile(ctx context.Context, tenantID string) error {
	telemetry.ReconcileRuns.Inc()
	if err := s.reconcile(ctx, tenantID); err != nil {
		telemetry.ReconcileFailures.Inc()
		s.logger.Error("reconcile failed", "tenant", tenantID, "error", err)
		return err
	}
	return nil
}

func (s *Synchronizer) reconcile(ctx context.Context, tenantID string) error {
	ts, err := s.store.GetTenantSchedule(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load tenant %s: %w", tenantID, err)
	}

	now := time.Now()
	desired := s.desiredJobs(ts, now)
	if len(desired) == 0 {
		s.logger.Info("no eligible domains to schedule", "tenant", tenantID)
	}

	existing, err := s.queue.ListRecurring(ctx)
	if err != nil {
		return fmt.Errorf("list recurring jobs: %w", err)
	}

	desiredByKey := make(map[string]models.JobSpec, len(desired))
	for _, spec := range desired {
		desiredByKey[spec.Key] = spec
	}

	currentByKey := make(map[string]models.JobSpec)
	for _, spec := range existing {
		if spec.TenantID != tenantID {
			continue
		}
		currentByKey[spec.Key] = spec
	}

	for key, want := range desiredByKey {
		if have, ok := currentByKey[key]; ok && unchanged(have, want) {
			continue
		}
		// AddRecurring replaces any prior entry under the same key.
		if err := s.queue.AddRecurring(ctx, want); err != nil {
			return fmt.Errorf("schedule %s: %w", key, err)
		}
		telemetry.JobsScheduled.Inc()
	}

	for key := range currentByKey {
		if _, ok := desiredByKey[key]; ok {
			continue
		}
		if _, err := s.queue.RemoveRecurring(ctx, key); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
		telemetry.JobsRemoved.Inc()
	}

	if len(desired) > 0 {
		if err := s.queue.ScheduleCleanup(ctx, tenantID, ts.PackageExpiresAt); err != nil {
			return fmt.Errorf("schedule cleanup: %w", err)
		}
	}
	return nil
}

// desiredJobs computes the job set the tenant should have right now. An
// entitlement expiring within the safety margin yields nothing.
func (s *Synchronizer) desiredJobs(ts models.TenantSchedule, now time.Time) []models.JobSpec {
	if ts.Status != models.StatusEnabled {
		return nil
	}
	if ts.PackageStatus == models.StatusDisabled {
		return nil
	}
	if ts.PackageExpiresAt.Before(now.Add(s.margin)) {
		return nil
	}

	var specs []models.JobSpec
	appendDomains := func(domains []models.Domain, kind string) {
		for _, d := range domains {
			if d.Status != models.StatusEnabled {
				continue
			}
			specs = append(specs, models.JobSpec{
				Key:          models.JobKey(kind, ts.ID, d.URL),
				TenantID:     ts.ID,
				URL:          d.URL,
				Kind:         kind,
				DomainStatus: d.Status,
				EveryMs:      ts.EffectiveInterval(d, kind).Milliseconds(),
				EndAt:        ts.PackageExpiresAt,
			})
		}
	}
	appendDomains(ts.DefaultDomains, models.KindDefault)
	appendDomains(ts.ManualDomains, models.KindManual)
	return specs
}

func unchanged(have, want models.JobSpec) bool {
	return have.EveryMs == want.EveryMs &&
		have.EndAt.Equal(want.EndAt) &&
		have.DomainStatus == want.DomainStatus
}

// CleanAllPreviousTasks removes every recurring job tagged with the tenant id
// plus the tenant's pending cleanup task. Run before a wholesale package
// reassignment so jobs from the previous package's interval cannot linger.
// Idempotent against an already-clean tenant.
func (s *Synchronizer) CleanAllPreviousTasks(ctx context.Context, tenantID string) error {
	existing, err := s.queue.ListRecurring(ctx)
	if err != nil {
		return fmt.Errorf("list recurring jobs: %w", err)
	}
	for _, spec := range existing {
		if spec.TenantID != tenantID {
			continue
		}
		if _, err := s.queue.RemoveRecurring(ctx, spec.Key); err != nil {
			return fmt.Errorf("remove %s: %w", spec.Key, err)
		}
		telemetry.JobsRemoved.Inc()
	}
	if err := s.queue.RemoveCleanup(ctx, tenantID); err != nil {
		return fmt.Errorf("remove cleanup task: %w", err)
	}
	return nil
}

// RemoveDomainFromQueue drops the recurring job for one tenant domain.
// Returns false when no job existed, which is expected for a domain that was
// never enabled.
func (s *Synchronizer) RemoveDomainFromQueue(ctx context.Context, tenantID, url, kind string) (bool, error) {
	key := models.JobKey(kind, tenantID, url)
	removed, err := s.queue.RemoveRecurring(ctx, key)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", key, err)
	}
	if !removed {
		s.logger.Info("no scheduled job for domain", "tenant", tenantID, "url", url, "kind", kind)
		return false, nil
	}
	telemetry.JobsRemoved.Inc()
	return true, nil
}

// UpdateDomainInQueue re-syncs a single domain after a status or interval
// change: disabled or ineligible domains lose their job, enabled ones get a
// fresh one. The remove and the add are two steps; when the add fails after a
// successful remove the domain stays unscheduled until the next reconcile,
// and the gap is logged distinctly so it is never mistaken for a clean
// update.
func (s *Synchronizer) UpdateDomainInQueue(ctx context.Context, tenantID string, d models.Domain, kind string) error {
	ts, err := s.store.GetTenantSchedule(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load tenant %s: %w", tenantID, err)
	}

	key := models.JobKey(kind, tenantID, d.URL)
	removed, err := s.queue.RemoveRecurring(ctx, key)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}

	now := time.Now()
	eligible := d.Status == models.StatusEnabled &&
		ts.Status == models.StatusEnabled &&
		ts.PackageStatus != models.StatusDisabled &&
		!ts.PackageExpiresAt.Before(now.Add(s.margin))
	if !eligible {
		if removed {
			telemetry.JobsRemoved.Inc()
		}
		return nil
	}

	spec := models.JobSpec{
		Key:          key,
		TenantID:     tenantID,
		URL:          d.URL,
		Kind:         kind,
		DomainStatus: d.Status,
		EveryMs:      ts.EffectiveInterval(d, kind).Milliseconds(),
		EndAt:        ts.PackageExpiresAt,
	}
	if err := s.queue.AddRecurring(ctx, spec); err != nil {
		if removed {
			s.logger.Error("domain left unscheduled after failed replace", "tenant", tenantID, "url", d.URL, "kind", kind, "error", err)
		}
		return fmt.Errorf("re-add %s: %w", key, err)
	}
	telemetry.JobsScheduled.Inc()
	return nil
}

// UpdateJobsForPackage reconciles every tenant subscribed to the package.
// Used when an admin edits a package's interval or status. Per-tenant
// failures do not stop the sweep; the first error is reported.
func (s *Synchronizer) UpdateJobsForPackage(ctx context.Context, packageID string) error {
	ids, err := s.store.TenantIDsForPackage(ctx, packageID)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	var firstErr error
	for _, id := range ids {
		if err := s.Reconcile(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveJobsForPackage tears down all jobs for every subscriber of the
// package. Used when a package is deleted.
func (s *Synchronizer) RemoveJobsForPackage(ctx context.Context, packageID string) error {
	ids, err := s.store.TenantIDsForPackage(ctx, packageID)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	var firstErr error
	for _, id := range ids {
		if err := s.CleanAllPreviousTasks(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InitialLoad rebuilds the queue from scratch at process boot: every prior
// recurring job and cleanup task is dropped, then jobs are re-provisioned for
// each currently-eligible tenant. Returns how many jobs were provisioned.
func (s *Synchronizer) InitialLoad(ctx context.Context) (int, error) {
	if err := s.queue.Clear(ctx); err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}

	now := time.Now()
	tenants, err := s.store.ListEligibleTenantSchedules(ctx, now.Add(s.margin))
	if err != nil {
		return 0, fmt.Errorf("list eligible tenants: %w", err)
	}
	if len(tenants) == 0 {
		s.logger.Info("no eligible tenants for scheduling")
		return 0, nil
	}

	total := 0
	for _, ts := range tenants {
		for _, spec := range s.desiredJobs(ts, now) {
			if err := s.queue.AddRecurring(ctx, spec); err != nil {
				return total, fmt.Errorf("schedule %s: %w", spec.Key, err)
			}
			telemetry.JobsScheduled.Inc()
			total++
		}
		if err := s.queue.ScheduleCleanup(ctx, ts.ID, ts.PackageExpiresAt); err != nil {
			return total, fmt.Errorf("schedule cleanup for %s: %w", ts.ID, err)
		}
	}
	s.logger.Info("provisioned recurring jobs", "tenants", len(tenants), "jobs", total)
	return total, nil
}
