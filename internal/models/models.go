package models

import (
	"fmt"
	"time"
)

// Entity statuses shared by tenants, packages, and domains.
const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
	StatusDeleted  = "deleted"
	StatusBlocked  = "blocked"
)

// Domain kinds. Default domains are provisioned with the tenant and probe at
// the subscription interval; manual domains are tenant-added with their own
// interval.
const (
	KindDefault = "default"
	KindManual  = "manual"
)

// Interval fallbacks applied when a record carries no usable interval.
const (
	DefaultIntervalFallback = 7 * time.Second
	ManualIntervalFallback  = 10 * time.Minute
)

// Domain is a monitored endpoint embedded in a tenant record.
type Domain struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Status     string `json:"status"`
	IntervalMs int64  `json:"interval_ms,omitempty"` // manual domains only
}

// Package is a subscription tier controlling probe interval and quota.
type Package struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Price           float64   `json:"price"`
	ValidityDays    int       `json:"validity_days"`
	IntervalMs      int64     `json:"interval_ms"`
	ManualCronLimit int       `json:"manual_cron_limit"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Tenant owns domains and an entitlement window. Domain lists stay embedded
// in the tenant record; IDs are unique across both lists combined.
type Tenant struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	Status           string    `json:"status"`
	PackageID        *string   `json:"package_id,omitempty"`
	PackageExpiresAt time.Time `json:"package_expires_at"`
	DefaultDomains   []Domain  `json:"default_domains"`
	ManualDomains    []Domain  `json:"manual_domains"`
	ManualCronCount  int       `json:"manual_cron_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FindDomain locates a domain by id across both lists. The returned kind is
// KindDefault or KindManual.
func (t *Tenant) FindDomain(domainID string) (*Domain, string) {
	for i := range t.ManualDomains {
		if t.ManualDomains[i].ID == domainID {
			return &t.ManualDomains[i], KindManual
		}
	}
	for i := range t.DefaultDomains {
		if t.DefaultDomains[i].ID == domainID {
			return &t.DefaultDomains[i], KindDefault
		}
	}
	return nil, ""
}

// TenantSchedule is the scheduling view of a tenant: the tenant record with
// its package interval and status resolved.
type TenantSchedule struct {
	Tenant
	PackageIntervalMs int64  `json:"package_interval_ms"`
	PackageStatus     string `json:"package_status"`
}

// EffectiveInterval resolves the probe interval for one of the tenant's
// domains, applying the kind-specific fallback.
func (ts *TenantSchedule) EffectiveInterval(d Domain, kind string) time.Duration {
	if kind == KindManual {
		if d.IntervalMs > 0 {
			return time.Duration(d.IntervalMs) * time.Millisecond
		}
		return ManualIntervalFallback
	}
	if ts.PackageIntervalMs > 0 {
		return time.Duration(ts.PackageIntervalMs) * time.Millisecond
	}
	return DefaultIntervalFallback
}

// JobSpec describes one recurring probe job held by the queue. Key is
// deterministic over (kind, tenant, url) so re-adding an unchanged job
// replaces rather than duplicates.
type JobSpec struct {
	Key          string    `json:"key"`
	TenantID     string    `json:"tenant_id"`
	URL          string    `json:"url"`
	Kind         string    `json:"kind"`
	DomainStatus string    `json:"domain_status"`
	EveryMs      int64     `json:"every_ms"`
	EndAt        time.Time `json:"end_at"`
}

// JobKey derives the deterministic queue key for a tenant's domain.
func JobKey(kind, tenantID, url string) string {
	return fmt.Sprintf("%s-%s-%s", kind, tenantID, url)
}

// Every returns the recurrence interval as a duration.
func (s JobSpec) Every() time.Duration {
	return time.Duration(s.EveryMs) * time.Millisecond
}

// Validate checks the spec at enqueue and dequeue boundaries.
func (s JobSpec) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("job spec: missing key")
	}
	if s.TenantID == "" || s.URL == "" {
		return fmt.Errorf("job spec %s: missing tenant or url", s.Key)
	}
	if s.Kind != KindDefault && s.Kind != KindManual {
		return fmt.Errorf("job spec %s: bad kind %q", s.Key, s.Kind)
	}
	if s.EveryMs <= 0 {
		return fmt.Errorf("job spec %s: non-positive interval %d", s.Key, s.EveryMs)
	}
	return nil
}

// CleanupKeyPrefix prefixes one-shot entitlement-expiry tasks.
const CleanupKeyPrefix = "cleanup-"

// CleanupKey derives the idempotent cleanup-task id for a tenant.
func CleanupKey(tenantID string) string {
	return CleanupKeyPrefix + tenantID
}

// TenantFromCleanupKey reverses CleanupKey. Returns false for foreign keys.
func TenantFromCleanupKey(key string) (string, bool) {
	if len(key) <= len(CleanupKeyPrefix) || key[:len(CleanupKeyPrefix)] != CleanupKeyPrefix {
		return "", false
	}
	return key[len(CleanupKeyPrefix):], true
}

// LogRecord is one probe outcome. It lives in the per-tenant Redis buffer
// until the flusher persists it to Postgres.
type LogRecord struct {
	TenantID       string    `json:"tenant_id"`
	Domain         string    `json:"domain"`
	Status         int       `json:"status"`
	Success        bool      `json:"success"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Message        string    `json:"message"`
	DomainType     string    `json:"domain_type"`
	CreatedAt      time.Time `json:"created_at"`
}
