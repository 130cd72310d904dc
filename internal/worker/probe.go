package worker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"cronwatch/internal/models"
	"cronwatch/internal/store"
	"cronwatch/internal/telemetry"
)

// DomainStatusSource reads the current status of a tenant's domain. The
// probe worker consults it at fire time so a job that raced a disable does
// not probe a domain the tenant just turned off.
type DomainStatusSource interface {
	DomainStatus(ctx context.Context, tenantID, url, kind string) (string, error)
}

// LogPusher appends a probe outcome to the tenant's fast buffer.
type LogPusher interface {
	Push(ctx context.Context, rec models.LogRecord) error
}

// Prober performs the HTTP keep-alive probe for one job firing. Probe
// failures are outcomes, not errors: every classification ends in a log
// record and a completed job.
type Prober struct {
	client   *http.Client
	statuses DomainStatusSource
	logs     LogPusher
	logger   *slog.Logger
}

// NewProber builds a prober with a bounded per-request timeout.
func NewProber(timeout time.Duration, statuses DomainStatusSource, logs LogPusher, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		client:   &http.Client{Timeout: timeout},
		statuses: statuses,
		logs:     logs,
		logger:   logger,
	}
}

// Execute runs one probe: Dispatched -> Probing -> Succeeded/Failed ->
// Logged. The returned error covers infrastructure problems (buffer push)
// only; the caller completes the job either way.
func (p *Prober) Execute(ctx context.Context, spec models.JobSpec) error {
	// Stale-job guard: a disable may race a firing already queued. The
	// authoritative store wins; the payload copy is the fallback when the
	// store is unreachable.
	status, err := p.statuses.DomainStatus(ctx, spec.TenantID, spec.URL, spec.Kind)
	if errors.Is(err, store.ErrNotFound) {
		// The domain was removed and this firing raced the job teardown.
		telemetry.ProbesSkipped.Inc()
		return nil
	}
	if err != nil {
		status = spec.DomainStatus
	}
	if status != models.StatusEnabled {
		telemetry.ProbesSkipped.Inc()
		return nil
	}

	start := time.Now()
	rec := p.probe(ctx, spec, start)
	rec.ResponseTimeMs = time.Since(start).Milliseconds()

	telemetry.ProbesExecuted.Inc()
	if !rec.Success {
		telemetry.ProbesFailed.Inc()
	}
	if err := p.logs.Push(ctx, rec); err != nil {
		p.logger.Error("push probe log failed", "tenant", spec.TenantID, "url", spec.URL, "error", err)
		return err
	}
	return nil
}

func (p *Prober) probe(ctx context.Context, spec models.JobSpec, start time.Time) models.LogRecord {
	rec := models.LogRecord{
		TenantID:   spec.TenantID,
		Domain:     spec.URL,
		DomainType: spec.Kind,
		CreatedAt:  start.UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		rec.Message = err.Error()
		return rec
	}

	resp, err := p.client.Do(req)
	if err != nil {
		rec.Message = classifyTransportError(err)
		return rec
	}
	defer resp.Body.Close()

	// Any response counts as transport success, 4xx and 5xx included.
	rec.Status = resp.StatusCode
	rec.Success = true
	rec.Message = "success"
	return rec
}

// classifyTransportError maps transport failures onto the user-facing
// messages the log history shows.
func classifyTransportError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "cannot connect to this domain"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "no response received"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "no response received"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}
