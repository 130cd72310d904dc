package worker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cronwatch/internal/models"
	"cronwatch/internal/store"
)

type fakeStatusSource struct {
	status string
	err    error
}

func (f *fakeStatusSource) DomainStatus(context.Context, string, string, string) (string, error) {
	return f.status, f.err
}

type captureLogs struct {
	records []models.LogRecord
}

func (c *captureLogs) Push(_ context.Context, rec models.LogRecord) error {
	c.records = append(c.records, rec)
	return nil
}

func probeSpec(url string) models.JobSpec {
	return models.JobSpec{
		Key:          models.JobKey(models.KindDefault, "tenant-1", url),
		TenantID:     "tenant-1",
		URL:          url,
		Kind:         models.KindDefault,
		DomainStatus: models.StatusEnabled,
		EveryMs:      7000,
	}
}

func TestProbeRecordsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logs := &captureLogs{}
	p := NewProber(2*time.Second, &fakeStatusSource{status: models.StatusEnabled}, logs, nil)

	if err := p.Execute(context.Background(), probeSpec(srv.URL)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(logs.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(logs.records))
	}

	rec := logs.records[0]
	if !rec.Success || rec.Status != http.StatusOK {
		t.Fatalf("expected success with 200, got success=%v status=%d", rec.Success, rec.Status)
	}
	if rec.Message != "success" {
		t.Fatalf("unexpected message %q", rec.Message)
	}
	if rec.ResponseTimeMs < 0 {
		t.Fatalf("response time must be recorded, got %d", rec.ResponseTimeMs)
	}
}

func TestProbeRecordsErrorStatusAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logs := &captureLogs{}
	p := NewProber(2*time.Second, &fakeStatusSource{status: models.StatusEnabled}, logs, nil)

	if err := p.Execute(context.Background(), probeSpec(srv.URL)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// A 503 is still a response: the domain answered.
	rec := logs.records[0]
	if !rec.Success || rec.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected success with 503, got success=%v status=%d", rec.Success, rec.Status)
	}
}

func TestProbeRecordsTransportFailure(t *testing.T) {
	// A closed server guarantees a connection failure.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	logs := &captureLogs{}
	p := NewProber(2*time.Second, &fakeStatusSource{status: models.StatusEnabled}, logs, nil)

	if err := p.Execute(context.Background(), probeSpec(url)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	rec := logs.records[0]
	if rec.Success || rec.Status != 0 {
		t.Fatalf("expected transport failure with status 0, got success=%v status=%d", rec.Success, rec.Status)
	}
	if rec.Message == "" {
		t.Fatal("failure message must not be empty")
	}
	if rec.TenantID != "tenant-1" || rec.DomainType != models.KindDefault {
		t.Fatalf("record missing attribution: %+v", rec)
	}
}

func TestProbeSkipsDisabledDomain(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
	}))
	defer srv.Close()

	logs := &captureLogs{}
	p := NewProber(2*time.Second, &fakeStatusSource{status: models.StatusDisabled}, logs, nil)

	if err := p.Execute(context.Background(), probeSpec(srv.URL)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if hits != 0 {
		t.Fatalf("disabled domain must not be probed, got %d hits", hits)
	}
	if len(logs.records) != 0 {
		t.Fatalf("skipped probe must not log, got %d records", len(logs.records))
	}
}

func TestProbeFallsBackToPayloadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logs := &captureLogs{}
	src := &fakeStatusSource{err: context.DeadlineExceeded}
	p := NewProber(2*time.Second, src, logs, nil)

	// Store down, payload says enabled: the probe still runs.
	if err := p.Execute(context.Background(), probeSpec(srv.URL)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(logs.records) != 1 {
		t.Fatalf("expected probe despite store error, got %d records", len(logs.records))
	}

	// Store down, payload says disabled: skip.
	spec := probeSpec(srv.URL)
	spec.DomainStatus = models.StatusDisabled
	if err := p.Execute(context.Background(), spec); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(logs.records) != 1 {
		t.Fatal("payload fallback must honor the disabled status")
	}
}

func TestProbeSkipsRemovedDomain(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
	}))
	defer srv.Close()

	logs := &captureLogs{}
	p := NewProber(2*time.Second, &fakeStatusSource{err: store.ErrNotFound}, logs, nil)

	if err := p.Execute(context.Background(), probeSpec(srv.URL)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if hits != 0 || len(logs.records) != 0 {
		t.Fatalf("removed domain must not be probed or logged, hits=%d records=%d", hits, len(logs.records))
	}
}

func TestClassifyTransportError(t *testing.T) {
	dns := classifyTransportError(&net.DNSError{Err: "no such host", Name: "missing.example"})
	if dns != "cannot connect to this domain" {
		t.Fatalf("unexpected dns classification %q", dns)
	}
}
