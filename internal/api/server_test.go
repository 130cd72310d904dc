package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cronwatch/internal/config"
	"cronwatch/internal/models"
	"cronwatch/internal/store"
)

type fakeStore struct {
	tenants  map[string]models.TenantSchedule
	packages map[string]models.Package

	updatedDefault []models.Domain
	updatedManual  []models.Domain
	updatedCount   int

	assignedPackage string
	assignedExpiry  time.Time

	logs  []models.LogRecord
	total int64
}

func (f *fakeStore) GetTenantSchedule(_ context.Context, tenantID string) (models.TenantSchedule, error) {
	ts, ok := f.tenants[tenantID]
	if !ok {
		return models.TenantSchedule{}, store.ErrNotFound
	}
	return ts, nil
}

func (f *fakeStore) UpdateTenantDomains(_ context.Context, tenantID string, defaultDomains, manualDomains []models.Domain, manualCount int) error {
	f.updatedDefault = defaultDomains
	f.updatedManual = manualDomains
	f.updatedCount = manualCount
	ts := f.tenants[tenantID]
	ts.DefaultDomains = defaultDomains
	ts.ManualDomains = manualDomains
	ts.ManualCronCount = manualCount
	f.tenants[tenantID] = ts
	return nil
}

func (f *fakeStore) SetTenantPackage(_ context.Context, _, packageID string, expiresAt time.Time) error {
	f.assignedPackage = packageID
	f.assignedExpiry = expiresAt
	return nil
}

func (f *fakeStore) CreatePackage(_ context.Context, p store.CreatePackageParams) (models.Package, error) {
	return models.Package{ID: "pkg-new", Name: p.Name, Status: p.Status}, nil
}

func (f *fakeStore) UpdatePackage(_ context.Context, id string, _ store.UpdatePackageParams) (models.Package, error) {
	pkg, ok := f.packages[id]
	if !ok {
		return models.Package{}, store.ErrNotFound
	}
	return pkg, nil
}

func (f *fakeStore) DeletePackage(_ context.Context, id string) error {
	if _, ok := f.packages[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.packages, id)
	return nil
}

func (f *fakeStore) GetPackage(_ context.Context, id string) (models.Package, error) {
	pkg, ok := f.packages[id]
	if !ok {
		return models.Package{}, store.ErrNotFound
	}
	return pkg, nil
}

func (f *fakeStore) ListPackages(context.Context) ([]models.Package, error) {
	var out []models.Package
	for _, p := range f.packages {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) QueryLogs(_ context.Context, _ store.LogFilter) ([]models.LogRecord, int64, error) {
	return f.logs, f.total, nil
}

func (f *fakeStore) DeleteLogs(_ context.Context, _ store.LogFilter) (int64, error) {
	n := int64(len(f.logs))
	f.logs = nil
	return n, nil
}

type fakeScheduler struct {
	reconciled     []string
	cleaned        []string
	removedDomains []string
	updatedDomains []models.Domain
	pkgUpdated     []string
	pkgRemoved     []string
	err            error
}

func (f *fakeScheduler) Reconcile(_ context.Context, tenantID string) error {
	f.reconciled = append(f.reconciled, tenantID)
	return f.err
}

func (f *fakeScheduler) CleanAllPreviousTasks(_ context.Context, tenantID string) error {
	f.cleaned = append(f.cleaned, tenantID)
	return f.err
}

func (f *fakeScheduler) RemoveDomainFromQueue(_ context.Context, _, url, _ string) (bool, error) {
	f.removedDomains = append(f.removedDomains, url)
	return true, f.err
}

func (f *fakeScheduler) UpdateDomainInQueue(_ context.Context, _ string, d models.Domain, _ string) error {
	f.updatedDomains = append(f.updatedDomains, d)
	return f.err
}

func (f *fakeScheduler) UpdateJobsForPackage(_ context.Context, packageID string) error {
	f.pkgUpdated = append(f.pkgUpdated, packageID)
	return f.err
}

func (f *fakeScheduler) RemoveJobsForPackage(_ context.Context, packageID string) error {
	f.pkgRemoved = append(f.pkgRemoved, packageID)
	return f.err
}

type fakeBuffer struct {
	records []models.LogRecord
}

func (f *fakeBuffer) Read(context.Context, string) ([]models.LogRecord, error) {
	return f.records, nil
}

type fakeLimiter struct {
	allowed bool
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, float64, error) {
	return f.allowed, 0, nil
}

const (
	testTenantID  = "6f1e1f7c-9f70-4cf6-8f9c-0b8e5b8f2a11"
	testPackageID = "2b6a64cf-3e77-45f3-97c3-f6f37d5adf01"
)

func testFixtures() (*fakeStore, *fakeScheduler) {
	pkgID := testPackageID
	st := &fakeStore{
		tenants: map[string]models.TenantSchedule{
			testTenantID: {
				Tenant: models.Tenant{
					ID:               testTenantID,
					Status:           models.StatusEnabled,
					PackageID:        &pkgID,
					PackageExpiresAt: time.Now().Add(30 * 24 * time.Hour),
					DefaultDomains: []models.Domain{
						{ID: "d1", URL: "https://a.example", Status: models.StatusEnabled},
					},
					ManualDomains: []models.Domain{
						{ID: "0c7e1f7c-9f70-4cf6-8f9c-0b8e5b8f2a22", URL: "https://b.example", Status: models.StatusEnabled, IntervalMs: 5000},
					},
					ManualCronCount: 1,
				},
				PackageIntervalMs: 7000,
				PackageStatus:     models.StatusEnabled,
			},
		},
		packages: map[string]models.Package{
			pkgID: {ID: pkgID, Name: "basic", ValidityDays: 30, IntervalMs: 7000, ManualCronLimit: 3, Status: models.StatusEnabled},
		},
	}
	return st, &fakeScheduler{}
}

func newTestServer(st *fakeStore, sched *fakeScheduler, buffer *fakeBuffer, limiter RateLimiter) *httptest.Server {
	if buffer == nil {
		buffer = &fakeBuffer{}
	}
	srv := New(config.Load(), st, sched, buffer, limiter, nil)
	return httptest.NewServer(srv.Router())
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestAddDomains(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/tenants/"+testTenantID+"/domains", map[string]any{
		"domains": []map[string]any{{"url": "New.Example.com", "interval_ms": 60000}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Domains   []models.Domain `json:"domains"`
		Scheduled bool            `json:"scheduled"`
	}
	decodeBody(t, resp, &body)
	require.True(t, body.Scheduled)
	require.Len(t, body.Domains, 1)
	require.Equal(t, "https://new.example.com", body.Domains[0].URL)
	require.Equal(t, models.StatusEnabled, body.Domains[0].Status)

	require.Len(t, st.updatedManual, 2)
	require.Equal(t, 2, st.updatedCount)
	require.Equal(t, []string{testTenantID}, sched.reconciled)
}

func TestAddDomainsRejectsDuplicate(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/tenants/"+testTenantID+"/domains", map[string]any{
		"domains": []map[string]any{{"url": "b.example"}},
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
	require.Empty(t, sched.reconciled)
}

func TestAddDomainsEnforcesQuota(t *testing.T) {
	st, sched := testFixtures()
	pkg := st.packages[testPackageID]
	pkg.ManualCronLimit = 1
	st.packages[testPackageID] = pkg

	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/tenants/"+testTenantID+"/domains", map[string]any{
		"domains": []map[string]any{{"url": "new.example.com"}},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestAddDomainsRejectsGarbageURL(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/tenants/"+testTenantID+"/domains", map[string]any{
		"domains": []map[string]any{{"url": "not a domain"}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAddDomainsRateLimited(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, &fakeLimiter{allowed: false})
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/tenants/"+testTenantID+"/domains", map[string]any{
		"domains": []map[string]any{{"url": "new.example.com"}},
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
	require.Empty(t, sched.reconciled)
}

func TestAddDomainsSoftWarningOnSyncFailure(t *testing.T) {
	st, sched := testFixtures()
	sched.err = errors.New("redis down")
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/tenants/"+testTenantID+"/domains", map[string]any{
		"domains": []map[string]any{{"url": "new.example.com"}},
	})
	// The primary write landed, so the request still succeeds.
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Scheduled bool   `json:"scheduled"`
		Message   string `json:"message"`
	}
	decodeBody(t, resp, &body)
	require.False(t, body.Scheduled)
	require.NotEmpty(t, body.Message)
	require.Len(t, st.updatedManual, 2, "domain must be persisted despite sync failure")
}

func TestRemoveDomains(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	manualID := "0c7e1f7c-9f70-4cf6-8f9c-0b8e5b8f2a22"
	resp := doJSON(t, http.MethodDelete, ts.URL+"/tenants/"+testTenantID+"/domains", map[string]any{
		"domain_ids": []string{manualID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Removed   []string `json:"removed"`
		Scheduled bool     `json:"scheduled"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, []string{manualID}, body.Removed)
	require.True(t, body.Scheduled)
	require.Empty(t, st.updatedManual)
	require.Equal(t, 0, st.updatedCount)
	require.Equal(t, []string{"https://b.example"}, sched.removedDomains)
}

func TestPatchDomainDisables(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	manualID := "0c7e1f7c-9f70-4cf6-8f9c-0b8e5b8f2a22"
	resp := doJSON(t, http.MethodPatch, ts.URL+"/tenants/"+testTenantID+"/domains/"+manualID, map[string]any{
		"status": "disabled",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body patchDomainResponse
	decodeBody(t, resp, &body)
	require.Equal(t, models.StatusDisabled, body.Domain.Status)
	require.Equal(t, models.KindManual, body.Kind)

	require.Len(t, sched.updatedDomains, 1)
	require.Equal(t, models.StatusDisabled, sched.updatedDomains[0].Status)
	require.Equal(t, models.StatusDisabled, st.updatedManual[0].Status)
}

func TestPatchDomainRejectsBadStatus(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodPatch, ts.URL+"/tenants/"+testTenantID+"/domains/d1", map[string]any{
		"status": "paused",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAssignPackage(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodPut, ts.URL+"/tenants/"+testTenantID+"/package", map[string]any{
		"package_id": testPackageID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body assignPackageResponse
	decodeBody(t, resp, &body)
	require.True(t, body.Scheduled)
	require.Equal(t, testPackageID, st.assignedPackage)

	// 30 validity days from now, give or take the test run.
	require.WithinDuration(t, time.Now().Add(30*24*time.Hour), st.assignedExpiry, time.Minute)

	// Old jobs are torn down before the new schedule is built.
	require.Equal(t, []string{testTenantID}, sched.cleaned)
	require.Equal(t, []string{testTenantID}, sched.reconciled)
}

func TestTenantLogsMergesBufferAndDurable(t *testing.T) {
	now := time.Now().UTC()
	st, sched := testFixtures()
	st.logs = []models.LogRecord{
		{TenantID: testTenantID, Domain: "https://a.example", Status: 200, Success: true, CreatedAt: now.Add(-2 * time.Minute)},
	}
	st.total = 40
	buffer := &fakeBuffer{records: []models.LogRecord{
		{TenantID: testTenantID, Domain: "https://a.example", Status: 200, Success: true, CreatedAt: now},
	}}

	ts := newTestServer(st, sched, buffer, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tenants/" + testTenantID + "/logs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body tenantLogsResponse
	decodeBody(t, resp, &body)
	require.Len(t, body.Logs, 2)
	require.True(t, body.Logs[0].CreatedAt.Equal(now), "buffered entry is newest and sorts first")
	require.Equal(t, 1, body.Buffered)
	require.Equal(t, int64(40), body.DurableTotal)
}

func TestTenantLogsCapped(t *testing.T) {
	now := time.Now().UTC()
	st, sched := testFixtures()
	var buffered []models.LogRecord
	for i := 0; i < 80; i++ {
		buffered = append(buffered, models.LogRecord{TenantID: testTenantID, CreatedAt: now.Add(-time.Duration(i) * time.Second)})
	}
	for i := 0; i < 80; i++ {
		st.logs = append(st.logs, models.LogRecord{TenantID: testTenantID, CreatedAt: now.Add(-time.Duration(80+i) * time.Second)})
	}

	ts := newTestServer(st, sched, &fakeBuffer{records: buffered}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tenants/" + testTenantID + "/logs")
	require.NoError(t, err)

	var body tenantLogsResponse
	decodeBody(t, resp, &body)
	require.Len(t, body.Logs, combinedLogCap)
}

func TestPackageLifecycleTriggersSync(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodPatch, ts.URL+"/packages/"+testPackageID, map[string]any{
		"interval_ms": 9000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, []string{testPackageID}, sched.pkgUpdated)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/packages/"+testPackageID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, []string{testPackageID}, sched.pkgRemoved)
}

func TestDeleteUnknownPackage(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodDelete, ts.URL+"/packages/"+fmt.Sprintf("%036d", 1), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	st, sched := testFixtures()
	ts := newTestServer(st, sched, nil, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
