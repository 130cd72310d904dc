package archive

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"cronwatch/internal/models"
)

type fakeLogSource struct {
	records []models.LogRecord
}

func (f *fakeLogSource) ExpiredLogs(_ context.Context, cutoff time.Time, limit int) ([]models.LogRecord, error) {
	var out []models.LogRecord
	for _, rec := range f.records {
		if rec.CreatedAt.Before(cutoff) {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLogSource) DeleteExpiredLogs(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []models.LogRecord
	var removed int64
	for _, rec := range f.records {
		if rec.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	f.records = kept
	return removed, nil
}

type fakeUploader struct {
	keys   []string
	bodies [][]byte
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte) error {
	f.keys = append(f.keys, key)
	f.bodies = append(f.bodies, body)
	return nil
}

func expiredRecord(age time.Duration) models.LogRecord {
	return models.LogRecord{
		TenantID:   "tenant-1",
		Domain:     "https://a.example",
		Status:     200,
		Success:    true,
		Message:    "success",
		DomainType: models.KindDefault,
		CreatedAt:  time.Now().UTC().Add(-age),
	}
}

func TestSweepOnceArchivesThenDeletes(t *testing.T) {
	src := &fakeLogSource{records: []models.LogRecord{
		expiredRecord(20 * 24 * time.Hour),
		expiredRecord(16 * 24 * time.Hour),
		expiredRecord(time.Hour), // inside the window, must survive
	}}
	up := &fakeUploader{}
	s := &Sweeper{
		source:    src,
		uploader:  up,
		retention: 15 * 24 * time.Hour,
		prefix:    "cron-logs",
		batch:     100,
		logger:    slog.Default(),
	}

	removed, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 rows removed, got %d", removed)
	}
	if len(src.records) != 1 {
		t.Fatalf("expected 1 row retained, got %d", len(src.records))
	}
	if len(up.keys) != 1 {
		t.Fatalf("expected 1 archive object, got %d", len(up.keys))
	}
	if lines := bytes.Count(up.bodies[0], []byte("\n")); lines != 2 {
		t.Fatalf("expected 2 JSON lines, got %d", lines)
	}
}

func TestSweepOncePagesLargeBacklogs(t *testing.T) {
	// Oldest first, matching the query the sweeper pages over.
	src := &fakeLogSource{}
	for i := 0; i < 5; i++ {
		src.records = append(src.records, expiredRecord(time.Duration(24-i)*24*time.Hour))
	}
	up := &fakeUploader{}
	s := &Sweeper{
		source:    src,
		uploader:  up,
		retention: 15 * 24 * time.Hour,
		prefix:    "cron-logs",
		batch:     2,
		logger:    slog.Default(),
	}

	removed, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 5 {
		t.Fatalf("expected 5 rows removed, got %d", removed)
	}
	if len(up.keys) < 3 {
		t.Fatalf("expected at least 3 pages uploaded, got %d", len(up.keys))
	}
}

func TestSweepOnceDeleteOnlyWithoutBucket(t *testing.T) {
	src := &fakeLogSource{records: []models.LogRecord{
		expiredRecord(20 * 24 * time.Hour),
	}}
	s := &Sweeper{
		source:    src,
		retention: 15 * 24 * time.Hour,
		batch:     100,
		logger:    slog.Default(),
	}

	removed, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected delete-only sweep to remove 1 row, got %d", removed)
	}
}
