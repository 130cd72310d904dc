package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"cronwatch/internal/models"
)

// ErrNotFound is returned when a tenant or package row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ---- packages ----

// CreatePackageParams collects inputs required to insert a package.
type CreatePackageParams struct {
	Name            string
	Price           float64
	ValidityDays    int
	IntervalMs      int64
	ManualCronLimit int
	Status          string
}

// CreatePackage inserts a package row. Duplicate names are rejected by the
// unique constraint.
func (s *Store) CreatePackage(ctx context.Context, p CreatePackageParams) (models.Package, error) {
	if p.Status == "" {
		p.Status = models.StatusEnabled
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO packages (id, name, price, validity_days, interval_ms, manual_cron_limit, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.Name, p.Price, p.ValidityDays, p.IntervalMs, p.ManualCronLimit, p.Status, now)
	if err != nil {
		return models.Package{}, fmt.Errorf("insert package: %w", err)
	}
	return models.Package{
		ID:              id,
		Name:            p.Name,
		Price:           p.Price,
		ValidityDays:    p.ValidityDays,
		IntervalMs:      p.IntervalMs,
		ManualCronLimit: p.ManualCronLimit,
		Status:          p.Status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// UpdatePackageParams carries optional fields for a package update. Nil
// fields are left untouched.
type UpdatePackageParams struct {
	Price           *float64
	ValidityDays    *int
	IntervalMs      *int64
	ManualCronLimit *int
	Status          *string
}

// UpdatePackage applies the provided fields and returns the updated row.
func (s *Store) UpdatePackage(ctx context.Context, id string, p UpdatePackageParams) (models.Package, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE packages
		SET price             = COALESCE($2, price),
		    validity_days     = COALESCE($3, validity_days),
		    interval_ms       = COALESCE($4, interval_ms),
		    manual_cron_limit = COALESCE($5, manual_cron_limit),
		    status            = COALESCE($6, status),
		    updated_at        = NOW()
		WHERE id = $1
	`, id, p.Price, p.ValidityDays, p.IntervalMs, p.ManualCronLimit, p.Status)
	if err != nil {
		return models.Package{}, fmt.Errorf("update package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Package{}, ErrNotFound
	}
	return s.GetPackage(ctx, id)
}

// DeletePackage removes a package row. Tenants keep their expiry but lose the
// subscription reference.
func (s *Store) DeletePackage(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `UPDATE tenants SET package_id = NULL, updated_at = NOW() WHERE package_id = $1`, id); err != nil {
		return fmt.Errorf("detach subscribers: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM packages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// GetPackage fetches a package by id.
func (s *Store) GetPackage(ctx context.Context, id string) (models.Package, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, price, validity_days, interval_ms, manual_cron_limit, status, created_at, updated_at
		FROM packages WHERE id = $1
	`, id)
	return scanPackage(row)
}

// ListPackages returns all packages ordered by price.
func (s *Store) ListPackages(ctx context.Context) ([]models.Package, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, price, validity_days, interval_ms, manual_cron_limit, status, created_at, updated_at
		FROM packages ORDER BY price ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	defer rows.Close()

	var out []models.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

// TenantIDsForPackage lists tenants currently subscribed to a package.
func (s *Store) TenantIDsForPackage(ctx context.Context, packageID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM tenants WHERE package_id = $1`, packageID)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanPackage(row pgx.Row) (models.Package, error) {
	var pkg models.Package
	if err := row.Scan(&pkg.ID, &pkg.Name, &pkg.Price, &pkg.ValidityDays, &pkg.IntervalMs, &pkg.ManualCronLimit, &pkg.Status, &pkg.CreatedAt, &pkg.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Package{}, ErrNotFound
		}
		return models.Package{}, fmt.Errorf("scan package: %w", err)
	}
	return pkg, nil
}

// ---- tenants ----

const tenantScheduleQuery = `
	SELECT t.id, t.name, t.email, t.status, t.package_id, t.package_expires_at,
	       t.default_domains, t.manual_domains, t.manual_cron_count,
	       t.created_at, t.updated_at,
	       COALESCE(p.interval_ms, 0), COALESCE(p.status, '')
	FROM tenants t
	LEFT JOIN packages p ON p.id = t.package_id
`

// GetTenantSchedule loads one tenant with its package interval resolved.
func (s *Store) GetTenantSchedule(ctx context.Context, tenantID string) (models.TenantSchedule, error) {
	row := s.pool.QueryRow(ctx, tenantScheduleQuery+` WHERE t.id = $1`, tenantID)
	ts, err := scanTenantSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TenantSchedule{}, ErrNotFound
		}
		return models.TenantSchedule{}, err
	}
	return ts, nil
}

// ListEligibleTenantSchedules returns every enabled tenant whose entitlement
// extends past the cutoff. Used for the startup rebuild.
func (s *Store) ListEligibleTenantSchedules(ctx context.Context, cutoff time.Time) ([]models.TenantSchedule, error) {
	rows, err := s.pool.Query(ctx, tenantScheduleQuery+`
		WHERE t.status = $1 AND t.package_expires_at >= $2
	`, models.StatusEnabled, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query eligible tenants: %w", err)
	}
	defer rows.Close()

	var out []models.TenantSchedule
	for rows.Next() {
		ts, err := scanTenantSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func scanTenantSchedule(row pgx.Row) (models.TenantSchedule, error) {
	var ts models.TenantSchedule
	var pkgID pgtype.Text
	var defaultJSON, manualJSON []byte
	if err := row.Scan(&ts.ID, &ts.Name, &ts.Email, &ts.Status, &pkgID, &ts.PackageExpiresAt,
		&defaultJSON, &manualJSON, &ts.ManualCronCount,
		&ts.CreatedAt, &ts.UpdatedAt,
		&ts.PackageIntervalMs, &ts.PackageStatus); err != nil {
		return models.TenantSchedule{}, err
	}
	ts.PackageID = textPtr(pkgID)
	if err := json.Unmarshal(defaultJSON, &ts.DefaultDomains); err != nil {
		return models.TenantSchedule{}, fmt.Errorf("unmarshal default domains: %w", err)
	}
	if err := json.Unmarshal(manualJSON, &ts.ManualDomains); err != nil {
		return models.TenantSchedule{}, fmt.Errorf("unmarshal manual domains: %w", err)
	}
	return ts, nil
}

// UpdateTenantDomains persists both embedded domain lists and the manual
// quota counter.
func (s *Store) UpdateTenantDomains(ctx context.Context, tenantID string, defaultDomains, manualDomains []models.Domain, manualCount int) error {
	if defaultDomains == nil {
		defaultDomains = []models.Domain{}
	}
	if manualDomains == nil {
		manualDomains = []models.Domain{}
	}
	defaultJSON, err := json.Marshal(defaultDomains)
	if err != nil {
		return fmt.Errorf("marshal default domains: %w", err)
	}
	manualJSON, err := json.Marshal(manualDomains)
	if err != nil {
		return fmt.Errorf("marshal manual domains: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants
		SET default_domains = $2, manual_domains = $3, manual_cron_count = $4, updated_at = NOW()
		WHERE id = $1
	`, tenantID, defaultJSON, manualJSON, manualCount)
	if err != nil {
		return fmt.Errorf("update tenant domains: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTenantPackage assigns a subscription and its expiry window.
func (s *Store) SetTenantPackage(ctx context.Context, tenantID, packageID string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants SET package_id = $2, package_expires_at = $3, updated_at = NOW() WHERE id = $1
	`, tenantID, packageID, expiresAt)
	if err != nil {
		return fmt.Errorf("set tenant package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DomainStatus reads the current status of one tenant domain. Used by the
// probe worker as the fire-time stale-job guard.
func (s *Store) DomainStatus(ctx context.Context, tenantID, url, kind string) (string, error) {
	ts, err := s.GetTenantSchedule(ctx, tenantID)
	if err != nil {
		return "", err
	}
	list := ts.DefaultDomains
	if kind == models.KindManual {
		list = ts.ManualDomains
	}
	for _, d := range list {
		if d.URL == url {
			return d.Status, nil
		}
	}
	return "", ErrNotFound
}

// ---- cron logs ----

// InsertLogRecords bulk-inserts flushed probe outcomes.
func (s *Store) InsertLogRecords(ctx context.Context, records []models.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []any{rec.TenantID, rec.Domain, rec.Status, rec.ResponseTimeMs, rec.Message, rec.DomainType, rec.CreatedAt})
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"cron_logs"},
		[]string{"tenant_id", "domain", "status", "response_time_ms", "message", "domain_type", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy cron logs: %w", err)
	}
	return nil
}

// LogFilter narrows log queries. Zero values mean "any".
type LogFilter struct {
	TenantID   string
	Domain     string
	DomainType string
	Status     *int
	Limit      int
	Offset     int
}

// QueryLogs returns durable log records matching the filter, newest first,
// along with the total match count.
func (s *Store) QueryLogs(ctx context.Context, f LogFilter) ([]models.LogRecord, int64, error) {
	where := ` WHERE ($1 = '' OR tenant_id::text = $1)
		AND ($2 = '' OR domain = $2)
		AND ($3 = '' OR domain_type = $3)
		AND ($4::int IS NULL OR status = $4)`
	args := []any{f.TenantID, f.Domain, f.DomainType, f.Status}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cron_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cron logs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, domain, status, response_time_ms, message, domain_type, created_at
		FROM cron_logs`+where+`
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query cron logs: %w", err)
	}
	defer rows.Close()

	records, err := scanLogRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// DeleteLogs removes durable log records matching the filter and reports how
// many were deleted.
func (s *Store) DeleteLogs(ctx context.Context, f LogFilter) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM cron_logs
		WHERE ($1 = '' OR tenant_id::text = $1)
		  AND ($2 = '' OR domain = $2)
		  AND ($3 = '' OR domain_type = $3)
		  AND ($4::int IS NULL OR status = $4)
	`, f.TenantID, f.Domain, f.DomainType, f.Status)
	if err != nil {
		return 0, fmt.Errorf("delete cron logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpiredLogs returns records older than the cutoff, oldest first, capped at
// limit. The retention sweep archives these before deleting them.
func (s *Store) ExpiredLogs(ctx context.Context, cutoff time.Time, limit int) ([]models.LogRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, domain, status, response_time_ms, message, domain_type, created_at
		FROM cron_logs WHERE created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired logs: %w", err)
	}
	defer rows.Close()
	return scanLogRecords(rows)
}

// DeleteExpiredLogs drops records older than the cutoff.
func (s *Store) DeleteExpiredLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cron_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanLogRecords(rows pgx.Rows) ([]models.LogRecord, error) {
	var out []models.LogRecord
	for rows.Next() {
		var rec models.LogRecord
		if err := rows.Scan(&rec.TenantID, &rec.Domain, &rec.Status, &rec.ResponseTimeMs, &rec.Message, &rec.DomainType, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cron log: %w", err)
		}
		// Transport success is implied by a real status code.
		rec.Success = rec.Status > 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
