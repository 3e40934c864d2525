// Package postgres provides the Postgres-backed warehouse.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
)

const uniqueViolation = "23505"

const dropSQL = `DROP TABLE IF EXISTS fact_requests, dq_issues, dim_status, dim_url, dim_time, stg_logs CASCADE`

const schemaSQL = `
CREATE TABLE IF NOT EXISTS stg_logs (
	row_id    BIGINT PRIMARY KEY,
	time      TEXT NOT NULL,
	method    TEXT NOT NULL,
	url       TEXT NOT NULL,
	status    TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	wait_ms   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dq_issues (
	issue_id       BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	staging_row_id BIGINT NOT NULL REFERENCES stg_logs(row_id),
	issue_type     TEXT NOT NULL,
	detail         TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dim_time (
	time_id   BIGINT PRIMARY KEY,
	timestamp TEXT NOT NULL UNIQUE,
	date      TEXT NOT NULL,
	hour      INTEGER NOT NULL,
	minute    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS dim_url (
	url_id BIGINT PRIMARY KEY,
	url    TEXT NOT NULL UNIQUE,
	domain TEXT NOT NULL,
	path   TEXT NOT NULL,
	query  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dim_status (
	status_id    BIGINT PRIMARY KEY,
	status_code  INTEGER NOT NULL UNIQUE CHECK (status_code BETWEEN 100 AND 599),
	status_class TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fact_requests (
	request_id BIGINT PRIMARY KEY,
	time_id    BIGINT NOT NULL REFERENCES dim_time(time_id),
	url_id     BIGINT NOT NULL REFERENCES dim_url(url_id),
	status_id  BIGINT NOT NULL REFERENCES dim_status(status_id),
	method     TEXT NOT NULL,
	mime_type  TEXT NOT NULL,
	wait_ms    DOUBLE PRECISION CHECK (wait_ms IS NULL OR wait_ms >= 0)
);
CREATE TABLE IF NOT EXISTS dwh_run_state (
	id       SMALLINT PRIMARY KEY CHECK (id = 1),
	complete BOOLEAN NOT NULL
);`

const setStateSQL = `INSERT INTO dwh_run_state (id, complete) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET complete = EXCLUDED.complete`

// StagingColumns is the column order used for the staging COPY.
var StagingColumns = []string{"row_id", "time", "method", "url", "status", "mime_type", "wait_ms"}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the warehouse uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

// Warehouse is an etl.Warehouse stored in Postgres.
type Warehouse struct {
	pool   Pool
	logger *zap.Logger
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Warehouse, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	w, err := NewWithPool(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return w, nil
}

// NewWithPool constructs a warehouse from an existing pool (primarily for testing).
func NewWithPool(ctx context.Context, pool Pool, logger *zap.Logger) (*Warehouse, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Warehouse{pool: pool, logger: logger.Named("postgres")}, nil
}

// Reset marks the warehouse incomplete, then drops and recreates every
// table. The run state table survives the drop, so a failure part way
// through leaves the mark set.
func (w *Warehouse) Reset(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, setStateSQL, false); err != nil {
		return fmt.Errorf("mark incomplete: %w", err)
	}
	if _, err := w.pool.Exec(ctx, dropSQL); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	w.logger.Debug("warehouse reset")
	return nil
}

// MarkComplete records that the current contents are a finished run.
func (w *Warehouse) MarkComplete(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, setStateSQL, true); err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	return nil
}

// Complete reports whether the last Reset was followed by MarkComplete. A
// database that was never reset has no state row and counts as complete.
func (w *Warehouse) Complete(ctx context.Context) (bool, error) {
	var complete bool
	err := w.pool.QueryRow(ctx, `SELECT complete FROM dwh_run_state WHERE id = 1`).Scan(&complete)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read run state: %w", err)
	}
	return complete, nil
}

// Close releases the underlying pool resources.
func (w *Warehouse) Close() error {
	if w == nil || w.pool == nil {
		return nil
	}
	w.pool.Close()
	return nil
}

// InsertStaging bulk-loads staging rows with COPY.
func (w *Warehouse) InsertStaging(ctx context.Context, records []etl.StagingRecord) error {
	src := pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
		r := records[i]
		return []any{r.RowID, r.Time, r.Method, r.URL, r.Status, r.MimeType, r.WaitMS}, nil
	})
	n, err := w.pool.CopyFrom(ctx, pgx.Identifier{"stg_logs"}, StagingColumns, src)
	if err != nil {
		return fmt.Errorf("copy staging: %w", err)
	}
	if n != int64(len(records)) {
		return fmt.Errorf("copy staging: wrote %d of %d rows", n, len(records))
	}
	return nil
}

// StagingRecords returns staging rows ordered by row ID.
func (w *Warehouse) StagingRecords(ctx context.Context) ([]etl.StagingRecord, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT row_id, time, method, url, status, mime_type, wait_ms FROM stg_logs ORDER BY row_id`)
	if err != nil {
		return nil, fmt.Errorf("query staging: %w", err)
	}
	defer rows.Close()
	var out []etl.StagingRecord
	for rows.Next() {
		var r etl.StagingRecord
		if err := rows.Scan(&r.RowID, &r.Time, &r.Method, &r.URL, &r.Status, &r.MimeType, &r.WaitMS); err != nil {
			return nil, fmt.Errorf("scan staging: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRejection appends a rejection.
func (w *Warehouse) InsertRejection(ctx context.Context, rej etl.RejectionRecord) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO dq_issues (staging_row_id, issue_type, detail) VALUES ($1, $2, $3)`,
		rej.StagingRowID, string(rej.IssueType), rej.Detail)
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// Rejections returns rejections in insertion order.
func (w *Warehouse) Rejections(ctx context.Context) ([]etl.RejectionRecord, error) {
	rows, err := w.pool.Query(ctx, `SELECT staging_row_id, issue_type, detail FROM dq_issues ORDER BY issue_id`)
	if err != nil {
		return nil, fmt.Errorf("query rejections: %w", err)
	}
	defer rows.Close()
	var out []etl.RejectionRecord
	for rows.Next() {
		var r etl.RejectionRecord
		var issue string
		if err := rows.Scan(&r.StagingRowID, &issue, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		r.IssueType = etl.IssueType(issue)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LookupTime finds a time dimension by raw timestamp.
func (w *Warehouse) LookupTime(ctx context.Context, timestamp string) (int64, bool, error) {
	return w.lookup(ctx, `SELECT time_id FROM dim_time WHERE timestamp = $1`, timestamp)
}

// InsertTime adds a time dimension row.
func (w *Warehouse) InsertTime(ctx context.Context, d etl.TimeDimension) error {
	return w.insert(ctx, "dim_time",
		`INSERT INTO dim_time (time_id, timestamp, date, hour, minute) VALUES ($1, $2, $3, $4, $5)`,
		d.TimeID, d.Timestamp, d.Date, d.Hour, d.Minute)
}

// LookupURL finds a URL dimension by full URL.
func (w *Warehouse) LookupURL(ctx context.Context, rawURL string) (int64, bool, error) {
	return w.lookup(ctx, `SELECT url_id FROM dim_url WHERE url = $1`, rawURL)
}

// InsertURL adds a URL dimension row.
func (w *Warehouse) InsertURL(ctx context.Context, d etl.URLDimension) error {
	return w.insert(ctx, "dim_url",
		`INSERT INTO dim_url (url_id, url, domain, path, query) VALUES ($1, $2, $3, $4, $5)`,
		d.URLID, d.URL, d.Domain, d.Path, d.Query)
}

// LookupStatus finds a status dimension by status code.
func (w *Warehouse) LookupStatus(ctx context.Context, code int) (int64, bool, error) {
	return w.lookup(ctx, `SELECT status_id FROM dim_status WHERE status_code = $1`, code)
}

// InsertStatus adds a status dimension row.
func (w *Warehouse) InsertStatus(ctx context.Context, d etl.StatusDimension) error {
	return w.insert(ctx, "dim_status",
		`INSERT INTO dim_status (status_id, status_code, status_class) VALUES ($1, $2, $3)`,
		d.StatusID, d.StatusCode, d.StatusClass)
}

// InsertFact appends a fact row. A nil WaitMS is stored as NULL.
func (w *Warehouse) InsertFact(ctx context.Context, f etl.FactRequest) error {
	return w.insert(ctx, "fact_requests",
		`INSERT INTO fact_requests (request_id, time_id, url_id, status_id, method, mime_type, wait_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.RequestID, f.TimeID, f.URLID, f.StatusID, f.Method, f.MimeType, f.WaitMS)
}

// Facts returns fact rows ordered by request ID.
func (w *Warehouse) Facts(ctx context.Context) ([]etl.FactRequest, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT request_id, time_id, url_id, status_id, method, mime_type, wait_ms
		 FROM fact_requests ORDER BY request_id`)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()
	var out []etl.FactRequest
	for rows.Next() {
		var f etl.FactRequest
		var wait pgtype.Float8
		if err := rows.Scan(&f.RequestID, &f.TimeID, &f.URLID, &f.StatusID, &f.Method, &f.MimeType, &wait); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if wait.Valid {
			v := wait.Float64
			f.WaitMS = &v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// TimeDimensions returns time rows ordered by ID.
func (w *Warehouse) TimeDimensions(ctx context.Context) ([]etl.TimeDimension, error) {
	rows, err := w.pool.Query(ctx, `SELECT time_id, timestamp, date, hour, minute FROM dim_time ORDER BY time_id`)
	if err != nil {
		return nil, fmt.Errorf("query dim_time: %w", err)
	}
	defer rows.Close()
	var out []etl.TimeDimension
	for rows.Next() {
		var d etl.TimeDimension
		if err := rows.Scan(&d.TimeID, &d.Timestamp, &d.Date, &d.Hour, &d.Minute); err != nil {
			return nil, fmt.Errorf("scan dim_time: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// URLDimensions returns URL rows ordered by ID.
func (w *Warehouse) URLDimensions(ctx context.Context) ([]etl.URLDimension, error) {
	rows, err := w.pool.Query(ctx, `SELECT url_id, url, domain, path, query FROM dim_url ORDER BY url_id`)
	if err != nil {
		return nil, fmt.Errorf("query dim_url: %w", err)
	}
	defer rows.Close()
	var out []etl.URLDimension
	for rows.Next() {
		var d etl.URLDimension
		if err := rows.Scan(&d.URLID, &d.URL, &d.Domain, &d.Path, &d.Query); err != nil {
			return nil, fmt.Errorf("scan dim_url: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StatusDimensions returns status rows ordered by ID.
func (w *Warehouse) StatusDimensions(ctx context.Context) ([]etl.StatusDimension, error) {
	rows, err := w.pool.Query(ctx, `SELECT status_id, status_code, status_class FROM dim_status ORDER BY status_id`)
	if err != nil {
		return nil, fmt.Errorf("query dim_status: %w", err)
	}
	defer rows.Close()
	var out []etl.StatusDimension
	for rows.Next() {
		var d etl.StatusDimension
		if err := rows.Scan(&d.StatusID, &d.StatusCode, &d.StatusClass); err != nil {
			return nil, fmt.Errorf("scan dim_status: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (w *Warehouse) lookup(ctx context.Context, query string, key any) (int64, bool, error) {
	var id int64
	err := w.pool.QueryRow(ctx, query, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %v: %w", key, err)
	}
	return id, true, nil
}

func (w *Warehouse) insert(ctx context.Context, table, query string, args ...any) error {
	if _, err := w.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert %s: %w: %s", table, etl.ErrDuplicateKey, pgErr.Detail)
		}
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}
