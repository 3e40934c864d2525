// Package sqlite provides the embedded, file-backed warehouse.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
)

//go:embed schema.sql
var schemaSQL string

const dropSQL = `
DROP TABLE IF EXISTS fact_requests;
DROP TABLE IF EXISTS dq_issues;
DROP TABLE IF EXISTS dim_status;
DROP TABLE IF EXISTS dim_url;
DROP TABLE IF EXISTS dim_time;
DROP TABLE IF EXISTS stg_logs;
`

const setStateSQL = `INSERT INTO dwh_run_state (id, complete) VALUES (1, ?)
ON CONFLICT (id) DO UPDATE SET complete = excluded.complete`

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Warehouse is an etl.Warehouse stored in a single SQLite file.
type Warehouse struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the database at path and ensures the schema exists.
// Existing rows are kept so a previous run can be exported.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Warehouse, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create warehouse dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database lives only as long as its single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logger.Named("sqlite").Info("warehouse opened", zap.String("path", path))
	return &Warehouse{db: db, logger: logger.Named("sqlite")}, nil
}

// Reset drops and recreates every table and marks the warehouse incomplete,
// all in one transaction. The run state table survives the drop.
func (w *Warehouse) Reset(ctx context.Context) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, dropSQL); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx, setStateSQL, false); err != nil {
		return fmt.Errorf("mark incomplete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	w.logger.Debug("warehouse reset")
	return nil
}

// MarkComplete records that the current contents are a finished run.
func (w *Warehouse) MarkComplete(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, setStateSQL, true); err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	return nil
}

// Complete reports whether the last Reset was followed by MarkComplete. A
// database that was never reset has no state row and counts as complete.
func (w *Warehouse) Complete(ctx context.Context) (bool, error) {
	var complete bool
	err := w.db.QueryRowContext(ctx, `SELECT complete FROM dwh_run_state WHERE id = 1`).Scan(&complete)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read run state: %w", err)
	}
	return complete, nil
}

// Close releases the database handle.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// InsertStaging bulk-inserts staging rows in one transaction.
func (w *Warehouse) InsertStaging(ctx context.Context, records []etl.StagingRecord) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin staging insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stg_logs (row_id, time, method, url, status, mime_type, wait_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare staging insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.RowID, r.Time, r.Method, r.URL, r.Status, r.MimeType, r.WaitMS); err != nil {
			return fmt.Errorf("insert staging row %d: %w", r.RowID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit staging insert: %w", err)
	}
	return nil
}

// StagingRecords returns staging rows ordered by row ID.
func (w *Warehouse) StagingRecords(ctx context.Context) ([]etl.StagingRecord, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT row_id, time, method, url, status, mime_type, wait_ms FROM stg_logs ORDER BY row_id`)
	if err != nil {
		return nil, fmt.Errorf("query staging: %w", err)
	}
	defer func() { _ = rows.Close() }()
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
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO dq_issues (staging_row_id, issue_type, detail) VALUES (?, ?, ?)`,
		rej.StagingRowID, string(rej.IssueType), rej.Detail)
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// Rejections returns rejections in insertion order.
func (w *Warehouse) Rejections(ctx context.Context) ([]etl.RejectionRecord, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT staging_row_id, issue_type, detail FROM dq_issues ORDER BY issue_id`)
	if err != nil {
		return nil, fmt.Errorf("query rejections: %w", err)
	}
	defer func() { _ = rows.Close() }()
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
	return w.lookup(ctx, `SELECT time_id FROM dim_time WHERE timestamp = ?`, timestamp)
}

// InsertTime adds a time dimension row.
func (w *Warehouse) InsertTime(ctx context.Context, d etl.TimeDimension) error {
	return w.insert(ctx, "time",
		`INSERT INTO dim_time (time_id, timestamp, date, hour, minute) VALUES (?, ?, ?, ?, ?)`,
		d.TimeID, d.Timestamp, d.Date, d.Hour, d.Minute)
}

// LookupURL finds a URL dimension by full URL.
func (w *Warehouse) LookupURL(ctx context.Context, rawURL string) (int64, bool, error) {
	return w.lookup(ctx, `SELECT url_id FROM dim_url WHERE url = ?`, rawURL)
}

// InsertURL adds a URL dimension row.
func (w *Warehouse) InsertURL(ctx context.Context, d etl.URLDimension) error {
	return w.insert(ctx, "url",
		`INSERT INTO dim_url (url_id, url, domain, path, query) VALUES (?, ?, ?, ?, ?)`,
		d.URLID, d.URL, d.Domain, d.Path, d.Query)
}

// LookupStatus finds a status dimension by status code.
func (w *Warehouse) LookupStatus(ctx context.Context, code int) (int64, bool, error) {
	return w.lookup(ctx, `SELECT status_id FROM dim_status WHERE status_code = ?`, code)
}

// InsertStatus adds a status dimension row.
func (w *Warehouse) InsertStatus(ctx context.Context, d etl.StatusDimension) error {
	return w.insert(ctx, "status",
		`INSERT INTO dim_status (status_id, status_code, status_class) VALUES (?, ?, ?)`,
		d.StatusID, d.StatusCode, d.StatusClass)
}

// InsertFact appends a fact row.
func (w *Warehouse) InsertFact(ctx context.Context, f etl.FactRequest) error {
	var wait sql.NullFloat64
	if f.WaitMS != nil {
		wait = sql.NullFloat64{Float64: *f.WaitMS, Valid: true}
	}
	return w.insert(ctx, "fact",
		`INSERT INTO fact_requests (request_id, time_id, url_id, status_id, method, mime_type, wait_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.RequestID, f.TimeID, f.URLID, f.StatusID, f.Method, f.MimeType, wait)
}

// Facts returns fact rows ordered by request ID.
func (w *Warehouse) Facts(ctx context.Context) ([]etl.FactRequest, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT request_id, time_id, url_id, status_id, method, mime_type, wait_ms
		 FROM fact_requests ORDER BY request_id`)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []etl.FactRequest
	for rows.Next() {
		var f etl.FactRequest
		var wait sql.NullFloat64
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
	rows, err := w.db.QueryContext(ctx, `SELECT time_id, timestamp, date, hour, minute FROM dim_time ORDER BY time_id`)
	if err != nil {
		return nil, fmt.Errorf("query dim_time: %w", err)
	}
	defer func() { _ = rows.Close() }()
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
	rows, err := w.db.QueryContext(ctx, `SELECT url_id, url, domain, path, query FROM dim_url ORDER BY url_id`)
	if err != nil {
		return nil, fmt.Errorf("query dim_url: %w", err)
	}
	defer func() { _ = rows.Close() }()
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
	rows, err := w.db.QueryContext(ctx, `SELECT status_id, status_code, status_class FROM dim_status ORDER BY status_id`)
	if err != nil {
		return nil, fmt.Errorf("query dim_status: %w", err)
	}
	defer func() { _ = rows.Close() }()
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
	err := w.db.QueryRowContext(ctx, query, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %v: %w", key, err)
	}
	return id, true, nil
}

func (w *Warehouse) insert(ctx context.Context, table, query string, args ...any) error {
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w: %v", table, etl.ErrDuplicateKey, err)
		}
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
