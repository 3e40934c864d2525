// Package export joins the fact table with its dimensions into the flat
// dataset handed to dashboards and analysis, and renders it as CSV.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
)

// Columns is the downstream schema of the flat export, in order.
var Columns = []string{
	"request_id", "time", "date", "hour", "minute",
	"url", "domain", "path", "query",
	"status_code", "status_type",
	"method", "mime_type", "wait_ms",
}

// RejectionColumns is the header of the rejections export.
var RejectionColumns = []string{"staging_row_id", "issue_type", "detail"}

// Rows inner-joins every fact with its time, URL and status rows, ordered by
// request ID. A fact whose reference cannot be resolved returns
// etl.ErrBrokenReference; such rows are never dropped or null-filled.
func Rows(ctx context.Context, reader etl.WarehouseReader) ([]etl.ExportRow, error) {
	facts, err := reader.Facts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	times, err := reader.TimeDimensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load time dimension: %w", err)
	}
	urls, err := reader.URLDimensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load url dimension: %w", err)
	}
	statuses, err := reader.StatusDimensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load status dimension: %w", err)
	}

	timeByID := make(map[int64]etl.TimeDimension, len(times))
	for _, d := range times {
		timeByID[d.TimeID] = d
	}
	urlByID := make(map[int64]etl.URLDimension, len(urls))
	for _, d := range urls {
		urlByID[d.URLID] = d
	}
	statusByID := make(map[int64]etl.StatusDimension, len(statuses))
	for _, d := range statuses {
		statusByID[d.StatusID] = d
	}

	rows := make([]etl.ExportRow, 0, len(facts))
	for _, f := range facts {
		t, ok := timeByID[f.TimeID]
		if !ok {
			return nil, fmt.Errorf("request %d time_id %d: %w", f.RequestID, f.TimeID, etl.ErrBrokenReference)
		}
		u, ok := urlByID[f.URLID]
		if !ok {
			return nil, fmt.Errorf("request %d url_id %d: %w", f.RequestID, f.URLID, etl.ErrBrokenReference)
		}
		s, ok := statusByID[f.StatusID]
		if !ok {
			return nil, fmt.Errorf("request %d status_id %d: %w", f.RequestID, f.StatusID, etl.ErrBrokenReference)
		}
		rows = append(rows, etl.ExportRow{
			RequestID:  f.RequestID,
			Time:       t.Timestamp,
			Date:       t.Date,
			Hour:       t.Hour,
			Minute:     t.Minute,
			URL:        u.URL,
			Domain:     u.Domain,
			Path:       u.Path,
			Query:      u.Query,
			StatusCode: s.StatusCode,
			StatusType: s.StatusClass,
			Method:     f.Method,
			MimeType:   f.MimeType,
			WaitMS:     f.WaitMS,
		})
	}
	return rows, nil
}

// WriteCSV renders rows under the Columns header. A null wait_ms is written
// as an empty field.
func WriteCSV(w io.Writer, rows []etl.ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			strconv.FormatInt(r.RequestID, 10),
			r.Time,
			r.Date,
			strconv.Itoa(r.Hour),
			strconv.Itoa(r.Minute),
			r.URL,
			r.Domain,
			r.Path,
			r.Query,
			strconv.Itoa(r.StatusCode),
			r.StatusType,
			r.Method,
			r.MimeType,
			FormatWait(r.WaitMS),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write request %d: %w", r.RequestID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteRejectionsCSV renders rejections under the RejectionColumns header.
func WriteRejectionsCSV(w io.Writer, rejections []etl.RejectionRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RejectionColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rejections {
		if err := cw.Write([]string{
			strconv.FormatInt(r.StagingRowID, 10),
			string(r.IssueType),
			r.Detail,
		}); err != nil {
			return fmt.Errorf("write rejection for row %d: %w", r.StagingRowID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatWait renders a latency with the shortest exact representation, or
// "" for null.
func FormatWait(wait *float64) string {
	if wait == nil {
		return ""
	}
	return strconv.FormatFloat(*wait, 'f', -1, 64)
}
