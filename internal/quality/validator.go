// Package quality implements the row-level data-quality checks that decide
// whether a staged access-log row is accepted into the warehouse.
package quality

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
)

// Accepted status code range, inclusive.
const (
	MinStatusCode = 100
	MaxStatusCode = 599
)

// Timestamp layouts accepted after normalization: a date, optionally followed
// by an hour, hour:minute or hour:minute:second time, optionally followed by
// an offset written as +HH:MM, +HHMM or +HH. Fractional seconds are accepted
// by time.Parse after the seconds field without being spelled out.
var timestampLayouts = func() []string {
	var layouts []string
	for _, clock := range []string{"T15:04:05", "T15:04", "T15"} {
		for _, zone := range []string{"Z07:00", "Z0700", "Z07", ""} {
			layouts = append(layouts, "2006-01-02"+clock+zone)
		}
	}
	return append(layouts, "2006-01-02")
}()

// ParseTimestamp parses an ISO-8601 style timestamp. A trailing "Z" is read
// as "+00:00" and a single space may separate the date and time parts.
// Timestamps without an offset are interpreted as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	s := raw
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// ParseStatus coerces a raw status field to an integer. Integral float forms
// such as "404.0" are accepted.
func ParseStatus(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("status %q is not an integer", raw)
	}
	return int(f), nil
}

// ParseWait converts a raw latency to milliseconds. An empty field yields nil.
func ParseWait(raw string) (*float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return nil, fmt.Errorf("wait_ms %q is not a non-negative number", raw)
	}
	return &f, nil
}

// HasHTTPScheme reports whether rawURL starts with an http:// or https://
// prefix. The scheme is compared case-insensitively.
func HasHTTPScheme(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Validator classifies staged rows as accepted or rejected.
type Validator struct {
	logger *zap.Logger
}

// NewValidator constructs a Validator.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger.Named("quality")}
}

// Validate runs the time, URL, status and latency checks in that order and
// returns either the typed record or the first failing rejection.
func (v *Validator) Validate(rec etl.StagingRecord) (etl.ValidRecord, *etl.RejectionRecord) {
	reject := func(issue etl.IssueType, detail string) (etl.ValidRecord, *etl.RejectionRecord) {
		v.logger.Debug("row rejected",
			zap.Int64("row_id", rec.RowID),
			zap.String("issue_type", string(issue)),
			zap.String("detail", detail),
		)
		return etl.ValidRecord{}, &etl.RejectionRecord{
			StagingRowID: rec.RowID,
			IssueType:    issue,
			Detail:       detail,
		}
	}

	if strings.TrimSpace(rec.Time) == "" {
		return reject(etl.IssueMissingTime, "empty timestamp")
	}
	if _, err := ParseTimestamp(rec.Time); err != nil {
		return reject(etl.IssueInvalidTime, "unparseable time: "+rec.Time)
	}

	if !HasHTTPScheme(rec.URL) {
		return reject(etl.IssueInvalidURL, "bad url: "+rec.URL)
	}

	code, err := ParseStatus(rec.Status)
	if err != nil {
		return reject(etl.IssueInvalidStatus, "not an integer: "+rec.Status)
	}
	if code < MinStatusCode || code > MaxStatusCode {
		return reject(etl.IssueInvalidStatus, fmt.Sprintf("out of range: %d", code))
	}

	wait, err := ParseWait(rec.WaitMS)
	if err != nil {
		return reject(etl.IssueInvalidWait, "invalid wait_ms: "+rec.WaitMS)
	}

	return etl.ValidRecord{
		StagingRowID: rec.RowID,
		Timestamp:    rec.Time,
		Method:       rec.Method,
		URL:          rec.URL,
		StatusCode:   code,
		MimeType:     rec.MimeType,
		WaitMS:       wait,
	}, nil
}

// ValidateAll validates records in staging order.
func (v *Validator) ValidateAll(records []etl.StagingRecord) ([]etl.ValidRecord, []etl.RejectionRecord) {
	valid := make([]etl.ValidRecord, 0, len(records))
	var rejected []etl.RejectionRecord
	for _, rec := range records {
		ok, rej := v.Validate(rec)
		if rej != nil {
			rejected = append(rejected, *rej)
			continue
		}
		valid = append(valid, ok)
	}
	return valid, rejected
}
