package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
)

func validRow() etl.StagingRecord {
	return etl.StagingRecord{
		RowID:    7,
		Time:     "2024-01-01T00:00:00Z",
		Method:   "GET",
		URL:      "https://example.com/a?x=1",
		Status:   "200",
		MimeType: "text/html",
		WaitMS:   "120",
	}
}

func TestValidateAcceptsWellFormedRow(t *testing.T) {
	t.Parallel()

	got, rej := NewValidator(nil).Validate(validRow())
	require.Nil(t, rej)
	assert.Equal(t, int64(7), got.StagingRowID)
	assert.Equal(t, "2024-01-01T00:00:00Z", got.Timestamp)
	assert.Equal(t, 200, got.StatusCode)
	require.NotNil(t, got.WaitMS)
	assert.Equal(t, 120.0, *got.WaitMS)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*etl.StagingRecord)
		issue  etl.IssueType
		detail string
	}{
		{"empty time", func(r *etl.StagingRecord) { r.Time = "" }, etl.IssueMissingTime, "empty timestamp"},
		{"blank time", func(r *etl.StagingRecord) { r.Time = "   " }, etl.IssueMissingTime, "empty timestamp"},
		{"garbage time", func(r *etl.StagingRecord) { r.Time = "not-a-date" }, etl.IssueInvalidTime, "unparseable time: not-a-date"},
		{"ftp url", func(r *etl.StagingRecord) { r.URL = "ftp://x" }, etl.IssueInvalidURL, "bad url: ftp://x"},
		{"empty url", func(r *etl.StagingRecord) { r.URL = "" }, etl.IssueInvalidURL, "bad url: "},
		{"status 700", func(r *etl.StagingRecord) { r.Status = "700" }, etl.IssueInvalidStatus, "out of range: 700"},
		{"status 99", func(r *etl.StagingRecord) { r.Status = "99" }, etl.IssueInvalidStatus, "out of range: 99"},
		{"status 0", func(r *etl.StagingRecord) { r.Status = "0" }, etl.IssueInvalidStatus, "out of range: 0"},
		{"status abc", func(r *etl.StagingRecord) { r.Status = "abc" }, etl.IssueInvalidStatus, "not an integer: abc"},
		{"status fractional", func(r *etl.StagingRecord) { r.Status = "200.5" }, etl.IssueInvalidStatus, "not an integer: 200.5"},
		{"negative wait", func(r *etl.StagingRecord) { r.WaitMS = "-1" }, etl.IssueInvalidWait, "invalid wait_ms: -1"},
		{"text wait", func(r *etl.StagingRecord) { r.WaitMS = "slow" }, etl.IssueInvalidWait, "invalid wait_ms: slow"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			row := validRow()
			tc.mutate(&row)
			_, rej := NewValidator(nil).Validate(row)
			require.NotNil(t, rej)
			assert.Equal(t, tc.issue, rej.IssueType)
			assert.Equal(t, tc.detail, rej.Detail)
			assert.Equal(t, row.RowID, rej.StagingRowID)
		})
	}
}

func TestValidateFirstFailureWins(t *testing.T) {
	t.Parallel()

	row := validRow()
	row.Time = ""
	row.URL = "ftp://x"
	row.Status = "abc"
	_, rej := NewValidator(nil).Validate(row)
	require.NotNil(t, rej)
	assert.Equal(t, etl.IssueMissingTime, rej.IssueType)

	row.Time = "2024-01-01T00:00:00Z"
	_, rej = NewValidator(nil).Validate(row)
	require.NotNil(t, rej)
	assert.Equal(t, etl.IssueInvalidURL, rej.IssueType)
}

func TestValidateNullWaitIsPreserved(t *testing.T) {
	t.Parallel()

	row := validRow()
	row.WaitMS = ""
	got, rej := NewValidator(nil).Validate(row)
	require.Nil(t, rej)
	assert.Nil(t, got.WaitMS)
}

func TestParseTimestampForms(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Time{
		"2024-01-01T00:00:00Z":             time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-01-01T10:30:15+00:00":        time.Date(2024, 1, 1, 10, 30, 15, 0, time.UTC),
		"2024-01-01T10:30:15.250Z":         time.Date(2024, 1, 1, 10, 30, 15, 250_000_000, time.UTC),
		"2024-03-05T23:59:59.123456Z":      time.Date(2024, 3, 5, 23, 59, 59, 123_456_000, time.UTC),
		"2024-01-01 08:15:00":              time.Date(2024, 1, 1, 8, 15, 0, 0, time.UTC),
		"2024-01-01T08:15":                 time.Date(2024, 1, 1, 8, 15, 0, 0, time.UTC),
		"2024-01-01":                       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-01-01T07:00:00+07:00":        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-06-30T12:00:00.000001-05:00": time.Date(2024, 6, 30, 17, 0, 0, 1000, time.UTC),
		"2024-01-01T00:00:00+0000":         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-01-01T09:30+0930":            time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-01-01T05:00:00-05":           time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		"2024-01-01T00":                    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-01-01 13":                    time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC),
		"2024-01-01T03+03:00":              time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for raw, want := range cases {
		got, err := ParseTimestamp(raw)
		require.NoError(t, err, raw)
		assert.True(t, got.Equal(want), "%s: got %v want %v", raw, got, want)
	}

	for _, bad := range []string{"not-a-date", "2024-13-01", "01/02/2024", "2024-01-01T25:00:00", " 2024-01-01", "2024-01-01T", "2024-01-01T00:00:00+0"} {
		_, err := ParseTimestamp(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseTimestampKeepsOffsetForCalendarFields(t *testing.T) {
	t.Parallel()

	got, err := ParseTimestamp("2024-01-01T23:30:00-02:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", got.Format("2006-01-02"))
	assert.Equal(t, 23, got.Hour())
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]int{"200": 200, " 404 ": 404, "+301": 301, "503.0": 503} {
		got, err := ParseStatus(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, bad := range []string{"", "abc", "2xx", "1e400", "NaN"} {
		_, err := ParseStatus(bad)
		assert.Error(t, err, bad)
	}
}

func TestHasHTTPScheme(t *testing.T) {
	t.Parallel()

	assert.True(t, HasHTTPScheme("http://example.com"))
	assert.True(t, HasHTTPScheme("HTTPS://example.com"))
	assert.False(t, HasHTTPScheme("ftp://x"))
	assert.False(t, HasHTTPScheme("httpx://example.com"))
	assert.False(t, HasHTTPScheme("example.com"))
}

func TestValidateAllPartitionsInOrder(t *testing.T) {
	t.Parallel()

	rows := []etl.StagingRecord{validRow(), validRow(), validRow()}
	rows[0].RowID, rows[1].RowID, rows[2].RowID = 1, 2, 3
	rows[1].Status = "abc"

	valid, rejected := NewValidator(nil).ValidateAll(rows)
	require.Len(t, valid, 2)
	require.Len(t, rejected, 1)
	assert.Equal(t, int64(1), valid[0].StagingRowID)
	assert.Equal(t, int64(3), valid[1].StagingRowID)
	assert.Equal(t, int64(2), rejected[0].StagingRowID)
}
