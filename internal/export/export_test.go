package export

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
	"github.com/JakeFAU/weblog-dwh/internal/storage/memory"
)

func ptr(f float64) *float64 { return &f }

func seed(t *testing.T, wh *memory.Warehouse) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, wh.InsertTime(ctx, etl.TimeDimension{TimeID: 1, Timestamp: "2024-01-01T00:00:00Z", Date: "2024-01-01"}))
	require.NoError(t, wh.InsertURL(ctx, etl.URLDimension{
		URLID: 1, URL: "https://example.com/a?x=1,2", Domain: "example.com", Path: "/a", Query: "x=1,2",
	}))
	require.NoError(t, wh.InsertStatus(ctx, etl.StatusDimension{StatusID: 1, StatusCode: 200, StatusClass: "2xx"}))
	require.NoError(t, wh.InsertFact(ctx, etl.FactRequest{
		RequestID: 2, TimeID: 1, URLID: 1, StatusID: 1, Method: "POST", MimeType: "application/json",
	}))
	require.NoError(t, wh.InsertFact(ctx, etl.FactRequest{
		RequestID: 1, TimeID: 1, URLID: 1, StatusID: 1, Method: "GET", MimeType: "text/html", WaitMS: ptr(120),
	}))
}

func TestRowsJoinsOrderedByRequestID(t *testing.T) {
	t.Parallel()
	wh := memory.NewWarehouse()
	seed(t, wh)

	rows, err := Rows(context.Background(), wh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, etl.ExportRow{
		RequestID: 1, Time: "2024-01-01T00:00:00Z", Date: "2024-01-01",
		URL: "https://example.com/a?x=1,2", Domain: "example.com", Path: "/a", Query: "x=1,2",
		StatusCode: 200, StatusType: "2xx", Method: "GET", MimeType: "text/html", WaitMS: ptr(120),
	}, rows[0])
	assert.Equal(t, int64(2), rows[1].RequestID)
	assert.Nil(t, rows[1].WaitMS)
}

func TestRowsFailsLoudlyOnBrokenReference(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wh := memory.NewWarehouse()
	seed(t, wh)
	require.NoError(t, wh.InsertFact(ctx, etl.FactRequest{RequestID: 3, TimeID: 1, URLID: 9, StatusID: 1}))

	rows, err := Rows(ctx, wh)
	require.ErrorIs(t, err, etl.ErrBrokenReference)
	assert.Contains(t, err.Error(), "url_id 9")
	assert.Nil(t, rows)
}

type failingReader struct {
	etl.WarehouseReader
}

func (failingReader) Facts(context.Context) ([]etl.FactRequest, error) {
	return nil, errors.New("connection refused")
}

func TestRowsWrapsStoreErrors(t *testing.T) {
	t.Parallel()

	_, err := Rows(context.Background(), failingReader{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load facts")
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()
	wh := memory.NewWarehouse()
	seed(t, wh)
	rows, err := Rows(context.Background(), wh)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))
	want := "request_id,time,date,hour,minute,url,domain,path,query,status_code,status_type,method,mime_type,wait_ms\n" +
		"1,2024-01-01T00:00:00Z,2024-01-01,0,0,\"https://example.com/a?x=1,2\",example.com,/a,\"x=1,2\",200,2xx,GET,text/html,120\n" +
		"2,2024-01-01T00:00:00Z,2024-01-01,0,0,\"https://example.com/a?x=1,2\",example.com,/a,\"x=1,2\",200,2xx,POST,application/json,\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteRejectionsCSV(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteRejectionsCSV(&buf, []etl.RejectionRecord{
		{StagingRowID: 2, IssueType: etl.IssueMissingTime, Detail: "empty timestamp"},
		{StagingRowID: 5, IssueType: etl.IssueInvalidURL, Detail: "bad url: ftp://x"},
	}))
	assert.Equal(t, "staging_row_id,issue_type,detail\n2,missing_time,empty timestamp\n5,invalid_url,bad url: ftp://x\n", buf.String())
}

func TestFormatWait(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", FormatWait(nil))
	assert.Equal(t, "0", FormatWait(ptr(0)))
	assert.Equal(t, "12.25", FormatWait(ptr(12.25)))
	assert.Equal(t, "0.1", FormatWait(ptr(0.1)))
}
