package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/weblog-dwh/internal/app"
	"github.com/JakeFAU/weblog-dwh/internal/config"
	"github.com/JakeFAU/weblog-dwh/internal/etl"
	"github.com/JakeFAU/weblog-dwh/internal/pipeline"
)

const sampleCSV = `time,method,url,status,mimeType,wait_ms
2024-01-01T00:00:00Z,GET,https://example.com/a,200,text/html,120
,GET,https://example.com/b,404,text/html,50
`

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeService{})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	NewServer(nil, config.ServerConfig{}, nil).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeService{})
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestSubmitRun_ReturnsReport(t *testing.T) {
	t.Parallel()

	svc := &fakeService{result: app.RunResult{
		Report:    pipeline.Report{RunID: "run-1", Staged: 2, Accepted: 1, Rejected: 1},
		ExportURI: "memory://dwh_requests.csv",
	}}
	server := newTestServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(sampleCSV))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, float64(1), body["accepted"])
	assert.Equal(t, "memory://dwh_requests.csv", body["export_uri"])
	assert.Equal(t, sampleCSV, svc.lastBody)
}

func TestSubmitRun_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"structural", fmt.Errorf("parse input: %w: missing header", etl.ErrStructural), http.StatusBadRequest},
		{"canceled", fmt.Errorf("load staging: %w", context.Canceled), http.StatusRequestTimeout},
		{"store failure", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(&fakeService{runErr: tt.err})
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(sampleCSV)))
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSubmitRun_BodyTooLarge(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeService{}, config.ServerConfig{MaxBodyBytes: 16}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(sampleCSV)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestLatestRun(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	server := newTestServer(svc)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/latest", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	svc.setLatest(app.RunResult{Report: pipeline.Report{RunID: "run-2"}})
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-2"`)
}

func TestExport(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeService{exportCSV: "request_id,time\n1,x\n"})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/export", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "request_id,time\n1,x\n", rec.Body.String())

	broken := newTestServer(&fakeService{
		exportErr: fmt.Errorf("export warehouse: request 1 url_id 9: %w", etl.ErrBrokenReference),
	})
	rec = httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/export", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "broken dimension reference")
	assert.NotContains(t, rec.Body.String(), "request_id,time")
}

func TestIncompleteWarehouseIsConflict(t *testing.T) {
	t.Parallel()

	incomplete := fmt.Errorf("export warehouse: %w", etl.ErrWarehouseIncomplete)
	server := newTestServer(&fakeService{exportErr: incomplete, rejectErr: incomplete})
	for _, path := range []string{"/v1/export", "/v1/rejections"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusConflict, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "did not finish", path)
	}
}

func TestRejections_FilterAndPaging(t *testing.T) {
	t.Parallel()

	svc := &fakeService{rejections: []etl.RejectionRecord{
		{StagingRowID: 2, IssueType: etl.IssueMissingTime, Detail: "empty timestamp"},
		{StagingRowID: 4, IssueType: etl.IssueInvalidStatus, Detail: "not an integer: abc"},
		{StagingRowID: 5, IssueType: etl.IssueInvalidStatus, Detail: "out of range: 700"},
	}}
	server := newTestServer(svc)

	var body struct {
		Rejections []etl.RejectionRecord `json:"rejections"`
		Total      int                   `json:"total"`
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/rejections", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Total)
	assert.Len(t, body.Rejections, 3)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/v1/rejections?issue_type=INVALID_STATUS&limit=1&offset=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Rejections, 1)
	assert.Equal(t, int64(5), body.Rejections[0].StagingRowID)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/rejections?offset=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Rejections)

	for _, query := range []string{"issue_type=bogus", "limit=0", "offset=-1"} {
		rec = httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/rejections?"+query, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeService{}, config.ServerConfig{APIKey: "secret"}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/rejections", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/rejections", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/rejections?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(&fakeService{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	newTestServer(&fakeService{}).Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerWithApp(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		Warehouse: config.WarehouseConfig{Backend: config.WarehouseMemory},
		Export:    config.ExportConfig{Backend: config.ExportMemory, ObjectName: "dwh_requests.csv"},
		Publisher: config.PublisherConfig{Backend: config.PublisherNone},
		Server:    config.ServerConfig{Port: 8080, MaxBodyBytes: 1 << 20},
	}
	a, err := app.New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	server := NewServer(a, cfg.Server, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(sampleCSV)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/export", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 2)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader("time,method\n")))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/rejections?issue_type=missing_time", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.Run(canceled, strings.NewReader(sampleCSV))
	require.ErrorIs(t, err, context.Canceled)

	for path, want := range map[string]int{
		"/v1/export":      http.StatusConflict,
		"/v1/rejections":  http.StatusConflict,
		"/v1/runs/latest": http.StatusNotFound,
	} {
		rec = httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeService struct {
	mu         sync.Mutex
	result     app.RunResult
	runErr     error
	latest     *app.RunResult
	exportCSV  string
	exportErr  error
	rejections []etl.RejectionRecord
	rejectErr  error
	lastBody   string
}

func (f *fakeService) Run(_ context.Context, raw io.Reader) (app.RunResult, error) {
	data, err := io.ReadAll(raw)
	if err != nil {
		return app.RunResult{}, fmt.Errorf("%w: %w", etl.ErrStructural, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastBody = string(data)
	if f.runErr != nil {
		return app.RunResult{}, f.runErr
	}
	f.latest = &f.result
	return f.result, nil
}

func (f *fakeService) Latest() (app.RunResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return app.RunResult{}, false
	}
	return *f.latest, true
}

func (f *fakeService) setLatest(result app.RunResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = &result
}

func (f *fakeService) WriteExport(_ context.Context, w io.Writer) error {
	if f.exportErr != nil {
		return f.exportErr
	}
	_, err := io.WriteString(w, f.exportCSV)
	return err
}

func (f *fakeService) Rejections(context.Context) ([]etl.RejectionRecord, error) {
	if f.rejectErr != nil {
		return nil, f.rejectErr
	}
	return f.rejections, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(svc Service) *Server {
	return NewServer(svc, config.ServerConfig{MaxBodyBytes: 1 << 20}, zap.NewNop())
}
