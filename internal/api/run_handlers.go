package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/weblog-dwh/internal/app"
	"github.com/JakeFAU/weblog-dwh/internal/etl"
)

const (
	defaultRejectionLimit = 100
	maxRejectionLimit     = 1000
)

// Service is the slice of the application the HTTP layer drives.
type Service interface {
	Run(ctx context.Context, raw io.Reader) (app.RunResult, error)
	Latest() (app.RunResult, bool)
	WriteExport(ctx context.Context, w io.Writer) error
	Rejections(ctx context.Context) ([]etl.RejectionRecord, error)
}

// submitRun handles POST /v1/runs. The body is the raw access-log CSV. It
// returns the run report, 400 for structurally invalid input, 413 when the body
// exceeds the configured limit, or 500 otherwise.
func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "warehouse not configured")
		return
	}
	body := r.Body
	if s.cfg.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	result, err := s.service.Run(r.Context(), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, etl.ErrStructural):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			writeError(w, http.StatusRequestTimeout, "run canceled")
		default:
			s.logger.Error("run failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "run failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// latestRun handles GET /v1/runs/latest and returns 404 until a run succeeds.
func (s *Server) latestRun(w http.ResponseWriter, _ *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "warehouse not configured")
		return
	}
	result, ok := s.service.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no completed run")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// export handles GET /v1/export. The CSV is rendered in full before the
// response starts so a broken reference still yields a clean 500.
const incompleteMessage = "warehouse incomplete: the last run did not finish"

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "warehouse not configured")
		return
	}
	var buf bytes.Buffer
	if err := s.service.WriteExport(r.Context(), &buf); err != nil {
		if errors.Is(err, etl.ErrWarehouseIncomplete) {
			writeError(w, http.StatusConflict, incompleteMessage)
			return
		}
		s.logger.Error("export failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		msg := "export failed"
		if errors.Is(err, etl.ErrBrokenReference) {
			msg = "warehouse has a broken dimension reference"
		}
		writeError(w, http.StatusInternalServerError, msg)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="dwh_requests.csv"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Warn("write export body failed", zap.Error(err))
	}
}

// rejections handles GET /v1/rejections?issue_type=&limit=&offset=. It returns
// {"rejections": [...], "total": n}, where total counts the filtered set before
// paging.
func (s *Server) rejections(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "warehouse not configured")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRejectionLimit, maxRejectionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var filter etl.IssueType
	if raw := strings.TrimSpace(r.URL.Query().Get("issue_type")); raw != "" {
		filter, err = parseIssueType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	all, err := s.service.Rejections(r.Context())
	if errors.Is(err, etl.ErrWarehouseIncomplete) {
		writeError(w, http.StatusConflict, incompleteMessage)
		return
	}
	if err != nil {
		s.logger.Error("list rejections failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list rejections")
		return
	}
	matched := make([]etl.RejectionRecord, 0, len(all))
	for _, rej := range all {
		if filter == "" || rej.IssueType == filter {
			matched = append(matched, rej)
		}
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"rejections": matched[offset:end],
		"total":      total,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseIssueType(input string) (etl.IssueType, error) {
	want := etl.IssueType(strings.ToLower(input))
	for _, it := range etl.IssueTypes {
		if it == want {
			return it, nil
		}
	}
	return "", errors.New("invalid issue_type")
}
