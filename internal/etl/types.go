package etl

// IssueType classifies why a staged row was rejected.
type IssueType string

// Rejection reasons recorded in the rejection store.
const (
	IssueMissingTime               IssueType = "missing_time"
	IssueInvalidTime               IssueType = "invalid_time"
	IssueInvalidURL                IssueType = "invalid_url"
	IssueInvalidStatus             IssueType = "invalid_status"
	IssueInvalidWait               IssueType = "invalid_wait"
	IssueDimensionResolutionFailed IssueType = "dimension_resolution_failed"
)

// IssueTypes lists every rejection reason in precedence order.
var IssueTypes = []IssueType{
	IssueMissingTime,
	IssueInvalidTime,
	IssueInvalidURL,
	IssueInvalidStatus,
	IssueInvalidWait,
	IssueDimensionResolutionFailed,
}

// StagingRecord is one raw input row, stored verbatim.
type StagingRecord struct {
	RowID    int64  `json:"row_id"`
	Time     string `json:"time"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Status   string `json:"status"`
	MimeType string `json:"mime_type"`
	// WaitMS is empty when the input latency was null.
	WaitMS string `json:"wait_ms"`
}

// RejectionRecord explains why a staged row did not reach the fact table.
type RejectionRecord struct {
	StagingRowID int64     `json:"staging_row_id"`
	IssueType    IssueType `json:"issue_type"`
	Detail       string    `json:"detail"`
}

// ValidRecord is a staged row that passed every data-quality check, with its
// fields coerced to their typed forms.
type ValidRecord struct {
	StagingRowID int64
	Timestamp    string
	Method       string
	URL          string
	StatusCode   int
	MimeType     string
	WaitMS       *float64
}

// DimensionKeys holds the surrogate keys resolved for one record.
type DimensionKeys struct {
	TimeID   int64
	URLID    int64
	StatusID int64
}

// ResolvedRecord is a ValidRecord with its dimension keys attached.
type ResolvedRecord struct {
	ValidRecord
	Keys DimensionKeys
}

// TimeDimension is one row per distinct raw timestamp string.
type TimeDimension struct {
	TimeID    int64  `json:"time_id"`
	Timestamp string `json:"timestamp"`
	Date      string `json:"date"`
	Hour      int    `json:"hour"`
	Minute    int    `json:"minute"`
}

// URLDimension is one row per distinct URL string.
type URLDimension struct {
	URLID  int64  `json:"url_id"`
	URL    string `json:"url"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
	Query  string `json:"query"`
}

// StatusDimension is one row per distinct status code.
type StatusDimension struct {
	StatusID    int64  `json:"status_id"`
	StatusCode  int    `json:"status_code"`
	StatusClass string `json:"status_class"`
}

// FactRequest is one accepted request referencing its three dimensions.
type FactRequest struct {
	RequestID int64    `json:"request_id"`
	TimeID    int64    `json:"time_id"`
	URLID     int64    `json:"url_id"`
	StatusID  int64    `json:"status_id"`
	Method    string   `json:"method"`
	MimeType  string   `json:"mime_type"`
	WaitMS    *float64 `json:"wait_ms"`
}

// ExportRow is the flat, denormalized row handed to downstream consumers.
type ExportRow struct {
	RequestID  int64    `json:"request_id"`
	Time       string   `json:"time"`
	Date       string   `json:"date"`
	Hour       int      `json:"hour"`
	Minute     int      `json:"minute"`
	URL        string   `json:"url"`
	Domain     string   `json:"domain"`
	Path       string   `json:"path"`
	Query      string   `json:"query"`
	StatusCode int      `json:"status_code"`
	StatusType string   `json:"status_type"`
	Method     string   `json:"method"`
	MimeType   string   `json:"mime_type"`
	WaitMS     *float64 `json:"wait_ms"`
}

// DimensionCounts reports the cardinality of each dimension table.
type DimensionCounts struct {
	Time   int `json:"time"`
	URL    int `json:"url"`
	Status int `json:"status"`
}
