package dimension

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
	"github.com/JakeFAU/weblog-dwh/internal/quality"
)

// TimeRow derives the time dimension attributes from a raw timestamp. The
// calendar fields use the offset carried by the timestamp itself.
func TimeRow(timestamp string) (etl.TimeDimension, error) {
	t, err := quality.ParseTimestamp(timestamp)
	if err != nil {
		return etl.TimeDimension{}, err
	}
	return etl.TimeDimension{
		Timestamp: timestamp,
		Date:      t.Format("2006-01-02"),
		Hour:      t.Hour(),
		Minute:    t.Minute(),
	}, nil
}

// URLRow splits a URL into domain (the network location, userinfo and port
// included), path and query. Every part is captured verbatim: nothing is
// decoded or re-escaped, so "/100%" and "/<script>" survive as written. The
// fragment is dropped. Only an unbalanced IPv6 bracket in the network
// location is an error.
func URLRow(rawURL string) (etl.URLDimension, error) {
	rest := rawURL
	if i := strings.Index(rest, "://"); i > 0 && isScheme(rest[:i]) {
		rest = rest[i+1:]
	}
	var netloc string
	if strings.HasPrefix(rest, "//") {
		rest = rest[2:]
		end := strings.IndexAny(rest, "/?#")
		if end < 0 {
			end = len(rest)
		}
		netloc, rest = rest[:end], rest[end:]
		if strings.Contains(netloc, "[") != strings.Contains(netloc, "]") {
			return etl.URLDimension{}, fmt.Errorf("parse url %q: %w", rawURL, errUnbalancedBrackets)
		}
	}
	rest, _, _ = strings.Cut(rest, "#")
	path, query, _ := strings.Cut(rest, "?")
	return etl.URLDimension{
		URL:    rawURL,
		Domain: netloc,
		Path:   path,
		Query:  query,
	}, nil
}

var errUnbalancedBrackets = errors.New("unbalanced brackets in network location")

// isScheme reports whether s is a letter followed by letters, digits, "+",
// "-" or ".".
func isScheme(s string) bool {
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return s != ""
}

// StatusClass returns the leading digit of code followed by "xx", or "other"
// for codes outside the HTTP range.
func StatusClass(code int) string {
	if code < quality.MinStatusCode || code > quality.MaxStatusCode {
		return "other"
	}
	return fmt.Sprintf("%dxx", code/100)
}

// StatusRow builds the status dimension for code. Codes outside 100-599 are
// a contract violation at this stage and produce an error.
func StatusRow(code int) (etl.StatusDimension, error) {
	if code < quality.MinStatusCode || code > quality.MaxStatusCode {
		return etl.StatusDimension{}, fmt.Errorf("status code %d outside %d-%d", code, quality.MinStatusCode, quality.MaxStatusCode)
	}
	return etl.StatusDimension{StatusCode: code, StatusClass: StatusClass(code)}, nil
}
