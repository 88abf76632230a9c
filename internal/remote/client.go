// Package remote is the HTTP client for the partner system's sync endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

// TransientError is a delivery failure worth retrying: network error,
// timeout, 5xx or 429.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient: remote status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a rejection retrying cannot fix (4xx).
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: remote status %d: %v", e.StatusCode, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Paging defaults for Fetch.
const (
	DefaultPageSize = 1000
	DefaultMaxBody  = 8 << 20
)

// ErrResponseTooLarge is returned when a response body exceeds the client's cap.
var ErrResponseTooLarge = errors.New("response body too large")

// ExportQuery selects records from the partner's mirror table.
type ExportQuery struct {
	Since  time.Time
	IDs    []string
	Fields []string // payload projection; empty means full payload
}

// Client talks to one partner.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	pageSize int
	maxBody  int64
}

// NewClient returns a client with a bounded per-request timeout.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: timeout},
		pageSize: DefaultPageSize,
		maxBody:  DefaultMaxBody,
	}
}

// WithPageSize sets the export page size requested by Fetch.
func (c *Client) WithPageSize(n int) *Client {
	if n > 0 {
		c.pageSize = n
	}
	return c
}

// WithMaxBody caps the bytes read from one response.
func (c *Client) WithMaxBody(n int64) *Client {
	if n > 0 {
		c.maxBody = n
	}
	return c
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return &TransientError{StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(body)) > c.maxBody {
		return &PermanentError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: over %d bytes", ErrResponseTooLarge, c.maxBody)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	default:
		return &PermanentError{StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "empty body"
	}
	return s
}

// Push delivers one change to POST <base>/sync-ingest.
func (c *Client) Push(ctx context.Context, in models.IngestRequest) (models.IngestResponse, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return models.IngestResponse{}, &PermanentError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync-ingest", bytes.NewReader(b))
	if err != nil {
		return models.IngestResponse{}, &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var out models.IngestResponse
	if err := c.do(req, &out); err != nil {
		return models.IngestResponse{}, err
	}
	return out, nil
}

// Fetch reads every matching record from GET <base>/sync-export, one keyset
// page at a time.
func (c *Client) Fetch(ctx context.Context, q ExportQuery) ([]models.Record, error) {
	u, err := url.Parse(c.baseURL + "/sync-export")
	if err != nil {
		return nil, err
	}
	v := u.Query()
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.IDs != nil {
		v.Set("ids", strings.Join(q.IDs, ","))
	}
	if len(q.Fields) > 0 {
		v.Set("fields", strings.Join(q.Fields, ","))
	}
	v.Set("limit", strconv.Itoa(c.pageSize))

	var all []models.Record
	after := ""
	for {
		if after != "" {
			v.Set("after_id", after)
		}
		u.RawQuery = v.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		var page models.ExportResponse
		if err := c.do(req, &page); err != nil {
			return nil, fmt.Errorf("fetch page after %q: %w", after, err)
		}
		for _, r := range page.Records {
			all = append(all, r.Normalize())
		}

		next := page.NextAfterID
		if next == "" && len(page.Records) >= c.pageSize {
			next = page.Records[len(page.Records)-1].ID
		}
		if next == "" {
			return all, nil
		}
		if next <= after {
			return nil, fmt.Errorf("export paging did not advance past %q", after)
		}
		after = next
	}
}
