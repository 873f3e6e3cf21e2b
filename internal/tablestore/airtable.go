package tablestore

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

	"github.com/joshsymonds/gmailexport/internal/rate"
)

const (
	defaultAirtableURL = "https://api.airtable.com"
	airtablePageSize   = 100
)

// Airtable is a thin client for the Airtable REST API v0. It authenticates
// with a bearer token and waits out HTTP 429 responses, honouring
// Retry-After and falling back to exponential backoff. With a limiter every
// HTTP request waits for it, so a paginated listing spends one slot per page.
type Airtable struct {
	baseURL    string
	baseID     string
	token      string
	httpClient *http.Client
	maxRetries int
	limiter    rate.Limiter
}

// AirtableOption customizes an Airtable client.
type AirtableOption func(*Airtable)

// WithBaseURL points the client at a different API host.
func WithBaseURL(u string) AirtableOption {
	return func(a *Airtable) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(c *http.Client) AirtableOption {
	return func(a *Airtable) { a.httpClient = c }
}

// WithMaxRetries bounds how many 429 responses are waited out per call.
func WithMaxRetries(n int) AirtableOption {
	return func(a *Airtable) { a.maxRetries = n }
}

// WithLimiter gates each HTTP request, retries included.
func WithLimiter(l rate.Limiter) AirtableOption {
	return func(a *Airtable) { a.limiter = l }
}

// NewAirtable returns a client for the base identified by baseID.
func NewAirtable(baseID, token string, opts ...AirtableOption) *Airtable {
	a := &Airtable{
		baseURL:    defaultAirtableURL,
		baseID:     baseID,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type airtableRecord struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type airtableList struct {
	Records []airtableRecord `json:"records"`
	Offset  string           `json:"offset"`
}

type airtableWrite struct {
	Fields   map[string]any `json:"fields"`
	Typecast bool           `json:"typecast"`
}

type airtableError struct {
	Error json.RawMessage `json:"error"`
}

func (a *Airtable) ListRows(ctx context.Context, table string, fields []string) ([]Row, error) {
	var rows []Row
	offset := ""
	for {
		q := url.Values{}
		q.Set("pageSize", strconv.Itoa(airtablePageSize))
		for _, f := range fields {
			q.Add("fields[]", f)
		}
		if offset != "" {
			q.Set("offset", offset)
		}
		var page airtableList
		if err := a.do(ctx, http.MethodGet, table, a.tablePath(table)+"?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			rows = append(rows, rec.row())
		}
		if page.Offset == "" {
			return rows, nil
		}
		offset = page.Offset
	}
}

func (a *Airtable) InsertRow(ctx context.Context, table string, fields map[string]any) (Row, error) {
	var rec airtableRecord
	body := airtableWrite{Fields: fields, Typecast: true}
	if err := a.do(ctx, http.MethodPost, table, a.tablePath(table), body, &rec); err != nil {
		return Row{}, err
	}
	return rec.row(), nil
}

func (a *Airtable) UpdateRow(ctx context.Context, table, id string, fields map[string]any) (Row, error) {
	var rec airtableRecord
	body := airtableWrite{Fields: fields, Typecast: true}
	path := a.tablePath(table) + "/" + url.PathEscape(id)
	if err := a.do(ctx, http.MethodPatch, table, path, body, &rec); err != nil {
		return Row{}, err
	}
	return rec.row(), nil
}

func (r airtableRecord) row() Row {
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	return Row{ID: r.ID, Fields: r.Fields}
}

func (a *Airtable) tablePath(table string) string {
	return "/v0/" + url.PathEscape(a.baseID) + "/" + url.PathEscape(table)
}

func (a *Airtable) do(ctx context.Context, method, table, path string, body, result any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit %s %s: %w", method, table, err)
			}
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+a.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return &ServiceError{Op: method, Table: table, Err: err}
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &ServiceError{Op: method, Table: table, Status: resp.StatusCode, Err: readErr}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited on %s %s", method, table)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryAfter(resp, attempt)):
				continue
			}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &ServiceError{Op: method, Table: table, Status: resp.StatusCode, Err: errorMessage(respBody)}
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, result); err != nil {
			return &ServiceError{Op: method, Table: table, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}
	return &ServiceError{
		Op:     method,
		Table:  table,
		Status: http.StatusTooManyRequests,
		Err:    fmt.Errorf("max retries (%d) exceeded: %w", a.maxRetries, lastErr),
	}
}

// errorMessage extracts Airtable's error, which is either a bare string or
// an object with type and message.
func errorMessage(body []byte) error {
	var wrapper airtableError
	if json.Unmarshal(body, &wrapper) == nil && len(wrapper.Error) > 0 {
		var code string
		if json.Unmarshal(wrapper.Error, &code) == nil {
			return errors.New(code)
		}
		var detail struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(wrapper.Error, &detail) == nil && detail.Type != "" {
			if detail.Message == "" {
				return errors.New(detail.Type)
			}
			return fmt.Errorf("%s: %s", detail.Type, detail.Message)
		}
	}
	return errors.New(strings.TrimSpace(string(body)))
}

// retryAfter reads Retry-After in seconds, else backs off 1s, 2s, 4s... up to 30s.
func retryAfter(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
