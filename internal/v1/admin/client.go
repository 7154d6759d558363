// Package admin talks to the authoritative document store. Rooms read a
// document's HTML from it on first load and write edited HTML back.
package admin

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/da-live/collab/internal/v1/logging"
	"github.com/da-live/collab/internal/v1/metrics"
	"github.com/da-live/collab/internal/v1/types"
)

// Snapshot is the result of fetching a document.
type Snapshot struct {
	// NotModified is set on a 304; the other fields are then empty.
	NotModified bool
	HTML        string
	ETag        string
	Actions     types.ActionSet
}

// StatusError reports a non-2xx, non-304 response.
type StatusError struct {
	Code int
	Op   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("admin %s: unexpected status %d", e.Op, e.Code)
}

// Client issues requests against document canonical URLs. Calls carry no
// per-request timeout; the transport's connection deadline applies. A
// circuit breaker sheds load when the admin service is failing hard.
type Client struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient() *Client {
	return &Client{
		http: &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "admin",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.breaker.Execute(func() (any, error) {
		return c.http.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*http.Response), nil
}

// Get fetches the document. A non-empty etag is sent as If-None-Match so an
// unchanged document comes back as a 304 without a body.
func (c *Client) Get(ctx context.Context, docURL, credential, etag string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building admin GET: %w", err)
	}
	if credential != "" {
		req.Header.Set("Authorization", credential)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.do(req)
	if err != nil {
		metrics.AdminFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("admin GET: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		metrics.AdminFetches.WithLabelValues("not_modified").Inc()
		return &Snapshot{NotModified: true}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			metrics.AdminFetches.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("reading admin GET body: %w", err)
		}
		metrics.AdminFetches.WithLabelValues("ok").Inc()
		return &Snapshot{
			HTML:    string(body),
			ETag:    resp.Header.Get("ETag"),
			Actions: types.ParseActionSet(resp.Header.Get("X-da-actions")),
		}, nil
	default:
		metrics.AdminFetches.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
		logging.Warn(ctx, "admin GET failed",
			zap.String("doc", docURL), zap.Int("status", resp.StatusCode))
		return nil, &StatusError{Code: resp.StatusCode, Op: "GET"}
	}
}

// Put writes the rendered HTML back. If-Match: * refuses implicit creation
// of a deleted document; a 412 means the document is gone. Credentials from
// every writable connection are de-duplicated and joined into one
// Authorization value. Returns the response status and ETag for the caller
// to act on.
func (c *Client) Put(ctx context.Context, docURL, htmlBody string, credentials []string) (int, string, error) {
	var body strings.Builder
	mw := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="data"; filename="blob"`)
	header.Set("Content-Type", "text/html")
	part, err := mw.CreatePart(header)
	if err != nil {
		return 0, "", fmt.Errorf("building admin PUT body: %w", err)
	}
	if _, err := io.WriteString(part, htmlBody); err != nil {
		return 0, "", fmt.Errorf("building admin PUT body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return 0, "", fmt.Errorf("building admin PUT body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, docURL, strings.NewReader(body.String()))
	if err != nil {
		return 0, "", fmt.Errorf("building admin PUT: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("If-Match", "*")
	req.Header.Set("X-DA-Initiator", "collab")
	if joined := joinCredentials(credentials); joined != "" {
		req.Header.Set("Authorization", joined)
	}

	resp, err := c.do(req)
	if err != nil {
		metrics.AdminWritebacks.WithLabelValues("error").Inc()
		return 0, "", fmt.Errorf("admin PUT: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	metrics.AdminWritebacks.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
	return resp.StatusCode, resp.Header.Get("ETag"), nil
}

// joinCredentials de-duplicates preserving first-seen order.
func joinCredentials(credentials []string) string {
	seen := make(map[string]bool, len(credentials))
	var out []string
	for _, c := range credentials {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return strings.Join(out, ",")
}
