// Package rest implements synckit.RemoteStore against a PostgREST-style
// HTTP API: rows are addressed as /<table>?id=eq.<id>, created with POST and
// patched with PATCH. The server assigns updated_at on every write.
package rest

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/relsync/errors"
	"github.com/c0deZ3R0/relsync/logging"
	"github.com/c0deZ3R0/relsync/synckit"
)

const component = "transport/rest"

// Limits defines size and compression limits for the client.
type Limits struct {
	MaxBodyBytes         int64 // Maximum response body size in bytes
	MaxDecompressedBytes int64 // Maximum decompressed response size
	EnableGzip           bool  // Compress request bodies and accept gzip responses
	GzipMinBytes         int   // Minimum request size before applying gzip
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes:         4 << 20,  // 4MB
		MaxDecompressedBytes: 16 << 20, // 16MB
		EnableGzip:           false,
		GzipMinBytes:         1024,
	}
}

// Client talks to the remote relational store over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	headers http.Header
	logger  *slog.Logger
}

var _ synckit.RemoteStore = (*Client)(nil)

// Option configures a Client using the functional options pattern.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) { c.http = cl }
}

// WithLimits sets the size and compression limits
func WithLimits(l Limits) Option {
	return func(c *Client) { c.limits = l }
}

// WithAPIKey sends key in the apikey header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if key != "" {
			c.headers.Set("apikey", key)
		}
	}
}

// WithBearerToken sends token as an Authorization bearer credential.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithHeader sets an extra request header, e.g. Accept-Profile.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limits:  DefaultLimits(),
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.WithComponent(logging.Component("rest-client")).Logger
	}
	return c
}

// BaseURL returns the base URL for the client
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) tableURL(table, id string) string {
	u := c.baseURL + "/" + url.PathEscape(table)
	if id == "" {
		return u
	}
	q := url.Values{}
	q.Set(synckit.IDField, "eq."+id)
	return u + "?" + q.Encode()
}

// Fetch returns the row with primary key id.
func (c *Client) Fetch(ctx context.Context, table, id string) (synckit.Row, error) {
	const op = syncErrors.OpRemoteRead
	rows, err := c.do(ctx, op, http.MethodGet, c.tableURL(table, id), nil, "")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", table, id, synckit.ErrNotFound)
	}
	return rows[0], nil
}

// Insert creates row. A duplicate primary key is reported as KindInvalid.
func (c *Client) Insert(ctx context.Context, table string, row synckit.Row) error {
	const op = syncErrors.OpRemoteWrite
	_, err := c.do(ctx, op, http.MethodPost, c.tableURL(table, ""), writable(row, true), "return=minimal")
	return err
}

// Update patches fields onto the row with primary key id.
func (c *Client) Update(ctx context.Context, table, id string, fields synckit.Row) error {
	const op = syncErrors.OpRemoteWrite
	rows, err := c.do(ctx, op, http.MethodPatch, c.tableURL(table, id), writable(fields, false), "return=representation")
	if err != nil {
		return err
	}
	// An empty representation means no row matched; a bodiless 204 carries
	// no such information.
	if rows != nil && len(rows) == 0 {
		return fmt.Errorf("%s/%s: %w", table, id, synckit.ErrNotFound)
	}
	return nil
}

// writable drops the columns the server owns. The primary key is only
// sent on insert.
func writable(row synckit.Row, keepID bool) synckit.Row {
	out := make(synckit.Row, len(row))
	for k, v := range row {
		if k == synckit.UpdatedAtField || (k == synckit.IDField && !keepID) {
			continue
		}
		out[k] = v
	}
	return out
}

func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, target string, body synckit.Row, prefer string) ([]synckit.Row, error) {
	var reader io.Reader
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "marshal body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "create request")
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		if err := c.compressBody(req, payload); err != nil {
			return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInternal, err, "compress body")
		}
	}
	if c.limits.EnableGzip {
		req.Header.Set("Accept-Encoding", "gzip")
	}

	c.logger.DebugContext(ctx, "remote request",
		slog.String("method", method),
		slog.String("url", target))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.WarnContext(ctx, "remote request failed",
			slog.String("method", method),
			slog.String("url", target),
			slog.String("error", err.Error()))
		return nil, syncErrors.WrapNetwork(fmt.Errorf("network error: %w", err), op, component)
	}
	defer resp.Body.Close()

	respReader, cleanup, err := createSafeResponseReader(resp, c.limits)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindCorrupt, err)
	}
	defer cleanup()

	if resp.StatusCode >= 300 {
		return nil, c.statusError(ctx, op, method, target, resp.StatusCode, respReader)
	}
	if resp.StatusCode == http.StatusNoContent || method == http.MethodPost {
		return nil, nil
	}

	var rows []synckit.Row
	if err := json.NewDecoder(respReader).Decode(&rows); err != nil {
		if errors.Is(err, errResponseTooLarge) {
			return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
		}
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindCorrupt, err, "decode response")
	}
	return rows, nil
}

// statusError maps a non-2xx response: 5xx and 429 are retryable network
// failures, every other status is a request the server will keep refusing.
func (c *Client) statusError(ctx context.Context, op syncErrors.Operation, method, target string, status int, body io.Reader) error {
	msg, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	c.logger.WarnContext(ctx, "remote request returned error status",
		slog.String("method", method),
		slog.String("url", target),
		slog.Int("status_code", status),
		slog.String("response_body", string(msg)))

	err := fmt.Errorf("server error (status %d): %s", status, strings.TrimSpace(string(msg)))
	meta := map[string]interface{}{"status": status}
	if status >= 500 || status == http.StatusTooManyRequests {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindUnavailable,
			syncErrors.ErrCodeNetworkFailure, err, meta)
	}
	return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid,
		syncErrors.ErrCodeValidationFailure, err, meta)
}

// compressBody gzips payload into req when enabled and above the threshold.
func (c *Client) compressBody(req *http.Request, payload []byte) error {
	if !c.limits.EnableGzip || len(payload) <= c.limits.GzipMinBytes {
		return nil
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	compressed := buf.Bytes()
	req.Body = io.NopCloser(bytes.NewReader(compressed))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(compressed)), nil
	}
	req.ContentLength = int64(len(compressed))
	req.Header.Set("Content-Encoding", "gzip")
	return nil
}
