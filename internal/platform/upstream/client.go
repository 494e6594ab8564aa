// Package upstream talks to the remote FHIR server that owns patients,
// practitioners, slots and appointments. Every call carries the caller's
// bearer token and API key; the client itself holds no credentials.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	headerAPIKey   = "x-api-key"
	contentJSON    = "application/json"
	maxResponseLen = 10 << 20
)

// Config locates the upstream server.
type Config struct {
	BaseURL   string
	FHIRPath  string
	TokenPath string
	Timeout   time.Duration
}

// Client is an HTTP client for the upstream FHIR API. It does not retry;
// retry policy belongs to the caller.
type Client struct {
	baseURL    string
	fhirPath   string
	tokenPath  string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient builds a client whose transport is instrumented with
// OpenTelemetry. When no global tracer provider is installed the
// instrumentation is a no-op.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		fhirPath:  cleanPath(cfg.FHIRPath),
		tokenPath: cleanPath(cfg.TokenPath),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "upstream " + r.Method
				}),
			),
		},
		logger: logger.With().Str("component", "upstream").Logger(),
	}
}

// Credentials are the opaque session values forwarded on every call.
type Credentials struct {
	Token  string `json:"token"`
	APIKey string `json:"api_key"`
}

// Response is an upstream reply kept as raw bytes so callers can pass it
// through unmodified.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Err returns a *StatusError for non-2xx responses and nil otherwise.
func (r *Response) Err(op string) error {
	if r.OK() {
		return nil
	}
	return &StatusError{Op: op, StatusCode: r.StatusCode, Body: r.Body}
}

// StatusError is a completed upstream call with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	snippet := string(e.Body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return fmt.Sprintf("upstream %s: status %d: %s", e.Op, e.StatusCode, snippet)
}

func (c *Client) fhirURL(path string, query url.Values) string {
	u := c.baseURL + c.fhirPath + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends one request and reads the full body. A returned error means the
// exchange did not complete; any HTTP status is reported through Response.
func (c *Client) do(req *http.Request, op string) (*Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Dur("latency", time.Since(start)).Msg("upstream request failed")
		return nil, fmt.Errorf("upstream %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLen))
	if err != nil {
		return nil, fmt.Errorf("upstream %s: read body: %w", op, err)
	}

	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("upstream request")

	return &Response{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (c *Client) newFHIRRequest(ctx context.Context, method, path string, query url.Values, creds Credentials, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.fhirURL(path, query), reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set(headerAPIKey, creds.APIKey)
	req.Header.Set("Accept", contentJSON)
	if body != nil {
		req.Header.Set("Content-Type", contentJSON)
	}
	return req, nil
}

// Read issues a GET against a FHIR path such as "Patient/123" or
// "Condition" with the given search parameters.
func (c *Client) Read(ctx context.Context, creds Credentials, path string, query url.Values) (*Response, error) {
	req, err := c.newFHIRRequest(ctx, http.MethodGet, path, query, creds, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, "read "+resourceType(path))
}

// Create POSTs payload to the resource type endpoint.
func (c *Client) Create(ctx context.Context, creds Credentials, resourceType string, payload []byte) (*Response, error) {
	req, err := c.newFHIRRequest(ctx, http.MethodPost, resourceType, nil, creds, payload)
	if err != nil {
		return nil, err
	}
	return c.do(req, "create "+resourceType)
}

// Update PUTs payload to resourceType/id.
func (c *Client) Update(ctx context.Context, creds Credentials, resourceType, id string, payload []byte) (*Response, error) {
	req, err := c.newFHIRRequest(ctx, http.MethodPut, resourceType+"/"+url.PathEscape(id), nil, creds, payload)
	if err != nil {
		return nil, err
	}
	return c.do(req, "update "+resourceType)
}

// Delete removes resourceType/id.
func (c *Client) Delete(ctx context.Context, creds Credentials, resourceType, id string) (*Response, error) {
	req, err := c.newFHIRRequest(ctx, http.MethodDelete, resourceType+"/"+url.PathEscape(id), nil, creds, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, "delete "+resourceType)
}

func resourceType(path string) string {
	path = strings.TrimLeft(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

func cleanPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// ErrorBody wraps an upstream error reply as {"error": ...}. JSON bodies stay
// structured; anything else is passed as text.
func ErrorBody(body []byte) map[string]interface{} {
	if len(body) > 0 && json.Valid(body) {
		return map[string]interface{}{"error": json.RawMessage(body)}
	}
	return map[string]interface{}{"error": string(body)}
}
