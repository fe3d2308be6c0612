package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	MaxResponseBody int64
	// DefaultTimeout bounds requests whose context carries no deadline.
	DefaultTimeout time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPClient implements Caller over net/http. JSON bodies are sent and
// decoded; any non-2xx status is a DOWNSTREAM_ERROR of class http_error.
type HTTPClient struct {
	client *http.Client
	config HTTPConfig
}

// NewHTTPClient creates an HTTP caller.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPClient{
		client: &http.Client{Transport: transport},
		config: cfg,
	}
}

// Call issues the request. The decoded JSON document is returned, or the raw
// text when the response is not JSON, or nil for an empty body.
func (c *HTTPClient) Call(ctx context.Context, method, rawURL string, body any) (any, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeStepValidation, "invalid url %q", rawURL)
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepValidation, "request body is not JSON encodable").WithCause(err)
		}
		bodyReader = bytes.NewReader(b)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.DefaultTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepValidation, "failed to create request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s %s: %v", method, rawURL, err).
				WithClass(schema.ErrorClassTimeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeDownstream, "%s %s: request failed: %v", method, rawURL, err).
			WithClass(schema.ErrorClassHTTP).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDownstream, "%s %s: failed to read response body", method, rawURL).
			WithClass(schema.ErrorClassHTTP).WithCause(err)
	}
	doc := decodeBody(resp.Header.Get("Content-Type"), bodyBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeDownstream, "%s %s: server returned %d", method, rawURL, resp.StatusCode).
			WithClass(schema.ErrorClassHTTP).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"body":        doc,
			})
	}
	return doc, nil
}

func decodeBody(contentType string, b []byte) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") || json.Valid(b) {
		var doc any
		if err := json.Unmarshal(b, &doc); err == nil {
			return doc
		}
	}
	return string(b)
}

var _ Caller = (*HTTPClient)(nil)
