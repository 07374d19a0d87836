// Package httpclient wraps resty with the retry policy and debug logging used
// by every outbound call to the media server.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client wraps resty.Client with retry logic and timeout handling
type Client struct {
	resty      *resty.Client
	maxRetries int
	timeout    time.Duration
	logger     *slog.Logger
}

// ClientConfig holds configuration for the HTTP client
type ClientConfig struct {
	// Timeout bounds a whole request including the body; negative disables it
	Timeout    time.Duration
	MaxRetries int
	// DisableRetry sends every request exactly once, for calls that must
	// never be replayed (play-state reports).
	DisableRetry bool
	UserAgent    string
	Debug        bool
	Logger       *slog.Logger
}

// DefaultClientConfig returns sensible defaults for HTTP client
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		UserAgent:  "mbplay/1.0",
	}
}

// NewClient creates a new HTTP client with the given configuration
func NewClient(config ClientConfig) *Client {
	switch {
	case config.Timeout == 0:
		config.Timeout = 30 * time.Second
	case config.Timeout < 0:
		config.Timeout = 0
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.DisableRetry {
		config.MaxRetries = 0
	}
	if config.UserAgent == "" {
		config.UserAgent = "mbplay/1.0"
	}

	restyClient := resty.New().
		SetTimeout(config.Timeout).
		SetRetryCount(config.MaxRetries).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("User-Agent", config.UserAgent).
		SetHeader("Accept", "application/json")

	if !config.DisableRetry {
		restyClient.AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})
	}

	client := &Client{
		resty:      restyClient,
		maxRetries: config.MaxRetries,
		timeout:    config.Timeout,
		logger:     config.Logger,
	}

	if config.Debug && config.Logger != nil {
		restyClient.OnBeforeRequest(func(c *resty.Client, r *resty.Request) error {
			client.logRequest(r)
			return nil
		})
		restyClient.OnAfterResponse(func(c *resty.Client, r *resty.Response) error {
			client.logResponse(r)
			return nil
		})
	}

	return client
}

// Get performs a GET request with context support
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*resty.Response, error) {
	resp, err := c.resty.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET request failed for %s: %w", url, err)
	}
	if resp.StatusCode() >= 400 {
		return resp, &StatusError{Method: http.MethodGet, URL: url, Code: resp.StatusCode(), Body: resp.String()}
	}
	return resp, nil
}

// Post performs a POST request with a JSON body
func (c *Client) Post(ctx context.Context, url string, body interface{}, headers map[string]string) (*resty.Response, error) {
	req := c.resty.R().
		SetContext(ctx).
		SetHeaders(headers)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Post(url)
	if err != nil {
		return nil, fmt.Errorf("POST request failed for %s: %w", url, err)
	}
	if resp.StatusCode() >= 400 {
		return resp, &StatusError{Method: http.MethodPost, URL: url, Code: resp.StatusCode(), Body: resp.String()}
	}
	return resp, nil
}

// Stream performs a GET request and hands back the unread body. The caller
// must close it. size is -1 when the server did not send a length.
func (c *Client) Stream(ctx context.Context, url string, headers map[string]string) (body io.ReadCloser, size int64, err error) {
	resp, err := c.resty.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, 0, fmt.Errorf("GET request failed for %s: %w", url, err)
	}

	raw := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		if raw != nil {
			_ = raw.Close()
		}
		return nil, 0, &StatusError{Method: http.MethodGet, URL: url, Code: resp.StatusCode()}
	}
	return raw, resp.RawResponse.ContentLength, nil
}

// SetHeader sets a default header for all requests
func (c *Client) SetHeader(key, value string) {
	c.resty.SetHeader(key, value)
}

// SetHeaders sets multiple default headers
func (c *Client) SetHeaders(headers map[string]string) {
	c.resty.SetHeaders(headers)
}

// GetTimeout returns the configured timeout
func (c *Client) GetTimeout() time.Duration {
	return c.timeout
}

// GetMaxRetries returns the configured max retries
func (c *Client) GetMaxRetries() int {
	return c.maxRetries
}

// GetRestyClient returns the underlying resty client
func (c *Client) GetRestyClient() *resty.Client {
	return c.resty
}

// StatusError is returned for responses with status >= 400
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP error %d for %s %s", e.Code, e.Method, e.URL)
	}
	return fmt.Sprintf("HTTP error %d for %s %s: %s", e.Code, e.Method, e.URL, e.Body)
}

func (c *Client) logRequest(r *resty.Request) {
	c.logger.Debug("HTTP Request",
		"method", r.Method,
		"url", r.URL,
	)
	if r.Body != nil {
		c.logger.Debug("Request Body", "body", fmt.Sprintf("%v", r.Body))
	}
}

func (c *Client) logResponse(r *resty.Response) {
	bodyStr := r.String()
	if len(bodyStr) > 1000 {
		bodyStr = bodyStr[:1000] + "... (truncated)"
	}
	c.logger.Debug("HTTP Response",
		"status", r.StatusCode(),
		"url", r.Request.URL,
		"time", r.Time(),
		"body", bodyStr,
	)
}
