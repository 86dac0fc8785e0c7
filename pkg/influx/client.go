// Package influx provides a minimal InfluxDB 1.x write client speaking
// line protocol over HTTP.
package influx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the InfluxDB write operations.
type Client interface {
	// Write posts a batch of points to the configured database.
	Write(ctx context.Context, points []Point) error
	// Ping checks server reachability.
	Ping(ctx context.Context) error
}

// APIError is a non-2xx response from the server. Callers classify
// retryability from the status code.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("influx: status %d: %s", e.StatusCode, e.Message)
}

// Option configures the Influx client.
type Option func(*httpClient)

// WithCredentials sets basic auth credentials.
func WithCredentials(username, password string) Option {
	return func(c *httpClient) {
		c.username = username
		c.password = password
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL  string
	database string
	username string
	password string
	http     *http.Client
}

// NewClient creates a write client for the given server URL and database.
func NewClient(baseURL, database string, opts ...Option) Client {
	c := &httpClient{
		baseURL:  baseURL,
		database: database,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Write(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	q := url.Values{}
	q.Set("db", c.database)
	q.Set("precision", "ns")
	reqURL := c.baseURL + "/write?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(EncodeLines(points)))
	if err != nil {
		return eris.Wrap(err, "influx: create request")
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "influx: write request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
}

func (c *httpClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return eris.Wrap(err, "influx: create ping")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "influx: ping")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
}
