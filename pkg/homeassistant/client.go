// Package homeassistant provides a client for posting entity states to a
// Home Assistant instance over its REST API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the Home Assistant operations used by the importer.
type Client interface {
	// PublishState sets an entity's state with optional attributes.
	PublishState(ctx context.Context, entityID string, state string, attributes map[string]any) error
}

// Option configures the Home Assistant client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default request rate limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Home Assistant client authenticated with a
// long-lived access token. Requests are rate limited to stay friendly to
// small single-board installs.
func NewClient(baseURL, token string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "homeassistant: rate limit wait")
	}
	return nil
}

type statePayload struct {
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (c *httpClient) PublishState(ctx context.Context, entityID string, state string, attributes map[string]any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(statePayload{State: state, Attributes: attributes})
	if err != nil {
		return eris.Wrap(err, "homeassistant: marshal state")
	}

	reqURL := fmt.Sprintf("%s/api/states/%s", c.baseURL, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "homeassistant: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "homeassistant: post state")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return eris.Errorf("homeassistant: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
