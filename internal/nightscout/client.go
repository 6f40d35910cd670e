// Package nightscout provides a client for interacting with the Nightscout API
package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // Required for Nightscout API secret hashing (legacy API requirement)
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/mrcode/nightscout-monitor/internal/models"
)

const (
	currentEndpoint = "/api/v1/entries/current.json"
	entriesEndpoint = "/api/v1/entries.json"
	statusEndpoint  = "/api/v1/status.json"

	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 4 << 20
)

// Client handles communication with the Nightscout API. It holds no
// connection details; every call takes the Connection to use.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	hashSecret bool
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout of the default http.Client
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit throttles outgoing requests. A non-positive rps disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHashedSecret sends the SHA-1 digest of the secret instead of the
// plain value.
func WithHashedSecret(enabled bool) Option {
	return func(c *Client) {
		c.hashSecret = enabled
	}
}

// NewClient creates a new Nightscout client
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// hashSecret generates SHA1 hash of the API secret
// Note: SHA1 is required for Nightscout API compatibility
func hashSecret(secret string) string {
	hasher := sha1.New() //nolint:gosec // Required for Nightscout API
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

// buildRequest creates an HTTP request with proper authentication
func (c *Client) buildRequest(ctx context.Context, conn models.Connection, endpoint string, params url.Values) (*http.Request, error) {
	conn = conn.Normalize()
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	fullURL := conn.NightscoutURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}

	req.Header.Set("Accept", "application/json")

	if conn.APISecret != "" {
		secret := conn.APISecret
		if c.hashSecret {
			secret = hashSecret(secret)
		}
		req.Header.Set("API-SECRET", secret)
	}

	return req, nil
}

// doRequest executes an HTTP request and returns the response body
func (c *Client) doRequest(req *http.Request, endpoint string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, &TransportError{Endpoint: endpoint, Err: err}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Endpoint: endpoint, Status: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}

func (c *Client) get(ctx context.Context, conn models.Connection, endpoint string, params url.Values) ([]byte, error) {
	req, err := c.buildRequest(ctx, conn, endpoint, params)
	if err != nil {
		return nil, err
	}
	return c.doRequest(req, endpoint)
}

// FetchCurrent retrieves the most recent glucose reading
func (c *Client) FetchCurrent(ctx context.Context, conn models.Connection) (*models.Reading, error) {
	body, err := c.get(ctx, conn, currentEndpoint, nil)
	if err != nil {
		return nil, err
	}

	// Current endpoint returns a single object or array
	var entry models.Entry
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []models.Entry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, &DecodeError{Endpoint: currentEndpoint, Err: err}
		}
		if len(entries) == 0 {
			return nil, &DecodeError{Endpoint: currentEndpoint, Err: errors.New("no entries returned")}
		}
		entry = entries[0]
	} else if err := json.Unmarshal(trimmed, &entry); err != nil {
		return nil, &DecodeError{Endpoint: currentEndpoint, Err: err}
	}

	if err := entry.Validate(); err != nil {
		return nil, &DecodeError{Endpoint: currentEndpoint, Err: err}
	}

	reading := entry.Reading()
	return &reading, nil
}

// FetchHistory retrieves the samples covering the range, newest first
func (c *Client) FetchHistory(ctx context.Context, conn models.Connection, timeRange models.TimeRange) ([]models.Sample, error) {
	if err := timeRange.Validate(); err != nil {
		return nil, err
	}
	count := timeRange.SampleCount()

	params := url.Values{}
	params.Set("count", strconv.Itoa(count))

	body, err := c.get(ctx, conn, entriesEndpoint, params)
	if err != nil {
		return nil, err
	}

	var entries []models.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, &DecodeError{Endpoint: entriesEndpoint, Err: err}
	}
	if entries == nil {
		return nil, &DecodeError{Endpoint: entriesEndpoint, Err: errors.New("expected a JSON array")}
	}

	samples := make([]models.Sample, 0, len(entries))
	for i := range entries {
		if !entries[i].IsGlucose() {
			continue
		}
		if err := entries[i].Validate(); err != nil {
			return nil, &DecodeError{Endpoint: entriesEndpoint, Err: fmt.Errorf("entry %d: %w", i, err)}
		}
		samples = append(samples, entries[i].Sample())
		if len(samples) == count {
			break
		}
	}

	return samples, nil
}

// Status retrieves the Nightscout server status
func (c *Client) Status(ctx context.Context, conn models.Connection) (*models.ServerStatus, error) {
	body, err := c.get(ctx, conn, statusEndpoint, nil)
	if err != nil {
		return nil, err
	}

	var status models.ServerStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, &DecodeError{Endpoint: statusEndpoint, Err: err}
	}

	return &status, nil
}

// TestConnection tests if the connection to Nightscout works
func (c *Client) TestConnection(ctx context.Context, conn models.Connection) error {
	_, err := c.Status(ctx, conn)
	return err
}
