// Package httpcap implements every capability as JSON over HTTP. Each
// adapter talks to one base URL, authenticates with an optional bearer
// token and maps transport failures onto the capability error taxonomy.
package httpcap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wkf/trade-engine/internal/capability"
)

// Client is the shared transport of the adapters.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter

	// rejectStatus maps 400/422 to ErrRejected instead of ErrInvalidResponse.
	rejectStatus bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit paces requests to perSec with a burst of one.
func WithRateLimit(perSec float64) Option {
	return func(c *Client) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// NewClient creates a transport for baseURL. The per-call deadline comes
// from the caller's context, so the http.Client has only a safety timeout.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return transportError(ctx, err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, transportError(ctx, err))
	}
	defer resp.Body.Close()

	if err := c.statusError(resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, transportError(ctx, err))
		}
		return fmt.Errorf("%s %s: decode: %w: %v", method, path, capability.ErrInvalidResponse, err)
	}
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	code := resp.StatusCode
	if code < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(msg))

	var kind error
	switch {
	case code == http.StatusNotFound:
		kind = capability.ErrNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = capability.ErrTimeout
	case code >= 500, code == http.StatusTooManyRequests,
		code == http.StatusUnauthorized, code == http.StatusForbidden:
		kind = capability.ErrUnavailable
	case c.rejectStatus && (code == http.StatusBadRequest || code == http.StatusUnprocessableEntity):
		kind = capability.ErrRejected
	default:
		kind = capability.ErrInvalidResponse
	}
	return fmt.Errorf("status %d: %w: %s", code, kind, text)
}

func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", capability.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", capability.ErrUnavailable, err)
}
