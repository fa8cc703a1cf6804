// Package remote implements the availability and booking contracts over
// JSON/HTTP.
//
//	POST {base}/availability/check-batch  {"requests": [...]} -> {"results": [...]}
//	POST {base}/bookings/batch            {"drafts": [...]}   -> {"results": [...]}
//
// Any non-2xx status is a call error. Response bodies on error are read
// (up to a limit) into the error message.
package remote

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
)

const (
	// DefaultTimeout bounds a single call when the caller supplies no
	// http.Client.
	DefaultTimeout = 15 * time.Second

	// HeaderIdempotencyKey carries the action id on booking submissions.
	HeaderIdempotencyKey = "Idempotency-Key"

	maxErrorBody = 4 << 10
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, e.Body)
}

// Client is a JSON/HTTP client rooted at BaseURL.
type Client struct {
	Name    string
	BaseURL *url.URL
	HTTP    *http.Client
	Header  http.Header
}

// NewClient parses baseURL. A nil httpClient gets DefaultTimeout.
func NewClient(name, baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid %s base url %q: %w", name, baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid %s base url %q: scheme must be http or https", name, baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{Name: name, BaseURL: u, HTTP: httpClient, Header: http.Header{}}, nil
}

// PostJSON posts in as JSON to path (relative to BaseURL) and decodes the
// response into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any, header http.Header) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", c.Name, err)
	}

	u := c.BaseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.Name, err)
	}
	for k, vv := range c.Header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Service: c.Name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.Name, err)
	}
	return nil
}
