// Package remote implements the remote side of a crudodb store over a plain
// REST API exchanging JSON:
//
//	POST   {base}        create, responds with the canonical item
//	PUT    {base}/{key}  update, responds with the canonical item
//	DELETE {base}/{key}  delete
//	GET    {base}/{key}  fetch one item
//	GET    {base}        fetch all items as a JSON array
//
// 4xx responses are business refusals and map to nil results or false. Any
// other failure is returned as an error.
package remote

import (
	"bytes"
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
)

const DefaultHealthPath = "/health"

// StatusError is returned for responses that are neither a success nor a
// business refusal.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Status)
}

type Client[T any] struct {
	BaseURL    string
	HTTPClient *http.Client
	Header     http.Header

	// KeyOf extracts the key used in item URLs.
	KeyOf func(item T) any

	// HealthURL is probed by IsOnline; empty means BaseURL's host with
	// DefaultHealthPath. A 2xx response counts as online.
	HealthURL     string
	HealthTimeout time.Duration

	Logger *slog.Logger
}

func New[T any](baseURL string, keyOf func(item T) any) *Client[T] {
	return &Client[T]{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		KeyOf:      keyOf,
	}
}

func (c *Client[T]) Create(ctx context.Context, item T) (*T, error) {
	var out T
	found, err := c.do(ctx, http.MethodPost, c.BaseURL, item, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client[T]) Update(ctx context.Context, item T) (*T, error) {
	var out T
	found, err := c.do(ctx, http.MethodPut, c.itemURL(c.KeyOf(item)), item, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client[T]) Delete(ctx context.Context, item T) (bool, error) {
	return c.do(ctx, http.MethodDelete, c.itemURL(c.KeyOf(item)), nil, nil)
}

func (c *Client[T]) Get(ctx context.Context, key any) (*T, error) {
	var out T
	found, err := c.do(ctx, http.MethodGet, c.itemURL(key), nil, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client[T]) GetAll(ctx context.Context) ([]T, error) {
	var out []T
	found, err := c.do(ctx, http.MethodGet, c.BaseURL, nil, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &StatusError{Method: http.MethodGet, URL: c.BaseURL, Status: http.StatusNotFound}
	}
	return out, nil
}

// IsOnline probes the health endpoint.
func (c *Client[T]) IsOnline(ctx context.Context) bool {
	timeout := c.HealthTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL(), nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)
	resp, err := c.client().Do(req)
	if err != nil {
		c.logger().Debug("remote: health check failed", "url", req.URL.String(), "err", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client[T]) healthURL() string {
	if c.HealthURL != "" {
		return c.HealthURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return c.BaseURL + DefaultHealthPath
	}
	u.Path = DefaultHealthPath
	u.RawQuery = ""
	return u.String()
}

func (c *Client[T]) itemURL(key any) string {
	return c.BaseURL + "/" + url.PathEscape(fmt.Sprint(key))
}

func (c *Client[T]) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client[T]) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client[T]) setHeaders(req *http.Request) {
	for k, vv := range c.Header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
}

// do performs one call. It reports false for 4xx responses and decodes the
// body of a 2xx response into out if out is not nil.
func (c *Client[T]) do(ctx context.Context, method, u string, in any, out any) (bool, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("remote: encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return false, err
	}
	c.setHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	c.logger().Debug("remote: call", "method", method, "url", u, "status", resp.StatusCode, "took", time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			return true, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("remote: %s %s: decoding response: %w", method, u, err)
		}
		return true, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
		io.Copy(io.Discard, resp.Body)
		return false, nil
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &StatusError{Method: method, URL: u, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
}
