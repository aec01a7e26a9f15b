// Package rest implements the REST side of the market gateway: a thin
// HTTP client with venue-agnostic error classification, and a per-symbol
// derivatives poller (open interest, funding rate) built on that client.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrorClass buckets a failed REST call so callers (the poller's backoff
// and the readiness/quality planes) can react without inspecting HTTP
// status codes directly. Mirrors spec.md §4.3's error classification.
type ErrorClass string

const (
	ErrorClassNone        ErrorClass = ""
	ErrorClassRateLimit   ErrorClass = "rate_limit"
	ErrorClassHTTP4xx     ErrorClass = "http_4xx"
	ErrorClassHTTP5xx     ErrorClass = "http_5xx"
	ErrorClassExchangeErr ErrorClass = "exchange_error"
	ErrorClassNetwork     ErrorClass = "network"
	ErrorClassAbort       ErrorClass = "abort"
	ErrorClassUnknown     ErrorClass = "unknown"
)

// CallError wraps a REST failure with its classification. errors.As works
// against it, and %w-wrapping keeps the underlying cause inspectable.
type CallError struct {
	Class      ErrorClass
	StatusCode int
	Body       string
	Err        error
	// RetryAfter is the parsed Retry-After response header, when present.
	// Zero means the header was absent or unparseable.
	RetryAfter time.Duration
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("rest: %s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("rest: %s: %v", e.Class, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// classify maps a transport error, HTTP status, and Retry-After presence
// into an ErrorClass. A Retry-After header marks rate_limit regardless of
// status code, per spec.md §4.3.
func classify(statusCode int, hasRetryAfter bool, err error) ErrorClass {
	if err != nil {
		if err == context.Canceled {
			return ErrorClassAbort
		}
		return ErrorClassNetwork
	}
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusTeapot, hasRetryAfter:
		return ErrorClassRateLimit
	case statusCode >= 500:
		return ErrorClassHTTP5xx
	case statusCode >= 400:
		return ErrorClassHTTP4xx
	default:
		return ErrorClassNone
	}
}

// retryAfter parses the Retry-After header, which venues send as either a
// number of seconds or an HTTP-date. An unparseable or absent header yields
// zero, letting callers fall back to their own backoff.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// ExchangeError is the shape of a venue's in-body error envelope (e.g.
// Bybit's {"retCode":10001,"retMsg":"..."}). Callers supply a parser per
// venue; a nil parser means the client never looks past the HTTP status.
type ExchangeErrorParser func(body []byte) (code string, message string, isError bool)

// Client is a venue-agnostic REST caller. One Client is shared by every
// poller for a given venue.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        zerolog.Logger
	parseError ExchangeErrorParser
}

// NewClient constructs a REST client with a 10s request timeout, matching
// the teacher's openfigi client's conservative default.
func NewClient(baseURL string, parseError ExchangeErrorParser, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		log:        log.With().Str("component", "rest_client").Logger(),
		parseError: parseError,
	}
}

// Get performs a GET request against path (relative to baseURL) and decodes
// the JSON response body into out. Returns a *CallError on any failure.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &CallError{Class: ErrorClassUnknown, Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &CallError{Class: ErrorClassAbort, Err: ctx.Err()}
		}
		return &CallError{Class: classify(0, false, err), Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return &CallError{Class: ErrorClassNetwork, Err: fmt.Errorf("read body: %w", readErr)}
	}

	if resp.StatusCode != http.StatusOK {
		ra := retryAfter(resp.Header)
		return &CallError{
			Class:      classify(resp.StatusCode, ra > 0, nil),
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
			RetryAfter: ra,
		}
	}

	if c.parseError != nil {
		if code, msg, isErr := c.parseError(body); isErr {
			return &CallError{
				Class: ErrorClassExchangeErr,
				Err:   fmt.Errorf("exchange error %s: %s", code, msg),
			}
		}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &CallError{Class: ErrorClassUnknown, Err: fmt.Errorf("decode body: %w", err)}
		}
	}
	return nil
}
