package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/metrics"
)

var ErrNotFound = errors.New("downstream resource not found")

const headerRequestID = "X-Request-Id"

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// Policy bounds the retries of one kind of call.
type Policy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

var (
	DefaultGetPolicy  = Policy{MaxAttempts: 300, MinBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second}
	DefaultPostPolicy = Policy{MaxAttempts: 3, MinBackoff: time.Second, MaxBackoff: 10 * time.Second}
)

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.MinBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// budget is the longest a call under this policy may take.
func (p Policy) budget(perAttempt time.Duration) time.Duration {
	return time.Duration(p.MaxAttempts) * (p.MaxBackoff + perAttempt)
}

type Options struct {
	Timeout       time.Duration
	HealthTimeout time.Duration
	Get           Policy
	Post          Policy
}

// Client calls a downstream service over JSON/HTTP. Reads are retried
// aggressively; writes get a short attempt ceiling.
type Client struct {
	name    string
	http    *http.Client
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewClient(name string, opts Options, logger *zap.Logger, m *metrics.Metrics) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	if opts.Get.MaxAttempts <= 0 {
		opts.Get = DefaultGetPolicy
	}
	if opts.Post.MaxAttempts <= 0 {
		opts.Post = DefaultPostPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		name:    name,
		http:    &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		logger:  logger.With(zap.String("downstream", name)),
		metrics: m,
	}
}

// CheckHealth issues one GET {baseURL}/health. It never fails: any error or
// non-2xx status means unhealthy.
func (c *Client) CheckHealth(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()

	err := c.attempt(ctx, http.MethodGet, baseURL+"/health", nil, nil)
	c.metrics.DownstreamAttempt(c.name+".health", err)
	if err != nil {
		c.logger.Warn("health check failed", zap.String("url", baseURL), zap.Error(err))
		return false
	}
	return true
}

// Get fetches url and decodes the JSON body into out.
func (c *Client) Get(ctx context.Context, url string, out any) error {
	return c.do(ctx, c.opts.Get, http.MethodGet, url, nil, out)
}

// Post sends body as JSON and decodes the response into out when non-nil.
func (c *Client) Post(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, c.opts.Post, http.MethodPost, url, payload, out)
}

func (c *Client) do(ctx context.Context, p Policy, method, url string, body []byte, out any) error {
	op := func() (struct{}, error) {
		err := c.attempt(ctx, method, url, body, out)
		c.metrics.DownstreamAttempt(c.name, err)
		if err != nil && !retryable(ctx, err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(p.budget(c.opts.Timeout)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying downstream call",
				zap.String("method", method),
				zap.String("url", url),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	return err
}

func (c *Client) attempt(ctx context.Context, method, url string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if rid := middleware.GetReqID(ctx); rid != "" {
		req.Header.Set(headerRequestID, rid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

// retryable reports whether err is a timeout, transport or 5xx failure.
// Client errors, undecodable bodies and caller cancellation are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	var de *decodeError
	return !errors.As(err, &de)
}
