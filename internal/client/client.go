// Package client sends event batches to the gate and cooperates with its backpressure: quota
// rejections and transient failures are retried with bounded exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aman-churiwal/event-gate/internal/models"
	"github.com/aman-churiwal/event-gate/internal/quota"
)

var (
	ErrExhausted = errors.New("retry budget exhausted")
	ErrPermanent = errors.New("batch refused permanently")
)

// Attempt describes one request made for a batch
type Attempt struct {
	StatusCode int
	Reason     string
	Err        error

	// Wait scheduled after this attempt, zero for the last one
	Delay time.Duration
}

// Outcome is the terminal result of Send
type Outcome struct {
	State    State
	Attempts []Attempt
	Accepted int
	Elapsed  time.Duration
}

// Last returns the final attempt
func (o Outcome) Last() Attempt {
	if len(o.Attempts) == 0 {
		return Attempt{}
	}
	return o.Attempts[len(o.Attempts)-1]
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     Policy
	limiter    *rate.Limiter
	logger     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
	now   func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithRateLimit paces sending to eventsPerSecond, allowing bursts of up to burst events
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(c *Client) {
		if eventsPerSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSleep replaces the wait between attempts, for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithRand replaces the jitter source, which must return values in [0, 1)
func WithRand(rnd func() float64) Option {
	return func(c *Client) { c.rand = rnd }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gate url %q", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		policy:     DefaultPolicy(),
		logger:     zap.NewNop(),
		sleep:      sleepContext,
		rand:       rand.Float64,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	c.logger = c.logger.Named("client")
	return c, nil
}

// Send delivers the batch, retrying on 429, 502, 503, 504 and transport errors. The same batch,
// with the same event ids, is sent on every attempt. The returned error is nil only when the
// outcome is StateSucceeded.
func (c *Client) Send(ctx context.Context, deploymentID string, events []models.Event) (Outcome, error) {
	start := c.now()
	out := Outcome{State: StatePending}

	// Stable ids let the downstream pipeline drop duplicates of a retried batch
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}

	body, err := json.Marshal(models.EventBatch{Events: events})
	if err != nil {
		out.State = StateFailed
		return out, fmt.Errorf("failed to encode batch: %w", err)
	}

	if err := c.pace(ctx, len(events)); err != nil {
		out.State = StateFailed
		return out, err
	}

	endpoint := c.baseURL + "/v1/deployments/" + url.PathEscape(deploymentID) + "/events"
	log := c.logger.With(zap.String("deployment_id", deploymentID), zap.Int("events", len(events)))

	for n := 1; ; n++ {
		attempt, retryAfter, accepted := c.do(ctx, endpoint, body)
		out.Elapsed = c.now().Sub(start)

		switch {
		case attempt.Err == nil && attempt.StatusCode >= 200 && attempt.StatusCode < 300:
			out.Attempts = append(out.Attempts, attempt)
			out.State = StateSucceeded
			out.Accepted = accepted
			return out, nil

		case ctx.Err() != nil:
			out.Attempts = append(out.Attempts, attempt)
			out.State = StateFailed
			return out, ctx.Err()

		case !retryable(attempt):
			out.Attempts = append(out.Attempts, attempt)
			out.State = StateFailed
			return out, fmt.Errorf("%w: status %d", ErrPermanent, attempt.StatusCode)
		}

		if n >= c.policy.MaxAttempts {
			out.Attempts = append(out.Attempts, attempt)
			out.State = StateExhausted
			return out, fmt.Errorf("%w after %d attempts: %s", ErrExhausted, n, describe(attempt))
		}

		delay := c.policy.Backoff(n, retryAfter, c.rand())
		if out.Elapsed+delay > c.policy.MaxElapsed {
			out.Attempts = append(out.Attempts, attempt)
			out.State = StateExhausted
			return out, fmt.Errorf("%w after %v: %s", ErrExhausted, out.Elapsed, describe(attempt))
		}

		attempt.Delay = delay
		out.Attempts = append(out.Attempts, attempt)
		out.State = StateRetrying

		log.Debug("batch refused, retrying",
			zap.Int("attempt", n),
			zap.Int("status", attempt.StatusCode),
			zap.String("reason", attempt.Reason),
			zap.Duration("delay", delay),
			zap.Error(attempt.Err),
		)

		if err := c.sleep(ctx, delay); err != nil {
			out.State = StateFailed
			out.Elapsed = c.now().Sub(start)
			return out, err
		}
	}
}

// do performs one request. It returns the server's Retry-After and, on success, the accepted count.
func (c *Client) do(ctx context.Context, endpoint string, body []byte) (Attempt, time.Duration, int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Attempt{Err: err}, 0, 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Attempt{Err: err}, 0, 0
	}
	defer resp.Body.Close()

	var payload struct {
		Accepted int    `json:"accepted"`
		Reason   string `json:"reason"`
		Error    string `json:"error"`
	}
	// Bodies are small JSON documents; a malformed one is not worth failing the attempt over
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)

	attempt := Attempt{StatusCode: resp.StatusCode, Reason: payload.Reason}
	if attempt.Reason == "" && resp.StatusCode >= 400 {
		attempt.Reason = payload.Error
	}

	return attempt, parseRetryAfter(resp.Header.Get("Retry-After"), c.now()), payload.Accepted
}

// Usage fetches the deployment's current window from the gate
func (c *Client) Usage(ctx context.Context, deploymentID string) (quota.Usage, error) {
	endpoint := c.baseURL + "/v1/deployments/" + url.PathEscape(deploymentID) + "/quota"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return quota.Usage{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return quota.Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return quota.Usage{}, fmt.Errorf("gate responded with status %d", resp.StatusCode)
	}

	var payload struct {
		Usage quota.Usage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return quota.Usage{}, fmt.Errorf("failed to decode usage: %w", err)
	}
	return payload.Usage, nil
}

func (c *Client) pace(ctx context.Context, n int) error {
	if c.limiter == nil {
		return nil
	}

	// WaitN refuses requests above the burst, so large batches wait in burst-sized chunks
	burst := c.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := c.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func retryable(a Attempt) bool {
	if a.Err != nil {
		return true
	}

	switch a.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func describe(a Attempt) string {
	if a.Err != nil {
		return a.Err.Error()
	}
	if a.Reason != "" {
		return fmt.Sprintf("status %d (%s)", a.StatusCode, a.Reason)
	}
	return fmt.Sprintf("status %d", a.StatusCode)
}

// parseRetryAfter accepts delay-seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
