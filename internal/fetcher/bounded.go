// Package fetcher implements the bounded external client: every outbound
// HTTP call the collectors make goes through it. It enforces a per-resource
// cooldown between calls, caps concurrent in-flight calls per resource, and
// retries transient failures with exponential backoff.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/resilience"
)

// ErrCooldown is returned in fail-fast mode when a call arrives before the
// resource's cooldown has elapsed.
var ErrCooldown = eris.New("fetcher: resource is cooling down")

// ExhaustedError reports that every retry attempt for a resource failed.
type ExhaustedError struct {
	Resource string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetcher: %s exhausted after %d attempts: %v", e.Resource, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ResourceConfig tunes the client for one resource key.
type ResourceConfig struct {
	// Cooldown is the minimum delay between successive calls. Zero disables it.
	Cooldown time.Duration
	// MaxInFlight caps concurrent calls. Zero means 1.
	MaxInFlight int
	// FailFast rejects calls made inside the cooldown window instead of
	// queueing them.
	FailFast bool
	// MaxAttempts overrides the retry budget for this resource.
	MaxAttempts int
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Retry      resilience.RetryConfig
	Resources  map[string]ResourceConfig
	Default    ResourceConfig
	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Client is the bounded external client. It is safe for concurrent use; all
// callers for the same resource key observe one consistent cooldown deadline.
type Client struct {
	http  *http.Client
	retry resilience.RetryConfig
	cfgs  map[string]ResourceConfig
	def   ResourceConfig
	now   func() time.Time

	mu        sync.Mutex
	resources map[string]*resourceState
}

type resourceState struct {
	mu sync.Mutex
	// nextEligible is the deadline of the next free call slot. Each caller
	// claims its slot by advancing the deadline under the lock, so no two
	// callers can believe they are both clear inside one cooldown window.
	nextEligible time.Time
	slots        chan struct{}
}

// New creates a bounded client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfgs := make(map[string]ResourceConfig, len(opts.Resources))
	for k, v := range opts.Resources {
		cfgs[k] = v
	}
	return &Client{
		http:      httpClient,
		retry:     opts.Retry,
		cfgs:      cfgs,
		def:       opts.Default,
		now:       now,
		resources: make(map[string]*resourceState),
	}
}

func (c *Client) configFor(resource string) ResourceConfig {
	if cfg, ok := c.cfgs[resource]; ok {
		return cfg
	}
	return c.def
}

func (c *Client) stateFor(resource string) *resourceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.resources[resource]
	if !ok {
		cfg := c.configFor(resource)
		inFlight := cfg.MaxInFlight
		if inFlight <= 0 {
			inFlight = 1
		}
		st = &resourceState{slots: make(chan struct{}, inFlight)}
		c.resources[resource] = st
	}
	return st
}

// claim reserves the next call slot for the resource and returns how long
// the caller must wait before using it. In fail-fast mode a non-zero wait is
// an error instead.
func (c *Client) claim(st *resourceState, cfg ResourceConfig) (time.Duration, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := c.now()
	wait := st.nextEligible.Sub(now)
	if wait < 0 {
		wait = 0
	}
	if wait > 0 && cfg.FailFast {
		return 0, ErrCooldown
	}

	slot := now.Add(wait)
	st.nextEligible = slot.Add(cfg.Cooldown)
	return wait, nil
}

// penalize pushes the cooldown deadline out after an upstream rate-limit
// response. d defaults to twice the configured cooldown.
func (c *Client) penalize(st *resourceState, cfg ResourceConfig, d time.Duration) {
	if d <= 0 {
		d = 2 * cfg.Cooldown
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	until := c.now().Add(d)
	if until.After(st.nextEligible) {
		st.nextEligible = until
	}
}

// Fetch executes req against the named resource, honoring cooldown,
// concurrency cap, and retry policy. The caller owns the response body on
// success. Non-retryable upstream rejections surface as
// *resilience.RejectedError; an exhausted retry budget surfaces as
// *ExhaustedError.
func (c *Client) Fetch(ctx context.Context, resource string, req *http.Request) (*http.Response, error) {
	cfg := c.configFor(resource)
	st := c.stateFor(resource)

	// In-flight cap. Claims are released even when the context dies mid-call.
	select {
	case st.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "fetcher: %s: acquire slot", resource)
	}
	defer func() { <-st.slots }()

	retryCfg := c.retry
	if cfg.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.MaxAttempts
	}
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger(resource, req.Method+" "+req.URL.Path)
	}

	attempts := 0
	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*http.Response, error) {
		attempts++
		wait, err := c.claim(st, cfg)
		if err != nil {
			return nil, err
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		return c.do(ctx, st, cfg, req)
	})
	if err != nil {
		if resilience.IsTransient(err) {
			return nil, &ExhaustedError{Resource: resource, Attempts: attempts, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, st *resourceState, cfg ResourceConfig, req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req.Clone(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}

	switch {
	case resp.StatusCode < 400:
		return resp, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		drainAndClose(resp)
		c.penalize(st, cfg, retryAfter)
		zap.L().Warn("upstream rate limit",
			zap.String("url", req.URL.String()),
			zap.Duration("retry_after", retryAfter),
		)
		return nil, &resilience.TransientError{
			Err:        eris.Errorf("fetcher: rate limited: %s", req.URL.Path),
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
		}
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		drainAndClose(resp)
		return nil, resilience.NewTransientError(
			eris.Errorf("fetcher: upstream %d: %s", resp.StatusCode, req.URL.Path),
			resp.StatusCode,
		)
	default:
		drainAndClose(resp)
		return nil, resilience.NewRejectedError(
			eris.Errorf("fetcher: upstream rejected %d: %s", resp.StatusCode, req.URL.Path),
			resp.StatusCode,
		)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
