package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftstats/pipeline/internal/resilience"
)

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func fetchOnce(t *testing.T, c *Client, resource, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return c.Fetch(context.Background(), resource, req)
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{Retry: fastRetry(3)})
	resp, err := fetchOnce(t, c, "active", srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFetch_FailFastRejectsInsideCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{
		Retry: fastRetry(1),
		Resources: map[string]ResourceConfig{
			"salts": {Cooldown: time.Minute, FailFast: true},
		},
	})

	resp, err := fetchOnce(t, c, "salts", srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	_, err = fetchOnce(t, c, "salts", srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCooldown)
}

func TestFetch_CooldownSpacesSequentialCalls(t *testing.T) {
	var hits []time.Time
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()
	}))
	defer srv.Close()

	cooldown := 60 * time.Millisecond
	c := New(Options{
		Retry: fastRetry(1),
		Resources: map[string]ResourceConfig{
			"history": {Cooldown: cooldown},
		},
	})

	for i := 0; i < 2; i++ {
		resp, err := fetchOnce(t, c, "history", srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hits, 2)
	assert.GreaterOrEqual(t, hits[1].Sub(hits[0]), cooldown-10*time.Millisecond)
}

func TestFetch_RetriesTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{Retry: fastRetry(3)})
	resp, err := fetchOnce(t, c, "active", srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_ExhaustedAfterRetryBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Options{Retry: fastRetry(2)})
	_, err := fetchOnce(t, c, "active", srv.URL)
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "active", exhausted.Resource)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_RejectionNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Options{Retry: fastRetry(3)})
	_, err := fetchOnce(t, c, "profiles", srv.URL)
	require.Error(t, err)

	var rejected *resilience.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusForbidden, rejected.StatusCode)
	assert.Equal(t, int32(1), hits.Load(), "4xx rejections must not be retried")
}

func TestFetch_RateLimitSurfacesAndPenalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Options{
		Retry: fastRetry(1),
		Resources: map[string]ResourceConfig{
			"salts": {Cooldown: time.Minute, FailFast: true},
		},
	})

	_, err := fetchOnce(t, c, "salts", srv.URL)
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))

	// The 429 pushed the cooldown deadline out, so the next call fails fast.
	_, err = fetchOnce(t, c, "salts", srv.URL)
	assert.ErrorIs(t, err, ErrCooldown)
}

func TestFetch_InFlightCap(t *testing.T) {
	var current, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
	}))
	defer srv.Close()

	c := New(Options{
		Retry: fastRetry(1),
		Resources: map[string]ResourceConfig{
			"builds": {MaxInFlight: 2},
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := fetchOnce(t, c, "builds", srv.URL)
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}
