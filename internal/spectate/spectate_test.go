package spectate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay serves a scripted broadcast: a sync handshake, a full fragment,
// and numbered deltas.
type fakeRelay struct {
	mu        sync.Mutex
	sync404s  int
	fragments map[string][]byte
	misses    map[string]int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{fragments: make(map[string][]byte), misses: make(map[string]int)}
}

func (r *fakeRelay) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if req.URL.Path == "/42/sync" {
			if r.sync404s > 0 {
				r.sync404s--
				http.NotFound(w, req)
				return
			}
			fmt.Fprint(w, `{"fragment": 5, "signup_fragment": 0, "tick": 1000, "protocol": 5}`)
			return
		}
		if data, ok := r.fragments[req.URL.Path]; ok {
			_, _ = w.Write(data)
			return
		}
		r.misses[req.URL.Path]++
		http.NotFound(w, req)
	}
}

func newTestSpectator(url string) *Spectator {
	return New(Config{
		BaseURL:       url,
		StartupGrace:  2 * time.Second,
		SyncGrace:     200 * time.Millisecond,
		FragmentRetry: 10 * time.Millisecond,
	})
}

func TestWatch_FollowsBroadcastToStopFrame(t *testing.T) {
	relay := newFakeRelay()
	relay.fragments["/42/5/full"] = AppendFrame(nil, Frame{Type: FrameSnapshot, Tick: 1000, Payload: []byte("state")})
	relay.fragments["/42/6/delta"] = AppendFrame(nil, Frame{Type: FrameDelta, Tick: 1030})
	relay.fragments["/42/7/delta"] = AppendFrame(
		AppendFrame(nil, Frame{Type: FrameDelta, Tick: 1060}),
		Frame{Type: FrameStop, Tick: 1090},
	)

	srv := httptest.NewServer(relay.handler(t))
	defer srv.Close()

	var seen []Frame
	summary, err := newTestSpectator(srv.URL).Watch(context.Background(), 42,
		func(_ uint64, f Frame) error {
			seen = append(seen, f)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, uint64(42), summary.MatchID)
	assert.Equal(t, 4, summary.Frames)
	assert.Equal(t, uint32(1090), summary.LastTick)
	assert.Equal(t, FrameStop, summary.EndedWith)
	require.Len(t, seen, 4)
	assert.Equal(t, FrameSnapshot, seen[0].Type)
	assert.Equal(t, FrameStop, seen[3].Type)
}

func TestWatch_ToleratesSync404DuringStartup(t *testing.T) {
	relay := newFakeRelay()
	relay.sync404s = 3
	relay.fragments["/42/5/full"] = AppendFrame(nil, Frame{Type: FrameStop, Tick: 1})

	srv := httptest.NewServer(relay.handler(t))
	defer srv.Close()

	summary, err := newTestSpectator(srv.URL).Watch(context.Background(), 42,
		func(uint64, Frame) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, FrameStop, summary.EndedWith)
}

func TestWatch_FrameSplitAcrossFragments(t *testing.T) {
	big := AppendFrame(nil, Frame{Type: FrameDelta, Tick: 50, Payload: []byte("0123456789abcdef")})
	cut := len(big) / 2
	stop := AppendFrame(nil, Frame{Type: FrameStop, Tick: 60})

	relay := newFakeRelay()
	relay.fragments["/42/5/full"] = big[:cut]
	relay.fragments["/42/6/delta"] = append(append([]byte{}, big[cut:]...), stop...)

	srv := httptest.NewServer(relay.handler(t))
	defer srv.Close()

	var seen []Frame
	_, err := newTestSpectator(srv.URL).Watch(context.Background(), 42,
		func(_ uint64, f Frame) error {
			seen = append(seen, f)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, []byte("0123456789abcdef"), seen[0].Payload)
}

func TestWatch_TruncatedBroadcastReturnsError(t *testing.T) {
	relay := newFakeRelay()
	relay.fragments["/42/5/full"] = AppendFrame(nil, Frame{Type: FrameSnapshot, Tick: 10})
	// No deltas ever published and no stop frame.

	srv := httptest.NewServer(relay.handler(t))
	defer srv.Close()

	summary, err := newTestSpectator(srv.URL).Watch(context.Background(), 42,
		func(uint64, Frame) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
	assert.Equal(t, 1, summary.Frames)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Greater(t, relay.misses["/42/6/delta"], 1, "missing delta is retried through the grace")
}

// flakyTransport drops connections for matching paths a scripted number of
// times before delegating to the real server.
type flakyTransport struct {
	mu       sync.Mutex
	path     string
	failures int
	base     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	drop := strings.Contains(req.URL.Path, f.path) && f.failures > 0
	if drop {
		f.failures--
	}
	f.mu.Unlock()
	if drop {
		return nil, errors.New("read tcp 127.0.0.1:0: connection reset by peer")
	}
	return f.base.RoundTrip(req)
}

func TestWatch_ReconnectsAfterDroppedConnection(t *testing.T) {
	relay := newFakeRelay()
	relay.fragments["/42/5/full"] = AppendFrame(nil, Frame{Type: FrameSnapshot, Tick: 10})
	relay.fragments["/42/6/delta"] = AppendFrame(nil, Frame{Type: FrameStop, Tick: 20})

	srv := httptest.NewServer(relay.handler(t))
	defer srv.Close()

	spec := New(Config{
		BaseURL:       srv.URL,
		StartupGrace:  2 * time.Second,
		SyncGrace:     time.Second,
		FragmentRetry: 10 * time.Millisecond,
		HTTPClient: &http.Client{Transport: &flakyTransport{
			path:     "/42/6/delta",
			failures: 2,
			base:     http.DefaultTransport,
		}},
	})

	summary, err := spec.Watch(context.Background(), 42,
		func(uint64, Frame) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, FrameStop, summary.EndedWith)
	assert.Equal(t, 2, summary.Frames, "the follower resumes at the same fragment, losing nothing")
}

func TestWatch_PersistentTransportFailurePastGraceAborts(t *testing.T) {
	relay := newFakeRelay()
	relay.fragments["/42/5/full"] = AppendFrame(nil, Frame{Type: FrameSnapshot, Tick: 10})

	srv := httptest.NewServer(relay.handler(t))
	defer srv.Close()

	spec := New(Config{
		BaseURL:       srv.URL,
		StartupGrace:  2 * time.Second,
		SyncGrace:     50 * time.Millisecond,
		FragmentRetry: 10 * time.Millisecond,
		HTTPClient: &http.Client{Transport: &flakyTransport{
			path:     "/42/6/delta",
			failures: 1 << 30,
			base:     http.DefaultTransport,
		}},
	})

	_, err := spec.Watch(context.Background(), 42,
		func(uint64, Frame) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

func TestWatch_MissingBroadcastFailsAfterStartupGrace(t *testing.T) {
	relay := newFakeRelay()
	relay.sync404s = 1 << 30

	srv := httptest.NewServer(relay.handler(t))
	defer srv.Close()

	spec := New(Config{
		BaseURL:       srv.URL,
		StartupGrace:  50 * time.Millisecond,
		FragmentRetry: 10 * time.Millisecond,
	})
	_, err := spec.Watch(context.Background(), 42, func(uint64, Frame) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 404")
}
