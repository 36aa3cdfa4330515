package spectate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/resilience"
)

// Handler receives each decoded frame in broadcast order.
type Handler func(matchID uint64, f Frame) error

// Config tunes the broadcast follower.
type Config struct {
	BaseURL string
	// StartupGrace is how long the sync endpoint may 404 before the
	// broadcast is considered missing; relays register slightly after a
	// match goes live.
	StartupGrace time.Duration
	// SyncGrace is how long a delta fragment may trail the relay before
	// the follower re-syncs.
	SyncGrace time.Duration
	// FragmentRetry is the delay before refetching a not-yet-published
	// fragment.
	FragmentRetry time.Duration

	HTTPClient *http.Client
}

// Summary reports a finished broadcast.
type Summary struct {
	MatchID   uint64
	Frames    int
	LastTick  uint32
	EndedWith uint8
}

// Spectator follows one broadcast at a time: sync, full snapshot, then
// deltas until the stop frame.
type Spectator struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

// New creates a Spectator.
func New(cfg Config) *Spectator {
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 30 * time.Second
	}
	if cfg.SyncGrace <= 0 {
		cfg.SyncGrace = 5 * time.Second
	}
	if cfg.FragmentRetry <= 0 {
		cfg.FragmentRetry = time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Spectator{
		cfg:  Config{BaseURL: strings.TrimRight(cfg.BaseURL, "/"), StartupGrace: cfg.StartupGrace, SyncGrace: cfg.SyncGrace, FragmentRetry: cfg.FragmentRetry},
		http: httpClient,
		now:  time.Now,
	}
}

// syncInfo is the relay's sync handshake response.
type syncInfo struct {
	Fragment       int    `json:"fragment"`
	SignupFragment int    `json:"signup_fragment"`
	Tick           uint32 `json:"tick"`
	Protocol       int    `json:"protocol"`
}

// Watch follows matchID's broadcast until the stop frame, the context ends,
// or the relay falls silent past the sync grace.
func (s *Spectator) Watch(ctx context.Context, matchID uint64, handle Handler) (*Summary, error) {
	log := zap.L().With(zap.Uint64("match_id", matchID))

	info, err := s.sync(ctx, matchID)
	if err != nil {
		return nil, err
	}
	log.Info("broadcast sync",
		zap.Int("fragment", info.Fragment),
		zap.Int("signup_fragment", info.SignupFragment),
		zap.Uint32("tick", info.Tick),
	)

	summary := &Summary{MatchID: matchID}
	parser := &Parser{}

	deliver := func(data []byte) (bool, error) {
		frames, err := parser.Feed(data)
		if err != nil {
			return false, err
		}
		for _, f := range frames {
			if err := handle(matchID, f); err != nil {
				return false, eris.Wrap(err, "spectate: handler")
			}
			summary.Frames++
			summary.LastTick = f.Tick
			if f.Type == FrameStop {
				summary.EndedWith = FrameStop
				return true, nil
			}
		}
		return false, nil
	}

	full, err := s.fragment(ctx, matchID, info.Fragment, "full", s.cfg.StartupGrace)
	if err != nil {
		return nil, err
	}
	if done, err := deliver(full); err != nil || done {
		return summary, err
	}

	fragment := info.Fragment + 1
	for {
		data, err := s.fragment(ctx, matchID, fragment, "delta", s.cfg.SyncGrace)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			// Relay went quiet past the grace with no stop frame; the
			// broadcast is treated as truncated.
			log.Warn("broadcast truncated",
				zap.Int("fragment", fragment),
				zap.Int("frames", summary.Frames),
				zap.Error(err),
			)
			return summary, eris.Wrapf(err, "spectate: broadcast %d truncated", matchID)
		}
		done, err := deliver(data)
		if err != nil {
			return summary, err
		}
		if done {
			log.Info("broadcast ended",
				zap.Int("fragments", fragment-info.Fragment+1),
				zap.Int("frames", summary.Frames),
				zap.Uint32("last_tick", summary.LastTick),
			)
			return summary, nil
		}
		fragment++
	}
}

// sync performs the handshake, tolerating 404s during the startup grace.
func (s *Spectator) sync(ctx context.Context, matchID uint64) (*syncInfo, error) {
	deadline := s.now().Add(s.cfg.StartupGrace)
	url := fmt.Sprintf("%s/%d/sync", s.cfg.BaseURL, matchID)
	for {
		body, status, err := s.get(ctx, url)
		if err != nil {
			if retryErr := s.retryTransient(ctx, err, deadline); retryErr != nil {
				return nil, retryErr
			}
			continue
		}
		switch {
		case status == http.StatusOK:
			var info syncInfo
			if err := json.Unmarshal(body, &info); err != nil {
				return nil, eris.Wrap(err, "spectate: decode sync")
			}
			return &info, nil
		case status == http.StatusNotFound && s.now().Before(deadline):
			if err := sleep(ctx, s.cfg.FragmentRetry); err != nil {
				return nil, err
			}
		default:
			return nil, eris.Errorf("spectate: sync %d returned %d", matchID, status)
		}
	}
}

// fragment fetches one numbered fragment, retrying 404s until the grace
// deadline. Relays publish fragments slightly behind real time.
func (s *Spectator) fragment(ctx context.Context, matchID uint64, n int, kind string, grace time.Duration) ([]byte, error) {
	deadline := s.now().Add(grace)
	url := fmt.Sprintf("%s/%d/%d/%s", s.cfg.BaseURL, matchID, n, kind)
	for {
		body, status, err := s.get(ctx, url)
		if err != nil {
			if retryErr := s.retryTransient(ctx, err, deadline); retryErr != nil {
				return nil, retryErr
			}
			continue
		}
		switch {
		case status == http.StatusOK:
			return body, nil
		case status == http.StatusNotFound && s.now().Before(deadline):
			if err := sleep(ctx, s.cfg.FragmentRetry); err != nil {
				return nil, err
			}
		default:
			return nil, eris.Errorf("spectate: fragment %d/%d %s returned %d", matchID, n, kind, status)
		}
	}
}

// retryTransient decides whether a failed relay fetch is worth another
// attempt inside the grace window. A dropped connection mid-broadcast is
// routine; the follower reconnects and resumes at the same fragment. A nil
// return means retry after the usual delay.
func (s *Spectator) retryTransient(ctx context.Context, err error, deadline time.Time) error {
	if ctx.Err() != nil {
		return err
	}
	if !resilience.IsTransient(err) || !s.now().Before(deadline) {
		return err
	}
	zap.L().Warn("relay fetch failed; reconnecting", zap.Error(err))
	return sleep(ctx, s.cfg.FragmentRetry)
}

func (s *Spectator) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "spectate: build request")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, 0, eris.Wrap(err, "spectate: fetch")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, 0, eris.Wrap(err, "spectate: read body")
	}
	return body, resp.StatusCode, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
