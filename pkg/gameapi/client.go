// Package gameapi provides a client for the game platform API: live match
// listing, per-player match history, player profiles, hero builds, and match
// salt resolution.
package gameapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/riftstats/pipeline/internal/model"
)

// Resource keys used by the bounded client. Each endpoint family has its own
// cooldown and concurrency budget.
const (
	ResourceActive   = "active"
	ResourceHistory  = "history"
	ResourceProfiles = "profiles"
	ResourceBuilds   = "builds"
	ResourceSalts    = "salts"
	ResourceHeroes   = "heroes"
)

// Client defines the platform API operations consumed by the collectors.
type Client interface {
	// ActiveMatches lists the currently live matches.
	ActiveMatches(ctx context.Context) ([]model.ActiveMatch, error)
	// MatchHistory returns a player's match history newer than afterMatchID,
	// oldest first.
	MatchHistory(ctx context.Context, accountID uint32, afterMatchID uint64) ([]model.HistoryEntry, error)
	// Profiles resolves up to 100 account ids to profile records. Accounts
	// the platform no longer serves are absent from the result.
	Profiles(ctx context.Context, accountIDs []uint32) ([]model.ProfileRecord, error)
	// HeroBuilds searches community builds for a hero.
	HeroBuilds(ctx context.Context, heroID uint32, langs []int32, search string) ([]model.BuildRecord, error)
	// MatchSalts resolves the replay/metadata salts for a finished match.
	MatchSalts(ctx context.Context, matchID uint64) (*model.SaltRecord, error)
	// HeroIDs lists the playable hero ids.
	HeroIDs(ctx context.Context) ([]uint32, error)
}

// Fetcher is the outbound call surface, satisfied by the bounded client.
type Fetcher interface {
	Fetch(ctx context.Context, resource string, req *http.Request) (*http.Response, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithFetcher routes calls through the given bounded fetcher.
func WithFetcher(f Fetcher) Option {
	return func(c *httpClient) { c.fetch = f }
}

type httpClient struct {
	token   string
	baseURL string
	fetch   Fetcher
}

// plainFetcher issues requests with a bare http.Client; used when no bounded
// fetcher is injected (tests, one-off tools).
type plainFetcher struct{ http *http.Client }

func (p plainFetcher) Fetch(_ context.Context, _ string, req *http.Request) (*http.Response, error) {
	return p.http.Do(req)
}

// NewClient creates a platform API client.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: "https://api.riftstats.gg/v1",
		fetch: plainFetcher{http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) get(ctx context.Context, resource, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrapf(err, "gameapi: build request %s", path)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.fetch.Fetch(ctx, resource, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return eris.Wrapf(err, "gameapi: read response %s", path)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "gameapi: decode response %s", path)
	}
	return nil
}

type activeMatchDTO struct {
	MatchID             uint64 `json:"match_id"`
	StartTime           int64  `json:"start_time"`
	MatchMode           int8   `json:"match_mode"`
	NetWorthTeam0       uint32 `json:"net_worth_team_0"`
	NetWorthTeam1       uint32 `json:"net_worth_team_1"`
	ObjectivesMaskTeam0 uint16 `json:"objectives_mask_team0"`
	ObjectivesMaskTeam1 uint16 `json:"objectives_mask_team1"`
	Spectators          uint16 `json:"spectators"`
	Players             []struct {
		AccountID uint32 `json:"account_id"`
		Team      uint8  `json:"team"`
		HeroID    uint32 `json:"hero_id"`
		Abandoned bool   `json:"abandoned"`
	} `json:"players"`
}

func (c *httpClient) ActiveMatches(ctx context.Context) ([]model.ActiveMatch, error) {
	var dtos []activeMatchDTO
	if err := c.get(ctx, ResourceActive, "/matches/active", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]model.ActiveMatch, 0, len(dtos))
	for _, d := range dtos {
		am := model.ActiveMatch{
			MatchID:        d.MatchID,
			StartTime:      time.Unix(d.StartTime, 0).UTC(),
			MatchMode:      model.MatchMode(d.MatchMode),
			NetWorthTeam0:  d.NetWorthTeam0,
			NetWorthTeam1:  d.NetWorthTeam1,
			ObjectivesMask: [2]uint16{d.ObjectivesMaskTeam0, d.ObjectivesMaskTeam1},
			Spectators:     d.Spectators,
		}
		for _, p := range d.Players {
			am.Players = append(am.Players, model.ActiveMatchPlayer{
				AccountID: p.AccountID,
				Team:      model.Team(p.Team),
				HeroID:    p.HeroID,
				Abandoned: p.Abandoned,
			})
		}
		out = append(out, am)
	}
	return out, nil
}

type historyDTO struct {
	MatchID     uint64 `json:"match_id"`
	HeroID      uint32 `json:"hero_id"`
	StartTime   int64  `json:"start_time"`
	MatchMode   int8   `json:"match_mode"`
	Team        uint8  `json:"player_team"`
	Kills       uint32 `json:"player_kills"`
	Deaths      uint32 `json:"player_deaths"`
	Assists     uint32 `json:"player_assists"`
	NetWorth    uint32 `json:"net_worth"`
	DurationS   uint32 `json:"match_duration_s"`
	MatchResult uint8  `json:"match_result"`
}

func (c *httpClient) MatchHistory(ctx context.Context, accountID uint32, afterMatchID uint64) ([]model.HistoryEntry, error) {
	q := url.Values{}
	if afterMatchID > 0 {
		q.Set("after_match_id", strconv.FormatUint(afterMatchID, 10))
	}
	var dtos []historyDTO
	path := fmt.Sprintf("/players/%d/match-history", accountID)
	if err := c.get(ctx, ResourceHistory, path, q, &dtos); err != nil {
		return nil, err
	}
	out := make([]model.HistoryEntry, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, model.HistoryEntry{
			AccountID:   accountID,
			MatchID:     d.MatchID,
			HeroID:      d.HeroID,
			StartTime:   time.Unix(d.StartTime, 0).UTC(),
			MatchMode:   model.MatchMode(d.MatchMode),
			Team:        model.Team(d.Team),
			Kills:       d.Kills,
			Deaths:      d.Deaths,
			Assists:     d.Assists,
			NetWorth:    d.NetWorth,
			DurationS:   d.DurationS,
			MatchResult: model.Team(d.MatchResult),
		})
	}
	return out, nil
}

type profileDTO struct {
	AccountID   uint32 `json:"account_id"`
	Personaname string `json:"personaname"`
	AvatarURL   string `json:"avatar_url"`
	Visibility  uint8  `json:"visibility"`
	LastUpdated int64  `json:"last_updated"`
}

func (c *httpClient) Profiles(ctx context.Context, accountIDs []uint32) ([]model.ProfileRecord, error) {
	ids := make([]string, len(accountIDs))
	for i, id := range accountIDs {
		ids[i] = strconv.FormatUint(uint64(id), 10)
	}
	q := url.Values{"ids": []string{strings.Join(ids, ",")}}
	var dtos []profileDTO
	if err := c.get(ctx, ResourceProfiles, "/players/profiles", q, &dtos); err != nil {
		return nil, err
	}
	out := make([]model.ProfileRecord, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, model.ProfileRecord{
			AccountID:   d.AccountID,
			Personaname: d.Personaname,
			AvatarURL:   d.AvatarURL,
			Visibility:  model.ProfileVisibility(d.Visibility),
			LastUpdated: time.Unix(d.LastUpdated, 0).UTC(),
		})
	}
	return out, nil
}

type buildDTO struct {
	HeroID      uint32          `json:"hero_id"`
	BuildID     uint32          `json:"build_id"`
	Version     uint32          `json:"version"`
	AuthorID    uint32          `json:"author_id"`
	Language    int32           `json:"language"`
	Favorites   uint32          `json:"favorites"`
	Reports     uint32          `json:"reports"`
	UpdatedAt   int64           `json:"updated_at"`
	PublishedAt int64           `json:"published_at"`
	Data        json.RawMessage `json:"data"`
}

func (c *httpClient) HeroBuilds(ctx context.Context, heroID uint32, langs []int32, search string) ([]model.BuildRecord, error) {
	q := url.Values{}
	langStrs := make([]string, len(langs))
	for i, l := range langs {
		langStrs[i] = strconv.FormatInt(int64(l), 10)
	}
	q.Set("languages", strings.Join(langStrs, ","))
	if search != "" {
		q.Set("search", search)
	}
	var dtos []buildDTO
	path := fmt.Sprintf("/heroes/%d/builds", heroID)
	if err := c.get(ctx, ResourceBuilds, path, q, &dtos); err != nil {
		return nil, err
	}
	out := make([]model.BuildRecord, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, model.BuildRecord{
			HeroID:      d.HeroID,
			BuildID:     d.BuildID,
			Version:     d.Version,
			AuthorID:    d.AuthorID,
			Language:    d.Language,
			Favorites:   d.Favorites,
			Reports:     d.Reports,
			UpdatedAt:   time.Unix(d.UpdatedAt, 0).UTC(),
			PublishedAt: time.Unix(d.PublishedAt, 0).UTC(),
			Data:        d.Data,
		})
	}
	return out, nil
}

type saltsDTO struct {
	MatchID      uint64 `json:"match_id"`
	ClusterID    uint32 `json:"cluster_id"`
	MetadataSalt uint32 `json:"metadata_salt"`
	ReplaySalt   uint32 `json:"replay_salt"`
	Username     string `json:"username"`
	Result       string `json:"result"`
}

// ErrSaltsUnavailable is returned when the upstream acknowledged the request
// but declined to serve salts (rate-limited bot pool). The caller should
// count it as a failed attempt and re-queue the match.
var ErrSaltsUnavailable = eris.New("gameapi: salts unavailable")

func (c *httpClient) MatchSalts(ctx context.Context, matchID uint64) (*model.SaltRecord, error) {
	var dto saltsDTO
	path := fmt.Sprintf("/matches/%d/salts", matchID)
	if err := c.get(ctx, ResourceSalts, path, nil, &dto); err != nil {
		return nil, err
	}
	if dto.Result == "rate_limited" {
		return nil, ErrSaltsUnavailable
	}
	return &model.SaltRecord{
		MatchID:      matchID,
		ClusterID:    dto.ClusterID,
		MetadataSalt: dto.MetadataSalt,
		ReplaySalt:   dto.ReplaySalt,
		Username:     dto.Username,
	}, nil
}

func (c *httpClient) HeroIDs(ctx context.Context) ([]uint32, error) {
	var dtos []struct {
		ID       uint32 `json:"id"`
		Playable bool   `json:"playable"`
	}
	if err := c.get(ctx, ResourceHeroes, "/heroes", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(dtos))
	for _, d := range dtos {
		if d.Playable {
			out = append(out, d.ID)
		}
	}
	return out, nil
}
