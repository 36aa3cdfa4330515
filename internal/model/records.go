package model

import (
	"fmt"
	"time"
)

// SaltRecord resolves a match id to the storage coordinates of its replay
// and metadata blobs. A successful resolution is immutable; Failed marks a
// terminal give-up after the configured retry budget.
type SaltRecord struct {
	MatchID      uint64 `json:"match_id"`
	ClusterID    uint32 `json:"cluster_id"`
	MetadataSalt uint32 `json:"metadata_salt"`
	ReplaySalt   uint32 `json:"replay_salt"`
	Username     string `json:"username,omitempty"`
	Failed       bool   `json:"failed"`
}

// ProfileVisibility mirrors the upstream profile privacy state.
type ProfileVisibility uint8

const (
	VisibilityPrivate     ProfileVisibility = 1
	VisibilityFriendsOnly ProfileVisibility = 2
	VisibilityPublic      ProfileVisibility = 3
)

// ProfileRecord is a player's platform profile. Last write wins per account.
type ProfileRecord struct {
	AccountID   uint32            `json:"account_id"`
	Personaname string            `json:"personaname"`
	AvatarURL   string            `json:"avatar_url"`
	Visibility  ProfileVisibility `json:"visibility"`
	LastUpdated time.Time         `json:"last_updated"`
	// Retracted marks a profile the upstream no longer serves; ingestion
	// removes the stored row instead of writing one.
	Retracted bool `json:"retracted,omitempty"`
}

// BuildRecord is a community hero build, upserted by (hero, build_id, version).
type BuildRecord struct {
	HeroID      uint32    `json:"hero_id"`
	BuildID     uint32    `json:"build_id"`
	Version     uint32    `json:"version"`
	AuthorID    uint32    `json:"author_id"`
	Language    int32     `json:"language"`
	Favorites   uint32    `json:"favorites"`
	Reports     uint32    `json:"reports"`
	UpdatedAt   time.Time `json:"updated_at"`
	PublishedAt time.Time `json:"published_at"`
	Data        []byte    `json:"data"`
}

// RecordKind tags a NormalizedRecord payload.
type RecordKind uint8

const (
	KindMatch RecordKind = iota + 1
	KindActiveMatch
	KindSalt
	KindProfile
	KindHistory
	KindBuild
)

func (k RecordKind) String() string {
	switch k {
	case KindMatch:
		return "match"
	case KindActiveMatch:
		return "active_match"
	case KindSalt:
		return "salt"
	case KindProfile:
		return "profile"
	case KindHistory:
		return "history"
	case KindBuild:
		return "build"
	default:
		return "unknown"
	}
}

// NormalizedRecord is the single shape collectors hand to the ingestion
// worker. Exactly one payload field is set, selected by Kind.
type NormalizedRecord struct {
	Kind    RecordKind     `json:"kind"`
	Match   *MatchRecord   `json:"match,omitempty"`
	Active  *ActiveMatch   `json:"active,omitempty"`
	Salt    *SaltRecord    `json:"salt,omitempty"`
	Profile *ProfileRecord `json:"profile,omitempty"`
	History *HistoryEntry  `json:"history,omitempty"`
	Build   *BuildRecord   `json:"build,omitempty"`
}

// Key returns the natural merge key of the record, used for logging and
// quarantine rows. Records with a missing payload, which is itself a
// quarantine reason, key to the kind alone.
func (r *NormalizedRecord) Key() string {
	switch r.Kind {
	case KindMatch:
		if r.Match == nil {
			break
		}
		return fmt.Sprintf("match:%d", r.Match.MatchID)
	case KindActiveMatch:
		if r.Active == nil {
			break
		}
		return fmt.Sprintf("active:%d", r.Active.MatchID)
	case KindSalt:
		if r.Salt == nil {
			break
		}
		return fmt.Sprintf("salt:%d", r.Salt.MatchID)
	case KindProfile:
		if r.Profile == nil {
			break
		}
		return fmt.Sprintf("profile:%d", r.Profile.AccountID)
	case KindHistory:
		if r.History == nil {
			break
		}
		return fmt.Sprintf("history:%d:%d", r.History.AccountID, r.History.MatchID)
	case KindBuild:
		if r.Build == nil {
			break
		}
		return fmt.Sprintf("build:%d:%d:%d", r.Build.HeroID, r.Build.BuildID, r.Build.Version)
	default:
		return "unknown"
	}
	return r.Kind.String()
}

// RatingState is one append-only Glicko-2 snapshot. Rows are keyed by
// (account id, match id); the current rating is the row with the highest
// match id per account.
type RatingState struct {
	AccountID uint32    `json:"account_id"`
	MatchID   uint64    `json:"match_id"`
	Mu        float64   `json:"mu"`
	Phi       float64   `json:"phi"`
	Sigma     float64   `json:"sigma"`
	RatedAt   time.Time `json:"rated_at"`
}

// RatingMatch is the minimal match shape the rating engine folds: the two
// rosters and the outcome, in chronological order.
type RatingMatch struct {
	MatchID     uint64
	StartTime   time.Time
	Team0       []uint32
	Team1       []uint32
	WinningTeam Team
	AvgBadge0   uint32
	AvgBadge1   uint32
}

// Participants returns both rosters concatenated.
func (m *RatingMatch) Participants() []uint32 {
	out := make([]uint32, 0, len(m.Team0)+len(m.Team1))
	out = append(out, m.Team0...)
	out = append(out, m.Team1...)
	return out
}
