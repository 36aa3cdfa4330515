// Package model defines the record shapes that flow through the pipeline:
// collector output, ingestion rows, and rating state.
package model

import (
	"time"
)

// Team identifies one side of a match.
type Team uint8

const (
	Team0 Team = 0
	Team1 Team = 1
	// TeamUnknown marks a missing or unparsable team value.
	TeamUnknown Team = 255
)

func (t Team) String() string {
	switch t {
	case Team0:
		return "Team0"
	case Team1:
		return "Team1"
	default:
		return "Unknown"
	}
}

// MatchMode categorizes the queue a match was played in.
type MatchMode int8

const (
	ModeInvalid  MatchMode = 0
	ModeUnranked MatchMode = 1
	ModeRanked   MatchMode = 2
	ModePrivate  MatchMode = 3
	ModeCoopBot  MatchMode = 4
)

func (m MatchMode) String() string {
	switch m {
	case ModeUnranked:
		return "Unranked"
	case ModeRanked:
		return "Ranked"
	case ModePrivate:
		return "PrivateLobby"
	case ModeCoopBot:
		return "CoopBot"
	default:
		return "Invalid"
	}
}

// Rated reports whether matches in this mode feed the rating engine.
func (m MatchMode) Rated() bool {
	return m == ModeRanked || m == ModeUnranked
}

// PlayerParticipation is one player's row within a finalized match.
type PlayerParticipation struct {
	AccountID uint32 `json:"account_id"`
	Team      Team   `json:"team"`
	HeroID    uint32 `json:"hero_id"`
	Kills     uint32 `json:"kills"`
	Deaths    uint32 `json:"deaths"`
	Assists   uint32 `json:"assists"`
	NetWorth  uint32 `json:"net_worth"`
	Abandoned bool   `json:"abandoned"`
}

// MatchRecord is the authoritative outcome of one completed match. At most
// one logical row exists per MatchID; superseding writes win by ingest
// version, and outcome corrections are expressed as retract/insert pairs in
// the player fact table.
type MatchRecord struct {
	MatchID        uint64                `json:"match_id"`
	StartTime      time.Time             `json:"start_time"`
	DurationS      uint32                `json:"duration_s"`
	WinningTeam    Team                  `json:"winning_team"`
	MatchMode      MatchMode             `json:"match_mode"`
	AvgBadgeTeam0  uint32                `json:"average_badge_team0"`
	AvgBadgeTeam1  uint32                `json:"average_badge_team1"`
	ObjectivesMask [2]uint16             `json:"objectives_mask"`
	Players        []PlayerParticipation `json:"players"`
}

// TeamPlayers returns the account ids on the given team.
func (m *MatchRecord) TeamPlayers(t Team) []uint32 {
	var out []uint32
	for _, p := range m.Players {
		if p.Team == t {
			out = append(out, p.AccountID)
		}
	}
	return out
}

// ActiveMatch is a live-match snapshot from the platform API. Snapshots for
// the same match repeat across polls; the dedup key suppresses unchanged ones.
type ActiveMatch struct {
	MatchID        uint64              `json:"match_id"`
	StartTime      time.Time           `json:"start_time"`
	MatchMode      MatchMode           `json:"match_mode"`
	NetWorthTeam0  uint32              `json:"net_worth_team_0"`
	NetWorthTeam1  uint32              `json:"net_worth_team_1"`
	ObjectivesMask [2]uint16           `json:"objectives_mask"`
	Spectators     uint16              `json:"spectators"`
	Players        []ActiveMatchPlayer `json:"players"`
}

// ActiveMatchPlayer is the per-player slice of a live-match snapshot.
type ActiveMatchPlayer struct {
	AccountID uint32 `json:"account_id"`
	Team      Team   `json:"team"`
	HeroID    uint32 `json:"hero_id"`
	Abandoned bool   `json:"abandoned"`
}

// DedupKey captures every mutable field of a snapshot, so an identical poll
// result maps to the same key and is suppressed.
func (a *ActiveMatch) DedupKey() ActiveMatchKey {
	return ActiveMatchKey{
		MatchID:        a.MatchID,
		NetWorthTeam0:  a.NetWorthTeam0,
		NetWorthTeam1:  a.NetWorthTeam1,
		ObjectivesMask: a.ObjectivesMask,
		Spectators:     a.Spectators,
	}
}

// ActiveMatchKey is the comparable dedup key of a live-match snapshot.
type ActiveMatchKey struct {
	MatchID        uint64
	NetWorthTeam0  uint32
	NetWorthTeam1  uint32
	ObjectivesMask [2]uint16
	Spectators     uint16
}

// HistoryEntry is one row of a player's paginated match history.
type HistoryEntry struct {
	AccountID   uint32    `json:"account_id"`
	MatchID     uint64    `json:"match_id"`
	HeroID      uint32    `json:"hero_id"`
	StartTime   time.Time `json:"start_time"`
	MatchMode   MatchMode `json:"match_mode"`
	Team        Team      `json:"player_team"`
	Kills       uint32    `json:"player_kills"`
	Deaths      uint32    `json:"player_deaths"`
	Assists     uint32    `json:"player_assists"`
	NetWorth    uint32    `json:"net_worth"`
	DurationS   uint32    `json:"match_duration_s"`
	MatchResult Team      `json:"match_result"`
}
