package onebot

import (
	"context"
	"strconv"
)

// Rank is a member's 1-based position within a guild, ordered by
// experience descending. Members with equal experience share a rank,
// and the next distinct experience value skips ahead (1, 1, 3).
type Rank int

// RankUnknown is returned when a member has no record to rank, for
// example after leaving the guild mid-query.
const RankUnknown Rank = 0

func (r Rank) Known() bool {
	return r > RankUnknown
}

func (r Rank) String() string {
	if !r.Known() {
		return "?"
	}
	return strconv.Itoa(int(r))
}

// RankedMember is one row of a guild scoreboard
type RankedMember struct {
	MemberID   string `json:"member_id"`
	GuildID    string `json:"guild_id"`
	Experience int64  `json:"experience"`
	Rank       Rank   `json:"rank"`
}

// Level returns the member's level, computed from earned XP
func (r RankedMember) Level() int {
	return Level(EarnedXP(r.Experience))
}

// RankQuery answers rank and scoreboard queries. Each call re-scans
// the guild's records.
type RankQuery interface {
	MemberRank(ctx context.Context, memberID, guildID string) (Rank, error)
	Scoreboard(ctx context.Context, guildID string, limit int) ([]RankedMember, error)
}
