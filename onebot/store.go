package onebot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
)

const (
	whereMemberGuild = "member_id = ? AND guild_id = ?"

	// memberRankQuery ranks every member of a guild by experience,
	// with ties sharing a rank, then picks out one member
	memberRankQuery = `SELECT member_rank FROM (
	SELECT member_id, RANK() OVER (ORDER BY experience DESC) AS member_rank
	FROM member_levels
	WHERE guild_id = ?
) ranked WHERE member_id = ?`

	scoreboardSelect = "member_id, guild_id, experience, " +
		"RANK() OVER (ORDER BY experience DESC) AS member_rank"
)

// Store is the data access layer for member XP records. Every other
// component reads and mutates XP through it. All statements are
// parameterized.
type Store struct {
	db     DBI
	logger *slog.Logger
}

// NewStore returns a Store backed by db
func NewStore(db DBI, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(loggerNameKey, "store")}
}

// DBI returns the underlying database
func (s *Store) DBI() DBI {
	return s.db
}

func (s *Store) read(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := withTimeout(ctx)
	return s.db.DB().WithContext(ctx), cancel
}

// Experience returns the stored experience for a member, or ErrNotFound.
func (s *Store) Experience(ctx context.Context, memberID, guildID string) (int64, error) {
	db, cancel := s.read(ctx)
	defer cancel()

	var xp int64
	err := db.Model(&MemberLevel{}).
		Select(columnMemberLevelExperience).
		Where(whereMemberGuild, memberID, guildID).
		Row().
		Scan(&xp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("experience: %w", ErrNotFound)
	}
	return xp, storeErr("experience", memberID, guildID, err)
}

// MemberLevel returns the full record for a member, or ErrNotFound.
func (s *Store) MemberLevel(ctx context.Context, memberID, guildID string) (*MemberLevel, error) {
	db, cancel := s.read(ctx)
	defer cancel()

	var m MemberLevel
	err := db.Where(whereMemberGuild, memberID, guildID).Take(&m).Error
	if err != nil {
		return nil, storeErr("get member level", memberID, guildID, err)
	}
	return &m, nil
}

// GuildMemberLevels returns the records for a guild, ordered by
// experience descending (then member ID, for a stable order). A limit
// <= 0 returns all records.
func (s *Store) GuildMemberLevels(ctx context.Context, guildID string, limit int) (
	[]MemberLevel,
	error,
) {
	db, cancel := s.read(ctx)
	defer cancel()

	q := db.Where("guild_id = ?", guildID).
		Order("experience DESC").
		Order("member_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var levels []MemberLevel
	if err := q.Find(&levels).Error; err != nil {
		return nil, storeErr("list member levels", "", guildID, err)
	}
	return levels, nil
}

// InsertMemberLevel creates a new record. ErrAlreadyExists is returned
// if the member already has a record in the guild.
func (s *Store) InsertMemberLevel(ctx context.Context, m *MemberLevel) error {
	if m.Experience < 0 {
		return ErrInvalidXP
	}
	_, err := s.db.Create(ctx, m)
	return storeErr("insert member level", m.MemberID, m.GuildID, err)
}

// UpdateExperience overwrites a member's experience
func (s *Store) UpdateExperience(ctx context.Context, memberID, guildID string, xp int64) error {
	if xp < 0 {
		return ErrInvalidXP
	}
	rows, err := s.db.UpdatesWhere(
		ctx,
		&MemberLevel{},
		map[string]any{columnMemberLevelExperience: xp},
		whereMemberGuild,
		memberID,
		guildID,
	)
	if err != nil {
		return storeErr("update experience", memberID, guildID, err)
	}
	if rows == 0 {
		return fmt.Errorf("update experience: %w", ErrNotFound)
	}
	return nil
}

// AddExperience atomically increments a member's experience by delta,
// returning the values before and after the increment. Concurrent
// calls for the same member are additive.
func (s *Store) AddExperience(ctx context.Context, memberID, guildID string, delta int64) (
	before int64,
	after int64,
	err error,
) {
	if delta < 0 {
		return 0, 0, ErrInvalidXP
	}
	err = s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			rv := tx.Model(&MemberLevel{}).
				Where(whereMemberGuild, memberID, guildID).
				Update(
					columnMemberLevelExperience,
					gorm.Expr("experience + ?", delta),
				)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrNotFound
			}
			return tx.Model(&MemberLevel{}).
				Select(columnMemberLevelExperience).
				Where(whereMemberGuild, memberID, guildID).
				Row().
				Scan(&after)
		},
	)
	if err != nil {
		return 0, 0, storeErr("add experience", memberID, guildID, err)
	}
	return after - delta, after, nil
}

// DeleteMemberLevel removes a member's record, returning ErrNotFound if
// there was nothing to delete.
func (s *Store) DeleteMemberLevel(ctx context.Context, memberID, guildID string) error {
	rows, err := s.db.Delete(ctx, &MemberLevel{}, whereMemberGuild, memberID, guildID)
	if err != nil {
		return storeErr("delete member level", memberID, guildID, err)
	}
	if rows == 0 {
		return fmt.Errorf("delete member level: %w", ErrNotFound)
	}
	return nil
}

// MemberRank returns the member's 1-based position in the guild by
// experience descending. Members with equal experience share a rank.
// RankUnknown is returned, without error, if the member has no record.
func (s *Store) MemberRank(ctx context.Context, memberID, guildID string) (Rank, error) {
	db, cancel := s.read(ctx)
	defer cancel()

	var rank int64
	err := db.Raw(memberRankQuery, guildID, memberID).Row().Scan(&rank)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RankUnknown, nil
	case err != nil:
		return RankUnknown, storeErr("member rank", memberID, guildID, err)
	}
	return Rank(rank), nil
}

type rankedRow struct {
	MemberID   string
	GuildID    string
	Experience int64
	MemberRank int64
}

// Scoreboard returns the top members of a guild with their ranks. A
// limit <= 0 returns every member.
func (s *Store) Scoreboard(ctx context.Context, guildID string, limit int) (
	[]RankedMember,
	error,
) {
	db, cancel := s.read(ctx)
	defer cancel()

	q := db.Model(&MemberLevel{}).
		Select(scoreboardSelect).
		Where("guild_id = ?", guildID).
		Order("experience DESC").
		Order("member_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []rankedRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, storeErr("scoreboard", "", guildID, err)
	}

	ranked := make([]RankedMember, 0, len(rows))
	for _, r := range rows {
		ranked = append(
			ranked,
			RankedMember{
				MemberID:   r.MemberID,
				GuildID:    r.GuildID,
				Experience: r.Experience,
				Rank:       Rank(r.MemberRank),
			},
		)
	}
	return ranked, nil
}

// CountGuildMembers returns the number of tracked members in a guild
func (s *Store) CountGuildMembers(ctx context.Context, guildID string) (int64, error) {
	db, cancel := s.read(ctx)
	defer cancel()

	var n int64
	err := db.Model(&MemberLevel{}).Where("guild_id = ?", guildID).Count(&n).Error
	return n, storeErr("count members", "", guildID, err)
}

// GuildIDs returns the IDs of every guild with at least one record
func (s *Store) GuildIDs(ctx context.Context) ([]string, error) {
	db, cancel := s.read(ctx)
	defer cancel()

	var ids []string
	err := db.Model(&MemberLevel{}).Distinct().Order("guild_id").Pluck("guild_id", &ids).Error
	return ids, storeErr("list guilds", "", "", err)
}

// Transaction runs fc in a transaction, committing if it returns nil.
func (s *Store) Transaction(ctx context.Context, fc func(tx *gorm.DB) error) error {
	return s.db.Transaction(ctx, fc)
}
