package onebot

import (
	"context"
	"fmt"
	"log/slog"
)

// Ledger is a request-scoped view of one member's level state in one
// guild. It borrows the Store and is never authoritative across calls:
// SetXP only changes the in-memory value until Persist is called.
type Ledger struct {
	MemberID string
	GuildID  string

	store *Store
	xpRaw int64

	level  int
	nextXP float64
}

// LoadLedger fetches a member's experience from the store. If the member
// has no record, the returned error wraps ErrNotFound, and the caller is
// expected to register the member rather than assume zero XP.
func LoadLedger(ctx context.Context, store *Store, memberID, guildID string) (*Ledger, error) {
	xp, err := store.Experience(ctx, memberID, guildID)
	if err != nil {
		return nil, fmt.Errorf("error loading ledger: %w", err)
	}
	return newLedger(store, memberID, guildID, xp), nil
}

// newLedger returns a Ledger for an already-fetched experience value
func newLedger(store *Store, memberID, guildID string, xpRaw int64) *Ledger {
	l := &Ledger{MemberID: memberID, GuildID: guildID, store: store}
	l.SetXP(xpRaw)
	return l
}

// CreateLedger inserts a new record with initialXP. If the member
// already has a record, the returned error wraps ErrAlreadyExists.
func CreateLedger(
	ctx context.Context,
	store *Store,
	memberID string,
	guildID string,
	initialXP int64,
) (*Ledger, error) {
	if initialXP < 0 {
		return nil, ErrInvalidXP
	}
	err := store.InsertMemberLevel(
		ctx,
		&MemberLevel{MemberID: memberID, GuildID: guildID, Experience: initialXP},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating ledger: %w", err)
	}
	return newLedger(store, memberID, guildID, initialXP), nil
}

// SetXP sets the in-memory experience and recomputes the derived level
// fields. Negative values are clamped to 0.
func (l *Ledger) SetXP(xp int64) {
	if xp < 0 {
		xp = 0
	}
	l.xpRaw = xp
	earned := EarnedXP(xp)
	l.level = Level(earned)
	l.nextXP = NextLevelXP(earned)
}

// AddXP increments the stored experience atomically, then refreshes the
// ledger with the stored result. It returns the level before and after
// the grant.
func (l *Ledger) AddXP(ctx context.Context, amount int64) (before int, after int, err error) {
	beforeXP, afterXP, err := l.store.AddExperience(ctx, l.MemberID, l.GuildID, amount)
	if err != nil {
		return 0, 0, err
	}
	l.SetXP(afterXP)
	return Level(EarnedXP(beforeXP)), l.level, nil
}

// Persist writes the in-memory experience to the store
func (l *Ledger) Persist(ctx context.Context) error {
	return l.store.UpdateExperience(ctx, l.MemberID, l.GuildID, l.xpRaw)
}

// Delete removes the member's record from the store
func (l *Ledger) Delete(ctx context.Context) error {
	return l.store.DeleteMemberLevel(ctx, l.MemberID, l.GuildID)
}

// Rank returns the member's current position in the guild, or
// RankUnknown if their record has gone away.
func (l *Ledger) Rank(ctx context.Context) (Rank, error) {
	return l.store.MemberRank(ctx, l.MemberID, l.GuildID)
}

// XPRaw is the stored experience, including SeedXP
func (l *Ledger) XPRaw() int64 {
	return l.xpRaw
}

// XP is the experience earned, excluding SeedXP
func (l *Ledger) XP() int64 {
	return EarnedXP(l.xpRaw)
}

// Level is the level reached with the earned experience
func (l *Ledger) Level() int {
	return l.level
}

// NextXP is the earned experience at which the next level is reached
func (l *Ledger) NextXP() float64 {
	return l.nextXP
}

// Progress is the percentage of the way to the next level, clamped to
// [MinProgressPercent, 100]
func (l *Ledger) Progress() float64 {
	return Progress(l.XP())
}

func (l *Ledger) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnMemberLevelMemberID, l.MemberID),
		slog.String(columnMemberLevelGuildID, l.GuildID),
		slog.Int64(columnMemberLevelExperience, l.xpRaw),
		slog.Int("level", l.level),
	)
}
