package onebot

import (
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"strings"
)

const pgUniqueViolation = "23505"

var (
	// ErrNotFound is returned when a member has no level record in a guild.
	// Callers are expected to register the member rather than treat the
	// member as having zero XP.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when creating a record that's already
	// present, such as registering a member twice.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInvalidXP is returned for negative XP values and amounts.
	ErrInvalidXP = errors.New("xp must be >= 0")
)

// StoreError wraps a database failure with the operation and key it
// was performed against.
type StoreError struct {
	Op       string
	MemberID string
	GuildID  string
	Err      error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString("store: ")
	b.WriteString(e.Op)
	if e.MemberID != "" {
		_, _ = fmt.Fprintf(&b, " member_id=%s", e.MemberID)
	}
	if e.GuildID != "" {
		_, _ = fmt.Fprintf(&b, " guild_id=%s", e.GuildID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// RenderError is returned by a Renderer when a card or scoreboard
// can't be drawn.
type RenderError struct {
	Target string
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Target, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// storeErr translates a gorm error into ErrNotFound or ErrAlreadyExists
// where possible, wrapping anything else in a StoreError.
func storeErr(op, memberID, guildID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	}
	return &StoreError{Op: op, MemberID: memberID, GuildID: guildID, Err: err}
}

// isUniqueViolation reports whether err is a primary key/unique
// constraint violation, for either postgres or sqlite.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	// sqlite3: "UNIQUE constraint failed: member_levels.member_id, ..."
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
