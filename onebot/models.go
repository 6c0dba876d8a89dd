package onebot

import (
	"fmt"
	"log/slog"
	"slices"
)

const (
	columnMemberLevelMemberID   = "member_id"
	columnMemberLevelGuildID    = "guild_id"
	columnMemberLevelExperience = "experience"
	columnGuildChannelChannelID = "channel_id"
	columnGuildRoleRoleID       = "role_id"
	columnPurpose               = "purpose"
)

// MemberLevel is the persisted XP balance of one member in one guild.
// A member present in multiple guilds has one MemberLevel per guild.
//
//nolint:lll // struct tags can't be split
type MemberLevel struct {
	MemberID   string `gorm:"primaryKey;type:string;not null" json:"member_id"`
	GuildID    string `gorm:"primaryKey;type:string;not null;index" json:"guild_id"`
	Experience int64  `gorm:"not null;check:experience >= 0" json:"experience"`
	ModelUnixTime
}

func (MemberLevel) TableName() string {
	return "member_levels"
}

func (m MemberLevel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnMemberLevelMemberID, m.MemberID),
		slog.String(columnMemberLevelGuildID, m.GuildID),
		slog.Int64(columnMemberLevelExperience, m.Experience),
	)
}

// ChannelPurpose is a functional role a guild channel can be assigned,
// such as receiving the bot's log messages.
type ChannelPurpose string

// RolePurpose is a functional role a guild role can be assigned.
type RolePurpose string

const (
	ChannelPurposeLogs          ChannelPurpose = "logs"
	ChannelPurposeAnnouncements ChannelPurpose = "announcements"

	RolePurposeMute      RolePurpose = "mute"
	RolePurposeModerator RolePurpose = "moderator"
)

// ChannelPurposes is the closed set of valid channel purposes. New
// purposes are added here. Existing rows referencing removed purposes
// are ignored when loaded.
var ChannelPurposes = []ChannelPurpose{
	ChannelPurposeLogs,
	ChannelPurposeAnnouncements,
}

// RolePurposes is the closed set of valid role purposes.
var RolePurposes = []RolePurpose{
	RolePurposeMute,
	RolePurposeModerator,
}

func (p ChannelPurpose) Valid() bool {
	return slices.Contains(ChannelPurposes, p)
}

func (p RolePurpose) Valid() bool {
	return slices.Contains(RolePurposes, p)
}

// ParseChannelPurpose returns the ChannelPurpose named by s
func ParseChannelPurpose(s string) (ChannelPurpose, error) {
	p := ChannelPurpose(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown channel purpose: %q", s)
	}
	return p, nil
}

// ParseRolePurpose returns the RolePurpose named by s
func ParseRolePurpose(s string) (RolePurpose, error) {
	p := RolePurpose(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown role purpose: %q", s)
	}
	return p, nil
}

// GuildChannel assigns a purpose to a guild channel. A channel has at
// most one purpose.
type GuildChannel struct {
	ChannelID string         `gorm:"primaryKey;type:string;not null" json:"channel_id"`
	GuildID   string         `gorm:"type:string;not null;index" json:"guild_id"`
	Purpose   ChannelPurpose `gorm:"type:string;not null;index" json:"purpose"`
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (GuildChannel) TableName() string {
	return "guild_channels"
}

// GuildRole assigns a purpose to a guild role. A role has at most one
// purpose.
type GuildRole struct {
	RoleID    string      `gorm:"primaryKey;type:string;not null" json:"role_id"`
	GuildID   string      `gorm:"type:string;not null;index" json:"guild_id"`
	Purpose   RolePurpose `gorm:"type:string;not null;index" json:"purpose"`
	CreatedAt int64       `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (GuildRole) TableName() string {
	return "guild_roles"
}
