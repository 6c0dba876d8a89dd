package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

const (
	DefaultMessageXP          int64 = 35
	DefaultPresenceXP         int64 = 150
	DefaultMessageXPCooldown        = time.Duration(0)
	DefaultLevelUpReplies           = true
	columnRuntimeConfigPaused       = "paused"
)

// RuntimeConfig holds settings that can be changed while the bot is
// running (via the admin API) and are persisted across restarts. Only
// one row is expected to exist.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ID uint `gorm:"primaryKey" json:"id"`
	ModelUnixTime

	// Paused stops XP from being granted. Commands still respond.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// MessageXP is the XP granted for each message a member sends
	MessageXP int64 `json:"message_xp" gorm:"not null;default:35" binding:"min=0,max=100000"`

	// PresenceXP is the XP granted when a member's profile or presence
	// is updated
	PresenceXP int64 `json:"presence_xp" gorm:"not null;default:150" binding:"min=0,max=100000"`

	// MessageXPCooldown is the minimum time between two XP grants of the
	// same kind for one member. 0 disables the cooldown.
	MessageXPCooldown Duration `json:"message_xp_cooldown" gorm:"type:string;not null"`

	// LevelUpReplies replies to the message which caused a member to level up
	LevelUpReplies bool `json:"level_up_replies" gorm:"not null;default:true"`

	// Opens a discord gateway websocket connection. Without it, no events
	// are received and no XP is granted.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// DiscordNotificationChannelID receives the startup message, in
	// addition to every channel purposed for logs
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:INFO;type:string" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "runtime_config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MessageXP:             DefaultMessageXP,
		PresenceXP:            DefaultPresenceXP,
		MessageXPCooldown:     Duration{DefaultMessageXPCooldown},
		LevelUpReplies:        DefaultLevelUpReplies,
		DiscordGatewayEnabled: true,
		DiscordCustomStatus:   DefaultDiscordCustomStatus,
		LogLevel:              DBLogLevelInfo,
		DiscordLogLevel:       DBLogLevelInfo,
		DiscordGoLogLevel:     DBLogLevelWarn,
		DatabaseLogLevel:      DBLogLevelWarn,
		APILogLevel:           DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is a partial update to RuntimeConfig. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused            *bool     `json:"paused,omitempty"`
	MessageXP         *int64    `json:"message_xp,omitempty" binding:"omitnil,min=0,max=100000"`
	PresenceXP        *int64    `json:"presence_xp,omitempty" binding:"omitnil,min=0,max=100000"`
	MessageXPCooldown *Duration `json:"message_xp_cooldown,omitempty"`
	LevelUpReplies    *bool     `json:"level_up_replies,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty" binding:"omitnil,omitempty,numeric"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	if err := structValidator.Struct(u); err != nil {
		return err
	}
	if u.MessageXPCooldown != nil && u.MessageXPCooldown.Duration < 0 {
		return errors.New("message_xp_cooldown must be >= 0")
	}
	return nil
}

// columns returns the update as a column->value map, suitable for
// gorm's Updates (which would otherwise skip zero values in a struct).
func (u RuntimeConfigUpdate) columns() (map[string]any, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var updates map[string]any
	if err = json.Unmarshal(data, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// loadRuntimeConfig returns the first RuntimeConfig row, creating one
// with default values if the table is empty.
func loadRuntimeConfig(ctx context.Context, db DBI) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := db.DB().WithContext(ctx).Order("id").First(&cfg).Error
	switch {
	case err == nil:
		return &cfg, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg = DefaultRuntimeConfig()
		if _, err = db.Create(ctx, &cfg); err != nil {
			return nil, fmt.Errorf("error creating runtime config: %w", err)
		}
		return &cfg, nil
	default:
		return nil, fmt.Errorf("error loading runtime config: %w", err)
	}
}

// applyRuntimeConfigUpdate persists the update against cfg in a
// transaction, validating the result before committing. cfg is updated
// in place.
func applyRuntimeConfigUpdate(
	ctx context.Context,
	db DBI,
	cfg *RuntimeConfig,
	update RuntimeConfigUpdate,
) error {
	if err := update.validate(); err != nil {
		return err
	}
	updates, err := update.columns()
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	rollback := *cfg
	err = db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if e := tx.Model(cfg).Updates(updates).Error; e != nil {
				return e
			}
			if e := tx.First(cfg, cfg.ID).Error; e != nil {
				return e
			}
			return structValidator.Struct(cfg)
		},
	)
	if err != nil {
		*cfg = rollback
	}
	return err
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.UpdateStatusData {
	if config.Paused {
		return discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	status := discordgo.UpdateStatusData{Status: string(discordgo.StatusOnline)}
	if config.DiscordCustomStatus != "" {
		status.Activities = []*discordgo.Activity{
			{
				Name:  "Custom Status",
				Type:  discordgo.ActivityTypeCustom,
				State: config.DiscordCustomStatus,
			},
		}
	}
	return status
}
