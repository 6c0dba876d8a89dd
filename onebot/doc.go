// Package onebot implements a Discord bot that tracks member activity
// within each guild and turns it into experience points, levels and ranks.
//
// Members are registered when they join a guild (and reconciled whenever
// the bot connects), earn a fixed amount of XP for each message they send
// and for profile/presence updates, and can view a rendered level card
// or a guild scoreboard through slash commands.
//
// Key components of the package include:
//
//   - OneBot: The main struct that wires the bot together and runs it.
//   - Store: Data access for member XP records, backed by gorm.
//   - Ledger: A request-scoped view of one member's level state.
//   - Registrar: Keeps one record per tracked guild member.
//   - ActivityTracker: Grants XP in response to gateway events.
//   - Renderer: Draws level cards and scoreboards as PNG images.
//   - PurposeRegistry: Maps channels and roles to functional purposes.
//   - API: An authenticated admin HTTP API for inspection and management.
//
// The bot supports these commands:
//
//   - /rank: Shows the level card of yourself or another member.
//   - /scoreboard: Shows the top members of the guild.
//   - /rank-admin: Validates members and adjusts XP.
//   - /purpose: Assigns functional purposes to channels and roles.
//   - "Get Rank": User context menu version of /rank.
package onebot
