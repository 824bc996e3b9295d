// Package colorbot implements a Discord bot which lets guild members pick
// their own display color with two text commands:
//
//   - .color-set <hex>: replaces the member's color role with a new one
//     using the given color (ex: `.color-set #1A2B3C`)
//   - .color-reset: removes the member's color role
//
// Color roles are identified purely by name: a role named
// `color_bot_<username>_<hex>` belongs to the member with that username.
// Nothing else is persisted about role ownership, so every command
// re-reads the guild's roles and repairs any leftovers from earlier
// partial failures.
//
// Key components of the package include:
//
//   - ColorBot: Ties the Discord session, reconciler, database and API together.
//   - Discord: Wraps the discordgo session and its event handlers.
//   - discordDirectory: Implements RoleDirectory and Notifier on top of the session.
//   - Reconciler: Brings a member's color roles in line with a command.
//   - API: A small read-only status API.
//
// Every handled command is also written to a ColorCommand audit table,
// which is only ever read by the API.
package colorbot
