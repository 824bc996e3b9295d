package colorbot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"time"
)

const (
	columnColorCommandGuildID   = "guild_id"
	columnColorCommandUserID    = "user_id"
	columnColorCommandCreatedAt = "created_at"

	// roleIDSeparator joins role IDs in ColorCommand.DeletedRoleIDs
	roleIDSeparator = ","
)

// ColorCommand is a DB model which logs a handled `.color-set` or
// `.color-reset` message, and what came of it.
//
// These records are history only: the bot never reads them back to
// decide which roles a member owns.
type ColorCommand struct {
	ModelUintID
	ModelUnixTime

	MessageID string `json:"message_id" gorm:"index"`
	GuildID   string `json:"guild_id" gorm:"index"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id" gorm:"index"`
	Username  string `json:"username"`

	// Intent is "reset" or "set"
	Intent string `json:"intent"`

	// Raw hex string given with `.color-set`, without the leading '#'
	Raw string `json:"raw,omitempty"`

	// Color applied to the new role (after 0 is remapped)
	Color uint32 `json:"color,omitempty"`

	// Comma-separated IDs of deleted color roles
	DeletedRoleIDs string `json:"deleted_role_ids,omitempty"`

	// Comma-separated IDs of color roles which failed to delete
	FailedRoleIDs string `json:"failed_role_ids,omitempty"`

	CreatedRoleID string `json:"created_role_id,omitempty"`
	Assigned      bool   `json:"assigned"`

	// State is the final ReconcileState, or "rejected" if the color
	// couldn't be parsed
	State string `json:"state"`

	Error string `json:"error,omitempty"`

	// Milliseconds from receiving the message to finishing
	DurationMS int64 `json:"duration_ms"`
}

// stateRejected is ColorCommand.State when the command never reached
// the reconciler
const stateRejected = "rejected"

// NewColorCommand returns a ColorCommand populated from the message
// and parsed command
func NewColorCommand(m *discordgo.Message, cmd Command) ColorCommand {
	c := ColorCommand{
		MessageID: m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Intent:    cmd.Intent.String(),
		Raw:       cmd.Raw,
	}
	if u := messageAuthor(m); u != nil {
		c.UserID = u.ID
		c.Username = u.Username
	}
	return c
}

// setOutcome copies the result of a reconciliation onto the record
func (c *ColorCommand) setOutcome(o Outcome) {
	c.Color = uint32(o.Request.Color)
	c.DeletedRoleIDs = strings.Join(o.DeletedRoleIDs, roleIDSeparator)
	c.FailedRoleIDs = strings.Join(o.FailedRoleIDs, roleIDSeparator)
	if o.CreatedRole != nil {
		c.CreatedRoleID = o.CreatedRole.ID
	}
	c.Assigned = o.Assigned
	c.State = string(o.Final())
	if err := o.Err(); err != nil {
		c.Error = err.Error()
	}
}

// setRejected marks the record as rejected because of err
func (c *ColorCommand) setRejected(err error) {
	c.State = stateRejected
	if err != nil {
		c.Error = err.Error()
	}
}

func (c *ColorCommand) setDuration(start time.Time) {
	c.DurationMS = time.Since(start).Milliseconds()
}

func (c ColorCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", c.MessageID),
		slog.String("guild_id", c.GuildID),
		slog.String("channel_id", c.ChannelID),
		slog.String("user_id", c.UserID),
		slog.String("username", c.Username),
		slog.String("intent", c.Intent),
		slog.String("raw", c.Raw),
		slog.String("state", c.State),
	)
}

// ColorCommandFilter narrows ListColorCommands results. Empty fields
// aren't filtered on.
type ColorCommandFilter struct {
	GuildID string `form:"guild_id" binding:"omitempty,numeric"`
	UserID  string `form:"user_id" binding:"omitempty,numeric"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

const defaultColorCommandLimit = 50

// ListColorCommands returns the most recent color commands matching
// the filter, newest first
func ListColorCommands(
	ctx context.Context,
	db *gorm.DB,
	filter ColorCommandFilter,
) ([]ColorCommand, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultColorCommandLimit
	}
	q := db.WithContext(ctx).Model(&ColorCommand{})
	if filter.GuildID != "" {
		q = q.Where(columnColorCommandGuildID+" = ?", filter.GuildID)
	}
	if filter.UserID != "" {
		q = q.Where(columnColorCommandUserID+" = ?", filter.UserID)
	}
	var commands []ColorCommand
	err := q.Order(columnColorCommandCreatedAt + " desc, id desc").
		Limit(limit).
		Find(&commands).Error
	return commands, err
}

// GetColorCommand returns the ColorCommand with the given ID, and
// false if it doesn't exist
func GetColorCommand(ctx context.Context, db *gorm.DB, id uint) (*ColorCommand, bool, error) {
	var c ColorCommand
	err := db.WithContext(ctx).Take(&c, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &c, true, nil
}
