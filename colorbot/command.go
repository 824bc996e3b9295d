package colorbot

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const (
	// CommandReset removes the member's color role
	CommandReset = ".color-reset"

	// CommandSetPrefix precedes the hex color in a set command,
	// ex: `.color-set #1A2B3C`
	CommandSetPrefix = ".color-set "

	colorRolePrefix = "color_bot_"

	// maxHexDigits is the number of hex digits in a 24-bit RGB color
	maxHexDigits = 6

	// MaxColor is the largest color discord will render
	MaxColor Color = 0xFFFFFF

	// fallbackColor replaces 0x000000, which discord treats as
	// 'no color' rather than black
	fallbackColor Color = 0x000001
)

// Intent is the action requested by a chat message
type Intent int

const (
	IntentIgnore Intent = iota
	IntentReset
	IntentSetColor
)

func (i Intent) String() string {
	switch i {
	case IntentReset:
		return "reset"
	case IntentSetColor:
		return "set"
	default:
		return "ignore"
	}
}

// Command is the result of parsing a message body. Raw is only set
// for IntentSetColor, and has any leading '#' removed.
type Command struct {
	Intent Intent
	Raw    string
}

func (c Command) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("intent", c.Intent.String()),
		slog.String("raw", c.Raw),
	)
}

// ParseCommand classifies the given message content. It has no side effects,
// and does not validate the color (see ParseColor).
func ParseCommand(content string) Command {
	switch {
	case content == CommandReset:
		return Command{Intent: IntentReset}
	case strings.HasPrefix(content, CommandSetPrefix):
		raw := strings.TrimPrefix(content, CommandSetPrefix)
		raw = strings.TrimPrefix(raw, "#")
		return Command{Intent: IntentSetColor, Raw: raw}
	default:
		return Command{Intent: IntentIgnore}
	}
}

// Color is a 24-bit RGB color
type Color uint32

func (c Color) String() string {
	return fmt.Sprintf("#%06X", uint32(c))
}

// Int returns the color as the int discordgo uses for role colors
func (c Color) Int() int {
	return int(c)
}

// ParseColor parses 1-6 hex digits (case-insensitive, without a leading
// '#') into a Color. Zero is returned as-is; see Color.Renderable.
func ParseColor(raw string) (Color, error) {
	if raw == "" {
		return 0, &ParseError{Raw: raw, Reason: ParseErrorEmpty}
	}
	if len(raw) > maxHexDigits {
		return 0, &ParseError{
			Raw:    raw,
			Reason: ParseErrorInvalidHex,
			Err:    fmt.Errorf("expected at most %d hex digits, got %d", maxHexDigits, len(raw)),
		}
	}
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, &ParseError{Raw: raw, Reason: ParseErrorInvalidHex, Err: err}
	}
	return Color(v), nil
}

// Renderable returns a color discord will actually display, and whether
// the color had to be changed. Discord treats 0 as 'no color', so 0
// becomes 0x000001.
func (c Color) Renderable() (Color, bool) {
	if c == 0 {
		return fallbackColor, true
	}
	return c, false
}

// colorRoleNamePrefix returns the name prefix of color roles owned by
// the member with the given display name.
func colorRoleNamePrefix(displayName string) string {
	return colorRolePrefix + displayName + "_"
}

// colorRoleName returns the name of a new color role for the given
// member display name and raw hex string
func colorRoleName(displayName string, raw string) string {
	return colorRoleNamePrefix(displayName) + raw
}

// ownsRole reports whether the role name marks it as a color role
// created for the member with the given prefix (see colorRoleNamePrefix)
func ownsRole(prefix string, role Role) bool {
	return strings.HasPrefix(role.Name, prefix)
}
