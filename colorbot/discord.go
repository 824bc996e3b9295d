package colorbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

var errNilMemberUser = errors.New("member has no user")

// Discord manages the bot's discord session and connection state.
//
// Connects and disconnects are counted, and the current connection
// state is tracked, for the status API.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session with the configured token,
// HTTP client and log level
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	if d.config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}
	return session, nil
}

// addHandler registers a discordgo event handler, keeping the function
// to remove it on shutdown
func (d *Discord) addHandler(handler any) {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(handler),
	)
}

func (d *Discord) removeHandlers() {
	for _, f := range d.discordgoRemoveHandlerFuncs {
		f()
	}
	d.discordgoRemoveHandlerFuncs = d.discordgoRemoveHandlerFuncs[:0]
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			"guilds", len(r.Guilds),
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", sessionLogAttrs(s)...)

		if d.config.NotificationChannelID == "" || d.config.StartupMessage == "" {
			return
		}
		d.logger.Info("sending notification")
		if _, err := d.session.ChannelMessageSend(
			d.config.NotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); err != nil {
			d.logger.Error("unable to send startup message", tint.Err(err))
		} else {
			d.logger.Info("sent notification")
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", sessionLogAttrs(s)...)
	}
}

func sessionLogAttrs(s *discordgo.Session) []any {
	var sessionID, userID, username string
	if s != nil && s.State != nil {
		sessionID = s.State.SessionID
		if s.State.User != nil {
			userID = s.State.User.ID
			username = s.State.User.Username
		}
	}
	return []any{
		"session_id", sessionID,
		slog.Group("user", "id", userID, "username", username),
	}
}

// DiscordSessionHandler is the subset of discordgo.Session used by the
// bot. It exists so tests can swap in a fake session.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler registers an event handler, returning a function that
	// removes it
	AddHandler(handler any) func()

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildRoles returns every role in the guild
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildRoleCreate(
		guildID string,
		data *discordgo.RoleParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Role, error)

	// GuildRoleReorder sets role positions. Only roles in the given
	// slice are moved.
	GuildRoleReorder(
		guildID string,
		roles []*discordgo.Role,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Role, error)

	GuildRoleDelete(guildID string, roleID string, options ...discordgo.RequestOption) error

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// UpdateCustomStatus sets the bot user's custom status
	UpdateCustomStatus(status string) error

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildRoleCreate(
	guildID string,
	data *discordgo.RoleParams,
	options ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	role, err := d.session.GuildRoleCreate(guildID, data, options...)
	if err != nil {
		d.logger.Error("error creating role", tint.Err(err), "guild_id", guildID, "name", data.Name)
	} else {
		d.logger.Debug("created role", "guild_id", guildID, "role_id", role.ID, "name", role.Name)
	}
	return role, err
}

func (d DiscordSession) GuildRoleReorder(
	guildID string,
	roles []*discordgo.Role,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoleReorder(guildID, roles, options...)
}

func (d DiscordSession) GuildRoleDelete(
	guildID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildRoleDelete(guildID, roleID, options...)
	if err != nil {
		d.logger.Error("error deleting role", tint.Err(err), "guild_id", guildID, "role_id", roleID)
	}
	return err
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	level, err := discordgoLogLevel(lvl)
	if err != nil {
		return err
	}
	d.session.LogLevel = level
	return nil
}

// discordDirectory implements RoleDirectory and Notifier with a
// DiscordSessionHandler. Every call goes to the discord API, nothing
// is cached.
type discordDirectory struct {
	session DiscordSessionHandler
}

func newDiscordDirectory(session DiscordSessionHandler) *discordDirectory {
	return &discordDirectory{session: session}
}

func (d *discordDirectory) GuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	roles, err := d.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	rv := make([]Role, 0, len(roles))
	for _, r := range roles {
		if r == nil {
			continue
		}
		rv = append(rv, roleFromDiscord(r))
	}
	return rv, nil
}

func (d *discordDirectory) Member(ctx context.Context, guildID string, memberID string) (Member, error) {
	m, err := d.session.GuildMember(guildID, memberID, discordgo.WithContext(ctx))
	if err != nil {
		return Member{}, err
	}
	if m == nil || m.User == nil {
		return Member{}, errNilMemberUser
	}
	return Member{
		ID:          m.User.ID,
		DisplayName: m.User.Username,
		RoleIDs:     append([]string{}, m.Roles...),
	}, nil
}

func (d *discordDirectory) DeleteRole(ctx context.Context, guildID string, roleID string) error {
	return d.session.GuildRoleDelete(guildID, roleID, discordgo.WithContext(ctx))
}

// CreateRole creates the role. Discord places new roles directly above
// @everyone, so the role is only moved when position is above zero.
func (d *discordDirectory) CreateRole(
	ctx context.Context,
	guildID string,
	name string,
	color Color,
	position int,
) (Role, error) {
	c := color.Int()
	created, err := d.session.GuildRoleCreate(
		guildID,
		&discordgo.RoleParams{Name: name, Color: &c},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return Role{}, err
	}
	if created == nil {
		return Role{}, fmt.Errorf("no role returned for %q", name)
	}
	if position > 0 && created.Position != position {
		created.Position = position
		if _, err = d.session.GuildRoleReorder(
			guildID,
			[]*discordgo.Role{created},
			discordgo.WithContext(ctx),
		); err != nil {
			return roleFromDiscord(created), fmt.Errorf("error moving role to position %d: %w", position, err)
		}
	}
	return roleFromDiscord(created), nil
}

func (d *discordDirectory) AssignRole(
	ctx context.Context,
	guildID string,
	memberID string,
	roleID string,
) error {
	return d.session.GuildMemberRoleAdd(guildID, memberID, roleID, discordgo.WithContext(ctx))
}

func (d *discordDirectory) Notify(ctx context.Context, channelID string, content string) error {
	_, err := d.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return err
}

func roleFromDiscord(r *discordgo.Role) Role {
	return Role{
		ID:       r.ID,
		Name:     r.Name,
		Color:    Color(r.Color),
		Position: r.Position,
	}
}
