package colorbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/bizxeon/tbc-colors/colorbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	errStartupTimeout  = errors.New("startup cancelled or timed out")
	errShutdownTimeout = errors.New("in-flight commands did not finish in time")
)

// ColorBot listens for color commands in discord guild channels, and
// reconciles each member's color role accordingly.
//
// A goroutine is started for each incoming message. Commands from the
// same member are serialized when Config.SerializeMemberCommands is set,
// otherwise they may run concurrently.
type ColorBot struct {
	config *Config

	// gorm.DB wrapper. Writes are serialized with a mutex when using
	// sqlite, reads (by the API) go through DB()
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	discord    *Discord
	reconciler *Reconciler

	// Sends parse errors and warnings back to the command's channel.
	// Set with reconciler.
	notifier Notifier

	// Status API, nil when disabled
	api *API

	// prevents concurrent runs
	runMu sync.Mutex

	// receives once Run has connected to discord and is handling messages
	signalReady chan struct{}

	commandsInProgress atomic.Int64
	commandsHandled    atomic.Int64

	// unix millis, set when Run starts
	startedAt atomic.Int64
}

// New creates a ColorBot with the given config. Config.LogLevel and the
// other log levels must already be set (see DefaultConfig).
func New(config *Config) (*ColorBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if config.Discord == nil {
		return nil, errors.New("discord config required")
	}
	if config.API == nil {
		config.API = &APIConfig{}
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	config.Discord.httpClient = config.HTTPClient

	b := &ColorBot{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	b.logHandler = newLogHandler(levelOrDefault(&config.LogLevel, DefaultLogLevel))
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(
			levelOrDefault(&config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel),
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	b.discord = newDiscord(
		config.Discord,
		slog.New(
			newLogHandler(levelOrDefault(&config.Discord.LogLevel, DefaultDiscordLogLevel)),
		).With(loggerNameKey, "discord"),
	)

	if config.API.Enabled {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// levelOrDefault sets *lv to a LevelVar at the default level when it's
// nil, and returns it
func levelOrDefault(lv **slog.LevelVar, def slog.Level) *slog.LevelVar {
	if *lv == nil {
		v := &slog.LevelVar{}
		v.Set(def)
		*lv = v
	}
	return *lv
}

func (b *ColorBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

func (b *ColorBot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run opens the database, connects to discord and (if enabled) starts
// the status API, then blocks until ctx is cancelled or the API server
// fails. In-flight commands are given Config.ShutdownTimeout to finish.
func (b *ColorBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt.Store(time.Now().UnixMilli())
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "error initializing database", tint.Err(err))
		return fmt.Errorf("error initializing database: %w", err)
	}

	// tracks goroutines handling messages, so shutdown can wait on them
	runtimeWG := &sync.WaitGroup{}

	// commands already in flight at shutdown are allowed to finish
	if err := b.initDiscordSession(context.WithoutCancel(ctx), runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if b.api != nil {
		g.Go(
			func() error {
				httpErr := b.api.Serve(gctx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					logger.ErrorContext(gctx, "error serving api HTTP", tint.Err(httpErr))
					return httpErr
				}
				return nil
			},
		)
	}

	if err := b.openDiscord(startCtx); err != nil {
		cancel()
		_ = b.shutdown(ctx, runtimeWG)
		_ = g.Wait()
		return err
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	g.Go(
		func() error {
			<-gctx.Done()
			return b.shutdown(ctx, runtimeWG)
		},
	)

	return g.Wait()
}

// openDiscord opens the discord websocket connection, giving up when
// ctx is done
func (b *ColorBot) openDiscord(ctx context.Context) error {
	logger := b.discord.logger
	logger.InfoContext(ctx, "connecting to discord")

	openErr := make(chan error, 1)
	go func() {
		openErr <- b.discord.session.Open()
	}()

	select {
	case <-ctx.Done():
		return errStartupTimeout
	case err := <-openErr:
		if err != nil {
			logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
			return fmt.Errorf("error connecting to discord: %w", err)
		}
	}
	return nil
}

func (b *ColorBot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}

	gormLogger := newGORMLogger(
		newLogHandler(levelOrDefault(&b.config.DatabaseLogLevel, DefaultDatabaseLogLevel)),
		b.config.DatabaseSlowThreshold,
	)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	b.writeDB = NewDatabase(db, b.config.DatabaseType == dbTypePostgres)

	if b.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = b.writeDB.Migrate(ctx); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")
	return nil
}

// initDiscordSession creates the discord session (unless one was already
// set), the reconciler backed by it, and registers event handlers
func (b *ColorBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = session
	}

	directory := newDiscordDirectory(b.discord.session)
	b.notifier = directory
	b.reconciler = NewReconciler(
		directory,
		directory,
		b.logger,
		b.config.SerializeMemberCommands,
	)

	ctx = WithLogger(ctx, logger)

	b.discord.removeHandlers()

	identify := discordgo.Identify{Intents: b.config.Discord.GatewayIntents}
	if b.config.Discord.CustomStatus != "" {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: string(discordgo.StatusOnline),
		}
	}
	b.discord.session.SetIdentify(identify)

	b.discord.addHandler(b.discord.handlerConnect())
	b.discord.addHandler(b.discord.handlerDisconnect())
	b.discord.addHandler(b.discord.handlerReady())
	b.discord.addHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			runtimeWG.Add(1)
			go func() {
				defer runtimeWG.Done()
				b.handleDiscordMessage(ctx, m)
			}()
		},
	)
	return nil
}

// handleDiscordMessage runs the color command in the message, if there
// is one. Messages from bots, messages outside a guild and messages
// without a recognized command are ignored.
func (b *ColorBot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := b.getLogger(ctx)
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if m == nil || m.Message == nil {
		return
	}

	cmd := ParseCommand(m.Content)
	if cmd.Intent == IntentIgnore {
		return
	}

	user := messageAuthor(m.Message)
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message", messageLogAttrs(m.Message)...)
		return
	}
	if user.Bot {
		logger.DebugContext(ctx, "ignoring message from bot", messageLogAttrs(m.Message)...)
		return
	}
	if m.GuildID == "" {
		logger.DebugContext(ctx, "ignoring command outside of a guild", messageLogAttrs(m.Message)...)
		return
	}

	b.commandsInProgress.Add(1)
	defer b.commandsInProgress.Add(-1)
	defer b.commandsHandled.Add(1)

	logger = logger.With(slog.Group("color_command", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	start := time.Now()
	record := NewColorCommand(m.Message, cmd)
	b.runColorCommand(ctx, logger, &record, m.Message, cmd)
	record.setDuration(start)

	b.saveColorCommand(ctx, logger, &record)
}

// runColorCommand validates the command's color and reconciles the
// member's color roles, recording what happened on record
func (b *ColorBot) runColorCommand(
	ctx context.Context,
	logger *slog.Logger,
	record *ColorCommand,
	m *discordgo.Message,
	cmd Command,
) {
	req := Request{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MemberID:  record.UserID,
		Intent:    cmd.Intent,
		Raw:       cmd.Raw,
	}

	if cmd.Intent == IntentSetColor {
		color, err := ParseColor(cmd.Raw)
		if err != nil {
			msg := msgInvalidHex
			var parseErr *ParseError
			if errors.As(err, &parseErr) && parseErr.Reason == ParseErrorEmpty {
				msg = msgEmptyColor
			}
			logger.WarnContext(ctx, msg, tint.Err(err))
			notifyChannel(ctx, b.notifier, logger, m.ChannelID, msg)
			record.setRejected(err)
			return
		}
		if renderable, remapped := color.Renderable(); remapped {
			logger.WarnContext(ctx, "remapped zero color", "color", renderable)
			notifyChannel(ctx, b.notifier, logger, m.ChannelID, msgZeroColor)
			color = renderable
		}
		req.Color = color
	}

	outcome := b.reconciler.Reconcile(ctx, req)
	record.setOutcome(outcome)
	if outcome.Orphaned() {
		logger.WarnContext(
			ctx,
			"color role created but not assigned",
			"role_id", outcome.CreatedRole.ID,
			"role_name", outcome.CreatedRole.Name,
		)
	}
}

// saveColorCommand writes the record to the audit log. Failures are
// only logged, they don't affect the command.
func (b *ColorBot) saveColorCommand(ctx context.Context, logger *slog.Logger, record *ColorCommand) {
	if b.writeDB == nil {
		return
	}
	if _, err := b.writeDB.Create(context.WithoutCancel(ctx), record); err != nil {
		logger.ErrorContext(ctx, "error saving color command", tint.Err(err), "record", record)
	}
}

// Status reports the bot's discord connection state and command counters
type Status struct {
	DiscordConnected   bool  `json:"discord_connected"`
	CommandsInProgress int64 `json:"commands_in_progress"`
	CommandsHandled    int64 `json:"commands_handled"`
	Connects           int64 `json:"connects"`
	Disconnects        int64 `json:"disconnects"`

	// StartedAt is when Run was called, in unix millis (0 if never)
	StartedAt     int64 `json:"started_at"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (b *ColorBot) Status() Status {
	s := Status{
		DiscordConnected:   b.discord.connected.Load(),
		CommandsInProgress: b.commandsInProgress.Load(),
		CommandsHandled:    b.commandsHandled.Load(),
		Connects:           b.discord.metricConnects.Load(),
		Disconnects:        b.discord.metricDisconnects.Load(),
		StartedAt:          b.startedAt.Load(),
	}
	if s.StartedAt > 0 {
		s.UptimeSeconds = int64(time.Since(time.UnixMilli(s.StartedAt)) / time.Second)
	}
	return s
}

// shutdown stops accepting messages, waits up to Config.ShutdownTimeout
// for in-flight commands, then closes the API server, the discord
// session and the database
func (b *ColorBot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()

	b.discord.removeHandlers()

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error

	doneCh := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		logger.InfoContext(
			ctx,
			"finished handling in-flight commands",
			"duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		logger.ErrorContext(
			ctx,
			"timed out waiting on in-flight commands",
			"in_progress", b.commandsInProgress.Load(),
		)
		errs = append(errs, errShutdownTimeout)
	}

	if b.api != nil && b.api.httpServer != nil {
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			logger.ErrorContext(ctx, "error shutting down api server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if b.writeDB != nil {
		if sqlDB, err := b.writeDB.DB().DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.ErrorContext(ctx, "error closing database", tint.Err(closeErr))
				errs = append(errs, closeErr)
			}
		}
	}

	logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}
