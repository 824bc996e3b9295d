package colorbot

import (
	"context"
	"crypto/tls"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	apiPrefix                = "/api"
	apiPathHealthCheck       = "/healthcheck"
	apiPathListColorCommands = "/color_commands"
	apiPathGetColorCommand   = "/color_commands/:id"
)

const (
	xRequestIDHeader = "X-Request-ID"
)

var (
	structValidator = validator.New()
)

// API is the read-only status API. It reports the bot's connection
// state and command counters, and serves the ColorCommand audit log.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestLimiter   *rate.Limiter
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

func newAPI(b *ColorBot, config *APIConfig) (*API, error) {
	logger := slog.New(
		newLogHandler(levelOrDefault(&config.LogLevel, DefaultAPILogLevel)),
	).With(loggerNameKey, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.RequestBurst
	if burst < 1 {
		burst = 1
	}

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		requestLimiter: rate.NewLimiter(limit, burst),
		logger:         logger,
		handlers:       &APIHandlers{b: b},
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}
	if len(corsConfig.AllowMethods) == 0 {
		corsConfig.AllowMethods = append([]string{}, DefaultCORSAllowMethods...)
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		rateLimitMiddleware(api.requestLimiter),
		cors.New(corsConfig),
	)

	g := r.Group(apiPrefix)
	g.GET(apiPathHealthCheck, api.handlers.healthCheck)
	g.GET(apiPathListColorCommands, api.handlers.listColorCommands)
	g.GET(apiPathGetColorCommand, api.handlers.getColorCommand)

	return api, nil
}

// Serve listens on the configured address (with TLS when a cert and key
// are configured) and serves the API until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String(), "tls", a.httpServer.TLSConfig != nil)
	return a.httpServer.Serve(a.listener)
}

// RequestMetrics returns a copy of the request counts, keyed by
// method and path
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

type APIHandlers struct {
	b *ColorBot
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.Status())
}

// listColorCommands returns the most recent ColorCommand records,
// optionally filtered by guild_id and user_id
func (h *APIHandlers) listColorCommands(c *gin.Context) {
	var filter ColorCommandFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query: " + err.Error()})
		return
	}

	commands, err := ListColorCommands(c.Request.Context(), h.b.writeDB.DB(), filter)
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error getting color commands",
			tint.Err(err),
		)
		ginReplyError(c, "error getting color commands")
		return
	}
	if commands == nil {
		commands = []ColorCommand{}
	}
	c.JSON(http.StatusOK, commands)
}

func (h *APIHandlers) getColorCommand(c *gin.Context) {
	logger := ginContextLogger(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid color command id"})
		return
	}

	cmd, found, err := GetColorCommand(c.Request.Context(), h.b.writeDB.DB(), uint(id))
	switch {
	case err != nil:
		logger.ErrorContext(c.Request.Context(), "error getting color command", tint.Err(err), "id", id)
		ginReplyError(c, "error getting color command")
	case !found:
		c.JSON(http.StatusNotFound, httpError{Error: "color command not found"})
	default:
		c.JSON(http.StatusOK, cmd)
	}
}

type httpError struct {
	Error string `json:"error"`
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included
// and stores it in the context
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and
// response status
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, path)

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

// rateLimitMiddleware rejects requests with 429 when the limiter has
// no tokens available
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		c.Next()
	}
}

// ginReplyError sends a JSON response with the given message, with HTTP
// status code 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // validator tag name must match gin's
func init() {
	structValidator.SetTagName("binding")
}
