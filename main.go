package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/justinas/alice"
	"github.com/rewardly/sync-bridge/internal/audit"
	"github.com/rewardly/sync-bridge/internal/cache"
	"github.com/rewardly/sync-bridge/internal/config"
	"github.com/rewardly/sync-bridge/internal/connectivity"
	"github.com/rewardly/sync-bridge/internal/observe"
	"github.com/rewardly/sync-bridge/internal/pipeline"
	"github.com/rewardly/sync-bridge/internal/policy"
	"github.com/rewardly/sync-bridge/internal/queue"
	"github.com/rewardly/sync-bridge/internal/request"
	"github.com/rewardly/sync-bridge/internal/server"
	"github.com/rewardly/sync-bridge/internal/session"
	"github.com/rewardly/sync-bridge/internal/storage"
	"github.com/rewardly/sync-bridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// core is the set of collaborating components the daemon serves.
type core struct {
	sessions  *session.Manager
	responses cache.TaggedCache[*request.Response]
	queue     *queue.Queue
	notifier  *connectivity.Notifier
	pipeline  *pipeline.Pipeline
}

// buildCore wires the components described by cfg. Every resource opened is
// registered with hooks, so the caller releases them by executing the hooks
// whether or not construction succeeded.
func buildCore(ctx context.Context, cfg config.Config, client *http.Client, hooks *server.ShutdownHooks) (*core, error) {
	store, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage configuration failed: %w", err)
	}
	hooks.AddClose("storage", store)

	responses, err := cache.NewFromConfig[*request.Response](cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache configuration failed: %w", err)
	}
	hooks.AddClose("cache", responses)

	adapter := transport.NewHTTP(client, cfg.Client.RequestTimeout())

	refresher, err := session.NewHTTPRefresher(adapter, cfg.Client.BaseURL, cfg.Client.RefreshPath)
	if err != nil {
		return nil, fmt.Errorf("session refresher configuration failed: %w", err)
	}

	sessions := session.NewManager(store, refresher,
		session.WithSkew(cfg.Client.TokenSkew()),
		session.WithLogoutHook(func(ctx context.Context) {
			// a new session must never observe the previous session's data
			if err := responses.Clear(ctx); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("clearing response cache on logout failed")
			}
		}),
	)
	if err := sessions.Restore(ctx); err != nil {
		return nil, fmt.Errorf("session restore failed: %w", err)
	}

	resources, err := loadPolicy(cfg)
	if err != nil {
		return nil, err
	}

	q, err := queue.NewFromConfig(ctx, cfg.Queue, store)
	if err != nil {
		return nil, fmt.Errorf("queue configuration failed: %w", err)
	}

	// the backend is assumed reachable until reported otherwise
	notifier := connectivity.NewNotifier(connectivity.Online)

	p, err := pipeline.New(cfg.Client.BaseURL, adapter, sessions, responses,
		pipeline.WithQueue(q),
		pipeline.WithConnectivity(notifier),
		pipeline.WithPolicy(resources),
		pipeline.WithRetryPolicy(request.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval(),
			MaxInterval:     cfg.Retry.MaxInterval(),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline configuration failed: %w", err)
	}

	return &core{
		sessions:  sessions,
		responses: responses,
		queue:     q,
		notifier:  notifier,
		pipeline:  p,
	}, nil
}

func loadPolicy(cfg config.Config) (*policy.Policy, error) {
	if cfg.Client.PolicyFile == "" {
		return policy.Default(cfg.Cache.DefaultTTL()), nil
	}

	p, err := policy.Load(cfg.Client.PolicyFile, cfg.Cache.DefaultTTL())
	if err != nil {
		return nil, fmt.Errorf("resource policy load failed: %w", err)
	}

	log.Info().
		Str("path", cfg.Client.PolicyFile).
		Int("resources", len(p.Resources)).
		Msg("resource policy loaded")

	return p, nil
}

// start runs the background work of the core: an initial drain of anything
// queued by a previous run, then a drain on every return to online.
func (c *core) start(ctx context.Context) {
	states, unsubscribe := c.notifier.Subscribe()

	go func() {
		defer unsubscribe()

		if c.queue.Len() > 0 && c.sessions.State() != session.StateLoggedOut {
			if _, err := c.queue.Drain(ctx, c.pipeline); err != nil {
				log.Info().Err(err).Msg("startup drain stopped; entries remain queued")
			}
		}

		c.queue.Watch(ctx, states, c.pipeline)
	}()
}

func configureServerRoutes(c *core) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	mux := observe.NewMux(http.NewServeMux())

	// The control API only accepts small JSON documents. Proxied request
	// bodies are bounded by the same limit.
	requestLimitBytes := int64(256 << 10) // 256 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	auditedRouteMiddleware := alice.New(requestLimiter, audit.Middleware())
	standardRouteMiddleware := alice.New(requestLimiter)

	mux.Handle("GET /session", auditedRouteMiddleware.Then(handleGetSession(c.sessions)))
	mux.Handle("POST /session", auditedRouteMiddleware.Then(handlePostSession(c.sessions)))
	mux.Handle("DELETE /session", auditedRouteMiddleware.Then(handleDeleteSession(c.sessions)))

	mux.Handle("POST /requests", auditedRouteMiddleware.Then(handlePostRequest(c.pipeline)))

	mux.Handle("GET /queue", auditedRouteMiddleware.Then(handleGetQueue(c.queue)))
	mux.Handle("POST /queue/drain", auditedRouteMiddleware.Then(handlePostDrain(c.queue, c.pipeline)))
	mux.Handle("DELETE /queue/{id}", auditedRouteMiddleware.Then(handleDeleteQueueEntry(c.queue)))

	mux.Handle("POST /connectivity/{state}", auditedRouteMiddleware.Then(handlePostConnectivity(c.notifier)))

	// healthchecks are not included in telemetry
	mux.HandleUntraced("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}
	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	// configure telemetry, including wrapping the backend HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}
	hooks.AddContext("telemetry", shutdownTelemetry)

	client := &http.Client{
		Transport: observe.HTTPTransport(
			configureHTTPTransport(cfg.Client),
			cfg.Observe,
		),
	}

	c, err := buildCore(ctx, cfg, client, hooks)
	if err != nil {
		hooks.Execute(context.WithoutCancel(ctx))
		return err
	}

	c.start(ctx)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		hooks.Execute(context.WithoutCancel(ctx))
		return fmt.Errorf("listen failed: %w", err)
	}

	srv := &http.Server{
		Handler:           configureServerRoutes(c),
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = server.Serve(ctx, srv, ln, shutdownTimeout, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	// audit entries are written above every standard level
	levelName := zerolog.LevelFieldMarshalFunc
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		if l == audit.Level {
			return audit.LevelName
		}
		return levelName(l)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

// configureHTTPTransport bounds the connection pool to the backend. A mobile
// client keeps few connections open, and the backend's rate limits apply per
// client.
func configureHTTPTransport(cfg config.ClientConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxIdleConnsPerHost = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
