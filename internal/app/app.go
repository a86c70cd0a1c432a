// Package app assembles the engine's components from configuration. Both the
// daemon and the operator CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/social-autopilot/internal/ai"
	"github.com/social-autopilot/internal/automation"
	"github.com/social-autopilot/internal/config"
	"github.com/social-autopilot/internal/connector"
	"github.com/social-autopilot/internal/dispatch"
	"github.com/social-autopilot/internal/generation"
	"github.com/social-autopilot/internal/lifecycle"
	"github.com/social-autopilot/internal/linkedin"
	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/planner"
	"github.com/social-autopilot/internal/publisher"
	"github.com/social-autopilot/internal/source"
	"github.com/social-autopilot/internal/source/rss"
	"github.com/social-autopilot/internal/storage/gormstore"
	"github.com/social-autopilot/internal/tracker"
	"github.com/social-autopilot/internal/twitter"
	"github.com/social-autopilot/pkg/httpclient"
	"github.com/social-autopilot/pkg/logger"
	"github.com/social-autopilot/pkg/ratelimit"
)

// App holds every wired component
type App struct {
	Config     *config.Config
	Log        *logger.Logger
	Repo       *gormstore.Repository
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Limiter    *ratelimit.MultiLimiter
	Dispatcher dispatch.Dispatcher
	Handlers   *dispatch.Registry
	Planner    *planner.Planner
	Lifecycle  *lifecycle.Manager
	Publisher  *publisher.Publisher
	Generator  *generation.Coordinator
	Automation *automation.Service
	Sweeper    *automation.Sweeper
	Ledger     *tracker.Ledger

	redisOpt  asynq.RedisConnOpt
	scheduler *asynq.Scheduler
	closers   []func() error
}

// New wires the engine. The caller must Close the app.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a = &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Repo, err = gormstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, a.Repo.Close)
	if err := a.Repo.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Limiter = ratelimit.NewDefaultLimiter(ratelimit.Rates{
		PlatformRequestsPerMinute:   cfg.RateLimit.PlatformRequestsPerMinute,
		GenerationRequestsPerMinute: cfg.RateLimit.GenerationRequestsPerMinute,
	})

	if err := a.buildDispatcher(); err != nil {
		return nil, err
	}

	if cfg.Tracker.Enabled {
		a.Ledger, err = tracker.NewLedger(ctx, cfg.Tracker, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger: %w", err)
		}
	}

	sched := cfg.Scheduler
	a.Planner = planner.New(
		planner.WithLocation(sched.Location()),
		planner.WithWindow(planner.Window{StartHour: sched.WindowStartHour, EndHour: sched.WindowEndHour}),
		planner.WithGenerationHour(sched.GenerationHour),
	)

	lcOpts := []lifecycle.Option{
		lifecycle.WithPublishWindow(sched.PublishWindow),
		lifecycle.WithStaleAfter(sched.StaleAfter),
	}
	if a.Ledger != nil {
		lcOpts = append(lcOpts, lifecycle.WithRecorder(a.Ledger))
	}
	a.Lifecycle = lifecycle.NewManager(a.Repo, a.Dispatcher, log, lcOpts...)

	a.Publisher = publisher.New(a.Repo, a.Lifecycle, a.buildConnectors(), a.Metrics, log)
	a.Generator = generation.NewCoordinator(a.buildRuntime(), a.Repo, generation.Config{
		PollInterval:    cfg.Generation.PollInterval,
		MaxPollAttempts: cfg.Generation.MaxPollAttempts,
		MaxHeadlines:    cfg.Sources.RSS.MaxHeadlines,
	}, log, a.generationOptions()...)

	a.Automation = automation.NewService(a.Repo, a.Planner, a.Dispatcher, a.Generator, a.Lifecycle, nil, log)
	a.closers = append(a.closers, func() error { a.Automation.Wait(); return nil })
	a.Sweeper = automation.NewSweeper(a.Publisher, a.Lifecycle, a.Metrics, log)

	a.Handlers, err = dispatch.NewRegistry(a.Publisher.Handler(), a.Automation.Handler())
	if err != nil {
		return nil, fmt.Errorf("failed to register handlers: %w", err)
	}
	return a, nil
}

func (a *App) buildDispatcher() error {
	cfg := a.Config
	switch cfg.Dispatch.Backend {
	case config.BackendRemote:
		r := cfg.Dispatch.Remote
		a.Dispatcher = dispatch.NewRemote(dispatch.RemoteConfig{
			BaseURL:     r.BaseURL,
			Token:       r.Token,
			CallbackURL: r.CallbackURL,
			Retries:     r.MaxRetries,
			Location:    cfg.Scheduler.Location(),
		}, a.Log)
		a.Log.Info().Str("base_url", r.BaseURL).Msg("Using remote dispatch backend")
		return nil

	default:
		opt, err := asynq.ParseRedisURI(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis.url: %w", err)
		}
		a.redisOpt = opt

		client := asynq.NewClient(opt)
		a.closers = append(a.closers, client.Close)
		a.scheduler = asynq.NewScheduler(opt, &asynq.SchedulerOpts{
			Location: cfg.Scheduler.Location(),
			Logger:   dispatch.NewAsynqLogger(a.Log.WithComponent("asynq-scheduler")),
		})

		l := cfg.Dispatch.Local
		a.Dispatcher = dispatch.NewLocal(client, a.scheduler, dispatch.LocalConfig{
			Queue:     l.Queue,
			MaxRetry:  l.MaxRetry,
			Retention: l.Retention,
		}, a.Log)
		a.Log.Info().Str("queue", l.Queue).Msg("Using local dispatch backend")
		return nil
	}
}

func (a *App) buildConnectors() *connector.Registry {
	cfg := a.Config
	retry := ratelimit.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	}
	tokens := connector.NewTokens(map[string]*oauth2.Config{
		models.PlatformLinkedIn: linkedin.OAuthConfig(cfg.LinkedIn),
		models.PlatformTwitter:  twitter.OAuthConfig(cfg.Twitter),
	}, a.Repo, nil, a.Log)

	return connector.NewRegistry(
		linkedin.NewClient(cfg.LinkedIn, retry, nil, tokens, a.Limiter, a.Metrics, a.Log),
		twitter.NewClient(cfg.Twitter, retry, nil, tokens, a.Limiter, a.Metrics, a.Log),
	)
}

func (a *App) buildRuntime() generation.Runtime {
	cfg := a.Config
	if cfg.Generation.Provider == config.ProviderAnthropic {
		rt := ai.NewRuntime(ai.NewClient(cfg.Anthropic, a.Limiter, a.Log), a.Log)
		a.closers = append(a.closers, func() error { rt.Wait(); return nil })
		return rt
	}
	return generation.NewHTTPRuntime(cfg.Generation.Runtime, httpclient.DefaultRetryConfig(), a.Log)
}

func (a *App) generationOptions() []generation.Option {
	opts := []generation.Option{
		generation.WithLimiter(a.Limiter),
		generation.WithMetrics(a.Metrics),
	}
	if a.Config.Sources.RSS.Enabled {
		opts = append(opts, generation.WithHeadlines(
			source.NewInspiration(source.NewManager(), rss.Factory(a.Log), a.Limiter, a.Log),
		))
	}
	return opts
}

// Local reports whether jobs run on the in-process queue
func (a *App) Local() bool {
	return a.scheduler != nil
}

// StartScheduler starts the local cron scheduler. It is a no-op on the remote backend.
func (a *App) StartScheduler() error {
	if a.scheduler == nil {
		return nil
	}
	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.closers = append(a.closers, func() error { a.scheduler.Shutdown(); return nil })
	return nil
}

// StartWorker runs the local queue's worker until Close. It is a no-op on the remote backend.
func (a *App) StartWorker() error {
	if a.redisOpt == nil {
		return nil
	}
	l := a.Config.Dispatch.Local
	queue := l.Queue
	if queue == "" {
		queue = "default"
	}
	srv := asynq.NewServer(a.redisOpt, asynq.Config{
		Concurrency:    l.Concurrency,
		Queues:         map[string]int{queue: 1},
		RetryDelayFunc: dispatch.RetryDelay,
		ErrorHandler:   dispatch.ErrorHandler(a.Log),
		Logger:         dispatch.NewAsynqLogger(a.Log.WithComponent("asynq-worker")),
	})
	if err := srv.Start(dispatch.NewServeMux(a.Handlers, a.Metrics, a.Log)); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	a.closers = append(a.closers, func() error { srv.Shutdown(); return nil })
	return nil
}

// RedisClient opens a client on the configured Redis URL
func (a *App) RedisClient() (*redis.Client, error) {
	opts, err := redis.ParseURL(a.Config.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis.url: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, client.Close)
	return client, nil
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
