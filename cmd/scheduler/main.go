package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/social-autopilot/internal/app"
	"github.com/social-autopilot/internal/config"
	"github.com/social-autopilot/internal/dispatch"
	"github.com/social-autopilot/internal/webhook"
	"github.com/social-autopilot/pkg/logger"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "autopilot-scheduler",
		Short: "Scheduling and publishing daemon",
		Long: `Runs the job worker, the periodic publish sweep, schedule resync and the
webhook server that receives remote scheduler callbacks and rule saves.`,
		RunE: runScheduler,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	log.Info().Str("backend", cfg.Dispatch.Backend).Msg("Starting autopilot scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
	}()

	if a.Ledger != nil {
		if err := a.Ledger.InitializeSheet(ctx); err != nil {
			log.Warn().Err(err).Msg("Ledger sheet not initialized")
		}
	}

	if err := a.StartScheduler(); err != nil {
		return err
	}
	if err := a.StartWorker(); err != nil {
		return err
	}

	// Local cron entries are lost on restart
	if n, err := a.Automation.Resync(ctx); err != nil {
		log.Error().Err(err).Msg("Startup resync failed")
	} else {
		log.Info().Int("agents", n).Msg("Schedules registered")
	}

	c := cron.New(cron.WithLocation(cfg.Scheduler.Location()), cron.WithLogger(cronLogger{log}))

	if _, err := c.AddFunc(cfg.Scheduler.SweepCron, func() {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		a.Sweeper.Run(runCtx)
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	log.Info().Str("cron", cfg.Scheduler.SweepCron).Msg("Publish sweep scheduled")

	if _, err := c.AddFunc(cfg.Scheduler.ResyncCron, func() {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if _, err := a.Automation.Resync(runCtx); err != nil {
			log.Error().Err(err).Msg("Scheduled resync failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule resync: %w", err)
	}
	log.Info().Str("cron", cfg.Scheduler.ResyncCron).Msg("Schedule resync scheduled")

	c.Start()
	defer func() { <-c.Stop().Done() }()

	srv, err := newWebhookServer(a)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if err := srv.Run(ctx, addr); err != nil {
		return err
	}
	log.Info().Msg("Shutting down scheduler")
	return nil
}

func newWebhookServer(a *app.App) (*webhook.Server, error) {
	cfg := a.Config
	opts := []webhook.Option{
		webhook.WithTriggers(a.Automation),
		webhook.WithMetrics(a.Metrics, a.Registry),
	}

	publicURL := cfg.Server.PublicURL
	if cfg.Dispatch.Backend == config.BackendRemote {
		r := cfg.Dispatch.Remote
		opts = append(opts, webhook.WithVerifier(dispatch.NewVerifier(r.CurrentSigningKey, r.NextSigningKey)))
		if publicURL == "" {
			publicURL = r.CallbackURL
		}
		if cfg.Redis.URL != "" {
			client, err := a.RedisClient()
			if err != nil {
				return nil, err
			}
			opts = append(opts, webhook.WithDeduper(webhook.NewDeduper(client, 0)))
		}
	}

	return webhook.New(webhook.Config{PublicURL: publicURL}, a.Handlers, a.Repo, a.Log, opts...), nil
}

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
