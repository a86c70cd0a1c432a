package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/pkg/logger"
)

// asynqLoggerAdapter routes asynq's logs through zerolog
type asynqLoggerAdapter struct {
	log *logger.Logger
}

func (a *asynqLoggerAdapter) Debug(args ...interface{}) { a.log.Debug().Msg(fmt.Sprint(args...)) }
func (a *asynqLoggerAdapter) Info(args ...interface{})  { a.log.Info().Msg(fmt.Sprint(args...)) }
func (a *asynqLoggerAdapter) Warn(args ...interface{})  { a.log.Warn().Msg(fmt.Sprint(args...)) }
func (a *asynqLoggerAdapter) Error(args ...interface{}) { a.log.Error().Msg(fmt.Sprint(args...)) }
func (a *asynqLoggerAdapter) Fatal(args ...interface{}) {
	a.log.Error().Msg(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}

// NewAsynqLogger adapts a logger to asynq.Logger
func NewAsynqLogger(log *logger.Logger) asynq.Logger {
	return &asynqLoggerAdapter{log: log}
}

// RetryDelay is exponential backoff for failed tasks: 10s, 20s, 40s ... capped at 10m
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n > 6 {
		return 10 * time.Minute
	}
	d := 10 * time.Second << uint(n)
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}

// NewServeMux routes every registered topic to the registry. Permanent failures
// skip asynq's retries.
func NewServeMux(registry *Registry, m *metrics.Metrics, log *logger.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, name := range registry.Names() {
		mux.HandleFunc(name, taskHandler(registry, name, m, log))
	}
	return mux
}

func taskHandler(registry *Registry, name string, m *metrics.Metrics, log *logger.Logger) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		start := time.Now()
		err := registry.Invoke(ctx, name, task.Payload())
		switch {
		case err == nil:
			m.ObserveJob(name, "ok", time.Since(start))
			return nil
		case IsPermanent(err):
			m.ObserveJob(name, "dropped", time.Since(start))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		default:
			m.ObserveJob(name, "error", time.Since(start))
			log.Warn().Err(err).Str("topic", name).Msg("Job failed, will retry")
			return err
		}
	}
}

// ErrorHandler logs task failures and dead-lettering
func ErrorHandler(log *logger.Logger) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		log.Error().
			Err(err).
			Str("task_type", task.Type()).
			Int("retry_count", retried).
			Int("max_retry", maxRetry).
			Msg("Task execution failed")

		if retried >= maxRetry {
			log.Error().
				Str("task_type", task.Type()).
				Str("payload", string(task.Payload())).
				Msg("Task archived (all retries exhausted)")
		}
	})
}
