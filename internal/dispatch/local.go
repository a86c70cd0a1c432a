package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/planner"
	"github.com/social-autopilot/pkg/logger"
)

// taskEnqueuer is the subset of *asynq.Client used for one-shot jobs
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// cronRegistrar is the subset of *asynq.Scheduler used for recurring jobs
type cronRegistrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
	Unregister(entryID string) error
}

// LocalConfig configures the queue-backed dispatcher
type LocalConfig struct {
	Queue     string
	MaxRetry  int
	Retention time.Duration
}

// Local schedules jobs on asynq: delayed tasks for one-shots and scheduler
// entries for cron repeats. Scheduler entries live in process memory, so the
// daemon re-registers them on start.
type Local struct {
	client    taskEnqueuer
	scheduler cronRegistrar
	cfg       LocalConfig
	log       *logger.Logger

	mu      sync.Mutex
	entries map[string][]string // job key -> scheduler entry ids
}

var _ Dispatcher = (*Local)(nil)

// NewLocal creates a dispatcher over an asynq client and scheduler
func NewLocal(client *asynq.Client, scheduler *asynq.Scheduler, cfg LocalConfig, log *logger.Logger) *Local {
	return newLocal(client, scheduler, cfg, log)
}

func newLocal(client taskEnqueuer, scheduler cronRegistrar, cfg LocalConfig, log *logger.Logger) *Local {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Local{
		client:    client,
		scheduler: scheduler,
		cfg:       cfg,
		log:       log.WithComponent("dispatch-local"),
		entries:   make(map[string][]string),
	}
}

func (l *Local) options() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(l.cfg.Queue),
		asynq.MaxRetry(l.cfg.MaxRetry),
		// Completed tasks are dropped after the retention period
		asynq.Retention(l.cfg.Retention),
	}
}

// ScheduleOnce enqueues a delayed task. The job key doubles as the task id so a
// second enqueue of the same key is absorbed.
func (l *Local) ScheduleOnce(ctx context.Context, job Job, fireAt time.Time) error {
	task := asynq.NewTask(string(job.Topic), job.Payload)
	opts := append(l.options(), asynq.ProcessAt(fireAt))
	if job.Key != "" {
		opts = append(opts, asynq.TaskID(job.Key))
	}

	info, err := l.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			l.log.Debug().Str("key", job.Key).Msg("One-shot job already queued")
			return nil
		}
		return fmt.Errorf("failed to enqueue %s: %w", job.Topic, err)
	}

	l.log.Debug().
		Str("topic", string(job.Topic)).
		Str("key", job.Key).
		Str("task_id", info.ID).
		Time("fire_at", fireAt).
		Msg("One-shot job queued")
	return nil
}

// ScheduleRecurring replaces any entries under job.Key with one cron entry
func (l *Local) ScheduleRecurring(ctx context.Context, job Job, cronExpr string) error {
	if err := planner.ValidateCron(cronExpr); err != nil {
		return err
	}
	return l.replace(job, []string{cronExpr})
}

// ScheduleCustom registers a single day-list cron entry for the custom schedule
func (l *Local) ScheduleCustom(ctx context.Context, job Job, s models.CustomSchedule) error {
	expr, err := planner.CustomCron(s.Days, s.Time)
	if err != nil {
		return err
	}
	return l.replace(job, []string{expr})
}

// Unschedule removes the cron entries under key
func (l *Local) Unschedule(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unregisterLocked(key)
}

func (l *Local) replace(job Job, exprs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.unregisterLocked(job.Key); err != nil {
		return err
	}

	ids := make([]string, 0, len(exprs))
	for _, expr := range exprs {
		task := asynq.NewTask(string(job.Topic), job.Payload)
		id, err := l.scheduler.Register(expr, task, l.options()...)
		if err != nil {
			for _, registered := range ids {
				_ = l.scheduler.Unregister(registered)
			}
			return fmt.Errorf("failed to register %q: %w", expr, err)
		}
		ids = append(ids, id)
		l.log.Info().
			Str("topic", string(job.Topic)).
			Str("key", job.Key).
			Str("cron", expr).
			Str("entry_id", id).
			Msg("Recurring job registered")
	}
	l.entries[job.Key] = ids
	return nil
}

func (l *Local) unregisterLocked(key string) error {
	for _, id := range l.entries[key] {
		if err := l.scheduler.Unregister(id); err != nil {
			return fmt.Errorf("failed to unregister entry %s: %w", id, err)
		}
	}
	delete(l.entries, key)
	return nil
}

// Keys returns the job keys with registered cron entries
func (l *Local) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	return keys
}
