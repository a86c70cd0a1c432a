// Package dispatch schedules jobs on a local Redis-backed queue or a remote
// HTTP scheduler that calls back through signed webhooks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/social-autopilot/internal/models"
)

// Topic names a kind of job. Each topic has one registered handler.
type Topic string

const (
	TopicPublishPost     Topic = "posts/publish"
	TopicGenerateContent Topic = "agents/generate-content"
)

// WebhookPath is the callback route the remote scheduler posts a topic's jobs to
func (t Topic) WebhookPath() string {
	return "/workflow/" + string(t)
}

// Topics lists every topic the engine handles
func Topics() []Topic {
	return []Topic{TopicPublishPost, TopicGenerateContent}
}

// Job is one unit of work for a topic. Key identifies the job for de-duplication
// and later unscheduling; Payload is the handler's JSON argument.
type Job struct {
	Topic   Topic
	Key     string
	Payload []byte
}

// Dispatcher materializes jobs on an execution backend. Implementations are
// chosen once at startup.
type Dispatcher interface {
	// ScheduleRecurring registers (or replaces) a cron-driven job under job.Key
	ScheduleRecurring(ctx context.Context, job Job, cronExpr string) error
	// ScheduleOnce runs the job once at fireAt; a past fireAt runs immediately
	ScheduleOnce(ctx context.Context, job Job, fireAt time.Time) error
	// ScheduleCustom registers (or replaces) a job firing on the given weekdays at HH:MM
	ScheduleCustom(ctx context.Context, job Job, s models.CustomSchedule) error
	// Unschedule removes recurring entries registered under key
	Unschedule(ctx context.Context, key string) error
}

var (
	// ErrPermanent marks a handler failure that must not be retried
	ErrPermanent = errors.New("permanent failure")
	// ErrUnknownTopic is returned when no handler is registered for a topic
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrInvalidSignature is returned when a callback signature does not verify
	ErrInvalidSignature = errors.New("invalid signature")
)

// Permanent wraps err so the backend does not retry the job
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
