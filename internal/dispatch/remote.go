package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/planner"
	"github.com/social-autopilot/pkg/httpclient"
	"github.com/social-autopilot/pkg/logger"
)

// RemoteConfig configures the HTTP scheduler backend
type RemoteConfig struct {
	BaseURL     string
	Token       string
	CallbackURL string // Public base URL of the webhook server
	Retries     int    // Delivery retries requested per message
	Location    *time.Location
	HTTP        httpclient.RetryConfig
}

// Remote publishes jobs to a QStash-style scheduler which POSTs them back to
// /workflow/{topic} with a signed body at fire time.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
	exec   failsafe.Executor[*http.Response]
	log    *logger.Logger
}

var _ Dispatcher = (*Remote)(nil)

// NewRemote creates a remote dispatcher
func NewRemote(cfg RemoteConfig, log *logger.Logger) *Remote {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.HTTP.MaxRetries == 0 && cfg.HTTP.BaseDelay == 0 {
		cfg.HTTP = httpclient.DefaultRetryConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CallbackURL = strings.TrimRight(cfg.CallbackURL, "/")
	return &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		exec:   httpclient.NewExecutor(cfg.HTTP),
		log:    log.WithComponent("dispatch-remote"),
	}
}

// Destination returns the callback URL for a topic
func (r *Remote) Destination(t Topic) string {
	return r.cfg.CallbackURL + t.WebhookPath()
}

// ScheduleOnce publishes a message delivered at fireAt. The job key is sent as
// the de-duplication id.
func (r *Remote) ScheduleOnce(ctx context.Context, job Job, fireAt time.Time) error {
	headers := map[string]string{}
	if job.Key != "" {
		headers["Upstash-Deduplication-Id"] = job.Key
	}
	if fireAt.After(time.Now()) {
		headers["Upstash-Not-Before"] = strconv.FormatInt(fireAt.Unix(), 10)
	}
	if err := r.post(ctx, "/v2/publish/"+r.Destination(job.Topic), job.Payload, headers); err != nil {
		return fmt.Errorf("failed to publish %s: %w", job.Topic, err)
	}
	r.log.Debug().Str("topic", string(job.Topic)).Str("key", job.Key).Time("fire_at", fireAt).Msg("Message published")
	return nil
}

// ScheduleRecurring upserts a schedule whose id is the job key
func (r *Remote) ScheduleRecurring(ctx context.Context, job Job, cronExpr string) error {
	if err := planner.ValidateCron(cronExpr); err != nil {
		return err
	}
	return r.upsertSchedule(ctx, job.Key, job, cronExpr)
}

// ScheduleCustom creates one schedule per weekday, since the remote cron is
// not relied on for day lists. Schedules of days no longer configured are removed.
func (r *Remote) ScheduleCustom(ctx context.Context, job Job, s models.CustomSchedule) error {
	days, err := planner.Weekdays(s.Days)
	if err != nil {
		return err
	}
	hour, minute, err := planner.ParseClock(s.Time)
	if err != nil {
		return err
	}

	if err := r.Unschedule(ctx, job.Key); err != nil {
		return err
	}
	for _, wd := range days {
		id := dayScheduleID(job.Key, wd)
		if err := r.upsertSchedule(ctx, id, job, planner.DayCron(wd, hour, minute)); err != nil {
			return err
		}
	}
	return nil
}

// Unschedule deletes the schedule under key and its per-weekday variants
func (r *Remote) Unschedule(ctx context.Context, key string) error {
	ids := []string{key}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		ids = append(ids, dayScheduleID(key, wd))
	}
	for _, id := range ids {
		if err := r.delete(ctx, "/v2/schedules/"+id); err != nil {
			return fmt.Errorf("failed to delete schedule %s: %w", id, err)
		}
	}
	return nil
}

func dayScheduleID(key string, wd time.Weekday) string {
	return key + "-" + planner.DayAbbrev(wd)
}

func (r *Remote) upsertSchedule(ctx context.Context, id string, job Job, cronExpr string) error {
	if r.cfg.Location != time.UTC {
		cronExpr = "CRON_TZ=" + r.cfg.Location.String() + " " + cronExpr
	}
	headers := map[string]string{
		"Upstash-Cron":        cronExpr,
		"Upstash-Schedule-Id": id,
	}
	if err := r.post(ctx, "/v2/schedules/"+r.Destination(job.Topic), job.Payload, headers); err != nil {
		return fmt.Errorf("failed to create schedule %s: %w", id, err)
	}
	r.log.Info().Str("topic", string(job.Topic)).Str("schedule_id", id).Str("cron", cronExpr).Msg("Schedule registered")
	return nil
}

func (r *Remote) post(ctx context.Context, path string, body []byte, headers map[string]string) error {
	resp, err := httpclient.Do(ctx, r.exec, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Upstash-Retries", strconv.Itoa(r.cfg.Retries))
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return r.client.Do(req)
	})
	if err != nil {
		return err
	}
	return checkResponse(resp)
}

func (r *Remote) delete(ctx context.Context, path string) error {
	resp, err := httpclient.Do(ctx, r.exec, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.cfg.BaseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
		return r.client.Do(req)
	})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil
	}
	return checkResponse(resp)
}

func checkResponse(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("scheduler returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
