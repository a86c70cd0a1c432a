// Package webhook serves the remote scheduler's signed callbacks and the rule-save API.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/social-autopilot/internal/automation"
	"github.com/social-autopilot/internal/dispatch"
	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
)

// Headers set by the remote scheduler on every delivery
const (
	HeaderSignature    = "Upstash-Signature"
	HeaderMessageID    = "Upstash-Message-Id"
	HeaderNonRetryable = "Upstash-NonRetryable-Error"
	HeaderUserID       = "X-User-ID"
)

// statusNonRetryable tells the remote scheduler to stop redelivering a message
const statusNonRetryable = 489

// TriggerSaver persists trigger rules
type TriggerSaver interface {
	SaveTriggers(ctx context.Context, agentID string, data automation.TriggerData, userID string) ([]*models.AutomationRule, error)
}

// Pinger reports store reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server settings
type Config struct {
	// PublicURL is the externally visible base URL; when set, callback signatures
	// must name the exact callback URL.
	PublicURL string
}

// Server routes callbacks to the dispatch registry
type Server struct {
	cfg      Config
	registry *dispatch.Registry
	verifier *dispatch.Verifier
	dedup    *Deduper
	triggers TriggerSaver
	health   Pinger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *logger.Logger
}

// Option configures a Server
type Option func(*Server)

// WithVerifier enables signature checks on callbacks. Without it callbacks are refused.
func WithVerifier(v *dispatch.Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithDeduper enables message-id de-duplication
func WithDeduper(d *Deduper) Option {
	return func(s *Server) { s.dedup = d }
}

// WithTriggers mounts the rule-save endpoint
func WithTriggers(t TriggerSaver) Option {
	return func(s *Server) { s.triggers = t }
}

// WithMetrics records callback outcomes and exposes g on /metrics
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// New creates the server
func New(cfg Config, registry *dispatch.Registry, health Pinger, log *logger.Logger, opts ...Option) *Server {
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	s := &Server{
		cfg:      cfg,
		registry: registry,
		health:   health,
		log:      log.WithComponent("webhook"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	for _, topic := range dispatch.Topics() {
		r.POST(topic.WebhookPath(), s.handleCallback(topic))
	}
	if s.triggers != nil {
		r.PUT("/api/agents/:agentID/triggers", s.handleSaveTriggers)
	}
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Webhook server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request served")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			s.log.Error().Err(err).Msg("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCallback verifies the signature over the raw body before anything runs
func (s *Server) handleCallback(topic dispatch.Topic) gin.HandlerFunc {
	name := string(topic)
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		if err := s.verify(c.GetHeader(HeaderSignature), body, topic); err != nil {
			s.metrics.SignatureFailure()
			s.log.Warn().Err(err).Str("topic", name).Str("remote", c.ClientIP()).Msg("Rejected callback")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		messageID := c.GetHeader(HeaderMessageID)
		if s.dedup != nil && messageID != "" {
			claimed, err := s.dedup.Claim(c.Request.Context(), messageID)
			if err != nil {
				// without redis the delivery still runs; publishing is guarded by the post claim
				s.log.Warn().Err(err).Str("message_id", messageID).Msg("De-duplication unavailable")
			} else if !claimed {
				s.metrics.DuplicateDelivery()
				s.log.Info().Str("topic", name).Str("message_id", messageID).Msg("Duplicate delivery ignored")
				c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
				return
			}
		}

		start := time.Now()
		err = s.registry.Invoke(c.Request.Context(), name, body)
		switch {
		case err == nil:
			s.metrics.ObserveJob(name, "ok", time.Since(start))
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		case dispatch.IsPermanent(err):
			s.metrics.ObserveJob(name, "dropped", time.Since(start))
			s.log.Error().Err(err).Str("topic", name).Str("message_id", messageID).Msg("Callback failed permanently")
			c.Header(HeaderNonRetryable, "true")
			c.JSON(statusNonRetryable, gin.H{"error": err.Error()})
		default:
			s.metrics.ObserveJob(name, "error", time.Since(start))
			s.log.Warn().Err(err).Str("topic", name).Str("message_id", messageID).Msg("Callback failed, scheduler will redeliver")
			if s.dedup != nil && messageID != "" {
				if rerr := s.dedup.Release(context.WithoutCancel(c.Request.Context()), messageID); rerr != nil {
					s.log.Warn().Err(rerr).Str("message_id", messageID).Msg("Failed to release delivery")
				}
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func (s *Server) verify(signature string, body []byte, topic dispatch.Topic) error {
	if s.verifier == nil {
		return fmt.Errorf("%w: callbacks are not enabled", dispatch.ErrInvalidSignature)
	}
	url := ""
	if s.cfg.PublicURL != "" {
		url = s.cfg.PublicURL + topic.WebhookPath()
	}
	return s.verifier.Verify(signature, body, url)
}

func (s *Server) handleSaveTriggers(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUserID})
		return
	}

	var data automation.TriggerData
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	agentID := c.Param("agentID")
	rules, err := s.triggers.SaveTriggers(c.Request.Context(), agentID, data, userID)
	if err != nil {
		var verr *automation.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
			return
		}
		s.log.WithAgentID(agentID).Error().Err(err).Msg("Failed to save triggers")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save triggers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": agentID, "triggers": rules})
}
