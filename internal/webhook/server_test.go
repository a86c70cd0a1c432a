package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/social-autopilot/internal/automation"
	"github.com/social-autopilot/internal/dispatch"
	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
)

const (
	signingKey = "sig_current"
	publicURL  = "https://autopilot.example.com"
)

type harness struct {
	router   *gin.Engine
	reg      *prometheus.Registry
	calls    int32
	result   error
	payloads [][]byte
	triggers *triggerStub
	pinger   *pingStub
	redis    *miniredis.Miniredis
}

type triggerStub struct {
	agentID string
	userID  string
	data    automation.TriggerData
	err     error
}

func (t *triggerStub) SaveTriggers(_ context.Context, agentID string, data automation.TriggerData, userID string) ([]*models.AutomationRule, error) {
	t.agentID, t.userID, t.data = agentID, userID, data
	if t.err != nil {
		return nil, t.err
	}
	return []*models.AutomationRule{{AgentID: agentID, Category: models.TriggerNewPosts, Enabled: true}}, nil
}

type pingStub struct{ err error }

func (p *pingStub) Ping(context.Context) error { return p.err }

func setup(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{triggers: &triggerStub{}, pinger: &pingStub{}, reg: prometheus.NewRegistry()}
	handler := func(topic dispatch.Topic) dispatch.Handler {
		return dispatch.HandlerFunc(topic, func(_ context.Context, payload []byte) error {
			atomic.AddInt32(&h.calls, 1)
			h.payloads = append(h.payloads, payload)
			return h.result
		})
	}
	registry, err := dispatch.NewRegistry(handler(dispatch.TopicPublishPost), handler(dispatch.TopicGenerateContent))
	require.NoError(t, err)

	h.redis = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: h.redis.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	srv := New(Config{PublicURL: publicURL + "/"}, registry, h.pinger, logger.Nop(),
		WithVerifier(dispatch.NewVerifier(signingKey, "")),
		WithDeduper(NewDeduper(client, time.Hour)),
		WithTriggers(h.triggers),
		WithMetrics(metrics.New(h.reg), h.reg),
	)
	h.router = srv.Router()
	return h
}

func (h *harness) deliver(t *testing.T, topic dispatch.Topic, body, messageID string, sign func(url string, body []byte) string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, topic.WebhookPath(), strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sign != nil {
		req.Header.Set(HeaderSignature, sign(publicURL+topic.WebhookPath(), []byte(body)))
	}
	if messageID != "" {
		req.Header.Set(HeaderMessageID, messageID)
	}
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	return resp
}

func validSignature(t *testing.T) func(string, []byte) string {
	return func(url string, body []byte) string {
		sig, err := dispatch.SignCallback(signingKey, url, body, time.Now())
		require.NoError(t, err)
		return sig
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCallback_ValidSignatureRunsHandler(t *testing.T) {
	h := setup(t)
	body := `{"postId":"p-1"}`

	resp := h.deliver(t, dispatch.TopicPublishPost, body, "msg-1", validSignature(t))

	assert.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, int32(1), atomic.LoadInt32(&h.calls))
	assert.JSONEq(t, body, string(h.payloads[0]))
}

func TestCallback_RejectsBadSignatures(t *testing.T) {
	tests := []struct {
		name string
		sign func(url string, body []byte) string
	}{
		{"missing", nil},
		{"wrong key", func(url string, body []byte) string {
			sig, _ := dispatch.SignCallback("other-key", url, body, time.Now())
			return sig
		}},
		{"body tampered", func(url string, _ []byte) string {
			sig, _ := dispatch.SignCallback(signingKey, url, []byte(`{"postId":"p-2"}`), time.Now())
			return sig
		}},
		{"other callback url", func(_ string, body []byte) string {
			sig, _ := dispatch.SignCallback(signingKey, publicURL+"/workflow/agents/generate-content", body, time.Now())
			return sig
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t)
			resp := h.deliver(t, dispatch.TopicPublishPost, `{"postId":"p-1"}`, "msg-1", tt.sign)

			assert.Equal(t, http.StatusUnauthorized, resp.Code)
			assert.Zero(t, atomic.LoadInt32(&h.calls))
			assert.Equal(t, 1.0, counterValue(t, h.reg, "autopilot_webhook_signature_failures_total"))
			// a rejected delivery never claims its message id
			assert.False(t, h.redis.Exists(dedupPrefix+"msg-1"))
		})
	}
}

func TestCallback_DuplicateDeliveryIgnored(t *testing.T) {
	h := setup(t)
	body := `{"agentId":"a-1"}`

	first := h.deliver(t, dispatch.TopicGenerateContent, body, "msg-7", validSignature(t))
	second := h.deliver(t, dispatch.TopicGenerateContent, body, "msg-7", validSignature(t))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), "duplicate")
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.calls))
	assert.Equal(t, 1.0, counterValue(t, h.reg, "autopilot_webhook_duplicate_deliveries_total"))
}

func TestCallback_RetryableFailureReleasesClaim(t *testing.T) {
	h := setup(t)
	h.result = errors.New("generation timed out")
	body := `{"agentId":"a-1"}`

	resp := h.deliver(t, dispatch.TopicGenerateContent, body, "msg-9", validSignature(t))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.False(t, h.redis.Exists(dedupPrefix+"msg-9"))

	h.result = nil
	resp = h.deliver(t, dispatch.TopicGenerateContent, body, "msg-9", validSignature(t))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.calls))
}

func TestCallback_PermanentFailureStopsRedelivery(t *testing.T) {
	h := setup(t)
	h.result = dispatch.Permanent(errors.New("post not found"))

	resp := h.deliver(t, dispatch.TopicPublishPost, `{"postId":"gone"}`, "msg-3", validSignature(t))

	assert.Equal(t, statusNonRetryable, resp.Code)
	assert.Equal(t, "true", resp.Header().Get(HeaderNonRetryable))
	assert.True(t, h.redis.Exists(dedupPrefix+"msg-3"))
}

func TestCallback_RedisDownStillRuns(t *testing.T) {
	h := setup(t)
	h.redis.Close()

	resp := h.deliver(t, dispatch.TopicPublishPost, `{"postId":"p-1"}`, "msg-1", validSignature(t))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.calls))
}

func putTriggers(h *harness, agentID, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, "/api/agents/"+agentID+"/triggers", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	return resp
}

func TestSaveTriggers_Endpoint(t *testing.T) {
	h := setup(t)
	body := `{"postingMode":"automatic","triggers":{"newPosts":{"enabled":true,"format":"both","frequency":"daily","postsPerPeriod":3}}}`

	resp := putTriggers(h, "agent-1", "user-1", body)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "agent-1", h.triggers.agentID)
	assert.Equal(t, "user-1", h.triggers.userID)
	require.NotNil(t, h.triggers.data.Triggers.NewPosts)
	assert.Equal(t, models.FormatBoth, h.triggers.data.Triggers.NewPosts.Format)
	assert.Equal(t, 3, *h.triggers.data.Triggers.NewPosts.PostsPerPeriod)

	var out struct {
		AgentID  string                   `json:"agentId"`
		Triggers []*models.AutomationRule `json:"triggers"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Len(t, out.Triggers, 1)
}

func TestSaveTriggers_EndpointErrors(t *testing.T) {
	h := setup(t)

	assert.Equal(t, http.StatusUnauthorized, putTriggers(h, "agent-1", "", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, putTriggers(h, "agent-1", "user-1", `{bad json`).Code)

	h.triggers.err = &automation.ValidationError{Field: "new_posts.postsPerPeriod", Reason: "must be positive"}
	resp := putTriggers(h, "agent-1", "user-1", `{"triggers":{"newPosts":{"postsPerPeriod":0}}}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "new_posts.postsPerPeriod")

	h.triggers.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, putTriggers(h, "agent-1", "user-1", `{}`).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := setup(t)

	get := func(path string) *httptest.ResponseRecorder {
		resp := httptest.NewRecorder()
		h.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)

	h.pinger.err = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)

	metricsResp := get("/metrics")
	assert.Equal(t, http.StatusOK, metricsResp.Code)
}
