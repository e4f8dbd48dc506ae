package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/devsync/pkg/ai"
	"github.com/haasonsaas/devsync/pkg/auth"
	"github.com/haasonsaas/devsync/pkg/ratelimit"
	"github.com/haasonsaas/devsync/pkg/relay"
	"github.com/haasonsaas/devsync/pkg/telemetry"
	"github.com/haasonsaas/devsync/pkg/webhook"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const testSecret = "It's a Secret to Everybody"

type fakeRelay struct {
	mu     sync.Mutex
	events []webhook.Event
	result func(webhook.Event) (relay.Outcome, error)
}

func (f *fakeRelay) Handle(_ context.Context, event webhook.Event) (relay.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if f.result != nil {
		return f.result(event)
	}
	return relay.Outcome{Message: relay.MessageProcessed, IssueKey: "ABC-1"}, nil
}

func (f *fakeRelay) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type testEnv struct {
	server *Server
	engine *gin.Engine
	relay  *fakeRelay
	signer auth.Signer
}

func newTestEnv(t *testing.T, inboundCalls int) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	inbound, err := ratelimit.New(inboundCalls, time.Minute)
	require.NoError(t, err)
	aiLimiter, err := ratelimit.New(10, time.Minute)
	require.NoError(t, err)

	fr := &fakeRelay{}
	srv := &Server{
		deliveries: NewDeliveryStore(newTestDB(t), time.Hour),
		signer:     auth.NewSigner(testSecret),
		relay:      fr,
		inbound:    inbound,
		aiLimiter:  aiLimiter,
		logger:     zerolog.Nop(),
	}
	engine, err := newEngine(srv, nil)
	require.NoError(t, err)
	return testEnv{server: srv, engine: engine, relay: fr, signer: auth.NewSigner(testSecret)}
}

func (e testEnv) deliver(t *testing.T, event, deliveryID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/github/webhook", bytes.NewReader(body))
	req.Header.Set(webhook.EventHeader, event)
	req.Header.Set(webhook.SignatureHeader, e.signer.Sign(body))
	if deliveryID != "" {
		req.Header.Set(webhook.DeliveryHeader, deliveryID)
	}
	resp := httptest.NewRecorder()
	e.engine.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body
}

var prOpened = []byte(`{"action":"opened","number":5,"pull_request":{"number":5,"title":"ABC-1 login"},"repository":{"full_name":"acme/api"}}`)

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, 100)
	req := httptest.NewRequest(http.MethodPost, "/github/webhook", bytes.NewReader(prOpened))
	req.Header.Set(webhook.EventHeader, "pull_request")
	req.Header.Set(webhook.SignatureHeader, "sha256=deadbeef")
	resp := httptest.NewRecorder()
	env.engine.ServeHTTP(resp, req)

	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, messageInvalidSig, decodeBody(t, resp)["error"])
	require.Zero(t, env.relay.calls())
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	env := newTestEnv(t, 100)
	req := httptest.NewRequest(http.MethodPost, "/github/webhook", bytes.NewReader(prOpened))
	req.Header.Set(webhook.EventHeader, "pull_request")
	resp := httptest.NewRecorder()
	env.engine.ServeHTTP(resp, req)

	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t, 100)
	resp := env.deliver(t, "pull_request", "d-1", []byte(`{not json`))

	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, messageInvalidPayload, decodeBody(t, resp)["error"])
}

func TestWebhookProcessed(t *testing.T) {
	env := newTestEnv(t, 100)
	resp := env.deliver(t, "pull_request", "d-1", prOpened)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, relay.MessageProcessed, decodeBody(t, resp)["message"])
	require.Equal(t, 1, env.relay.calls())
	require.Equal(t, "opened", env.relay.events[0].Action)

	d, err := env.server.deliveries.Get(context.Background(), "d-1")
	require.NoError(t, err)
	require.Equal(t, deliveryProcessed, d.Status)
	require.Equal(t, "ABC-1", d.IssueKey)
	require.Equal(t, "acme/api", d.Repository)
}

func TestWebhookNoIssueKeyMessage(t *testing.T) {
	env := newTestEnv(t, 100)
	env.relay.result = func(webhook.Event) (relay.Outcome, error) {
		return relay.Outcome{Message: relay.MessageNoIssue, Skipped: true}, nil
	}
	resp := env.deliver(t, "pull_request", "d-1", prOpened)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, relay.MessageNoIssue, decodeBody(t, resp)["message"])

	d, err := env.server.deliveries.Get(context.Background(), "d-1")
	require.NoError(t, err)
	require.Equal(t, deliverySkipped, d.Status)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t, 100)
	require.Equal(t, http.StatusOK, env.deliver(t, "pull_request", "d-1", prOpened).Code)

	resp := env.deliver(t, "pull_request", "d-1", prOpened)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, messageDuplicate, decodeBody(t, resp)["message"])
	require.Equal(t, 1, env.relay.calls())
}

func TestWebhookFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t, 100)
	env.relay.result = func(webhook.Event) (relay.Outcome, error) {
		return relay.Outcome{IssueKey: "ABC-1"}, errors.New("jira unavailable")
	}
	resp := env.deliver(t, "pull_request", "d-1", prOpened)
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.Equal(t, messageInternalError, decodeBody(t, resp)["error"])

	d, err := env.server.deliveries.Get(context.Background(), "d-1")
	require.NoError(t, err)
	require.Equal(t, deliveryFailed, d.Status)
	require.Equal(t, "jira unavailable", d.Error)

	env.relay.result = nil
	require.Equal(t, http.StatusOK, env.deliver(t, "pull_request", "d-1", prOpened).Code)
	d, err = env.server.deliveries.Get(context.Background(), "d-1")
	require.NoError(t, err)
	require.Equal(t, 2, d.Attempts)
	require.Equal(t, deliveryProcessed, d.Status)
}

func TestWebhookAIRateLimited(t *testing.T) {
	env := newTestEnv(t, 100)
	env.relay.result = func(webhook.Event) (relay.Outcome, error) {
		return relay.Outcome{IssueKey: "ABC-1"}, &ai.RateLimitError{ResetIn: 29500 * time.Millisecond, HasReset: true}
	}
	resp := env.deliver(t, "pull_request", "d-1", prOpened)

	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, "30", resp.Header().Get("Retry-After"))
	body := decodeBody(t, resp)
	require.Equal(t, "29.5s", body["reset_in"])
	require.Equal(t, float64(0), body["remaining_calls"])

	d, err := env.server.deliveries.Get(context.Background(), "d-1")
	require.NoError(t, err)
	require.Equal(t, deliveryRateLimited, d.Status)
}

func TestWebhookWithoutDeliveryIDIsStillRecorded(t *testing.T) {
	env := newTestEnv(t, 100)
	resp := env.deliver(t, "pull_request", "", prOpened)
	require.Equal(t, http.StatusOK, resp.Code)

	list, err := env.server.deliveries.List(context.Background(), DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "local-"+resp.Header().Get(requestIDHeader), list[0].DeliveryID)
}

func TestInboundRateLimit(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	env := newTestEnv(t, 2)
	require.Equal(t, http.StatusOK, env.deliver(t, "pull_request", "d-1", prOpened).Code)
	second := env.deliver(t, "pull_request", "d-2", prOpened)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "2", second.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	resp := env.deliver(t, "pull_request", "d-3", prOpened)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, "60", resp.Header().Get("Retry-After"))
	body := decodeBody(t, resp)
	require.Equal(t, rateLimitedMessage, body["error"])
	require.Equal(t, float64(0), body["remaining_calls"])
	require.Regexp(t, `^\d+\.\ds$`, body["reset_in"])
	require.NotEmpty(t, body["request_id"])
	require.Equal(t, 2, env.relay.calls())

	allowed, denied := collectDecisions(t, reader)
	require.Equal(t, int64(2), allowed)
	require.Equal(t, int64(1), denied)
}

func TestInboundRateLimitIsPerClient(t *testing.T) {
	env := newTestEnv(t, 1)
	require.Equal(t, http.StatusOK, env.deliver(t, "pull_request", "d-1", prOpened).Code)
	require.Equal(t, http.StatusTooManyRequests, env.deliver(t, "pull_request", "d-2", prOpened).Code)

	req := httptest.NewRequest(http.MethodPost, "/github/webhook", bytes.NewReader(prOpened))
	req.RemoteAddr = "198.51.100.7:4321"
	req.Header.Set(webhook.EventHeader, "pull_request")
	req.Header.Set(webhook.SignatureHeader, env.signer.Sign(prOpened))
	req.Header.Set(webhook.DeliveryHeader, "d-3")
	resp := httptest.NewRecorder()
	env.engine.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestWebhookEmitsServerSpan(t *testing.T) {
	tp, rec := telemetry.NewRecordingProvider()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	env := newTestEnv(t, 100)
	require.Equal(t, http.StatusOK, env.deliver(t, "pull_request", "d-1", prOpened).Code)

	span := rec.FirstSpanNamed("POST /github/webhook")
	require.NotNil(t, span)
	var event string
	for _, attr := range span.Attributes() {
		if attr.Key == "github.event" {
			event = attr.Value.AsString()
		}
	}
	require.Equal(t, "pull_request", event)
}

func collectDecisions(t *testing.T, reader *sdkmetric.ManualReader) (allowed, denied int64) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != decisionsCounter {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value("allowed")
				if v.AsBool() {
					allowed += dp.Value
				} else {
					denied += dp.Value
				}
			}
		}
	}
	return allowed, denied
}
