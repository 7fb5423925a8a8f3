package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:      AlertTypeStaleExecution,
		AssetID:   "gldx",
		Operation: "redeem",
		Title:     "Approved request discarded",
		Message:   "insufficient balance at execution time",
		Fields: map[string]string{
			"request_id": "req-1",
			"amount":     "500",
		},
	}
}

func okServer(counter *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMultiAlerter_Send_AllChannels(t *testing.T) {
	var slackReceived, webhookReceived atomic.Int32

	slackSrv := okServer(&slackReceived)
	defer slackSrv.Close()
	webhookSrv := okServer(&webhookReceived)
	defer webhookSrv.Close()

	multi := NewMultiAlerter(time.Hour, testLogger(),
		NewSlackAlerter(slackSrv.URL),
		NewWebhookAlerter(webhookSrv.URL),
	)

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(1), slackReceived.Load())
	assert.Equal(t, int32(1), webhookReceived.Load())
}

func TestMultiAlerter_CooldownDedup(t *testing.T) {
	var received atomic.Int32
	srv := okServer(&received)
	defer srv.Close()

	multi := NewMultiAlerter(time.Minute, testLogger(), NewWebhookAlerter(srv.URL))
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	multi.nowFn = func() time.Time { return now }

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(1), received.Load())

	// A different asset has its own cooldown key.
	other := testAlert()
	other.AssetID = "usdc"
	require.NoError(t, multi.Send(context.Background(), other))
	assert.Equal(t, int32(2), received.Load())

	now = now.Add(2 * time.Minute)
	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(3), received.Load())
}

func TestMultiAlerter_PartialFailure(t *testing.T) {
	var goodReceived atomic.Int32

	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()
	goodSrv := okServer(&goodReceived)
	defer goodSrv.Close()

	multi := NewMultiAlerter(time.Hour, testLogger(),
		NewWebhookAlerter(failSrv.URL),
		NewWebhookAlerter(goodSrv.URL),
	)

	err := multi.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(1), goodReceived.Load())
}

func TestWebhookAlerter_Payload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookAlerter(srv.URL).Send(context.Background(), testAlert()))
	assert.Equal(t, "STALE_EXECUTION", got["type"])
	assert.Equal(t, "gldx", got["asset_id"])
	assert.Equal(t, "redeem", got["operation"])
	fields, ok := got["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "req-1", fields["request_id"])
}

func TestSlackAlerter_TextIncludesSortedFields(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), testAlert()))
	text := body["text"]
	assert.Contains(t, text, ":hourglass: *[STALE_EXECUTION]* Approved request discarded (asset gldx)")
	assert.Less(t, bytes.Index([]byte(text), []byte("amount")), bytes.Index([]byte(text), []byte("request_id")))
}

func TestSlackAlerter_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewSlackAlerter(url).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send slack alert")
}

func TestLogAlerterAndNoop(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogAlerter(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, l.Send(context.Background(), testAlert()))
	assert.Contains(t, buf.String(), `"asset_id":"gldx"`)
	assert.Equal(t, "log", alerterName(l))

	assert.NoError(t, (&NoopAlerter{}).Send(context.Background(), testAlert()))
}

func TestWebhookAlerter_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookAlerter(srv.URL)
	w.policy.BaseDelay = time.Millisecond
	require.NoError(t, w.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookAlerter_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhookAlerter(srv.URL).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Equal(t, "webhook returned status 400", err.Error())
	assert.Equal(t, int32(1), calls.Load())
}
