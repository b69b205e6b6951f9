package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
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
		Type:    AlertTypeInsufficientFunds,
		Chain:   "bsc",
		Title:   "Keeper balance too low",
		Message: "cannot cover harvest gas for cake-bnb",
		Fields: map[string]string{
			"balance":  "0.010000",
			"required": "0.030000",
		},
	}
}

func TestMultiAlerter_Send_AllChannels(t *testing.T) {
	var slackReceived, webhookReceived atomic.Int32

	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackReceived.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer slackSrv.Close()

	webhookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookReceived.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer webhookSrv.Close()

	multi := NewMultiAlerter(time.Hour, testLogger(), NewSlackAlerter(slackSrv.URL), NewWebhookAlerter(webhookSrv.URL))

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(1), slackReceived.Load())
	assert.Equal(t, int32(1), webhookReceived.Load())
}

func TestMultiAlerter_CooldownDedup(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	multi := NewMultiAlerter(time.Hour, testLogger(), NewWebhookAlerter(srv.URL))
	multi.now = func() time.Time { return now }

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(1), received.Load(), "second send is inside the cooldown")

	other := testAlert()
	other.Chain = "polygon"
	require.NoError(t, multi.Send(context.Background(), other))
	assert.Equal(t, int32(2), received.Load(), "cooldown is per chain")

	now = now.Add(2 * time.Hour)
	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(3), received.Load(), "cooldown expired")
}

func TestMultiAlerter_PartialFailure(t *testing.T) {
	var goodReceived atomic.Int32

	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodReceived.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer goodSrv.Close()

	multi := NewMultiAlerter(time.Hour, testLogger(), NewWebhookAlerter(failSrv.URL), NewWebhookAlerter(goodSrv.URL))

	err := multi.Send(context.Background(), testAlert())
	assert.Error(t, err)
	assert.Equal(t, int32(1), goodReceived.Load())
}

func TestSlackAlerter_PayloadFormat(t *testing.T) {
	var capturedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		capturedBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), testAlert()))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(capturedBody, &payload))
	text := payload["text"]
	assert.True(t, strings.HasPrefix(text, ":money_with_wings:"))
	assert.Contains(t, text, "INSUFFICIENT_FUNDS")
	assert.Contains(t, text, "bsc: Keeper balance too low")
	assert.Less(t, strings.Index(text, "*balance*"), strings.Index(text, "*required*"), "fields are sorted")

	emojiTests := []struct {
		alertType AlertType
		emoji     string
	}{
		{AlertTypeUnhealthy, ":warning:"},
		{AlertTypeRecovery, ":white_check_mark:"},
		{AlertTypeRunFailed, ":rotating_light:"},
		{AlertTypeReconcileErr, ":scales:"},
	}
	for _, tc := range emojiTests {
		t.Run(fmt.Sprintf("emoji_%s", tc.alertType), func(t *testing.T) {
			assert.Equal(t, tc.emoji, slackEmoji(tc.alertType))
		})
	}
}

func TestWebhookAlerter_PayloadFormat(t *testing.T) {
	var capturedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		capturedBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookAlerter(srv.URL).Send(context.Background(), testAlert()))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(capturedBody, &payload))
	assert.Equal(t, "INSUFFICIENT_FUNDS", payload["type"])
	assert.Equal(t, "bsc", payload["chain"])
	fields, ok := payload["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0.030000", fields["required"])

	ts, ok := payload["time"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, ts)
	assert.NoError(t, err)
}
