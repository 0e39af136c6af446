package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flashbots/nft-match-broadcaster/broadcaster"
	"github.com/stretchr/testify/require"
)

var testAlert = broadcaster.Alert{
	Title:   "Relay Error",
	Code:    "-32000",
	Reason:  "bundle too large",
	ChainID: 1,
	Footer:  "Flashbots Relay Error",
}

func TestDiscordAlerterAlert(t *testing.T) {
	var received Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	alerter := NewDiscordAlerter(server.URL, Opts{AvatarURL: "https://example.com/avatar.png"})
	alerter.now = func() time.Time { return time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, alerter.Alert(context.Background(), testAlert))

	require.Equal(t, defaultUsername, received.Username)
	require.Equal(t, "https://example.com/avatar.png", received.AvatarURL)
	require.Equal(t, []Embed{{
		Title: "Relay Error",
		Color: 16711680,
		Fields: []EmbedField{
			{Name: "Code", Value: "-32000"},
			{Name: "Reason", Value: "bundle too large"},
			{Name: "Chain", Value: "1"},
		},
		Footer:    EmbedFooter{Text: "Flashbots Relay Error"},
		Timestamp: "2023-05-01T12:00:00Z",
	}}, received.Embeds)
}

func TestDiscordAlerterRetries(t *testing.T) {
	tests := map[string]struct {
		statuses []int
		calls    int32
		fails    bool
	}{
		"server error is retried":  {statuses: []int{http.StatusBadGateway, http.StatusNoContent}, calls: 2},
		"rate limit is retried":    {statuses: []int{http.StatusTooManyRequests, http.StatusNoContent}, calls: 2},
		"bad request is permanent": {statuses: []int{http.StatusBadRequest}, calls: 1, fails: true},
		"ok is not no content":     {statuses: []int{http.StatusOK}, calls: 1, fails: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.statuses[int(n)-1])
			}))
			defer server.Close()

			alerter := NewDiscordAlerter(server.URL, Opts{MaxElapsedTime: 2 * time.Second})
			err := alerter.Alert(context.Background(), testAlert)
			if tt.fails {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.calls, calls.Load())
		})
	}
}
