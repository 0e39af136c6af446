// Package webhook delivers operational alerts to a discord webhook
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/nft-match-broadcaster/broadcaster"
	"github.com/flashbots/nft-match-broadcaster/metrics"
)

var (
	defaultUsername    = "NFT Match Broadcaster"
	defaultTimeout     = 5 * time.Second
	defaultMaxElapsed  = 30 * time.Second
	alertColor         = 16711680
	maxErrorBodyLength = 512
)

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type EmbedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

type Embed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Fields    []EmbedField `json:"fields"`
	Footer    EmbedFooter  `json:"footer"`
	Timestamp string       `json:"timestamp"`
}

type Message struct {
	Username  string  `json:"username"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Embeds    []Embed `json:"embeds"`
}

type Opts struct {
	Username  string
	AvatarURL string
	// MaxElapsedTime bounds the delivery retries of one alert
	MaxElapsedTime time.Duration
	Client         *http.Client
}

// DiscordAlerter posts alerts as discord embeds
type DiscordAlerter struct {
	url        string
	username   string
	avatarURL  string
	maxElapsed time.Duration
	client     *http.Client
	now        func() time.Time
}

func NewDiscordAlerter(url string, opts Opts) *DiscordAlerter {
	a := &DiscordAlerter{
		url:        url,
		username:   opts.Username,
		avatarURL:  opts.AvatarURL,
		maxElapsed: opts.MaxElapsedTime,
		client:     opts.Client,
		now:        time.Now,
	}
	if a.username == "" {
		a.username = defaultUsername
	}
	if a.maxElapsed == 0 {
		a.maxElapsed = defaultMaxElapsed
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: defaultTimeout}
	}
	return a
}

func (a *DiscordAlerter) embed(alert broadcaster.Alert) Embed {
	return Embed{
		Title: alert.Title,
		Color: alertColor,
		Fields: []EmbedField{
			{Name: "Code", Value: alert.Code},
			{Name: "Reason", Value: alert.Reason},
			{Name: "Chain", Value: strconv.FormatUint(alert.ChainID, 10)},
		},
		Footer:    EmbedFooter{Text: alert.Footer},
		Timestamp: a.now().UTC().Format(time.RFC3339),
	}
}

// Alert delivers the alert, failed deliveries are retried with backoff until maxElapsed
func (a *DiscordAlerter) Alert(ctx context.Context, alert broadcaster.Alert) error {
	body, err := json.Marshal(Message{
		Username:  a.username,
		AvatarURL: a.avatarURL,
		Embeds:    []Embed{a.embed(alert)},
	})
	if err != nil {
		return err
	}

	back := backoff.NewExponentialBackOff()
	back.MaxElapsedTime = a.maxElapsed
	err = backoff.Retry(func() error {
		return a.post(ctx, body)
	}, backoff.WithContext(back, ctx))
	if err != nil {
		metrics.IncWebhookFailures()
	}
	return err
}

func (a *DiscordAlerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, int64(maxErrorBodyLength)))
		err := fmt.Errorf("webhook returned %d: %s", resp.StatusCode, respBody)
		// only server errors and rate limiting are worth a retry
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}
