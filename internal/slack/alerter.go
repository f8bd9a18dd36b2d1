package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const alertInterval = 30 * time.Second

// SessionAlert describes a session that failed to connect or came up
// without messaging.
type SessionAlert struct {
	Channel string
	UserID  int
	Outcome string
	Step    string
	Reason  string
}

// Alerter posts session alerts to a Slack channel via chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string

	mu       sync.Mutex
	lastSent time.Time
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
	}
}

// PostSessionAlert sends a Block Kit message for a failed or degraded
// session. At most one alert goes out per 30 seconds.
func (a *Alerter) PostSessionAlert(ctx context.Context, alert SessionAlert) error {
	a.mu.Lock()
	if time.Since(a.lastSent) < alertInterval {
		a.mu.Unlock()
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	reason := alert.Reason
	if reason == "" {
		reason = "unknown"
	}
	step := alert.Step
	if step == "" {
		step = "-"
	}

	title := "Voice Session Failed"
	if alert.Outcome == "connected_degraded" {
		title = "Voice Session Degraded"
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": title,
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Channel:*\n%s", alert.Channel)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*User:*\n%d", alert.UserID)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Step:*\n%s", step)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:*\n%s", reason)},
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Sent at %s", time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fmt.Sprintf("session %s on %s: %s", alert.Outcome, alert.Channel, reason),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	slog.Info("session alert posted to Slack", "channel", a.channel, "session_channel", alert.Channel, "outcome", alert.Outcome)
	return nil
}
