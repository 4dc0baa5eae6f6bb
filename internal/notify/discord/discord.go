// Package discord sends alert embeds to a Discord webhook URL.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bmkg-alert/alertd/internal/notify/formatter"
	"github.com/bmkg-alert/alertd/internal/store"
)

const sendTimeout = 15 * time.Second

// Sender posts alert embeds to a Discord incoming webhook. Stateless: the
// webhook URL comes from the channel config passed to Send.
type Sender struct {
	http *http.Client
}

// New returns a Sender using a 15-second per-attempt HTTP client.
func New() *Sender {
	return &Sender{http: &http.Client{Timeout: sendTimeout}}
}

// Send posts the formatted embed for warning/match to the webhook URL in
// channelConfig["webhook_url"].
func (s *Sender) Send(ctx context.Context, warning store.Warning, match store.Match, channelConfig map[string]string, isTrial bool) error {
	webhookURL := channelConfig["webhook_url"]
	if webhookURL == "" {
		return fmt.Errorf("discord: channel config missing webhook_url")
	}
	payload := formatter.DiscordPayload(warning, match, isTrial)
	return s.post(ctx, webhookURL, payload)
}

// SendRaw posts a plain-content message, bypassing the embed formatter.
func (s *Sender) SendRaw(ctx context.Context, webhookURL, message string) error {
	return s.post(ctx, webhookURL, map[string]any{"content": message})
}

func (s *Sender) post(ctx context.Context, webhookURL string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("discord: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord: unexpected status %d", resp.StatusCode)
	}
	return nil
}
