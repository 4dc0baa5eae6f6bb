// Package telegram sends formatted alert messages via the Telegram Bot API.
package telegram

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

const defaultAPIBase = "https://api.telegram.org"
const sendTimeout = 15 * time.Second

// Sender sends alert notifications to a Telegram chat. It is stateless:
// every transport identifier comes from the channel config passed to Send.
type Sender struct {
	http    *http.Client
	apiBase string
}

// Option configures a Sender.
type Option func(*Sender)

// WithAPIBase overrides the Telegram Bot API base URL. Tests use this to
// point the sender at an httptest server instead of the live API.
func WithAPIBase(base string) Option {
	return func(s *Sender) { s.apiBase = base }
}

// New returns a Sender using a default 15-second per-attempt HTTP client
// and the production Telegram Bot API base URL.
func New(opts ...Option) *Sender {
	s := &Sender{http: &http.Client{Timeout: sendTimeout}, apiBase: defaultAPIBase}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send formats and delivers warning/match as a Telegram message to the chat
// configured by channelConfig["bot_token"]/["chat_id"].
func (s *Sender) Send(ctx context.Context, warning store.Warning, match store.Match, channelConfig map[string]string, isTrial bool) error {
	botToken := channelConfig["bot_token"]
	chatID := channelConfig["chat_id"]
	if botToken == "" || chatID == "" {
		return fmt.Errorf("telegram: channel config missing bot_token or chat_id")
	}

	message := formatter.TelegramMessage(warning, match, isTrial)
	return s.sendMessage(ctx, botToken, chatID, message)
}

// SendRaw delivers an arbitrary text message, bypassing the alert formatter.
// Used by the engine's trial sub-pipeline and by the trial service for
// confirmation, cancellation and test messages.
func (s *Sender) SendRaw(ctx context.Context, botToken, chatID, text string) error {
	return s.sendMessage(ctx, botToken, chatID, text)
}

func (s *Sender) sendMessage(ctx context.Context, botToken, chatID, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, botToken)
	body, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": false,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram: decode response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram: API reported ok=false")
	}
	return nil
}
