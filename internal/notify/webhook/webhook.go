// Package webhook posts alert data as a generic JSON payload to an
// arbitrary caller-configured URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bmkg-alert/alertd/internal/notify/formatter"
	"github.com/bmkg-alert/alertd/internal/store"
)

const sendTimeout = 15 * time.Second
const headerPrefix = "header_"

// Sender posts a JSON payload describing the alert to a webhook URL.
// Stateless: the URL and any extra headers come from the channel config.
type Sender struct {
	http *http.Client
}

// New returns a Sender using a 15-second per-attempt HTTP client.
func New() *Sender {
	return &Sender{http: &http.Client{Timeout: sendTimeout}}
}

// Send posts the standard alert payload to channelConfig["webhook_url"].
// Any config key prefixed "header_" is forwarded as an extra HTTP header
// (e.g. "header_Authorization" -> "Authorization").
func (s *Sender) Send(ctx context.Context, warning store.Warning, match store.Match, channelConfig map[string]string, isTrial bool) error {
	webhookURL := channelConfig["webhook_url"]
	if webhookURL == "" {
		return fmt.Errorf("webhook: channel config missing webhook_url")
	}
	payload := formatter.WebhookPayload(warning, match, isTrial)
	return s.post(ctx, webhookURL, payload, extraHeaders(channelConfig))
}

// SendRaw posts an arbitrary JSON payload, bypassing the alert formatter.
func (s *Sender) SendRaw(ctx context.Context, webhookURL string, payload any, headers map[string]string) error {
	return s.post(ctx, webhookURL, payload, headers)
}

func extraHeaders(channelConfig map[string]string) map[string]string {
	headers := make(map[string]string)
	for k, v := range channelConfig {
		if name, ok := strings.CutPrefix(k, headerPrefix); ok {
			headers[name] = v
		}
	}
	return headers
}

func (s *Sender) post(ctx context.Context, webhookURL string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
