// Package formatter builds the per-channel message bodies shared by every
// notification sender: severity emoji/color tables, timestamp labelling,
// and the structured Telegram/Discord/Slack/email message shapes.
package formatter

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bmkg-alert/alertd/internal/store"
)

// TelegramEmoji maps severity to the circle emoji used in Telegram/Discord
// message titles.
var TelegramEmoji = map[store.Severity]string{
	store.SeverityMinor:    "🔵",
	store.SeverityModerate: "🟡",
	store.SeveritySevere:   "🔴",
	store.SeverityExtreme:  "⚫",
}

// SlackEmoji maps severity to the Slack emoji shortcode equivalent.
var SlackEmoji = map[store.Severity]string{
	store.SeverityMinor:    ":large_blue_circle:",
	store.SeverityModerate: ":large_yellow_circle:",
	store.SeveritySevere:   ":red_circle:",
	store.SeverityExtreme:  ":black_circle:",
}

// DiscordColor maps severity to the Discord embed color (decimal RGB).
var DiscordColor = map[store.Severity]int{
	store.SeverityMinor:    0x3B82F6,
	store.SeverityModerate: 0xEAB308,
	store.SeveritySevere:   0xEF4444,
	store.SeverityExtreme:  0x1F2937,
}

// HexColor maps severity to the hex color string used by the email template.
var HexColor = map[store.Severity]string{
	store.SeverityMinor:    "#3B82F6",
	store.SeverityModerate: "#EAB308",
	store.SeveritySevere:   "#EF4444",
	store.SeverityExtreme:  "#1F2937",
}

const defaultWarningEmoji = "⚠️"
const defaultDiscordColor = 0x6B7280
const defaultHexColor = "#6B7280"

// Truncate shortens s to at most limit runes, appending "..." when it does.
// The cut counts runes, not bytes, so a multi-byte character on the
// boundary is never split into invalid UTF-8.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "..."
}

// FormatTime renders an ISO-8601 timestamp (as returned by the upstream API)
// into a short Indonesian local-time label (WIB/WITA/WIT based on the
// offset suffix). Unparseable input is returned unchanged; empty input
// renders as "-".
func FormatTime(iso string) string {
	if iso == "" {
		return "-"
	}
	datePart, timePart, ok := strings.Cut(iso, "T")
	if !ok || len(timePart) < 5 {
		return iso
	}
	timeClean := timePart[:5]
	tzLabel := "WIB"
	switch {
	case strings.Contains(timePart, "+08"):
		tzLabel = "WITA"
	case strings.Contains(timePart, "+09"):
		tzLabel = "WIT"
	}
	return fmt.Sprintf("%s %s %s", datePart, timeClean, tzLabel)
}

// TelegramMessage builds the HTML-formatted Telegram alert body.
func TelegramMessage(warning store.Warning, match store.Match, isTrial bool) string {
	emoji := TelegramEmoji[warning.Severity]
	if emoji == "" {
		emoji = defaultWarningEmoji
	}
	loc := match.Location
	label := loc.Label
	if label == "" {
		label = loc.SubdistrictName
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Peringatan Cuaca — %s</b>\n\n", emoji, warning.Event)
	fmt.Fprintf(&b, "📍 <b>Lokasi Terpantau:</b> %s\n", label)
	fmt.Fprintf(&b, "   %s, %s, %s\n\n", loc.SubdistrictName, loc.DistrictName, loc.ProvinceName)
	fmt.Fprintf(&b, "⚡ <b>Tingkat:</b> %s\n", warning.Severity)
	fmt.Fprintf(&b, "🕐 <b>Berlaku:</b> %s\n", FormatTime(warning.Effective))
	fmt.Fprintf(&b, "⏰ <b>Hingga:</b> %s\n", FormatTime(warning.Expires))

	if warning.Description != "" {
		fmt.Fprintf(&b, "\n📝 %s\n", Truncate(warning.Description, 500))
	}

	fmt.Fprintf(&b, "\n🔍 <i>Cocok: %s — %s</i>\n", match.MatchType, match.MatchedText)

	if warning.InfographicURL != "" {
		fmt.Fprintf(&b, "\n🗺️ <a href=\"%s\">Lihat Infografis BMKG</a>\n", warning.InfographicURL)
	}

	if isTrial {
		b.WriteString("\n" + strings.Repeat("─", 30) + "\n")
		b.WriteString("⏳ <i>Mode Trial — langganan aktif selama 24 jam.</i>\n")
	}

	b.WriteString("\n" + strings.Repeat("─", 30) + "\n")
	b.WriteString("📡 Sumber: BMKG (bmkg.go.id)\n")
	b.WriteString("🤖 BMKG Alert System v1.0")

	return b.String()
}

// ExpiryMessage builds an "all clear" message for an alert whose warning has
// expired. The engine's expiry sweep only marks alerts expired and does not
// send this message.
func ExpiryMessage(event, locationLabel string) string {
	return fmt.Sprintf(
		"✅ <b>Peringatan Berakhir</b>\n\nPeringatan <b>%s</b> untuk <b>%s</b> telah berakhir.\n\nKondisi sudah aman. Tetap waspada.\n\n📡 Sumber: BMKG (bmkg.go.id)",
		event, locationLabel,
	)
}

// TrialExpiryMessage builds the farewell message sent when a trial
// subscription lapses.
func TrialExpiryMessage(locationLabel string) string {
	return fmt.Sprintf(
		"⏳ <b>Trial Berakhir</b>\n\nMasa trial pemantauan untuk <b>%s</b> telah berakhir (24 jam).\n\nHubungi admin untuk berlangganan penuh.\n\n📡 Sumber: BMKG (bmkg.go.id)",
		locationLabel,
	)
}

// DiscordField is one name/value field of a Discord embed.
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// DiscordEmbed is the payload shape posted to a Discord webhook.
type DiscordEmbed struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Color       int                    `json:"color"`
	Fields      []DiscordField         `json:"fields"`
	Footer      map[string]string      `json:"footer"`
	Image       map[string]string      `json:"image,omitempty"`
}

// DiscordPayload builds the full Discord webhook request body.
func DiscordPayload(warning store.Warning, match store.Match, isTrial bool) map[string]any {
	emoji := TelegramEmoji[warning.Severity]
	if emoji == "" {
		emoji = defaultWarningEmoji
	}
	color, ok := DiscordColor[warning.Severity]
	if !ok {
		color = defaultDiscordColor
	}
	loc := match.Location
	label := loc.Label
	if label == "" {
		label = loc.SubdistrictName
	}

	description := warning.Description
	if description == "" {
		description = warning.Headline
	}
	description = Truncate(description, 300)

	fields := []DiscordField{
		{Name: "Lokasi Terpantau", Value: label, Inline: true},
		{Name: "Tingkat", Value: string(warning.Severity), Inline: true},
		{Name: "Berlaku", Value: orDash(warning.Effective), Inline: true},
		{Name: "Hingga", Value: orDash(warning.Expires), Inline: true},
	}
	if match.MatchedText != "" {
		fields = append(fields, DiscordField{
			Name:  "Match",
			Value: fmt.Sprintf("%s — %s", match.MatchType, match.MatchedText),
		})
	}

	embed := DiscordEmbed{
		Title:       fmt.Sprintf("%s Peringatan Cuaca — %s", emoji, warning.Event),
		Description: description,
		Color:       color,
		Fields:      fields,
		Footer:      map[string]string{"text": "BMKG Alert System v1.0 | Sumber: BMKG (bmkg.go.id)"},
	}
	if warning.InfographicURL != "" {
		embed.Image = map[string]string{"url": warning.InfographicURL}
	}

	payload := map[string]any{"embeds": []DiscordEmbed{embed}}
	if isTrial {
		payload["content"] = "⏳ *Mode Trial — notifikasi aktif sementara.*"
	}
	return payload
}

// SlackBlocks builds the Slack Block Kit payload.
func SlackBlocks(warning store.Warning, match store.Match, isTrial bool) map[string]any {
	emoji := SlackEmoji[warning.Severity]
	if emoji == "" {
		emoji = ":warning:"
	}
	loc := match.Location
	label := loc.Label
	if label == "" {
		label = loc.SubdistrictName
	}

	description := warning.Description
	if description == "" {
		description = warning.Headline
	}
	description = Truncate(description, 300)

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type":  "plain_text",
				"text":  fmt.Sprintf("%s Peringatan Cuaca — %s", emoji, warning.Event),
				"emoji": true,
			},
		},
		{
			"type": "section",
			"fields": []map[string]string{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Lokasi:*\n%s", label)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Tingkat:*\n%s", warning.Severity)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Berlaku:*\n%s", orDash(warning.Effective))},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Hingga:*\n%s", orDash(warning.Expires))},
			},
		},
	}

	if description != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]string{"type": "mrkdwn", "text": description},
		})
	}

	if warning.InfographicURL != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]string{
				"type": "mrkdwn",
				"text": fmt.Sprintf("<%s|Lihat Infografis BMKG>", warning.InfographicURL),
			},
		})
	}

	blocks = append(blocks, map[string]any{
		"type": "context",
		"elements": []map[string]string{
			{"type": "mrkdwn", "text": fmt.Sprintf("Match: %s — %s", match.MatchType, match.MatchedText)},
			{"type": "mrkdwn", "text": "Sumber: BMKG (bmkg.go.id) | BMKG Alert v1.0"},
		},
	})

	if isTrial {
		blocks = append(blocks, map[string]any{
			"type": "context",
			"elements": []map[string]string{
				{"type": "mrkdwn", "text": ":hourglass: _Mode Trial — notifikasi aktif sementara._"},
			},
		})
	}

	return map[string]any{"blocks": blocks}
}

// EmailSubjectAndBody builds the HTML email subject and body.
func EmailSubjectAndBody(warning store.Warning, match store.Match, isTrial bool) (subject, html string) {
	loc := match.Location
	locationName := loc.Label
	if locationName == "" {
		locationName = loc.SubdistrictName
	}
	color, ok := HexColor[warning.Severity]
	if !ok {
		color = defaultHexColor
	}

	subject = fmt.Sprintf("[BMKG Alert] %s: %s — %s", warning.Severity, warning.Event, locationName)

	description := warning.Description
	if description == "" {
		description = warning.Headline
	}
	description = Truncate(description, 500)

	infographicHTML := ""
	if warning.InfographicURL != "" {
		infographicHTML = fmt.Sprintf(`<p><a href="%s" style="color:#2563EB;">Lihat Infografis BMKG</a></p>`, warning.InfographicURL)
	}

	trialHTML := ""
	if isTrial {
		trialHTML = `<p style="color:#6B7280;font-size:12px;margin-top:16px;">Mode Trial — notifikasi aktif sementara (24 jam).</p>`
	}

	html = fmt.Sprintf(`<div style="font-family:sans-serif;max-width:600px;margin:0 auto;">
<div style="background:%s;color:white;padding:16px 20px;border-radius:8px 8px 0 0;">
<h2 style="margin:0;">Peringatan Cuaca — %s</h2>
<p style="margin:4px 0 0;opacity:0.9;">%s</p>
</div>
<div style="border:1px solid #E5E7EB;border-top:none;padding:20px;border-radius:0 0 8px 8px;">
<table style="width:100%%;font-size:14px;border-collapse:collapse;">
<tr><td style="padding:6px 0;color:#6B7280;width:120px;">Lokasi</td><td style="padding:6px 0;font-weight:600;">%s</td></tr>
<tr><td style="padding:6px 0;color:#6B7280;">Wilayah</td><td style="padding:6px 0;">%s, %s, %s</td></tr>
<tr><td style="padding:6px 0;color:#6B7280;">Berlaku</td><td style="padding:6px 0;">%s</td></tr>
<tr><td style="padding:6px 0;color:#6B7280;">Hingga</td><td style="padding:6px 0;">%s</td></tr>
</table>
<p style="margin-top:16px;color:#374151;">%s</p>
%s
%s
<hr style="border:none;border-top:1px solid #E5E7EB;margin:16px 0;" />
<p style="font-size:12px;color:#9CA3AF;">Sumber: BMKG (bmkg.go.id) | BMKG Alert System v1.0</p>
</div>
</div>`,
		color, warning.Event, warning.Severity,
		locationName,
		loc.SubdistrictName, loc.DistrictName, loc.ProvinceName,
		orDash(warning.Effective), orDash(warning.Expires),
		description, infographicHTML, trialHTML,
	)
	return subject, html
}

// WebhookPayload builds the generic webhook JSON body.
func WebhookPayload(warning store.Warning, match store.Match, isTrial bool) map[string]any {
	loc := match.Location
	return map[string]any{
		"source":  "bmkg-alert",
		"version": "1.0",
		"is_trial": isTrial,
		"warning": map[string]any{
			"event":            warning.Event,
			"severity":         warning.Severity,
			"headline":         warning.Headline,
			"description":      warning.Description,
			"effective":        warning.Effective,
			"expires":          warning.Expires,
			"infographic_url":  warning.InfographicURL,
		},
		"location": map[string]any{
			"code":       loc.SubdistrictCode,
			"label":      loc.Label,
			"subdistrict": loc.SubdistrictName,
			"district":   loc.DistrictName,
			"province":   loc.ProvinceName,
		},
		"match": map[string]any{
			"type": match.MatchType,
			"text": match.MatchedText,
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
