// Package store provides the PostgreSQL-backed persistence layer for the
// BMKG Alert engine. It exposes typed model structs for every table
// (locations, channels, alerts, deliveries, trials, config, activity_log)
// and a Store wrapping a pgxpool connection pool. The Store is the single
// owner of all persistent state; the engine and admin API always go
// through it.
package store

import (
	"encoding/json"
	"time"
)

// Severity is the urgency level of an upstream warning or alert. Values are
// ordered: Minor < Moderate < Severe < Extreme.
type Severity string

const (
	SeverityMinor    Severity = "Minor"
	SeverityModerate Severity = "Moderate"
	SeveritySevere   Severity = "Severe"
	SeverityExtreme  Severity = "Extreme"
)

// severityRank gives the total order used for trial severity-threshold
// filtering ("all" means no threshold).
var severityRank = map[Severity]int{
	SeverityMinor:    0,
	SeverityModerate: 1,
	SeveritySevere:   2,
	SeverityExtreme:  3,
}

// Rank returns the severity's position in the Minor<Moderate<Severe<Extreme
// ordering. Unknown severities rank below Minor (-1).
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is ordered at or above threshold. A threshold of
// "all" (or any unrecognized value) always returns true.
func (s Severity) AtLeast(threshold string) bool {
	if threshold == "" || threshold == "all" {
		return true
	}
	return s.Rank() >= Severity(threshold).Rank()
}

// MatchType records which matcher rule produced a Match: the primary
// kecamatan (subdistrict) test or the kabupaten (district) fallback.
type MatchType string

const (
	MatchTypeKecamatan MatchType = "kecamatan"
	MatchTypeKabupaten MatchType = "kabupaten"
)

// AlertStatus is the lifecycle state of a persisted Alert. It advances
// monotonically: active -> expired (or cancelled); it never regresses.
type AlertStatus string

const (
	AlertStatusActive    AlertStatus = "active"
	AlertStatusExpired   AlertStatus = "expired"
	AlertStatusCancelled AlertStatus = "cancelled"
)

// DeliveryStatus is the outcome of one dispatch attempt.
type DeliveryStatus string

const (
	DeliveryStatusSent              DeliveryStatus = "sent"
	DeliveryStatusFailed            DeliveryStatus = "failed"
	DeliveryStatusSkippedQuietHours DeliveryStatus = "skipped_quiet_hours"
	DeliveryStatusSkippedSeverity   DeliveryStatus = "skipped_severity"
)

// ChannelType identifies which sender implementation handles a Channel.
type ChannelType string

const (
	ChannelTypeTelegram ChannelType = "telegram"
	ChannelTypeDiscord  ChannelType = "discord"
	ChannelTypeSlack    ChannelType = "slack"
	ChannelTypeEmail    ChannelType = "email"
	ChannelTypeWebhook  ChannelType = "webhook"
)

// Location is a monitored geographic area, identified by its Indonesian
// administrative codes. A disabled location is never matched.
type Location struct {
	ID              string   `json:"id"`
	Label           string   `json:"label"`
	ProvinceCode    string   `json:"province_code,omitempty"`
	ProvinceName    string   `json:"province_name"`
	DistrictCode    string   `json:"district_code,omitempty"`
	DistrictName    string   `json:"district_name"`
	SubdistrictCode string   `json:"subdistrict_code"`
	SubdistrictName string   `json:"subdistrict_name"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	Enabled         bool     `json:"enabled"`
}

// Area is one named polygon region listed in an upstream Warning.
type Area struct {
	Name    string          `json:"name"`
	Polygon json.RawMessage `json:"polygon,omitempty"`
}

// Warning is a transient, per-cycle record parsed from the upstream nowcast
// detail response. It is never stored unless a Match produces an Alert.
type Warning struct {
	Identifier      string    `json:"identifier"`
	Event           string    `json:"event"`
	Severity        Severity  `json:"severity"`
	Urgency         string    `json:"urgency"`
	Certainty       string    `json:"certainty"`
	Effective       string    `json:"effective"`
	Expires         string    `json:"expires"`
	Headline        string    `json:"headline"`
	Description     string    `json:"description"`
	Sender          string    `json:"sender"`
	InfographicURL  string    `json:"infographic_url,omitempty"`
	Areas           []Area    `json:"areas"`
	IsExpired       bool      `json:"is_expired"`
}

// Match is the result of matching one Warning against one Location.
type Match struct {
	Location    Location  `json:"location"`
	MatchType   MatchType `json:"match_type"`
	MatchedText string    `json:"matched_text"`
}

// Alert is a persisted, matched warning. The dedup key is the pair
// (BMKGAlertCode, MatchedLocationID): at most one row may exist for that
// pair regardless of Status.
type Alert struct {
	ID                int64           `json:"id"`
	BMKGAlertCode     string          `json:"bmkg_alert_code"`
	Event             string          `json:"event"`
	Severity          Severity        `json:"severity"`
	Headline          string          `json:"headline"`
	Description       string          `json:"description"`
	Sender            string          `json:"sender"`
	InfographicURL    string          `json:"infographic_url,omitempty"`
	Effective         string          `json:"effective"`
	Expires           string          `json:"expires"`
	PolygonData       json.RawMessage `json:"polygon_data,omitempty"`
	MatchedLocationID string          `json:"matched_location_id"`
	MatchType         MatchType       `json:"match_type"`
	MatchedText       string          `json:"matched_text"`
	Status            AlertStatus     `json:"status"`
	ExpiredNotified   bool            `json:"expired_notified"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Delivery is one append-only record of a dispatch attempt for an
// (alert, channel) pair.
type Delivery struct {
	ID           int64          `json:"id"`
	AlertID      int64          `json:"alert_id"`
	ChannelID    string         `json:"channel_id"`
	Status       DeliveryStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	SentAt       time.Time      `json:"sent_at"`
}

// Channel is an admin-managed notification destination. Config is an opaque
// key/value map whose schema depends on ChannelType; senders validate it at
// entry.
type Channel struct {
	ID            string            `json:"id"`
	ChannelType   ChannelType       `json:"channel_type"`
	Enabled       bool              `json:"enabled"`
	Config        map[string]string `json:"config"`
	LastSuccessAt *time.Time        `json:"last_success_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
}

// Trial is a 24-hour time-bounded subscription keyed by an external chat
// identifier, matched independently of persistent Locations.
type Trial struct {
	ID                int64     `json:"id"`
	ExternalChatID    string    `json:"external_chat_id"`
	SubdistrictCode   string    `json:"subdistrict_code"`
	SubdistrictName   string    `json:"subdistrict_name"`
	DistrictName      string    `json:"district_name"`
	ProvinceName      string    `json:"province_name"`
	SeverityThreshold string    `json:"severity_threshold"`
	RegisteredAt      time.Time `json:"registered_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	ExpiredNotified   bool      `json:"expired_notified"`
	IPAddress         string    `json:"ip_address"`
}

// Active reports whether the trial has not yet expired, as of now.
func (t Trial) Active(now time.Time) bool {
	return t.ExpiresAt.After(now)
}
