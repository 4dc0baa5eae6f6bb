// Package dispatch routes matched alerts to channel senders, enforcing the
// quiet-hours policy and recording exactly one delivery row per
// (alert, channel) attempt.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bmkg-alert/alertd/internal/store"
)

// ConfigStore is the subset of Store the dispatcher reads configuration
// from and records deliveries to.
type ConfigStore interface {
	GetConfigValue(ctx context.Context, key, def string) (string, error)
	LogDelivery(ctx context.Context, alertID int64, channelID string, status store.DeliveryStatus, errMsg string) error
}

// Sender is implemented by each channel-specific notifier. Senders are
// stateless: every transport identifier comes from channelConfig.
type Sender interface {
	Send(ctx context.Context, warning store.Warning, match store.Match, channelConfig map[string]string, isTrial bool) error
}

// Dispatcher routes alerts to the sender registered for a channel's type.
type Dispatcher struct {
	state    ConfigStore
	senders  map[store.ChannelType]Sender
	logger   *slog.Logger
	now      func() time.Time
	demoMode bool
}

// Option is a functional option for Dispatcher construction.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithNow overrides the clock used by the quiet-hours gate. Tests use this
// to pin the current hour.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithDemoMode makes the dispatcher log every outbound notification instead
// of delivering it. The delivery row is still recorded as sent so the rest
// of the pipeline behaves identically.
func WithDemoMode(enabled bool) Option {
	return func(d *Dispatcher) { d.demoMode = enabled }
}

// New builds a Dispatcher backed by state and the given channel-type →
// sender map.
func New(state ConfigStore, senders map[store.ChannelType]Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		state:   state,
		senders: senders,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send dispatches one notification for alertID through channel. It always
// records exactly one delivery row and returns whether the send succeeded.
func (d *Dispatcher) Send(ctx context.Context, alertID int64, warning store.Warning, match store.Match, channel store.Channel) bool {
	quiet, err := d.isQuietHours(ctx, warning.Severity)
	if err != nil {
		// A config lookup or parse failure is treated as "not quiet hours";
		// suppressing deliveries on a broken config would be worse.
		quiet = false
	}
	if quiet {
		d.logDelivery(ctx, alertID, channel.ID, store.DeliveryStatusSkippedQuietHours, "")
		return false
	}

	sender, ok := d.senders[channel.ChannelType]
	if !ok {
		errMsg := fmt.Sprintf("unsupported channel type: %s", channel.ChannelType)
		d.logger.Warn("unsupported_channel_type",
			slog.String("channel_id", channel.ID),
			slog.String("channel_type", string(channel.ChannelType)),
		)
		d.logDelivery(ctx, alertID, channel.ID, store.DeliveryStatusFailed, errMsg)
		return false
	}

	if d.demoMode {
		d.logger.Info("demo_mode_notification",
			slog.Int64("alert_id", alertID),
			slog.String("channel_id", channel.ID),
			slog.String("channel_type", string(channel.ChannelType)),
			slog.String("event", warning.Event),
			slog.String("severity", string(warning.Severity)),
		)
		d.logDelivery(ctx, alertID, channel.ID, store.DeliveryStatusSent, "")
		return true
	}

	var errMsg string
	success := true
	if err := sender.Send(ctx, warning, match, channel.Config, false); err != nil {
		success = false
		errMsg = err.Error()
	}

	status := store.DeliveryStatusSent
	if !success {
		status = store.DeliveryStatusFailed
	}
	d.logDelivery(ctx, alertID, channel.ID, status, errMsg)
	return success
}

func (d *Dispatcher) logDelivery(ctx context.Context, alertID int64, channelID string, status store.DeliveryStatus, errMsg string) {
	if err := d.state.LogDelivery(ctx, alertID, channelID, status, errMsg); err != nil {
		// A bookkeeping failure must not fail or retry the dispatch itself.
		d.logger.Warn("failed to record delivery",
			slog.Int64("alert_id", alertID),
			slog.String("channel_id", channelID),
			slog.Any("error", err),
		)
	}
}

// isQuietHours implements the quiet-hours gate. Severe/Extreme severities
// bypass the window when quiet_hours_override_severe is true.
func (d *Dispatcher) isQuietHours(ctx context.Context, severity store.Severity) (bool, error) {
	enabled, err := d.state.GetConfigValue(ctx, "quiet_hours_enabled", "false")
	if err != nil {
		return false, err
	}
	if enabled != "true" {
		return false, nil
	}

	overrideSevere, err := d.state.GetConfigValue(ctx, "quiet_hours_override_severe", "true")
	if err != nil {
		return false, err
	}
	if overrideSevere == "true" && (severity == store.SeveritySevere || severity == store.SeverityExtreme) {
		return false, nil
	}

	startStr, err := d.state.GetConfigValue(ctx, "quiet_hours_start", "22:00")
	if err != nil {
		return false, err
	}
	endStr, err := d.state.GetConfigValue(ctx, "quiet_hours_end", "06:00")
	if err != nil {
		return false, err
	}

	startHour, err := hourOf(startStr)
	if err != nil {
		return false, err
	}
	endHour, err := hourOf(endStr)
	if err != nil {
		return false, err
	}

	localHour := (d.now().UTC().Hour() + 7) % 24
	if startHour > endHour {
		// Overnight window, e.g. 22:00-06:00.
		return localHour >= startHour || localHour < endHour, nil
	}
	return startHour <= localHour && localHour < endHour, nil
}

// hourOf parses the hour component of an "HH:MM" string.
func hourOf(hhmm string) (int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) == 0 {
		return 0, fmt.Errorf("empty time string")
	}
	return strconv.Atoi(parts[0])
}
