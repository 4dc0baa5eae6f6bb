// Package engine contains the alert engine orchestrator. It owns the
// periodic poll cycle: fetching nowcast warnings from the upstream BMKG API,
// matching them against monitored locations, deduplicating, persisting new
// alerts, dispatching notifications, sweeping expired alerts, and driving
// the trial subscription sub-pipeline. Lifecycle is managed through a shared
// context; Stop cancels it and waits for the in-flight cycle to unwind.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmkg-alert/alertd/internal/bmkgclient"
	"github.com/bmkg-alert/alertd/internal/matcher"
	"github.com/bmkg-alert/alertd/internal/notify/formatter"
	"github.com/bmkg-alert/alertd/internal/store"
)

const defaultPollInterval = 300 * time.Second

// State is the subset of the store the engine reads and mutates each cycle.
// Defining an interface allows the cycle to be tested with an in-memory fake
// without a live PostgreSQL connection.
type State interface {
	GetEnabledLocations(ctx context.Context) ([]store.Location, error)
	GetEnabledChannels(ctx context.Context) ([]store.Channel, error)
	IsDuplicate(ctx context.Context, alertCode, locationID string) (bool, error)
	StoreAlert(ctx context.Context, w store.Warning, m store.Match, alertCode string) (int64, error)
	MarkExpiredAlerts(ctx context.Context) ([]store.Alert, error)
	GetActiveTrials(ctx context.Context) ([]store.Trial, error)
	ExpireTrials(ctx context.Context) ([]store.Trial, error)
	GetConfigValue(ctx context.Context, key, def string) (string, error)
	LogActivity(ctx context.Context, eventType, message string, details json.RawMessage) error
}

// Dispatcher routes one stored alert through a channel, recording the
// delivery outcome. It reports whether the send succeeded.
type Dispatcher interface {
	Send(ctx context.Context, alertID int64, warning store.Warning, match store.Match, channel store.Channel) bool
}

// TrialMessenger delivers raw Telegram messages for the trial sub-pipeline
// using the system-default bot token.
type TrialMessenger interface {
	SendRaw(ctx context.Context, botToken, chatID, text string) error
}

// FeedPublisher receives every newly stored alert for live fan-out to
// connected dashboard clients.
type FeedPublisher interface {
	PublishAlert(a store.Alert)
}

// CycleSummary is the counter struct produced by one poll cycle.
type CycleSummary struct {
	WarningsFetched    int      `json:"warnings_fetched"`
	DetailsFetched     int      `json:"details_fetched"`
	MatchesFound       int      `json:"matches_found"`
	NewAlerts          int      `json:"new_alerts"`
	DuplicatesSkipped  int      `json:"duplicates_skipped"`
	NotificationsSent  int      `json:"notifications_sent"`
	ExpiredAlerts      int      `json:"expired_alerts"`
	TrialNotifications int      `json:"trial_notifications"`
	TrialsExpired      int      `json:"trials_expired"`
	Errors             []string `json:"errors"`
}

// Status is a snapshot of the engine's scheduling state.
type Status struct {
	Running        bool   `json:"running"`
	LastPoll       string `json:"last_poll,omitempty"`
	LastPollResult string `json:"last_poll_result,omitempty"`
}

// Engine is the periodic poll orchestrator. Create with New, then Start to
// begin the background loop. CheckNow runs one cycle synchronously on the
// caller's goroutine without affecting the loop.
type Engine struct {
	bmkg       bmkgclient.UpstreamClient
	state      State
	dispatcher Dispatcher
	logger     *slog.Logger

	trialBotToken string
	trialSender   TrialMessenger
	feed          FeedPublisher

	mu             sync.Mutex
	running        bool
	lastPoll       string
	lastPollResult string
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// Option is a functional option for Engine construction.
type Option func(*Engine)

// WithTrialPipeline enables the trial sub-pipeline: matched trial
// subscribers are notified via botToken through sender. An empty botToken
// disables the sub-pipeline entirely.
func WithTrialPipeline(botToken string, sender TrialMessenger) Option {
	return func(e *Engine) {
		e.trialBotToken = botToken
		e.trialSender = sender
	}
}

// WithFeed registers a publisher that receives every newly stored alert.
func WithFeed(f FeedPublisher) Option {
	return func(e *Engine) { e.feed = f }
}

// New creates an Engine from its collaborators. The trial pipeline and live
// feed are optional, provided via WithTrialPipeline and WithFeed.
func New(bmkg bmkgclient.UpstreamClient, state State, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		bmkg:       bmkg,
		state:      state,
		dispatcher: dispatcher,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start spawns the background polling loop. Calling Start while the loop is
// already running is a logged no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.logger.Warn("engine_already_running")
		return
	}
	e.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go e.pollLoop(loopCtx)

	if err := e.state.LogActivity(ctx, "engine_started", "Alert engine started", nil); err != nil {
		e.logger.Warn("failed to log engine start", slog.Any("error", err))
	}
	e.logger.Info("engine_started")
}

// Stop cancels the loop and waits for the in-flight cycle to unwind. Calling
// Stop while not running is a no-op. Stop is safe to call multiple times.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if err := e.state.LogActivity(context.Background(), "engine_stopped", "Alert engine stopped", nil); err != nil {
		e.logger.Warn("failed to log engine stop", slog.Any("error", err))
	}
	e.logger.Info("engine_stopped")
}

// CheckNow runs exactly one poll cycle synchronously on the caller's
// goroutine and returns its summary. It does not affect the background loop;
// the dedup constraint keeps a concurrently running loop cycle from
// inserting duplicates.
func (e *Engine) CheckNow(ctx context.Context) CycleSummary {
	return e.runPollCycle(ctx)
}

// Status returns a snapshot of the engine's scheduling state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:        e.running,
		LastPoll:       e.lastPoll,
		LastPollResult: e.lastPollResult,
	}
}

// pollLoop runs cycles until ctx is cancelled. The interval is re-read from
// config after every cycle so admin changes take effect without a restart.
func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		e.runPollCycle(ctx)

		interval := e.pollInterval(ctx)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollInterval reads the poll_interval config key (seconds). Parse failures
// fall back to the 300-second default.
func (e *Engine) pollInterval(ctx context.Context) time.Duration {
	raw, err := e.state.GetConfigValue(ctx, "poll_interval", "300")
	if err != nil {
		return defaultPollInterval
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return defaultPollInterval
	}
	return time.Duration(secs) * time.Second
}

func (e *Engine) setLastPollResult(result string) {
	e.mu.Lock()
	e.lastPollResult = result
	e.mu.Unlock()
}

// runPollCycle executes a single cycle. Per-warning failures are contained:
// they append to summary.Errors and the cycle moves on. Only context
// cancellation terminates the loop.
func (e *Engine) runPollCycle(ctx context.Context) CycleSummary {
	startTime := time.Now().UTC()
	e.mu.Lock()
	e.lastPoll = startTime.Format(time.RFC3339)
	e.mu.Unlock()

	summary := CycleSummary{Errors: []string{}}
	e.logger.Info("poll_cycle_start")

	nowcast, err := e.bmkg.ListNowcast(ctx)
	if err != nil {
		e.setLastPollResult(fmt.Sprintf("error: %v", err))
		e.logger.Error("poll_error", slog.Any("error", err))
		if logErr := e.state.LogActivity(ctx, "poll_error", fmt.Sprintf("Poll cycle failed: %v", err), nil); logErr != nil {
			e.logger.Warn("failed to log poll error", slog.Any("error", logErr))
		}
		return summary
	}
	summary.WarningsFetched = len(nowcast.Data)

	if len(nowcast.Data) == 0 {
		e.setLastPollResult("no warnings")
		e.logger.Info("poll_cycle_no_warnings")
		if err := e.state.LogActivity(ctx, "poll_completed", "No active warnings found", nil); err != nil {
			e.logger.Warn("failed to log activity", slog.Any("error", err))
		}
		return summary
	}

	locations, err := e.state.GetEnabledLocations(ctx)
	if err != nil {
		e.setLastPollResult(fmt.Sprintf("error: %v", err))
		e.logger.Error("poll_cycle_error", slog.Any("error", err))
		return summary
	}
	if len(locations) == 0 {
		e.setLastPollResult("no locations configured")
		e.logger.Info("poll_cycle_no_locations")
		return summary
	}

	channels, err := e.state.GetEnabledChannels(ctx)
	if err != nil {
		e.setLastPollResult(fmt.Sprintf("error: %v", err))
		e.logger.Error("poll_cycle_error", slog.Any("error", err))
		return summary
	}

	// Details fetched this cycle, keyed by nowcast code. The trial
	// sub-pipeline re-walks the same warnings; memoizing here avoids a second
	// round of upstream fetches per code.
	details := make(map[string]bmkgclient.DetailData, len(nowcast.Data))

	for _, item := range nowcast.Data {
		if ctx.Err() != nil {
			break
		}
		detail, err := e.bmkg.FetchDetail(ctx, item.Code)
		if err != nil {
			e.logger.Error("detail_fetch_error",
				slog.String("code", item.Code),
				slog.Any("error", err),
			)
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", item.Code, err))
			continue
		}
		summary.DetailsFetched++
		details[item.Code] = detail.Data

		for _, wire := range detail.Data.Warnings {
			warning := toWarning(wire)
			if warning.IsExpired {
				continue
			}

			matches := matcher.Match(warning, locations)
			summary.MatchesFound += len(matches)

			for _, match := range matches {
				dup, err := e.state.IsDuplicate(ctx, item.Code, match.Location.ID)
				if err != nil {
					summary.Errors = append(summary.Errors, fmt.Sprintf("dedup check %s: %v", item.Code, err))
					continue
				}
				if dup {
					summary.DuplicatesSkipped++
					continue
				}

				alertID, err := e.state.StoreAlert(ctx, warning, match, item.Code)
				if err != nil {
					// A racing insert that slipped past the read surfaces as
					// a duplicate-key error; the constraint is the
					// correctness boundary, so treat it as already handled.
					if errors.Is(err, store.ErrDuplicateKey) {
						summary.DuplicatesSkipped++
						continue
					}
					summary.Errors = append(summary.Errors, fmt.Sprintf("store alert %s: %v", item.Code, err))
					continue
				}
				summary.NewAlerts++

				if e.feed != nil {
					e.feed.PublishAlert(store.Alert{
						ID:                alertID,
						BMKGAlertCode:     item.Code,
						Event:             warning.Event,
						Severity:          warning.Severity,
						Headline:          warning.Headline,
						Effective:         warning.Effective,
						Expires:           warning.Expires,
						MatchedLocationID: match.Location.ID,
						MatchType:         match.MatchType,
						MatchedText:       match.MatchedText,
						Status:            store.AlertStatusActive,
						CreatedAt:         time.Now().UTC(),
					})
				}

				for _, channel := range channels {
					if e.dispatcher.Send(ctx, alertID, warning, match, channel) {
						summary.NotificationsSent++
					}
				}
			}
		}
	}

	if ctx.Err() != nil {
		// Cancellation observed mid-cycle: unwind, logging the partial
		// summary. LogActivity runs on a detached context so the record
		// itself is not lost to the same cancellation.
		e.setLastPollResult("cancelled")
		partialJSON, _ := json.Marshal(summary)
		if err := e.state.LogActivity(context.WithoutCancel(ctx), "poll_cycle_error", "Poll cycle cancelled", partialJSON); err != nil {
			e.logger.Warn("failed to log cancelled cycle", slog.Any("error", err))
		}
		return summary
	}

	expired, err := e.state.MarkExpiredAlerts(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("expiry sweep: %v", err))
	} else {
		summary.ExpiredAlerts = len(expired)
	}

	summary.TrialNotifications = e.processTrials(ctx, nowcast, details, &summary)
	summary.TrialsExpired = e.expireTrials(ctx)

	e.setLastPollResult(fmt.Sprintf("OK: %d new, %d dupes, %d expired",
		summary.NewAlerts, summary.DuplicatesSkipped, summary.ExpiredAlerts))

	durationMS := time.Since(startTime).Milliseconds()
	e.logger.Info("poll_cycle_complete",
		slog.Int64("duration_ms", durationMS),
		slog.Int("warnings_fetched", summary.WarningsFetched),
		slog.Int("new_alerts", summary.NewAlerts),
		slog.Int("duplicates_skipped", summary.DuplicatesSkipped),
		slog.Int("expired_alerts", summary.ExpiredAlerts),
		slog.Int("trial_notifications", summary.TrialNotifications),
		slog.Int("errors", len(summary.Errors)),
	)

	detailsJSON, err := json.Marshal(summary)
	if err != nil {
		detailsJSON = nil
	}
	e.mu.Lock()
	result := e.lastPollResult
	e.mu.Unlock()
	if err := e.state.LogActivity(ctx, "poll_completed", result, detailsJSON); err != nil {
		e.logger.Warn("failed to log activity", slog.Any("error", err))
	}

	return summary
}

// processTrials re-walks this cycle's warnings against active trial
// subscriptions, applying the per-trial severity threshold and the same
// kecamatan/kabupaten matching rules against the trial's location fields.
// Returns the number of messages delivered.
func (e *Engine) processTrials(ctx context.Context, nowcast bmkgclient.ListResponse, details map[string]bmkgclient.DetailData, summary *CycleSummary) int {
	if e.trialBotToken == "" || e.trialSender == nil {
		return 0
	}

	trials, err := e.state.GetActiveTrials(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("get active trials: %v", err))
		return 0
	}
	if len(trials) == 0 {
		return 0
	}

	sent := 0
	for _, item := range nowcast.Data {
		detail, ok := details[item.Code]
		if !ok {
			// Detail fetch failed in the main walk; skip rather than refetch.
			continue
		}

		for _, wire := range detail.Warnings {
			warning := toWarning(wire)
			if warning.IsExpired {
				continue
			}

			for _, trial := range trials {
				if !warning.Severity.AtLeast(trial.SeverityThreshold) {
					continue
				}
				if !trialMatches(warning, trial) {
					continue
				}

				msg := trialAlertMessage(warning, trial)
				if err := e.trialSender.SendRaw(ctx, e.trialBotToken, trial.ExternalChatID, msg); err != nil {
					e.logger.Error("trial_send_error",
						slog.String("chat_id", trial.ExternalChatID),
						slog.Any("error", err),
					)
					continue
				}
				sent++
			}
		}
	}
	return sent
}

// trialMatches applies the kecamatan-in-description / district-in-area-names
// rules to a trial's location fields.
func trialMatches(warning store.Warning, trial store.Trial) bool {
	description := strings.ToLower(warning.Description)

	if sub := strings.ToLower(trial.SubdistrictName); sub != "" && strings.Contains(description, sub) {
		return true
	}
	if dist := strings.ToLower(trial.DistrictName); dist != "" {
		for _, area := range warning.Areas {
			if strings.Contains(strings.ToLower(area.Name), dist) {
				return true
			}
		}
	}
	return false
}

// trialAlertMessage builds the trial-flavored Telegram message body.
func trialAlertMessage(warning store.Warning, trial store.Trial) string {
	locLabel := trial.SubdistrictName
	if trial.DistrictName != "" {
		locLabel += ", " + trial.DistrictName
	}
	description := formatter.Truncate(warning.Description, 300)

	return fmt.Sprintf(
		"<b>Peringatan Cuaca — %s</b>\nSeverity: %s\n\nLokasi Anda: %s\nBerlaku: %s\nHingga: %s\n\n%s\n\n<i>BMKG Alert — Trial Mode</i>",
		warning.Event, warning.Severity, locLabel,
		orDash(warning.Effective), orDash(warning.Expires),
		description,
	)
}

// expireTrials flags lapsed trials and sends each a farewell message via the
// system bot. Returns the number of trials expired this cycle.
func (e *Engine) expireTrials(ctx context.Context) int {
	expired, err := e.state.ExpireTrials(ctx)
	if err != nil {
		e.logger.Error("expire_trials_error", slog.Any("error", err))
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	if e.trialBotToken != "" && e.trialSender != nil {
		for _, trial := range expired {
			msg := formatter.TrialExpiryMessage(trial.SubdistrictName)
			if err := e.trialSender.SendRaw(ctx, e.trialBotToken, trial.ExternalChatID, msg); err != nil {
				e.logger.Error("trial_expire_notify_error",
					slog.String("chat_id", trial.ExternalChatID),
					slog.Any("error", err),
				)
			}
		}
	}

	e.logger.Info("trials_expired", slog.Int("count", len(expired)))
	return len(expired)
}

// toWarning converts the wire representation into the engine's model,
// serializing each area polygon into the opaque JSON blob the store keeps.
func toWarning(w bmkgclient.WireWarning) store.Warning {
	areas := make([]store.Area, len(w.Areas))
	for i, a := range w.Areas {
		var polygon json.RawMessage
		if len(a.Polygon) > 0 {
			if raw, err := json.Marshal(a.Polygon); err == nil {
				polygon = raw
			}
		}
		areas[i] = store.Area{Name: a.Name, Polygon: polygon}
	}
	return store.Warning{
		Identifier:     w.Identifier,
		Event:          w.Event,
		Severity:       store.Severity(w.Severity),
		Urgency:        w.Urgency,
		Certainty:      w.Certainty,
		Effective:      w.Effective,
		Expires:        w.Expires,
		Headline:       w.Headline,
		Description:    w.Description,
		Sender:         w.Sender,
		InfographicURL: w.InfographicURL,
		Areas:          areas,
		IsExpired:      w.IsExpired,
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
