package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bmkg-alert/alertd/internal/bmkgclient"
	"github.com/bmkg-alert/alertd/internal/engine"
	"github.com/bmkg-alert/alertd/internal/store"
)

// --- fakes -----------------------------------------------------------------

type fakeUpstream struct {
	list        bmkgclient.ListResponse
	listErr     error
	details     map[string]bmkgclient.DetailResponse
	detailErr   map[string]error
	detailCalls map[string]int
}

func (f *fakeUpstream) ListNowcast(_ context.Context) (bmkgclient.ListResponse, error) {
	if f.listErr != nil {
		return bmkgclient.ListResponse{}, f.listErr
	}
	return f.list, nil
}

func (f *fakeUpstream) FetchDetail(_ context.Context, code string) (bmkgclient.DetailResponse, error) {
	if f.detailCalls == nil {
		f.detailCalls = map[string]int{}
	}
	f.detailCalls[code]++
	if err := f.detailErr[code]; err != nil {
		return bmkgclient.DetailResponse{}, err
	}
	return f.details[code], nil
}

func (f *fakeUpstream) CheckHealth(_ context.Context) bool { return true }

type storedAlert struct {
	id      int64
	code    string
	warning store.Warning
	match   store.Match
}

// fakeState is an in-memory stand-in for the Postgres store.
type fakeState struct {
	mu sync.Mutex

	locations []store.Location
	channels  []store.Channel
	config    map[string]string

	alerts map[string]int64 // "code|locationID" -> alert id
	nextID int64
	stored []storedAlert

	expiredAlerts []store.Alert // returned by the next MarkExpiredAlerts call
	activeTrials  []store.Trial
	lapsedTrials  []store.Trial // returned by the next ExpireTrials call

	activities []string
}

func newFakeState() *fakeState {
	return &fakeState{
		alerts: map[string]int64{},
		config: map[string]string{},
	}
}

func dedupKey(code, locationID string) string { return code + "|" + locationID }

func (f *fakeState) GetEnabledLocations(_ context.Context) ([]store.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var enabled []store.Location
	for _, l := range f.locations {
		if l.Enabled {
			enabled = append(enabled, l)
		}
	}
	return enabled, nil
}

func (f *fakeState) GetEnabledChannels(_ context.Context) ([]store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels, nil
}

func (f *fakeState) IsDuplicate(_ context.Context, code, locationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.alerts[dedupKey(code, locationID)]
	return ok, nil
}

func (f *fakeState) StoreAlert(_ context.Context, w store.Warning, m store.Match, code string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := dedupKey(code, m.Location.ID)
	if _, ok := f.alerts[key]; ok {
		return 0, store.ErrDuplicateKey
	}
	f.nextID++
	f.alerts[key] = f.nextID
	f.stored = append(f.stored, storedAlert{id: f.nextID, code: code, warning: w, match: m})
	return f.nextID, nil
}

func (f *fakeState) MarkExpiredAlerts(_ context.Context) ([]store.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	expired := f.expiredAlerts
	f.expiredAlerts = nil
	return expired, nil
}

func (f *fakeState) GetActiveTrials(_ context.Context) ([]store.Trial, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeTrials, nil
}

func (f *fakeState) ExpireTrials(_ context.Context) ([]store.Trial, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lapsed := f.lapsedTrials
	f.lapsedTrials = nil
	return lapsed, nil
}

func (f *fakeState) GetConfigValue(_ context.Context, key, def string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.config[key]; ok {
		return v, nil
	}
	return def, nil
}

func (f *fakeState) LogActivity(_ context.Context, eventType, _ string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, eventType)
	return nil
}

// fakeDispatcher records every (alertID, channelID) pair it is asked to send.
type fakeDispatcher struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeDispatcher) Send(_ context.Context, alertID int64, _ store.Warning, _ store.Match, channel store.Channel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fmt.Sprintf("%d/%s", alertID, channel.ID))
	return !f.fail
}

// fakeMessenger records trial messages sent via the system bot token.
type fakeMessenger struct {
	mu       sync.Mutex
	messages []string // "chatID: text"
	err      error
}

func (f *fakeMessenger) SendRaw(_ context.Context, _, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, chatID+": "+text)
	return nil
}

// --- fixtures --------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func singleWarningUpstream(code, description, severity string, areas ...string) *fakeUpstream {
	wireAreas := make([]bmkgclient.WireArea, len(areas))
	for i, a := range areas {
		wireAreas[i] = bmkgclient.WireArea{Name: a}
	}
	return &fakeUpstream{
		list: bmkgclient.ListResponse{
			Data: []bmkgclient.ListItem{{Code: code, Province: "Jawa Tengah"}},
		},
		details: map[string]bmkgclient.DetailResponse{
			code: {
				Data: bmkgclient.DetailData{
					Province: "Jawa Tengah",
					Warnings: []bmkgclient.WireWarning{{
						Event:       "Hujan Lebat",
						Severity:    severity,
						Description: description,
						Areas:       wireAreas,
					}},
				},
			},
		},
	}
}

func alianLocation() store.Location {
	return store.Location{
		ID:              "loc-1",
		Label:           "Rumah",
		SubdistrictName: "Alian",
		DistrictName:    "Kebumen",
		ProvinceName:    "Jawa Tengah",
		Enabled:         true,
	}
}

// --- tests -----------------------------------------------------------------

func TestCheckNow_HappyPath(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "Hujan di Alian, Bonorowo", "Moderate")
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}
	state.channels = []store.Channel{{ID: "ch-1", ChannelType: store.ChannelTypeTelegram, Enabled: true}}
	dispatcher := &fakeDispatcher{}

	e := engine.New(upstream, state, dispatcher, testLogger())
	summary := e.CheckNow(context.Background())

	if summary.WarningsFetched != 1 {
		t.Errorf("WarningsFetched = %d, want 1", summary.WarningsFetched)
	}
	if summary.MatchesFound != 1 {
		t.Errorf("MatchesFound = %d, want 1", summary.MatchesFound)
	}
	if summary.NewAlerts != 1 {
		t.Errorf("NewAlerts = %d, want 1", summary.NewAlerts)
	}
	if summary.DuplicatesSkipped != 0 {
		t.Errorf("DuplicatesSkipped = %d, want 0", summary.DuplicatesSkipped)
	}
	if summary.NotificationsSent != 1 {
		t.Errorf("NotificationsSent = %d, want 1", summary.NotificationsSent)
	}

	if len(state.stored) != 1 {
		t.Fatalf("stored alerts = %d, want 1", len(state.stored))
	}
	got := state.stored[0]
	if got.match.MatchType != store.MatchTypeKecamatan {
		t.Errorf("MatchType = %q, want kecamatan", got.match.MatchType)
	}
	if got.match.MatchedText != "Alian" {
		t.Errorf("MatchedText = %q, want Alian", got.match.MatchedText)
	}

	status := e.Status()
	if !strings.HasPrefix(status.LastPollResult, "OK:") {
		t.Errorf("LastPollResult = %q, want OK prefix", status.LastPollResult)
	}
}

func TestCheckNow_Dedup(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "Hujan di Alian, Bonorowo", "Moderate")
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}
	dispatcher := &fakeDispatcher{}

	e := engine.New(upstream, state, dispatcher, testLogger())
	e.CheckNow(context.Background())
	summary := e.CheckNow(context.Background())

	if summary.NewAlerts != 0 {
		t.Errorf("NewAlerts = %d, want 0 on second run", summary.NewAlerts)
	}
	if summary.DuplicatesSkipped != 1 {
		t.Errorf("DuplicatesSkipped = %d, want 1", summary.DuplicatesSkipped)
	}
	if len(state.stored) != 1 {
		t.Errorf("stored alerts = %d, want exactly 1", len(state.stored))
	}
}

func TestCheckNow_KabupatenFallback(t *testing.T) {
	upstream := singleWarningUpstream("CBT2", "Hujan di wilayah lain", "Moderate", "Kebumen")
	state := newFakeState()
	loc := alianLocation()
	loc.SubdistrictName = "Somewhere"
	state.locations = []store.Location{loc}

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger())
	summary := e.CheckNow(context.Background())

	if summary.MatchesFound != 1 {
		t.Fatalf("MatchesFound = %d, want 1", summary.MatchesFound)
	}
	if state.stored[0].match.MatchType != store.MatchTypeKabupaten {
		t.Errorf("MatchType = %q, want kabupaten", state.stored[0].match.MatchType)
	}
}

func TestCheckNow_ExpirySweep(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "tidak cocok", "Moderate")
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}
	state.expiredAlerts = []store.Alert{{
		ID:      7,
		Status:  store.AlertStatusActive,
		Expires: "2000-01-01T00:00:00+00:00",
	}}

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger())
	summary := e.CheckNow(context.Background())
	if summary.ExpiredAlerts != 1 {
		t.Errorf("ExpiredAlerts = %d, want 1", summary.ExpiredAlerts)
	}

	summary = e.CheckNow(context.Background())
	if summary.ExpiredAlerts != 0 {
		t.Errorf("ExpiredAlerts on second cycle = %d, want 0", summary.ExpiredAlerts)
	}
}

func TestCheckNow_UpstreamListFailure(t *testing.T) {
	upstream := &fakeUpstream{listErr: errors.New("connection refused")}
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger())
	summary := e.CheckNow(context.Background())

	if summary.NewAlerts != 0 {
		t.Errorf("NewAlerts = %d, want 0", summary.NewAlerts)
	}
	if !strings.HasPrefix(e.Status().LastPollResult, "error:") {
		t.Errorf("LastPollResult = %q, want error: prefix", e.Status().LastPollResult)
	}

	found := false
	for _, evt := range state.activities {
		if evt == "poll_error" {
			found = true
		}
	}
	if !found {
		t.Error("poll_error activity not logged")
	}
}

func TestCheckNow_DetailFailureContained(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "Hujan di Alian", "Moderate")
	upstream.list.Data = append(upstream.list.Data, bmkgclient.ListItem{Code: "BAD1"})
	upstream.detailErr = map[string]error{"BAD1": errors.New("timeout")}
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger())
	summary := e.CheckNow(context.Background())

	if summary.NewAlerts != 1 {
		t.Errorf("NewAlerts = %d, want 1 despite the failed detail", summary.NewAlerts)
	}
	if len(summary.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry for BAD1", summary.Errors)
	}
}

func TestCheckNow_NoLocationsConfigured(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "Hujan di Alian", "Moderate")
	state := newFakeState()

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger())
	e.CheckNow(context.Background())

	if got := e.Status().LastPollResult; got != "no locations configured" {
		t.Errorf("LastPollResult = %q, want 'no locations configured'", got)
	}
}

func TestCheckNow_NoWarnings(t *testing.T) {
	upstream := &fakeUpstream{}
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger())
	e.CheckNow(context.Background())

	if got := e.Status().LastPollResult; got != "no warnings" {
		t.Errorf("LastPollResult = %q, want 'no warnings'", got)
	}
}

func TestCheckNow_ExpiredWarningSkipped(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "Hujan di Alian", "Moderate")
	detail := upstream.details["CBT1"]
	detail.Data.Warnings[0].IsExpired = true
	upstream.details["CBT1"] = detail
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger())
	summary := e.CheckNow(context.Background())

	if summary.MatchesFound != 0 || summary.NewAlerts != 0 {
		t.Errorf("summary = %+v, want no matches for an expired warning", summary)
	}
}

func TestCheckNow_DuplicateKeyRaceCountsAsSkip(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "Hujan di Alian", "Moderate")
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}
	// Pre-insert the dedup pair directly, bypassing IsDuplicate: the engine's
	// read sees no duplicate but the insert hits the constraint.
	state.alerts[dedupKey("CBT1", "loc-1")] = 99
	raced := &racingState{fakeState: state}

	e := engine.New(upstream, raced, &fakeDispatcher{}, testLogger())
	summary := e.CheckNow(context.Background())

	if summary.DuplicatesSkipped != 1 {
		t.Errorf("DuplicatesSkipped = %d, want 1 for the racing insert", summary.DuplicatesSkipped)
	}
	if summary.NewAlerts != 0 {
		t.Errorf("NewAlerts = %d, want 0", summary.NewAlerts)
	}
}

// racingState reports no duplicates from the read path, forcing StoreAlert
// to hit the unique constraint instead.
type racingState struct {
	*fakeState
}

func (r *racingState) IsDuplicate(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func TestCheckNow_TrialNotifications(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "Hujan di Alian, Bonorowo", "Severe")
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}
	state.activeTrials = []store.Trial{
		{ID: 1, ExternalChatID: "1001", SubdistrictName: "Alian", DistrictName: "Kebumen", SeverityThreshold: "all"},
		{ID: 2, ExternalChatID: "1002", SubdistrictName: "Alian", DistrictName: "Kebumen", SeverityThreshold: "Extreme"},
		{ID: 3, ExternalChatID: "1003", SubdistrictName: "Tangerang", DistrictName: "Tangerang", SeverityThreshold: "all"},
	}
	messenger := &fakeMessenger{}

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger(),
		engine.WithTrialPipeline("bot-token", messenger))
	summary := e.CheckNow(context.Background())

	// Trial 1 matches and passes its threshold; trial 2 is filtered by the
	// Extreme threshold; trial 3 does not match the location.
	if summary.TrialNotifications != 1 {
		t.Errorf("TrialNotifications = %d, want 1", summary.TrialNotifications)
	}
	if len(messenger.messages) != 1 || !strings.HasPrefix(messenger.messages[0], "1001:") {
		t.Errorf("messages = %v, want one message to chat 1001", messenger.messages)
	}
}

func TestCheckNow_TrialPipelineSkippedWithoutBotToken(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "Hujan di Alian", "Moderate")
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}
	state.activeTrials = []store.Trial{
		{ID: 1, ExternalChatID: "1001", SubdistrictName: "Alian", SeverityThreshold: "all"},
	}

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger())
	summary := e.CheckNow(context.Background())

	if summary.TrialNotifications != 0 {
		t.Errorf("TrialNotifications = %d, want 0 without a bot token", summary.TrialNotifications)
	}
}

func TestCheckNow_TrialExpiryFarewell(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "tidak cocok", "Moderate")
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}
	state.lapsedTrials = []store.Trial{
		{ID: 1, ExternalChatID: "1001", SubdistrictName: "Alian"},
	}
	messenger := &fakeMessenger{}

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger(),
		engine.WithTrialPipeline("bot-token", messenger))
	summary := e.CheckNow(context.Background())

	if summary.TrialsExpired != 1 {
		t.Errorf("TrialsExpired = %d, want 1", summary.TrialsExpired)
	}
	if len(messenger.messages) != 1 {
		t.Fatalf("messages = %v, want one farewell", messenger.messages)
	}

	summary = e.CheckNow(context.Background())
	if summary.TrialsExpired != 0 {
		t.Errorf("TrialsExpired on second cycle = %d, want 0", summary.TrialsExpired)
	}
}

func TestCheckNow_MemoizesDetailFetches(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "Hujan di Alian", "Moderate")
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}
	state.activeTrials = []store.Trial{
		{ID: 1, ExternalChatID: "1001", SubdistrictName: "Alian", SeverityThreshold: "all"},
	}

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger(),
		engine.WithTrialPipeline("bot-token", &fakeMessenger{}))
	e.CheckNow(context.Background())

	if got := upstream.detailCalls["CBT1"]; got != 1 {
		t.Errorf("detail fetches for CBT1 = %d, want 1 (memoized for the trial walk)", got)
	}
}

func TestCheckNow_DispatchesEveryChannelInOrder(t *testing.T) {
	upstream := singleWarningUpstream("CBT1", "Hujan di Alian", "Moderate")
	state := newFakeState()
	state.locations = []store.Location{alianLocation()}
	state.channels = []store.Channel{
		{ID: "ch-a", ChannelType: store.ChannelTypeTelegram, Enabled: true},
		{ID: "ch-b", ChannelType: store.ChannelTypeDiscord, Enabled: true},
	}
	dispatcher := &fakeDispatcher{}

	e := engine.New(upstream, state, dispatcher, testLogger())
	e.CheckNow(context.Background())

	want := []string{"1/ch-a", "1/ch-b"}
	if len(dispatcher.sent) != 2 || dispatcher.sent[0] != want[0] || dispatcher.sent[1] != want[1] {
		t.Errorf("dispatched = %v, want %v", dispatcher.sent, want)
	}
}

func TestStartStop(t *testing.T) {
	upstream := &fakeUpstream{}
	state := newFakeState()
	state.config["poll_interval"] = "3600"

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger())
	e.Start(context.Background())
	if !e.Status().Running {
		t.Fatal("Running = false after Start")
	}

	// Second Start is a no-op.
	e.Start(context.Background())

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
	if e.Status().Running {
		t.Error("Running = true after Stop")
	}

	// Second Stop is a no-op.
	e.Stop()

	var started, stopped int
	for _, evt := range state.activities {
		switch evt {
		case "engine_started":
			started++
		case "engine_stopped":
			stopped++
		}
	}
	if started != 1 || stopped != 1 {
		t.Errorf("engine_started=%d engine_stopped=%d, want exactly one each", started, stopped)
	}
}

func TestStartStop_LoopKeepsRunningAfterUpstreamFailure(t *testing.T) {
	upstream := &fakeUpstream{listErr: errors.New("boom")}
	state := newFakeState()
	state.config["poll_interval"] = "3600"

	e := engine.New(upstream, state, &fakeDispatcher{}, testLogger())
	e.Start(context.Background())
	defer e.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.HasPrefix(e.Status().LastPollResult, "error:") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !e.Status().Running {
		t.Error("Running = false, want loop to survive upstream failure")
	}
	if !strings.HasPrefix(e.Status().LastPollResult, "error:") {
		t.Errorf("LastPollResult = %q, want error: prefix", e.Status().LastPollResult)
	}
}
