package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bmkg-alert/alertd/internal/dispatch"
	"github.com/bmkg-alert/alertd/internal/store"
)

// fakeState implements dispatch.ConfigStore, serving config from a map and
// recording every delivery row appended.
type fakeState struct {
	config     map[string]string
	deliveries []store.Delivery
}

func (f *fakeState) GetConfigValue(_ context.Context, key, def string) (string, error) {
	if v, ok := f.config[key]; ok {
		return v, nil
	}
	return def, nil
}

func (f *fakeState) LogDelivery(_ context.Context, alertID int64, channelID string, status store.DeliveryStatus, errMsg string) error {
	f.deliveries = append(f.deliveries, store.Delivery{
		AlertID:      alertID,
		ChannelID:    channelID,
		Status:       status,
		ErrorMessage: errMsg,
	})
	return nil
}

// fakeSender counts Send calls and returns a configurable error.
type fakeSender struct {
	calls int
	err   error
}

func (f *fakeSender) Send(_ context.Context, _ store.Warning, _ store.Match, _ map[string]string, _ bool) error {
	f.calls++
	return f.err
}

// atHour returns a clock pinned to the given UTC+7 local hour.
func atHour(localHour int) func() time.Time {
	utcHour := (localHour - 7 + 24) % 24
	return func() time.Time {
		return time.Date(2026, 2, 17, utcHour, 30, 0, 0, time.UTC)
	}
}

func testChannel(typ store.ChannelType) store.Channel {
	return store.Channel{
		ID:          "ch-1",
		ChannelType: typ,
		Enabled:     true,
		Config:      map[string]string{"bot_token": "t", "chat_id": "c"},
	}
}

func testWarning(severity store.Severity) store.Warning {
	return store.Warning{
		Event:       "Hujan Lebat",
		Severity:    severity,
		Description: "Hujan di Alian",
	}
}

func testMatch() store.Match {
	return store.Match{
		Location:    store.Location{ID: "loc-1", SubdistrictName: "Alian", DistrictName: "Kebumen"},
		MatchType:   store.MatchTypeKecamatan,
		MatchedText: "Alian",
	}
}

func quietHoursConfig() map[string]string {
	return map[string]string{
		"quiet_hours_enabled":         "true",
		"quiet_hours_start":           "22:00",
		"quiet_hours_end":             "06:00",
		"quiet_hours_override_severe": "true",
	}
}

func TestSend_Success(t *testing.T) {
	state := &fakeState{config: map[string]string{}}
	sender := &fakeSender{}
	d := dispatch.New(state, map[store.ChannelType]dispatch.Sender{
		store.ChannelTypeTelegram: sender,
	})

	ok := d.Send(context.Background(), 1, testWarning(store.SeverityModerate), testMatch(), testChannel(store.ChannelTypeTelegram))
	if !ok {
		t.Fatal("Send returned false, want true")
	}
	if sender.calls != 1 {
		t.Errorf("sender.calls = %d, want 1", sender.calls)
	}
	if len(state.deliveries) != 1 {
		t.Fatalf("len(deliveries) = %d, want 1", len(state.deliveries))
	}
	if state.deliveries[0].Status != store.DeliveryStatusSent {
		t.Errorf("delivery status = %q, want sent", state.deliveries[0].Status)
	}
}

func TestSend_SenderFailureRecordsFailed(t *testing.T) {
	state := &fakeState{config: map[string]string{}}
	sender := &fakeSender{err: errors.New("telegram: unexpected status 500")}
	d := dispatch.New(state, map[store.ChannelType]dispatch.Sender{
		store.ChannelTypeTelegram: sender,
	})

	ok := d.Send(context.Background(), 1, testWarning(store.SeverityModerate), testMatch(), testChannel(store.ChannelTypeTelegram))
	if ok {
		t.Fatal("Send returned true, want false")
	}
	if len(state.deliveries) != 1 {
		t.Fatalf("len(deliveries) = %d, want 1", len(state.deliveries))
	}
	got := state.deliveries[0]
	if got.Status != store.DeliveryStatusFailed {
		t.Errorf("delivery status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("delivery error message is empty, want sender error")
	}
}

func TestSend_UnsupportedChannelType(t *testing.T) {
	state := &fakeState{config: map[string]string{}}
	d := dispatch.New(state, map[store.ChannelType]dispatch.Sender{})

	ok := d.Send(context.Background(), 1, testWarning(store.SeverityModerate), testMatch(), testChannel("carrier-pigeon"))
	if ok {
		t.Fatal("Send returned true, want false")
	}
	if len(state.deliveries) != 1 || state.deliveries[0].Status != store.DeliveryStatusFailed {
		t.Fatalf("deliveries = %+v, want one failed row", state.deliveries)
	}
}

func TestSend_QuietHoursSuppressesModerate(t *testing.T) {
	state := &fakeState{config: quietHoursConfig()}
	sender := &fakeSender{}
	d := dispatch.New(state, map[store.ChannelType]dispatch.Sender{
		store.ChannelTypeTelegram: sender,
	}, dispatch.WithNow(atHour(23)))

	ok := d.Send(context.Background(), 1, testWarning(store.SeverityModerate), testMatch(), testChannel(store.ChannelTypeTelegram))
	if ok {
		t.Fatal("Send returned true, want false during quiet hours")
	}
	if sender.calls != 0 {
		t.Errorf("sender.calls = %d, want 0 (no wire call during quiet hours)", sender.calls)
	}
	if len(state.deliveries) != 1 || state.deliveries[0].Status != store.DeliveryStatusSkippedQuietHours {
		t.Fatalf("deliveries = %+v, want one skipped_quiet_hours row", state.deliveries)
	}
}

func TestSend_QuietHoursSevereOverride(t *testing.T) {
	state := &fakeState{config: quietHoursConfig()}
	sender := &fakeSender{}
	d := dispatch.New(state, map[store.ChannelType]dispatch.Sender{
		store.ChannelTypeTelegram: sender,
	}, dispatch.WithNow(atHour(23)))

	ok := d.Send(context.Background(), 1, testWarning(store.SeveritySevere), testMatch(), testChannel(store.ChannelTypeTelegram))
	if !ok {
		t.Fatal("Send returned false, want true: Severe bypasses quiet hours")
	}
	if sender.calls != 1 {
		t.Errorf("sender.calls = %d, want 1", sender.calls)
	}
	if state.deliveries[0].Status != store.DeliveryStatusSent {
		t.Errorf("delivery status = %q, want sent", state.deliveries[0].Status)
	}
}

func TestSend_QuietHoursOverrideDisabledSuppressesSevere(t *testing.T) {
	cfg := quietHoursConfig()
	cfg["quiet_hours_override_severe"] = "false"
	state := &fakeState{config: cfg}
	sender := &fakeSender{}
	d := dispatch.New(state, map[store.ChannelType]dispatch.Sender{
		store.ChannelTypeTelegram: sender,
	}, dispatch.WithNow(atHour(23)))

	ok := d.Send(context.Background(), 1, testWarning(store.SeveritySevere), testMatch(), testChannel(store.ChannelTypeTelegram))
	if ok {
		t.Fatal("Send returned true, want false with override disabled")
	}
	if state.deliveries[0].Status != store.DeliveryStatusSkippedQuietHours {
		t.Errorf("delivery status = %q, want skipped_quiet_hours", state.deliveries[0].Status)
	}
}

func TestSend_OutsideQuietHoursWindow(t *testing.T) {
	state := &fakeState{config: quietHoursConfig()}
	sender := &fakeSender{}
	d := dispatch.New(state, map[store.ChannelType]dispatch.Sender{
		store.ChannelTypeTelegram: sender,
	}, dispatch.WithNow(atHour(12)))

	ok := d.Send(context.Background(), 1, testWarning(store.SeverityModerate), testMatch(), testChannel(store.ChannelTypeTelegram))
	if !ok {
		t.Fatal("Send returned false, want true outside the window")
	}
}

func TestSend_DaytimeQuietWindow(t *testing.T) {
	cfg := quietHoursConfig()
	cfg["quiet_hours_start"] = "09:00"
	cfg["quiet_hours_end"] = "17:00"
	state := &fakeState{config: cfg}
	sender := &fakeSender{}
	d := dispatch.New(state, map[store.ChannelType]dispatch.Sender{
		store.ChannelTypeTelegram: sender,
	}, dispatch.WithNow(atHour(12)))

	ok := d.Send(context.Background(), 1, testWarning(store.SeverityModerate), testMatch(), testChannel(store.ChannelTypeTelegram))
	if ok {
		t.Fatal("Send returned true, want false inside a non-wrapping window")
	}
	if state.deliveries[0].Status != store.DeliveryStatusSkippedQuietHours {
		t.Errorf("delivery status = %q, want skipped_quiet_hours", state.deliveries[0].Status)
	}
}

func TestSend_DemoModeSkipsWire(t *testing.T) {
	state := &fakeState{config: map[string]string{}}
	sender := &fakeSender{err: errors.New("should never be called")}
	d := dispatch.New(state, map[store.ChannelType]dispatch.Sender{
		store.ChannelTypeTelegram: sender,
	}, dispatch.WithDemoMode(true))

	ok := d.Send(context.Background(), 1, testWarning(store.SeverityModerate), testMatch(), testChannel(store.ChannelTypeTelegram))
	if !ok {
		t.Fatal("Send returned false, want true in demo mode")
	}
	if sender.calls != 0 {
		t.Errorf("sender.calls = %d, want 0 in demo mode", sender.calls)
	}
	if state.deliveries[0].Status != store.DeliveryStatusSent {
		t.Errorf("delivery status = %q, want sent", state.deliveries[0].Status)
	}
}

func TestSend_ExactlyOneDeliveryRowPerCall(t *testing.T) {
	state := &fakeState{config: quietHoursConfig()}
	sender := &fakeSender{}
	d := dispatch.New(state, map[store.ChannelType]dispatch.Sender{
		store.ChannelTypeTelegram: sender,
	}, dispatch.WithNow(atHour(23)))

	warning := testWarning(store.SeverityModerate)
	for i := 0; i < 3; i++ {
		d.Send(context.Background(), int64(i), warning, testMatch(), testChannel(store.ChannelTypeTelegram))
	}
	if len(state.deliveries) != 3 {
		t.Fatalf("len(deliveries) = %d, want exactly one row per Send call", len(state.deliveries))
	}
}
