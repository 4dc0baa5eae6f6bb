// Package trial provides the public 24-hour Telegram trial subscription
// surface: registration, status lookup, cancellation, bot discovery, and a
// test-message endpoint. Trials registered here are consumed by the alert
// engine's trial sub-pipeline each poll cycle.
package trial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bmkg-alert/alertd/internal/store"
)

// Duration is how long a trial subscription stays active.
const Duration = 24 * time.Hour

// defaultMaxRegistrationsPerIP bounds registrations from one source IP
// within a rolling hour.
const defaultMaxRegistrationsPerIP = 5

const telegramAPIBase = "https://api.telegram.org"

// Store is the subset of the state store the trial service needs.
type Store interface {
	CreateTrial(ctx context.Context, t store.Trial) (int64, error)
	GetTrial(ctx context.Context, id int64) (*store.Trial, error)
	GetActiveTrialByChatID(ctx context.Context, chatID string) (*store.Trial, error)
	CountTrialRegistrationsSince(ctx context.Context, ipAddress string, since time.Time) (int, error)
	ExpireTrial(ctx context.Context, id int64) error
	LogActivity(ctx context.Context, eventType, message string, details json.RawMessage) error
}

// Messenger delivers raw Telegram messages with the system bot token.
type Messenger interface {
	SendRaw(ctx context.Context, botToken, chatID, text string) error
}

// Service implements the trial HTTP surface.
type Service struct {
	store     Store
	messenger Messenger
	botToken  string
	maxPerIP  int
	logger    *slog.Logger

	http    *http.Client
	apiBase string
	now     func() time.Time
}

// Option is a functional option for Service construction.
type Option func(*Service)

// WithMaxRegistrationsPerIP overrides the per-IP hourly registration limit.
func WithMaxRegistrationsPerIP(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPerIP = n
		}
	}
}

// WithTelegramAPIBase points the bot-info lookup at a different API base.
// Tests use this with an httptest server.
func WithTelegramAPIBase(base string) Option {
	return func(s *Service) { s.apiBase = base }
}

// WithNow overrides the service clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a trial Service. botToken is the system Telegram bot used for
// confirmations and trial notifications; an empty token leaves the routes
// functional but makes every outbound message a logged no-op.
func New(st Store, messenger Messenger, botToken string, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     st,
		messenger: messenger,
		botToken:  botToken,
		maxPerIP:  defaultMaxRegistrationsPerIP,
		logger:    logger,
		http:      &http.Client{Timeout: 5 * time.Second},
		apiBase:   telegramAPIBase,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the chi router exposing the trial endpoints. These routes
// are public (no JWT): the trial flow exists precisely for visitors without
// admin credentials.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", s.handleRegister)
	r.Get("/status/{chatID}", s.handleStatus)
	r.Get("/bot-info", s.handleBotInfo)
	r.Delete("/{trialID}", s.handleCancel)
	r.Post("/{trialID}/test-message", s.handleTestMessage)
	return r
}

// registerRequest is the POST /register payload.
type registerRequest struct {
	ChatID       string `json:"chat_id"`
	LocationCode string `json:"location_code"`
	LocationName string `json:"location_name"`
	DistrictName string `json:"district_name"`
	ProvinceName string `json:"province_name"`
	SeverityMin  string `json:"severity_min"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.ChatID) == "" {
		writeError(w, http.StatusBadRequest, "chat_id tidak boleh kosong")
		return
	}
	if strings.TrimSpace(body.LocationCode) == "" {
		writeError(w, http.StatusBadRequest, "kode lokasi tidak boleh kosong")
		return
	}
	if body.SeverityMin == "" {
		body.SeverityMin = "all"
	}

	ctx := r.Context()

	// One active trial per chat ID.
	if _, err := s.store.GetActiveTrialByChatID(ctx, body.ChatID); err == nil {
		writeError(w, http.StatusConflict,
			"Anda sudah memiliki trial aktif. Tunggu hingga berakhir atau hentikan terlebih dahulu.")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "gagal memeriksa trial aktif")
		return
	}

	// Rate limit per source IP over the trailing hour.
	ip := clientIP(r)
	count, err := s.store.CountTrialRegistrationsSince(ctx, ip, s.now().Add(-time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gagal memeriksa batas registrasi")
		return
	}
	if count >= s.maxPerIP {
		writeError(w, http.StatusTooManyRequests, "Terlalu banyak registrasi dari IP ini. Coba lagi nanti.")
		return
	}

	now := s.now().UTC()
	trial := store.Trial{
		ExternalChatID:    body.ChatID,
		SubdistrictCode:   body.LocationCode,
		SubdistrictName:   body.LocationName,
		DistrictName:      body.DistrictName,
		ProvinceName:      body.ProvinceName,
		SeverityThreshold: body.SeverityMin,
		RegisteredAt:      now,
		ExpiresAt:         now.Add(Duration),
		IPAddress:         ip,
	}
	trialID, err := s.store.CreateTrial(ctx, trial)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gagal menyimpan trial")
		return
	}

	locationLabel := body.LocationName
	if body.DistrictName != "" {
		locationLabel += ", " + body.DistrictName
	}
	confirm := fmt.Sprintf(
		"<b>Trial BMKG Alert Aktif!</b>\n\nLokasi: %s\nSeverity: %s\nBerlaku: %d jam\n\nAnda akan menerima notifikasi peringatan cuaca BMKG untuk lokasi ini selama masa trial.\n\n<i>BMKG Alert System</i>",
		locationLabel, body.SeverityMin, int(Duration.Hours()),
	)
	s.sendMessage(ctx, body.ChatID, confirm)

	if err := s.store.LogActivity(ctx, "trial_registered",
		fmt.Sprintf("Trial registered for chat %s: %s", body.ChatID, locationLabel), nil); err != nil {
		s.logger.Warn("failed to log trial registration", slog.Any("error", err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"id":         trialID,
		"expires_at": trial.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	trial, err := s.store.GetActiveTrialByChatID(r.Context(), chatID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gagal mengambil status trial")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active":        true,
		"id":            trial.ID,
		"location_code": trial.SubdistrictCode,
		"location_name": trial.SubdistrictName,
		"district_name": trial.DistrictName,
		"province_name": trial.ProvinceName,
		"severity_min":  trial.SeverityThreshold,
		"registered_at": trial.RegisteredAt.Format(time.RFC3339),
		"expires_at":    trial.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	trialID, err := strconv.ParseInt(chi.URLParam(r, "trialID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "trial ID tidak valid")
		return
	}

	ctx := r.Context()
	trial, err := s.store.GetTrial(ctx, trialID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Trial tidak ditemukan")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gagal mengambil trial")
		return
	}

	if err := s.store.ExpireTrial(ctx, trialID); err != nil {
		writeError(w, http.StatusInternalServerError, "gagal menghentikan trial")
		return
	}

	s.sendMessage(ctx, trial.ExternalChatID,
		"<b>Trial BMKG Alert Dihentikan</b>\n\nTrial Anda telah dihentikan. Terima kasih sudah mencoba BMKG Alert!\n\n<i>BMKG Alert System</i>")

	if err := s.store.LogActivity(ctx, "trial_cancelled",
		fmt.Sprintf("Trial cancelled for chat %s", trial.ExternalChatID), nil); err != nil {
		s.logger.Warn("failed to log trial cancellation", slog.Any("error", err))
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Service) handleBotInfo(w http.ResponseWriter, r *http.Request) {
	if s.botToken == "" {
		writeJSON(w, http.StatusOK, map[string]any{"available": false})
		return
	}

	url := fmt.Sprintf("%s/bot%s/getMe", s.apiBase, s.botToken)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"available": false})
		return
	}

	resp, err := s.http.Do(req)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"available": false})
		return
	}
	defer resp.Body.Close()

	var payload struct {
		OK     bool `json:"ok"`
		Result struct {
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"result"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&payload) != nil || !payload.OK {
		writeJSON(w, http.StatusOK, map[string]any{"available": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"available": true,
		"username":  payload.Result.Username,
		"name":      payload.Result.FirstName,
	})
}

func (s *Service) handleTestMessage(w http.ResponseWriter, r *http.Request) {
	trialID, err := strconv.ParseInt(chi.URLParam(r, "trialID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "trial ID tidak valid")
		return
	}

	ctx := r.Context()
	trial, err := s.store.GetTrial(ctx, trialID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !trial.Active(s.now())) {
		writeError(w, http.StatusNotFound, "Trial tidak ditemukan atau sudah berakhir")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gagal mengambil trial")
		return
	}

	testMsg := "✅ <b>Pesan Tes — BMKG Alert</b>\n\nBot berhasil menghubungi Anda! Anda akan menerima notifikasi peringatan cuaca BMKG secara otomatis ketika ada peringatan untuk lokasi yang dipilih.\n\n<i>BMKG Alert System</i>"
	if s.botToken == "" || s.messenger == nil {
		writeError(w, http.StatusBadGateway, "Bot Telegram belum dikonfigurasi.")
		return
	}
	if err := s.messenger.SendRaw(ctx, s.botToken, trial.ExternalChatID, testMsg); err != nil {
		writeError(w, http.StatusBadGateway,
			"Gagal mengirim pesan. Pastikan Anda sudah mengirim /start ke bot kami di Telegram sebelum mendaftar trial.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// sendMessage delivers text to chatID via the system bot. Failures are
// logged, never surfaced: confirmation traffic is best-effort.
func (s *Service) sendMessage(ctx context.Context, chatID, text string) {
	if s.botToken == "" || s.messenger == nil {
		s.logger.Warn("trial_telegram_no_bot_token")
		return
	}
	if err := s.messenger.SendRaw(ctx, s.botToken, chatID, text); err != nil {
		s.logger.Warn("trial message send failed",
			slog.String("chat_id", chatID),
			slog.Any("error", err),
		)
	}
}

// clientIP extracts the requester's IP, honouring X-Forwarded-For when a
// proxy sits in front of the daemon.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
