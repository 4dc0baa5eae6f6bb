package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bmkg-alert/alertd/internal/dispatch"
	"github.com/bmkg-alert/alertd/internal/engine"
	"github.com/bmkg-alert/alertd/internal/store"
)

// EngineController is the engine control surface exposed through the API.
type EngineController interface {
	Start(ctx context.Context)
	Stop()
	CheckNow(ctx context.Context) engine.CycleSummary
	Status() engine.Status
}

// validChannelTypes is the set of channel types a sender exists for.
var validChannelTypes = map[store.ChannelType]bool{
	store.ChannelTypeTelegram: true,
	store.ChannelTypeDiscord:  true,
	store.ChannelTypeSlack:    true,
	store.ChannelTypeEmail:    true,
	store.ChannelTypeWebhook:  true,
}

// validSeverities mirrors the upstream severity enumeration.
var validSeverities = map[store.Severity]bool{
	store.SeverityMinor:    true,
	store.SeverityModerate: true,
	store.SeveritySevere:   true,
	store.SeverityExtreme:  true,
}

// validAlertStatuses is the set of persisted alert lifecycle states.
var validAlertStatuses = map[store.AlertStatus]bool{
	store.AlertStatusActive:    true,
	store.AlertStatusExpired:   true,
	store.AlertStatusCancelled: true,
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store   Store
	engine  EngineController
	senders map[store.ChannelType]dispatch.Sender
}

// NewServer creates a new Server. senders is the same channel-type → sender
// map the dispatcher holds; the channel-test endpoint uses it to exercise a
// channel's transport directly, bypassing quiet hours and delivery logging.
func NewServer(st Store, eng EngineController, senders map[store.ChannelType]dispatch.Sender) *Server {
	return &Server{store: st, engine: eng, senders: senders}
}

// handleHealthz responds to GET /healthz. No authentication: load balancers
// and orchestrators use it to verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.engine != nil {
		body["engine_running"] = s.engine.Status().Running
	}
	writeJSON(w, http.StatusOK, body)
}

// --- Alerts ---

// handleGetAlerts responds to GET /api/v1/alerts.
//
// Supported query parameters:
//
//	location_id – exact matched-location filter (optional)
//	severity    – one of Minor, Moderate, Severe, Extreme (optional)
//	status      – one of active, expired, cancelled (optional)
//	from        – RFC3339 start of the created_at window (optional)
//	to          – RFC3339 end of the created_at window (optional)
//	limit       – maximum number of results (default 100, max 1000)
//	offset      – pagination offset (default 0)
func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var aq store.AlertQuery

	if fromStr := q.Get("from"); fromStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
		aq.From = from
	}
	if toStr := q.Get("to"); toStr != "" {
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
		aq.To = to
	}
	if !aq.From.IsZero() && !aq.To.IsZero() && !aq.To.After(aq.From) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	aq.LocationID = q.Get("location_id")

	if sev := q.Get("severity"); sev != "" {
		severity := store.Severity(sev)
		if !validSeverities[severity] {
			writeError(w, http.StatusBadRequest, "'severity' must be one of Minor, Moderate, Severe, Extreme")
			return
		}
		aq.Severity = &severity
	}

	if statusStr := q.Get("status"); statusStr != "" {
		status := store.AlertStatus(statusStr)
		if !validAlertStatuses[status] {
			writeError(w, http.StatusBadRequest, "'status' must be one of active, expired, cancelled")
			return
		}
		aq.Status = &status
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		aq.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		aq.Offset = offset
	}

	alerts, err := s.store.ListAlerts(r.Context(), aq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query alerts")
		return
	}
	if alerts == nil {
		alerts = []store.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleGetAlertDeliveries responds to GET /api/v1/alerts/{id}/deliveries.
func (s *Server) handleGetAlertDeliveries(w http.ResponseWriter, r *http.Request) {
	alertID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "alert id must be an integer")
		return
	}

	deliveries, err := s.store.ListDeliveries(r.Context(), alertID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []store.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

// --- Locations ---

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := s.store.ListLocations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list locations")
		return
	}
	if locations == nil {
		locations = []store.Location{}
	}
	writeJSON(w, http.StatusOK, locations)
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	l, err := s.store.GetLocation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "location not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get location")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	var l store.Location
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if l.SubdistrictCode == "" || l.SubdistrictName == "" {
		writeError(w, http.StatusBadRequest, "subdistrict_code and subdistrict_name are required")
		return
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}

	if err := s.store.CreateLocation(r.Context(), l); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create location")
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetLocation(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "location not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get location")
		return
	}

	var l store.Location
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	l.ID = id

	if err := s.store.UpdateLocation(r.Context(), l); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update location")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleDeleteLocation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteLocation(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete location")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Channels ---

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	if channels == nil {
		channels = []store.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get channel")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var c store.Channel
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validChannelTypes[c.ChannelType] {
		writeError(w, http.StatusBadRequest, "channel_type must be one of telegram, discord, slack, email, webhook")
		return
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	if err := s.store.CreateChannel(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create channel")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetChannel(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get channel")
		return
	}

	var c store.Channel
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validChannelTypes[c.ChannelType] {
		writeError(w, http.StatusBadRequest, "channel_type must be one of telegram, discord, slack, email, webhook")
		return
	}
	c.ID = id

	if err := s.store.UpdateChannel(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update channel")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChannel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete channel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestChannel responds to POST /api/v1/channels/{id}/test. It pushes a
// synthetic warning through the channel's sender so an operator can verify
// the transport configuration. The test bypasses quiet hours and does not
// write a delivery row, but the channel's last_success_at/last_error
// bookkeeping is updated.
func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get channel")
		return
	}

	sender, ok := s.senders[c.ChannelType]
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported channel type")
		return
	}

	warning, match := testNotification()
	sendErr := sender.Send(r.Context(), warning, match, c.Config, false)

	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	_ = s.store.RecordChannelResult(r.Context(), c.ID, sendErr == nil, errMsg)

	if sendErr != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": errMsg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// testNotification builds the synthetic warning/match used by the channel
// test endpoint.
func testNotification() (store.Warning, store.Match) {
	now := time.Now().UTC()
	warning := store.Warning{
		Event:       "Tes Notifikasi",
		Severity:    store.SeverityMinor,
		Headline:    "Pesan tes dari BMKG Alert",
		Description: "Ini adalah pesan tes. Jika Anda menerima pesan ini, channel notifikasi Anda sudah terkonfigurasi dengan benar.",
		Effective:   now.Format("2006-01-02T15:04:05+07:00"),
		Expires:     now.Add(time.Hour).Format("2006-01-02T15:04:05+07:00"),
	}
	match := store.Match{
		Location: store.Location{
			Label:           "Tes",
			SubdistrictName: "Tes",
			DistrictName:    "Tes",
			ProvinceName:    "Tes",
		},
		MatchType:   store.MatchTypeKecamatan,
		MatchedText: "Tes",
	}
	return warning, match
}

// --- Activity log ---

// handleGetActivity responds to GET /api/v1/activity. from/to default to
// the trailing 24 hours when omitted.
func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if fromStr := q.Get("from"); fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
		from = parsed
	}
	if toStr := q.Get("to"); toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
		to = parsed
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	limit := 100
	if limitStr := q.Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.store.ListActivity(r.Context(), from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query activity log")
		return
	}
	if entries == nil {
		entries = []store.ActivityLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Config ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.store.GetConfigValue(r.Context(), key, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.store.SetConfigValue(r.Context(), key, body.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": body.Value})
}

// --- Engine control ---

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	// The loop must outlive this request: context.WithoutCancel keeps the
	// request's values but detaches the loop from its cancellation.
	s.engine.Start(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleEngineCheckNow(w http.ResponseWriter, r *http.Request) {
	summary := s.engine.CheckNow(r.Context())
	writeJSON(w, http.StatusOK, summary)
}
