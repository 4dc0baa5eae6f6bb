package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateKey is returned by StoreAlert when the (bmkg_alert_code,
// matched_location_id) dedup constraint already has a row. Callers are
// expected to check IsDuplicate first; a race that slips past that check
// surfaces here and is treated identically to a pre-detected duplicate —
// the constraint, not the read, is the correctness boundary.
var ErrDuplicateKey = errors.New("store: duplicate alert key")

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("store: not found")

// uniqueViolation is the PostgreSQL SQLSTATE for a unique_violation error.
const uniqueViolation = "23505"

// Store is the PostgreSQL-backed State Manager for the BMKG Alert engine.
// All persistent state — locations, alerts, deliveries, channels, trials,
// config, and the queryable activity log — is owned exclusively by Store;
// the engine and admin API never hold state by reference and always
// re-read.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ExecSchema runs a raw DDL statement against the pool. It exists for
// migration tooling and integration-test setup; application code never
// calls it.
func (s *Store) ExecSchema(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}

// --- Locations ---

// GetEnabledLocations returns all rows with enabled=true, ordered by label.
func (s *Store) GetEnabledLocations(ctx context.Context) ([]Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, label, province_code, province_name, district_code, district_name,
		       subdistrict_code, subdistrict_name, latitude, longitude, enabled
		FROM   locations
		WHERE  enabled = true
		ORDER  BY label`)
	if err != nil {
		return nil, fmt.Errorf("get enabled locations: %w", err)
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locations = append(locations, *l)
	}
	return locations, rows.Err()
}

// CreateLocation inserts a new location. The caller generates ID (a UUID).
func (s *Store) CreateLocation(ctx context.Context, l Location) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO locations
			(id, label, province_code, province_name, district_code, district_name,
			 subdistrict_code, subdistrict_name, latitude, longitude, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.Label,
		nullableStr(l.ProvinceCode), l.ProvinceName,
		nullableStr(l.DistrictCode), l.DistrictName,
		l.SubdistrictCode, l.SubdistrictName,
		l.Latitude, l.Longitude, l.Enabled,
	)
	if err != nil {
		return fmt.Errorf("create location: %w", err)
	}
	return nil
}

// GetLocation fetches a single location by ID.
func (s *Store) GetLocation(ctx context.Context, id string) (*Location, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, label, province_code, province_name, district_code, district_name,
		       subdistrict_code, subdistrict_name, latitude, longitude, enabled
		FROM   locations
		WHERE  id = $1`, id)
	l, err := scanLocation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get location %s: %w", id, err)
	}
	return l, nil
}

// ListLocations returns every location, ordered by label.
func (s *Store) ListLocations(ctx context.Context) ([]Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, label, province_code, province_name, district_code, district_name,
		       subdistrict_code, subdistrict_name, latitude, longitude, enabled
		FROM   locations
		ORDER  BY label`)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locations = append(locations, *l)
	}
	return locations, rows.Err()
}

// UpdateLocation replaces all mutable fields of an existing location.
func (s *Store) UpdateLocation(ctx context.Context, l Location) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE locations
		SET    label = $2, province_code = $3, province_name = $4,
		       district_code = $5, district_name = $6,
		       subdistrict_code = $7, subdistrict_name = $8,
		       latitude = $9, longitude = $10, enabled = $11
		WHERE  id = $1`,
		l.ID, l.Label,
		nullableStr(l.ProvinceCode), l.ProvinceName,
		nullableStr(l.DistrictCode), l.DistrictName,
		l.SubdistrictCode, l.SubdistrictName,
		l.Latitude, l.Longitude, l.Enabled,
	)
	if err != nil {
		return fmt.Errorf("update location %s: %w", l.ID, err)
	}
	return nil
}

// DeleteLocation removes the location identified by id.
func (s *Store) DeleteLocation(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM locations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete location %s: %w", id, err)
	}
	return nil
}

// --- Channels ---

// GetEnabledChannels returns channels with enabled=true.
func (s *Store) GetEnabledChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel_type, enabled, config, last_success_at, last_error
		FROM   channels
		WHERE  enabled = true
		ORDER  BY id`)
	if err != nil {
		return nil, fmt.Errorf("get enabled channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}

// CreateChannel inserts a new notification channel.
func (s *Store) CreateChannel(ctx context.Context, c Channel) error {
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("marshal channel config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO channels (id, channel_type, enabled, config)
		VALUES ($1, $2, $3, $4)`,
		c.ID, string(c.ChannelType), c.Enabled, cfg,
	)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// GetChannel fetches a single channel by ID.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, channel_type, enabled, config, last_success_at, last_error
		FROM   channels
		WHERE  id = $1`, id)
	c, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get channel %s: %w", id, err)
	}
	return c, nil
}

// ListChannels returns every channel.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel_type, enabled, config, last_success_at, last_error
		FROM   channels
		ORDER  BY id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}

// UpdateChannel replaces all mutable fields of an existing channel.
func (s *Store) UpdateChannel(ctx context.Context, c Channel) error {
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("marshal channel config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE channels
		SET    channel_type = $2, enabled = $3, config = $4
		WHERE  id = $1`,
		c.ID, string(c.ChannelType), c.Enabled, cfg,
	)
	if err != nil {
		return fmt.Errorf("update channel %s: %w", c.ID, err)
	}
	return nil
}

// DeleteChannel removes the channel identified by id.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", id, err)
	}
	return nil
}

// RecordChannelResult updates a channel's last_success_at / last_error bookkeeping
// fields after a dispatch attempt. Errors here are non-fatal to callers: a
// failure to record bookkeeping should not fail the dispatch itself.
func (s *Store) RecordChannelResult(ctx context.Context, channelID string, success bool, errMsg string) error {
	if success {
		_, err := s.pool.Exec(ctx, `
			UPDATE channels SET last_success_at = $2, last_error = NULL WHERE id = $1`,
			channelID, time.Now().UTC())
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE channels SET last_error = $2 WHERE id = $1`,
		channelID, errMsg)
	return err
}

// --- Alerts ---

// IsDuplicate reports whether any Alert row exists for the
// (bmkg_alert_code, matched_location_id) pair, regardless of status.
func (s *Store) IsDuplicate(ctx context.Context, alertCode, locationID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alerts
			WHERE bmkg_alert_code = $1 AND matched_location_id = $2
		)`, alertCode, locationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is duplicate: %w", err)
	}
	return exists, nil
}

// StoreAlert inserts a new active Alert row for the given warning/match pair
// and returns its assigned ID. Returns ErrDuplicateKey if the dedup pair
// already exists — the caller is expected to have called IsDuplicate first,
// with this error as the race-tolerant fallback.
func (s *Store) StoreAlert(ctx context.Context, w Warning, m Match, alertCode string) (int64, error) {
	polygonData, err := json.Marshal(w.Areas)
	if err != nil {
		return 0, fmt.Errorf("marshal polygon data: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO alerts
			(bmkg_alert_code, event, severity, headline, description, sender,
			 infographic_url, effective, expires, polygon_data,
			 matched_location_id, match_type, matched_text, status,
			 expired_notified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'active', false, $14)
		RETURNING id`,
		alertCode, w.Event, string(w.Severity), w.Headline, w.Description, w.Sender,
		nullableStr(w.InfographicURL), w.Effective, w.Expires, polygonData,
		m.Location.ID, string(m.MatchType), m.MatchedText,
		time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, ErrDuplicateKey
		}
		return 0, fmt.Errorf("store alert: %w", err)
	}
	return id, nil
}

// MarkExpiredAlerts transactionally selects all rows with status=active and
// a non-empty, past expires timestamp, updates them to status=expired, and
// returns the pre-transition snapshot. Idempotent: a second consecutive
// call returns an empty slice.
func (s *Store) MarkExpiredAlerts(ctx context.Context) ([]Alert, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("mark expired alerts: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, bmkg_alert_code, event, severity, headline, description, sender,
		       infographic_url, effective, expires, polygon_data,
		       matched_location_id, match_type, matched_text, status,
		       expired_notified, created_at
		FROM   alerts
		WHERE  status = 'active' AND expires <> '' AND expires::timestamptz < now()
		FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("mark expired alerts: select: %w", err)
	}

	var expired []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("mark expired alerts: scan: %w", err)
		}
		expired = append(expired, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark expired alerts: rows: %w", err)
	}

	for _, a := range expired {
		if _, err := tx.Exec(ctx, `UPDATE alerts SET status = 'expired' WHERE id = $1`, a.ID); err != nil {
			return nil, fmt.Errorf("mark expired alerts: update %d: %w", a.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mark expired alerts: commit: %w", err)
	}
	return expired, nil
}

// AlertQuery carries the filter and pagination parameters for ListAlerts,
// used by the admin API.
type AlertQuery struct {
	LocationID string
	Severity   *Severity
	Status     *AlertStatus
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// ListAlerts returns paginated alerts matching q, ordered by created_at DESC.
func (s *Store) ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}

	args := []any{q.Limit, q.Offset}
	where := "WHERE 1=1"
	argIdx := 3

	if !q.From.IsZero() {
		where += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		where += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, q.To)
		argIdx++
	}
	if q.LocationID != "" {
		where += fmt.Sprintf(" AND matched_location_id = $%d", argIdx)
		args = append(args, q.LocationID)
		argIdx++
	}
	if q.Severity != nil {
		where += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, string(*q.Severity))
		argIdx++
	}
	if q.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*q.Status))
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT id, bmkg_alert_code, event, severity, headline, description, sender,
		       infographic_url, effective, expires, polygon_data,
		       matched_location_id, match_type, matched_text, status,
		       expired_notified, created_at
		FROM   alerts
		%s
		ORDER  BY created_at DESC, id
		LIMIT  $1 OFFSET $2`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// --- Deliveries ---

// LogDelivery appends one delivery-attempt record. Exactly one row is
// appended per dispatcher call for an (alert, channel) pair; the insert is
// synchronous (not batched) so the row is observable immediately by callers
// that query right after dispatch.
func (s *Store) LogDelivery(ctx context.Context, alertID int64, channelID string, status DeliveryStatus, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (alert_id, channel_id, status, error_message, sent_at)
		VALUES ($1, $2, $3, $4, $5)`,
		alertID, channelID, string(status), nullableStr(errMsg), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("log delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns deliveries for the given alert, ordered by sent_at.
func (s *Store) ListDeliveries(ctx context.Context, alertID int64) ([]Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, alert_id, channel_id, status, error_message, sent_at
		FROM   deliveries
		WHERE  alert_id = $1
		ORDER  BY sent_at`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		var d Delivery
		var status string
		var errMsg *string
		if err := rows.Scan(&d.ID, &d.AlertID, &d.ChannelID, &status, &errMsg, &d.SentAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Status = DeliveryStatus(status)
		if errMsg != nil {
			d.ErrorMessage = *errMsg
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// --- Activity log ---

// LogActivity appends a row to the queryable activity_log table. Tamper
// evidence for the same event stream is provided separately by the
// internal/audit hash chain; callers that need both append to each.
func (s *Store) LogActivity(ctx context.Context, eventType, message string, details json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_log (event_type, message, details, created_at)
		VALUES ($1, $2, $3, $4)`,
		eventType, message, details, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}

// ActivityLogEntry is one row of the queryable activity_log table.
type ActivityLogEntry struct {
	EventType string          `json:"event_type"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListActivity returns activity log entries within [from, to), newest first.
func (s *Store) ListActivity(ctx context.Context, from, to time.Time, limit int) ([]ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_type, message, details, created_at
		FROM   activity_log
		WHERE  created_at >= $1 AND created_at < $2
		ORDER  BY created_at DESC
		LIMIT  $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityLogEntry
	for rows.Next() {
		var e ActivityLogEntry
		if err := rows.Scan(&e.EventType, &e.Message, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Config ---

// GetConfigValue performs a single lookup in the config table, returning
// def when the key is absent.
func (s *Store) GetConfigValue(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get config value %q: %w", key, err)
	}
	return value, nil
}

// SetConfigValue upserts a single config key/value pair.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set config value %q: %w", key, err)
	}
	return nil
}

// --- Trials ---

// CreateTrial inserts a new trial subscription and returns its assigned ID.
func (s *Store) CreateTrial(ctx context.Context, t Trial) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO trials
			(external_chat_id, subdistrict_code, subdistrict_name, district_name,
			 province_name, severity_threshold, registered_at, expires_at,
			 expired_notified, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9)
		RETURNING id`,
		t.ExternalChatID, t.SubdistrictCode, t.SubdistrictName, t.DistrictName,
		t.ProvinceName, t.SeverityThreshold, t.RegisteredAt, t.ExpiresAt, t.IPAddress,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create trial: %w", err)
	}
	return id, nil
}

// GetActiveTrialByChatID returns the most recently registered active trial
// for chatID, or ErrNotFound if none exists.
func (s *Store) GetActiveTrialByChatID(ctx context.Context, chatID string) (*Trial, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_chat_id, subdistrict_code, subdistrict_name, district_name,
		       province_name, severity_threshold, registered_at, expires_at,
		       expired_notified, ip_address
		FROM   trials
		WHERE  external_chat_id = $1 AND expires_at > now()
		ORDER  BY registered_at DESC
		LIMIT  1`, chatID)
	t, err := scanTrial(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active trial %s: %w", chatID, err)
	}
	return t, nil
}

// GetTrial fetches a trial by ID.
func (s *Store) GetTrial(ctx context.Context, id int64) (*Trial, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_chat_id, subdistrict_code, subdistrict_name, district_name,
		       province_name, severity_threshold, registered_at, expires_at,
		       expired_notified, ip_address
		FROM   trials
		WHERE  id = $1`, id)
	t, err := scanTrial(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trial %d: %w", id, err)
	}
	return t, nil
}

// CountTrialRegistrationsSince counts trials registered from ipAddress at or
// after since, used for the per-IP rate limit.
func (s *Store) CountTrialRegistrationsSince(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM trials WHERE ip_address = $1 AND registered_at >= $2`,
		ipAddress, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count trial registrations: %w", err)
	}
	return count, nil
}

// ExpireTrial force-expires a trial immediately (used by trial cancellation).
func (s *Store) ExpireTrial(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE trials SET expires_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("expire trial %d: %w", id, err)
	}
	return nil
}

// GetActiveTrials returns all trials where expires_at > now.
func (s *Store) GetActiveTrials(ctx context.Context) ([]Trial, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_chat_id, subdistrict_code, subdistrict_name, district_name,
		       province_name, severity_threshold, registered_at, expires_at,
		       expired_notified, ip_address
		FROM   trials
		WHERE  expires_at > now()
		ORDER  BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("get active trials: %w", err)
	}
	defer rows.Close()

	var trials []Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		trials = append(trials, *t)
	}
	return trials, rows.Err()
}

// ExpireTrials transactionally selects all trials where expires_at <= now
// AND NOT expired_notified, atomically sets expired_notified=true, and
// returns the pre-transition snapshot. Idempotent: a second consecutive
// call returns an empty slice.
func (s *Store) ExpireTrials(ctx context.Context) ([]Trial, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("expire trials: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, external_chat_id, subdistrict_code, subdistrict_name, district_name,
		       province_name, severity_threshold, registered_at, expires_at,
		       expired_notified, ip_address
		FROM   trials
		WHERE  expires_at <= now() AND NOT expired_notified
		FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("expire trials: select: %w", err)
	}

	var newlyExpired []Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("expire trials: scan: %w", err)
		}
		newlyExpired = append(newlyExpired, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expire trials: rows: %w", err)
	}

	for _, t := range newlyExpired {
		if _, err := tx.Exec(ctx, `UPDATE trials SET expired_notified = true WHERE id = $1`, t.ID); err != nil {
			return nil, fmt.Errorf("expire trials: update %d: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("expire trials: commit: %w", err)
	}
	return newlyExpired, nil
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(s scanner) (*Location, error) {
	var l Location
	var provinceCode, districtCode *string
	err := s.Scan(
		&l.ID, &l.Label, &provinceCode, &l.ProvinceName, &districtCode, &l.DistrictName,
		&l.SubdistrictCode, &l.SubdistrictName, &l.Latitude, &l.Longitude, &l.Enabled,
	)
	if err != nil {
		return nil, err
	}
	if provinceCode != nil {
		l.ProvinceCode = *provinceCode
	}
	if districtCode != nil {
		l.DistrictCode = *districtCode
	}
	return &l, nil
}

func scanChannel(s scanner) (*Channel, error) {
	var c Channel
	var channelType string
	var cfg []byte
	err := s.Scan(&c.ID, &channelType, &c.Enabled, &cfg, &c.LastSuccessAt, &c.LastError)
	if err != nil {
		return nil, err
	}
	c.ChannelType = ChannelType(channelType)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c.Config); err != nil {
			return nil, fmt.Errorf("unmarshal channel config: %w", err)
		}
	}
	return &c, nil
}

func scanAlert(s scanner) (*Alert, error) {
	var a Alert
	var severity, matchType, status string
	var infographicURL *string
	var polygonData []byte
	err := s.Scan(
		&a.ID, &a.BMKGAlertCode, &a.Event, &severity, &a.Headline, &a.Description, &a.Sender,
		&infographicURL, &a.Effective, &a.Expires, &polygonData,
		&a.MatchedLocationID, &matchType, &a.MatchedText, &status,
		&a.ExpiredNotified, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Severity = Severity(severity)
	a.MatchType = MatchType(matchType)
	a.Status = AlertStatus(status)
	if infographicURL != nil {
		a.InfographicURL = *infographicURL
	}
	a.PolygonData = polygonData
	return &a, nil
}

func scanTrial(s scanner) (*Trial, error) {
	var t Trial
	err := s.Scan(
		&t.ID, &t.ExternalChatID, &t.SubdistrictCode, &t.SubdistrictName, &t.DistrictName,
		&t.ProvinceName, &t.SeverityThreshold, &t.RegisteredAt, &t.ExpiresAt,
		&t.ExpiredNotified, &t.IPAddress,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
