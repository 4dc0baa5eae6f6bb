package adminapi

import (
	"context"
	"time"

	"github.com/bmkg-alert/alertd/internal/store"
)

// Store is the subset of store.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// ListAlerts returns alerts matching the given filter and pagination params.
	ListAlerts(ctx context.Context, q store.AlertQuery) ([]store.Alert, error)

	// ListDeliveries returns every delivery attempt recorded for an alert.
	ListDeliveries(ctx context.Context, alertID int64) ([]store.Delivery, error)

	ListLocations(ctx context.Context) ([]store.Location, error)
	GetLocation(ctx context.Context, id string) (*store.Location, error)
	CreateLocation(ctx context.Context, l store.Location) error
	UpdateLocation(ctx context.Context, l store.Location) error
	DeleteLocation(ctx context.Context, id string) error

	ListChannels(ctx context.Context) ([]store.Channel, error)
	GetChannel(ctx context.Context, id string) (*store.Channel, error)
	CreateChannel(ctx context.Context, c store.Channel) error
	UpdateChannel(ctx context.Context, c store.Channel) error
	DeleteChannel(ctx context.Context, id string) error
	RecordChannelResult(ctx context.Context, channelID string, success bool, errMsg string) error

	// ListActivity returns activity log entries within [from, to), newest first.
	ListActivity(ctx context.Context, from, to time.Time, limit int) ([]store.ActivityLogEntry, error)

	GetConfigValue(ctx context.Context, key, def string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error
}
