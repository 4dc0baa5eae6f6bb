// Package feed provides the in-process WebSocket fan-out of newly stored
// alerts to connected dashboard clients. The Broadcaster gives every client
// a dedicated buffered channel and uses non-blocking sends so a slow or
// disconnected client never applies back-pressure to the engine's poll
// cycle.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmkg-alert/alertd/internal/store"
)

// AlertData is the structured alert payload pushed to dashboard clients.
type AlertData struct {
	AlertID       int64  `json:"alert_id"`
	BMKGAlertCode string `json:"bmkg_alert_code"`
	Event         string `json:"event"`
	Severity      string `json:"severity"`
	LocationID    string `json:"location_id"`
	MatchType     string `json:"match_type"`
	MatchedText   string `json:"matched_text"`
	Effective     string `json:"effective,omitempty"`
	Expires       string `json:"expires,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// AlertMessage is the top-level JSON envelope pushed to dashboard WebSocket
// clients. Type is always "alert" for alert events.
type AlertMessage struct {
	Type string    `json:"type"`
	Data AlertData `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded alert frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans stored alerts out to all currently-connected WebSocket
// clients (via Register/Unregister) and to anonymous channel subscribers
// (via Subscribe/Unsubscribe). It is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	subs sync.Map // map[<-chan store.Alert]chan store.Alert

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client and
// per-subscriber channel buffer depth; pass 0 to use the default of 64,
// which comfortably covers the burst of alerts one poll cycle can produce.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id and stores it in the
// broadcaster. The caller must call Unregister(id) when the client
// disconnects. If the broadcaster is already closed, the returned Client's
// Send channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel so the
// associated write goroutine exits cleanly. Unknown ids are a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast marshals msg to JSON and delivers the payload to every
// registered client using a non-blocking send. When a client's buffer is
// full the message is dropped and its Dropped counter incremented.
func (b *Broadcaster) Broadcast(msg AlertMessage) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("feed broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("feed broadcaster: client buffer full, dropping alert",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Subscribe registers an anonymous subscriber and returns a channel on which
// store.Alert values are delivered. When the buffer is full a subsequent
// PublishAlert drops the alert for that subscriber rather than blocking.
// The channel is closed automatically when ctx is cancelled or when Close is
// called; call Unsubscribe to release it earlier.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan store.Alert {
	ch := make(chan store.Alert, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subs.Store((<-chan store.Alert)(ch), ch)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}

	return ch
}

// Unsubscribe removes the subscription associated with ch and closes the
// channel so the consumer loop exits cleanly. Safe to call after Close.
func (b *Broadcaster) Unsubscribe(ch <-chan store.Alert) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan store.Alert))
	}
}

// PublishAlert delivers a to every anonymous subscriber and broadcasts the
// equivalent AlertMessage to every registered WebSocket client. The
// non-blocking sends ensure a slow consumer never stalls the poll cycle.
func (b *Broadcaster) PublishAlert(a store.Alert) {
	if b.closed.Load() {
		return
	}

	b.subs.Range(func(_, value any) bool {
		ch := value.(chan store.Alert)
		select {
		case ch <- a:
		default:
			b.logger.Warn("feed broadcaster: subscriber buffer full, dropping alert",
				slog.Int64("alert_id", a.ID),
				slog.String("severity", string(a.Severity)),
			)
		}
		return true
	})

	b.Broadcast(AlertMessage{
		Type: "alert",
		Data: AlertData{
			AlertID:       a.ID,
			BMKGAlertCode: a.BMKGAlertCode,
			Event:         a.Event,
			Severity:      string(a.Severity),
			LocationID:    a.MatchedLocationID,
			MatchType:     string(a.MatchType),
			MatchedText:   a.MatchedText,
			Effective:     a.Effective,
			Expires:       a.Expires,
			CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
}

// Close removes all subscriptions and registered clients, closes every
// channel, and releases internal resources. After Close returns,
// PublishAlert and Broadcast are no-ops and Subscribe returns a closed
// channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan store.Alert))
			return true
		})

		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
