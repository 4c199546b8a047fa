package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	feedReadTimeout = 30 * time.Second
	feedMinBackoff  = time.Second
	feedMaxBackoff  = 30 * time.Second
)

// Feed keeps the quote cache warm from the bridge's realtime websocket and
// republishes each batch on the bus. It never touches account state.
type Feed struct {
	url    string
	cache  SnapshotStore
	bus    *Bus
	log    zerolog.Logger
	dialer *websocket.Dialer
}

type feedMessage struct {
	Count int           `json:"count"`
	Error string        `json:"error,omitempty"`
	Data  []bridgeQuote `json:"data"`
}

// FeedURL turns the bridge base URL into its realtime websocket endpoint.
func FeedURL(bridgeURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(bridgeURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse bridge url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += "/ws/realtime"
	return u.String(), nil
}

func NewFeed(wsURL string, cache SnapshotStore, bus *Bus, log zerolog.Logger) *Feed {
	return &Feed{
		url:    wsURL,
		cache:  cache,
		bus:    bus,
		log:    log.With().Str("component", "quote_feed").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run consumes the feed until ctx is cancelled, reconnecting with backoff.
func (f *Feed) Run(ctx context.Context) {
	backoff := feedMinBackoff
	for {
		started := time.Now()
		err := f.consume(ctx)
		if ctx.Err() != nil {
			f.log.Info().Msg("quote feed stopped")
			return
		}
		if time.Since(started) > feedMaxBackoff {
			backoff = feedMinBackoff
		}
		f.log.Warn().Err(err).Dur("retry_in", backoff).Msg("quote feed disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > feedMaxBackoff {
			backoff = feedMaxBackoff
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial quote feed: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	f.log.Info().Str("url", f.url).Msg("quote feed connected")
	for {
		if err := conn.SetReadDeadline(time.Now().Add(feedReadTimeout)); err != nil {
			return err
		}
		var msg feedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read quote feed: %w", err)
		}
		if msg.Error != "" {
			f.log.Warn().Str("error", msg.Error).Msg("quote feed reported an error")
			continue
		}
		f.apply(ctx, msg)
	}
}

func (f *Feed) apply(ctx context.Context, msg feedMessage) int {
	now := time.Now()
	batch := make([]Quote, 0, len(msg.Data))
	for _, raw := range msg.Data {
		q := raw.toQuote()
		if !q.Valid() {
			continue
		}
		if err := f.cache.Put(ctx, Snapshot{Quote: q, ReceivedAt: now}); err != nil {
			f.log.Warn().Err(err).Str("symbol", q.Symbol).Msg("quote cache write failed")
			continue
		}
		batch = append(batch, q)
	}
	if len(batch) > 0 {
		f.bus.Publish(Event{Type: EventQuote, Data: batch})
	}
	return len(batch)
}
