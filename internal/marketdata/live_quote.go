package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"lv-marginbook/internal/instruments"

	"github.com/go-redis/redis/v8"
)

// Snapshot is a quote together with the moment this process received it.
// Freshness is judged on ReceivedAt because bridge timestamps follow the
// trading server clock.
type Snapshot struct {
	Quote      Quote     `json:"quote"`
	ReceivedAt time.Time `json:"received_at"`
}

type SnapshotStore interface {
	Put(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, symbol string) (Snapshot, bool, error)
}

// LiveQuotes keeps the latest snapshot per symbol in process memory.
type LiveQuotes struct {
	mu   sync.RWMutex
	data map[string]Snapshot
}

func NewLiveQuotes() *LiveQuotes {
	return &LiveQuotes{data: map[string]Snapshot{}}
}

func (l *LiveQuotes) Put(_ context.Context, s Snapshot) error {
	if !s.Quote.Valid() {
		return nil
	}
	key := instruments.NormalizeSymbol(s.Quote.Symbol)
	l.mu.Lock()
	l.data[key] = s
	l.mu.Unlock()
	return nil
}

func (l *LiveQuotes) Get(_ context.Context, symbol string) (Snapshot, bool, error) {
	l.mu.RLock()
	s, ok := l.data[instruments.NormalizeSymbol(symbol)]
	l.mu.RUnlock()
	return s, ok, nil
}

func (l *LiveQuotes) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.data)
}

// RedisSnapshots shares the quote cache between API replicas so only one of
// them needs to hold the bridge feed.
type RedisSnapshots struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSnapshots(client *redis.Client, ttl time.Duration) *RedisSnapshots {
	return &RedisSnapshots{client: client, prefix: "marginbook:quote:", ttl: ttl}
}

// ConnectRedis parses a redis:// URL and checks the server answers.
func ConnectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisSnapshots) key(symbol string) string {
	return r.prefix + instruments.NormalizeSymbol(symbol)
}

func (r *RedisSnapshots) Put(ctx context.Context, s Snapshot) error {
	if !s.Quote.Valid() {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(s.Quote.Symbol), raw, r.ttl).Err()
}

func (r *RedisSnapshots) Get(ctx context.Context, symbol string) (Snapshot, bool, error) {
	raw, err := r.client.Get(ctx, r.key(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}
