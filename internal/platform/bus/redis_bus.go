package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis pub/sub channel carrying room frames.
const DefaultChannel = "ma:rooms"

type envelope struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBus relays frames through Redis pub/sub so that every instance
// delivers them to its locally connected clients.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisClient parses url, connects, and pings the server.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisBus creates a bus on top of an existing client.
func NewRedisBus(rdb *goredis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		channel: DefaultChannel,
		logger:  logger.With().Str("component", "redis_bus").Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, room string, payload []byte) error {
	raw, err := json.Marshal(envelope{Room: room, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Start subscribes to the channel and forwards frames to handler from a
// single goroutine until ctx is cancelled.
func (b *RedisBus) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					b.logger.Warn().Err(err).Msg("dropping malformed bus frame")
					continue
				}
				handler(env.Room, env.Payload)
			}
		}
	}()
	return nil
}

// Ping reports whether Redis is reachable.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
