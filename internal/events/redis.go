package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultRedisTimeout = 2 * time.Second
	defaultRedisBuffer  = 256
)

// ErrRedisQueueFull is returned by Handle when the publish queue has no room.
var ErrRedisQueueFull = errors.New("redis publish queue full")

// redisPublisher is the subset of the redis client used here.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type redisMessage struct {
	name    Name
	payload []byte
}

// RedisListener publishes events as JSON on a Redis pub/sub channel for the
// UI layer. Handle only queues; Run does the network writes so a slow or
// unreachable Redis never stalls a pipeline.
type RedisListener struct {
	logger  zerolog.Logger
	client  redisPublisher
	channel string
	timeout time.Duration
	queue   chan redisMessage
}

// RedisOption customizes a RedisListener.
type RedisOption func(*RedisListener)

// WithPublishTimeout bounds each publish (2s by default).
func WithPublishTimeout(timeout time.Duration) RedisOption {
	return func(r *RedisListener) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithRedisBuffer sets how many events may wait for Run (256 by default).
func WithRedisBuffer(size int) RedisOption {
	return func(r *RedisListener) {
		if size > 0 {
			r.queue = make(chan redisMessage, size)
		}
	}
}

// NewRedisListener connects to addr and publishes to channel.
func NewRedisListener(logger zerolog.Logger, addr, password string, db int, channel string, opts ...RedisOption) *RedisListener {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return newRedisListener(logger, client, channel, opts...)
}

func newRedisListener(logger zerolog.Logger, client redisPublisher, channel string, opts ...RedisOption) *RedisListener {
	r := &RedisListener{
		logger:  logger,
		client:  client,
		channel: channel,
		timeout: defaultRedisTimeout,
		queue:   make(chan redisMessage, defaultRedisBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle implements Listener.
func (r *RedisListener) Handle(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	select {
	case r.queue <- redisMessage{name: e.Name, payload: payload}:
		return nil
	default:
		return fmt.Errorf("%w: %s dropped", ErrRedisQueueFull, e.Name)
	}
}

// Run publishes queued events until ctx is cancelled.
func (r *RedisListener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.queue:
			if err := r.publish(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn().Err(err).Str("channel", r.channel).Msg("redis publish failed")
			}
		}
	}
}

func (r *RedisListener) publish(ctx context.Context, msg redisMessage) error {
	pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.channel, msg.payload).Err(); err != nil {
		return fmt.Errorf("publish %s to redis: %w", msg.name, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisListener) Ping(ctx context.Context) error {
	pinger, ok := r.client.(interface {
		Ping(ctx context.Context) *redis.StatusCmd
	})
	if !ok {
		return nil
	}
	return pinger.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisListener) Close() error {
	closer, ok := r.client.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
