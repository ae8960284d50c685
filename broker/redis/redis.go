// Package redis provides a Redis Streams implementation of broker.Broker
// for multi-node deployments: every node publishes into the same
// per-document stream and each connection tails it independently.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/coedit/collab-server-go/broker"
)

// Config for the Redis-backed broker. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: COLLAB_REDIS_ADDR
	RedisAddr string `env:"COLLAB_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: COLLAB_KEY_PREFIX
	KeyPrefix string `env:"COLLAB_KEY_PREFIX,default=collab:docs:"`
	// StreamMaxLen caps retained events per document (approximate trim).
	// ENV: COLLAB_STREAM_MAXLEN
	StreamMaxLen int64 `env:"COLLAB_STREAM_MAXLEN,default=4096"`
}

type Broker struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

func New(cfg Config) (*Broker, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "collab:docs:"
	}
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 4096
	}
	return &Broker{client: cl, keyPrefix: prefix, maxLen: maxLen}, nil
}

// NewFromEnv builds a Broker using envdecode to populate Config.
func NewFromEnv() (*Broker, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis broker config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (b *Broker) Close() error { return b.client.Close() }

func (b *Broker) streamKey(documentID string) string { return b.keyPrefix + "stream:" + documentID }

func (b *Broker) Publish(ctx context.Context, documentID string, data []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(documentID),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", documentID, err)
	}
	return id, nil
}

func (b *Broker) Subscribe(ctx context.Context, documentID string, lastEventID string) (broker.EventStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	start := lastEventID
	if start == "" {
		start = "$"
	}
	return &stream{
		broker: b,
		key:    b.streamKey(documentID),
		cursor: start,
	}, nil
}

func (b *Broker) Cleanup(ctx context.Context, documentID string) error {
	if err := b.client.Del(ctx, b.streamKey(documentID)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", documentID, err)
	}
	return nil
}

type stream struct {
	broker  *Broker
	key     string
	cursor  string
	pending []broker.Envelope
	closed  atomic.Bool
}

func (s *stream) Next(ctx context.Context) (broker.Envelope, error) {
	for {
		if s.closed.Load() {
			return broker.Envelope{}, io.EOF
		}
		if len(s.pending) > 0 {
			env := s.pending[0]
			s.pending = s.pending[1:]
			s.cursor = env.ID
			return env, nil
		}
		if ctx.Err() != nil {
			return broker.Envelope{}, ctx.Err()
		}

		res, err := s.broker.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.cursor},
			Count:   64,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return broker.Envelope{}, ctx.Err()
			}
			return broker.Envelope{}, fmt.Errorf("xread %s: %w", s.key, err)
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			s.pending = append(s.pending, broker.Envelope{ID: m.ID, Data: payload})
		}
	}
}

func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

var (
	_ broker.Broker      = (*Broker)(nil)
	_ broker.EventStream = (*stream)(nil)
)
