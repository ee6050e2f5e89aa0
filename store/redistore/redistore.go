// Package redistore persists the mqadmin message history in Redis. Each
// (kind, topic) maps to one list holding envelope JSON in append order plus
// one hash from envelope id to list position for cursor lookups.
package redistore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/qvcloud/mqadmin"
)

const defaultLimit = 50

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces all keys. Defaults to "mqadmin".
	KeyPrefix string
}

type Store struct {
	client *redis.Client
	codec  mqadmin.Marshaler
	logger zerolog.Logger
	prefix string
}

// New connects a Store, pinging the server to ensure connectivity before
// returning.
func New(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: %v", mqadmin.ErrStoreUnavailable, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mqadmin"
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("message store connected to redis")

	return &Store{
		client: rdb,
		codec:  mqadmin.JsonMarshaler{},
		logger: logger.With().Str("component", "redistore").Logger(),
		prefix: prefix,
	}, nil
}

func (s *Store) listKey(kind mqadmin.BrokerKind, topic string) string {
	return fmt.Sprintf("%s:msgs:%s:%s", s.prefix, kind, topic)
}

func (s *Store) indexKey(kind mqadmin.BrokerKind, topic string) string {
	return fmt.Sprintf("%s:idx:%s:%s", s.prefix, kind, topic)
}

func (s *Store) Append(ctx context.Context, env mqadmin.Envelope) error {
	data, err := s.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	// RPUSH returns the list length including our element, so the
	// element's position is length-1 even under concurrent appends.
	n, err := s.client.RPush(ctx, s.listKey(env.Kind, env.Topic), data).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", mqadmin.ErrStoreUnavailable, err)
	}
	if err := s.client.HSet(ctx, s.indexKey(env.Kind, env.Topic), env.ID, n-1).Err(); err != nil {
		return fmt.Errorf("%w: %v", mqadmin.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, kind mqadmin.BrokerKind, topic string, cursor string, limit int) (mqadmin.Page, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	start := int64(0)
	if cursor != "" {
		posStr, err := s.client.HGet(ctx, s.indexKey(kind, topic), cursor).Result()
		if errors.Is(err, redis.Nil) {
			return mqadmin.Page{}, fmt.Errorf("%w: %q", mqadmin.ErrInvalidCursor, cursor)
		}
		if err != nil {
			return mqadmin.Page{}, fmt.Errorf("%w: %v", mqadmin.ErrStoreUnavailable, err)
		}
		pos, err := strconv.ParseInt(posStr, 10, 64)
		if err != nil {
			return mqadmin.Page{}, fmt.Errorf("%w: %q", mqadmin.ErrInvalidCursor, cursor)
		}
		start = pos + 1
	}

	vals, err := s.client.LRange(ctx, s.listKey(kind, topic), start, start+int64(limit)-1).Result()
	if err != nil {
		return mqadmin.Page{}, fmt.Errorf("%w: %v", mqadmin.ErrStoreUnavailable, err)
	}
	if len(vals) == 0 {
		return mqadmin.Page{}, nil
	}

	page := mqadmin.Page{Envelopes: make([]mqadmin.Envelope, 0, len(vals))}
	for _, v := range vals {
		var env mqadmin.Envelope
		if err := s.codec.Unmarshal([]byte(v), &env); err != nil {
			return mqadmin.Page{}, fmt.Errorf("unmarshal envelope: %w", err)
		}
		page.Envelopes = append(page.Envelopes, env)
	}
	page.NextCursor = page.Envelopes[len(page.Envelopes)-1].ID
	return page, nil
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	return s.client.Close()
}
