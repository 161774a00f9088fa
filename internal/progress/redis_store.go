package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/redis/go-redis/v9"
)

const maxCASAttempts = 16

// RedisStore keeps each record as a JSON string and updates it with an
// optimistic WATCH/MULTI transaction.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  func() time.Time
}

// ConnectRedis dials and pings the configured server.
func ConnectRedis(ctx context.Context, cfg config.ProgressConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, cfg), nil
}

func NewRedisStore(client *redis.Client, cfg config.ProgressConfig) *RedisStore {
	var ttl time.Duration
	if cfg.RetentionDays > 0 {
		ttl = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: cfg.RedisPrefix, ttl: ttl, clock: time.Now}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func decodeRedis(raw string, err error) (Record, error) {
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("load progress: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode progress: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (Record, error) {
	return decodeRedis(s.client.Get(ctx, s.key(sessionID)).Result())
}

func (s *RedisStore) Update(ctx context.Context, sessionID string, fn func(*Record) error) (Record, error) {
	key := s.key(sessionID)
	var out Record
	txf := func(tx *redis.Tx) error {
		rec, err := decodeRedis(tx.Get(ctx, key).Result())
		if err != nil && !errors.Is(err, ErrNoRecord) {
			return err
		}
		rec.SessionID = sessionID
		if err := fn(&rec); err != nil {
			return err
		}
		rec.Version++
		rec.UpdatedAt = s.clock().UTC()
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode progress: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}

	for i := 0; i < maxCASAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Record{}, err
	}
	return Record{}, fmt.Errorf("update progress %s: too much contention", sessionID)
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
