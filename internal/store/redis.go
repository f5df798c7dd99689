package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gustycube/sslinspect/internal/certparse"
	"github.com/gustycube/sslinspect/internal/result"
)

// KeyPrefix namespaces records in Redis.
const KeyPrefix = "sslinspect:cert:"

const opTimeout = 2 * time.Second

// Redis stores JSON records in a shared Redis so several probes can serve
// the same result set.
type Redis struct {
	cli *redis.Client
	ttl time.Duration
}

// NewRedis connects to addr. A zero ttl keeps records until overwritten.
func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: %w", err)
	}
	return &Redis{cli: cli, ttl: ttl}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(cli *redis.Client, ttl time.Duration) *Redis {
	return &Redis{cli: cli, ttl: ttl}
}

func (s *Redis) Client() *redis.Client { return s.cli }

func (s *Redis) Put(key string, rec *result.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis store: encode %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.cli.Set(ctx, KeyPrefix+key, b, s.ttl).Err()
}

// Get returns the stored record. Backend and decoding errors are reported
// as internal failures, not as misses.
func (s *Redis) Get(key string) result.Result {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	b, err := s.cli.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return result.NotFound(key)
	}
	if err != nil {
		return result.Fail(result.KindInternal, key, err.Error(), result.InternalErrorNumber)
	}

	var rec result.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return result.Fail(result.KindInternal, key, "decode record: "+err.Error(), result.InternalErrorNumber)
	}
	if rec.Cert != nil && len(rec.Cert.Raw) > 0 {
		if c, err := certparse.Parse(rec.Cert.Raw); err == nil {
			rec.Cert = c
		}
	}
	return result.Success(&rec)
}

// Keys lists stored identity keys. If the SCAN fails part way the keys
// read so far are returned; use ScanKeys to see the error.
func (s *Redis) Keys() []string {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	keys, _ := s.ScanKeys(ctx)
	return keys
}

// ScanKeys lists stored identity keys and reports any SCAN failure along
// with the keys collected before it.
func (s *Redis) ScanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.cli.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(KeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return keys, fmt.Errorf("redis store: scan: %w", err)
	}
	return keys, nil
}

// Ping reports whether Redis is reachable.
func (s *Redis) Ping(ctx context.Context) error {
	return s.cli.Ping(ctx).Err()
}

func (s *Redis) Close() error { return s.cli.Close() }
