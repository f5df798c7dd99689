// Package queue distributes inspection targets through a Redis list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gustycube/sslinspect/internal/logging"
	"github.com/gustycube/sslinspect/internal/target"
)

// DefaultKey is the list targets are seeded into.
const DefaultKey = "sslinspect:queue"

// ErrBadItem marks a queue entry that could not be decoded. The entry has
// already been dropped from the processing list.
var ErrBadItem = errors.New("undecodable queue item")

type RedisQueue struct {
	cli      *redis.Client
	queueKey string
	procKey  string
	block    time.Duration
	log      *logging.Logger
}

type item struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	TS      int64  `json:"ts"`
	Attempt int    `json:"attempt"`
}

func NewRedis(addr, key string) (*RedisQueue, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis queue: %w", err)
	}
	return NewFromClient(cli, key), nil
}

func NewFromClient(cli *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{
		cli:      cli,
		queueKey: key,
		procKey:  key + ":processing",
		block:    5 * time.Second,
		log:      zap.NewNop().Sugar(),
	}
}

// WithLogger sets the logger skipped entries are reported on.
func (q *RedisQueue) WithLogger(log *logging.Logger) *RedisQueue {
	if log != nil {
		q.log = log
	}
	return q
}

// Lease moves one target to the processing list and returns it with an ack
// that removes it. ok is false when nothing arrived within the block window.
func (q *RedisQueue) Lease(ctx context.Context) (t target.Target, ack func() error, ok bool, err error) {
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, q.block).Result()
	if errors.Is(err, redis.Nil) {
		return target.Target{}, nil, false, nil
	}
	if err != nil {
		return target.Target{}, nil, false, err
	}
	var it item
	if err := json.Unmarshal([]byte(res), &it); err != nil {
		// unreadable entries would be leased forever
		_ = q.cli.LRem(ctx, q.procKey, 1, res).Err()
		return target.Target{}, nil, false, fmt.Errorf("%w: %v", ErrBadItem, err)
	}
	if it.Port <= 0 {
		it.Port = target.DefaultPort
	}
	ack = func() error {
		return q.cli.LRem(context.Background(), q.procKey, 1, res).Err()
	}
	return target.Target{Host: it.Host, Port: it.Port}, ack, true, nil
}

// Seed pushes a target into the queue.
func (q *RedisQueue) Seed(ctx context.Context, t target.Target) error {
	b, err := json.Marshal(item{Host: t.Host, Port: t.Port, TS: time.Now().UTC().Unix()})
	if err != nil {
		return err
	}
	return q.cli.LPush(ctx, q.queueKey, string(b)).Err()
}

// Feed leases targets into out until ctx is done. Each target is acked once
// it has been handed off. Undecodable entries are logged and skipped; only
// Redis errors end the feed.
func (q *RedisQueue) Feed(ctx context.Context, out chan<- target.Target) error {
	for {
		t, ack, ok, err := q.Lease(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrBadItem) {
			q.log.Warnw("skipping queue item", "queue", q.queueKey, "err", err)
			continue
		}
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		select {
		case out <- t:
			_ = ack()
		case <-ctx.Done():
			return nil
		}
	}
}

// Len reports the number of queued targets.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.cli.LLen(ctx, q.queueKey).Result()
}

func (q *RedisQueue) Client() *redis.Client { return q.cli }

func (q *RedisQueue) Close() error { return q.cli.Close() }
