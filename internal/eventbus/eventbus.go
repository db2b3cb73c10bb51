// Package eventbus publishes task lifecycle events to a Redis stream.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/converge/internal/task"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStream is the stream every transition is appended to.
const DefaultStream = "converge:tasks"

// DefaultMaxLen caps the stream length (approximate trimming).
const DefaultMaxLen = 10000

// Bus implements queue.Notifier over Redis Streams.
type Bus struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// New connects to redisURL and pings it.
func New(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewFromClient(rdb, DefaultStream, logger), nil
}

func NewFromClient(rdb *redis.Client, stream string, logger *zap.Logger) *Bus {
	if stream == "" {
		stream = DefaultStream
	}
	return &Bus{rdb: rdb, stream: stream, maxLen: DefaultMaxLen, logger: logger}
}

// Publish appends ev to the stream.
func (b *Bus) Publish(ctx context.Context, ev task.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"task_id": ev.TaskID,
			"status":  string(ev.To),
			"data":    string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}
	b.logger.Debug("published task event",
		zap.String("task", ev.TaskID), zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
	return nil
}

// Subscribe streams events appended after the call, or after fromID when
// it is non-empty ("0" replays the whole stream). The channel closes when
// ctx ends.
func (b *Bus) Subscribe(ctx context.Context, fromID string) <-chan task.Event {
	ch := make(chan task.Event, 16)
	lastID := fromID
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   50,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("read task events failed", zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}
			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev task.Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}
