// Package events fans job lifecycle events out to whoever is watching:
// WebSocket clients of this server, other replicas, and later auditors.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/buildbox/internal/domain"
)

const (
	// Channel carries live events to every subscribed replica.
	Channel = "buildbox:events"
	// Stream keeps a bounded history of events for later inspection.
	Stream = "buildbox:events:log"

	defaultMaxLen = 10000
)

// RedisBus implements domain.EventPublisher and domain.EventSubscriber on top of
// Redis Pub/Sub, mirroring every event into a capped stream.
type RedisBus struct {
	client *redis.Client
	maxLen int64
}

var (
	_ domain.EventPublisher  = (*RedisBus)(nil)
	_ domain.EventSubscriber = (*RedisBus)(nil)
)

// NewRedisBus connects to addr and verifies the connection.
func NewRedisBus(addr string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("Redis event bus connected", "addr", addr, "channel", Channel)
	return &RedisBus{client: rdb, maxLen: defaultMaxLen}, nil
}

// Close releases the connection pool.
func (r *RedisBus) Close() error { return r.client.Close() }

// Publish broadcasts ev and appends it to the history stream.
func (r *RedisBus) Publish(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := r.client.Publish(ctx, Channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}

	// "~" trimming keeps XADD O(1); the stream may briefly exceed maxLen.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"job_id": ev.JobID,
			"state":  string(ev.State),
			"event":  data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd failed: %w", err)
	}
	return nil
}

// Subscribe streams events published by any replica until ctx is done.
func (r *RedisBus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := r.client.Subscribe(ctx, Channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	outCh := make(chan domain.Event)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Error("Failed to unmarshal event", "error", err)
					continue
				}
				select {
				case outCh <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh, nil
}

// History returns up to count of the most recent events recorded for jobID,
// oldest first.
func (r *RedisBus) History(ctx context.Context, jobID string, count int64) ([]domain.Event, error) {
	msgs, err := r.client.XRevRangeN(ctx, Stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event history: %w", err)
	}
	var out []domain.Event
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if id, _ := msg.Values["job_id"].(string); id != jobID {
			continue
		}
		val, ok := msg.Values["event"].(string)
		if !ok {
			slog.Error("Invalid event format", "msgID", msg.ID)
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(val), &ev); err != nil {
			slog.Error("Failed to unmarshal event", "msgID", msg.ID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
