// Package stream wraps the Redis client used for capacity counters and the
// learning-loop event stream.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// NewClient parses a redis:// URL and verifies the server answers.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher appends JSON events to one stream, trimmed to roughly MaxLen entries.
type Publisher struct {
	client streamAdder
	stream string
	maxLen int64
	now    func() time.Time
}

func NewPublisher(client streamAdder, stream string, maxLen int64) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: maxLen, now: time.Now}
}

func (p *Publisher) Stream() string { return p.stream }

// PublishJSON adds one entry {type, data, timestamp} and returns its stream ID.
func (p *Publisher) PublishJSON(ctx context.Context, eventType string, data interface{}) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", eventType, err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type":      eventType,
			"data":      string(payload),
			"timestamp": p.now().UTC().Unix(),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}
