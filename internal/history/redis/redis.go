package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/loykin/agentd/internal/history"
)

// DefaultStream is the stream key used when the DSN names none.
const DefaultStream = "agentd:history"

// Sink appends events to a Redis stream with XADD. The stream is capped
// approximately at MaxLen entries when MaxLen > 0.
type Sink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// New parses a redis:// URL (see redis.ParseURL) and pings the server.
func New(ctx context.Context, url, stream string, maxLen int64) (*Sink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if stream == "" {
		stream = DefaultStream
	}
	c := redis.NewClient(opt)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &Sink{client: c, stream: stream, maxLen: maxLen}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec, err := json.Marshal(e.Record)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":          e.ID,
			"type":        string(e.Type),
			"occurred_at": e.OccurredAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
			"pid":         e.Record.PID,
			"record":      string(rec),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

func (s *Sink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
