package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emperorhan/custody-ledger/internal/retry"
	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// MessageTransport carries JSON messages on named streams. The history feed
// publishes through it; consumers read with an exclusive lastID cursor.
type MessageTransport interface {
	PublishJSON(ctx context.Context, stream string, v any) (string, error)
	ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error)
	Close() error
}

// Redis is a MessageTransport backed by Redis Streams.
type Redis struct {
	client *redis.Client
	maxLen int64
}

// NewRedis connects to url and verifies the connection, retrying transient
// dial failures. maxLen caps each stream approximately; zero keeps
// everything.
func NewRedis(ctx context.Context, url string, maxLen int64) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	err = retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client, maxLen: maxLen}, nil
}

func (r *Redis) PublishJSON(ctx context.Context, stream string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: body},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// ReadJSON blocks until a message after lastID exists on stream, decodes it
// into dst and returns its id.
func (r *Redis) ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error) {
	if lastID == "" {
		lastID = "0"
	}
	res, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   1,
		Block:   0,
	}).Result()
	if err != nil {
		// A blocked XREAD surfaces a deadline as a socket timeout.
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return lastID, ctx.Err()
		}
		return "", fmt.Errorf("xread %s: %w", stream, err)
	}

	for _, s := range res {
		for _, msg := range s.Messages {
			raw, err := streamPayload(msg.Values[payloadField])
			if err != nil {
				return "", fmt.Errorf("message %s: %w", msg.ID, err)
			}
			if err := json.Unmarshal(raw, dst); err != nil {
				return "", fmt.Errorf("decode message %s: %w", msg.ID, err)
			}
			return msg.ID, nil
		}
	}
	return lastID, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func streamPayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case fmt.Stringer:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("payload type %T not supported", v)
	}
}

// parseStreamOffset extracts the millisecond part of a stream id ("123-0").
func parseStreamOffset(id string) (int64, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, nil
	}
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stream offset %q: %w", id, err)
	}
	return n, nil
}
