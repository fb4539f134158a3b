package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"compute-queue/internal/models"
)

// RedisOutbox appends notifications to a Redis list drained by an external mailer.
type RedisOutbox struct {
	client    *redis.Client
	key       string
	publicURL string
}

// NewRedisOutbox builds an outbox writing to key.
func NewRedisOutbox(client *redis.Client, key, publicURL string) *RedisOutbox {
	if key == "" {
		key = "notify:outbox"
	}
	return &RedisOutbox{client: client, key: key, publicURL: publicURL}
}

func (o *RedisOutbox) NotifyQueued(ctx context.Context, job *models.Job) error {
	return o.push(ctx, NewMessage(EventQueued, job, o.publicURL))
}

func (o *RedisOutbox) NotifyStarted(ctx context.Context, job *models.Job) error {
	return o.push(ctx, NewMessage(EventStarted, job, o.publicURL))
}

func (o *RedisOutbox) NotifyCompleted(ctx context.Context, job *models.Job) error {
	return o.push(ctx, NewMessage(EventCompleted, job, o.publicURL))
}

// Peek reads up to count pending messages without removing them.
func (o *RedisOutbox) Peek(ctx context.Context, count int64) ([]Message, error) {
	raw, err := o.client.LRange(ctx, o.key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			return out, fmt.Errorf("decode outbox message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (o *RedisOutbox) push(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := o.client.RPush(ctx, o.key, payload).Err(); err != nil {
		return fmt.Errorf("push notification %s for job %s: %w", msg.Event, msg.JobID, err)
	}
	return nil
}
