package workers

import (
	"context"
	"time"

	"github.com/havencare/haven/internal/utils"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedactionStream = "redaction:stream"
	DefaultRedactionGroup  = "redaction-workers"
)

// RedactionQueue is the producer side of the redaction stream. Ingestion and
// the re-run endpoint enqueue here; the worker pool consumes.
type RedactionQueue struct {
	Redis  *redis.Client
	Stream string
}

func NewRedactionQueue(rdb *redis.Client) *RedactionQueue {
	return &RedactionQueue{Redis: rdb, Stream: DefaultRedactionStream}
}

func (q *RedactionQueue) Enqueue(ctx context.Context, sessionID, messageID string) error {
	const op = "workers.Enqueue"

	if messageID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "message id is required", nil)
	}
	stream := q.Stream
	if stream == "" {
		stream = DefaultRedactionStream
	}

	err := q.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"message_id":  messageID,
			"session_id":  sessionID,
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return utils.E(utils.CodeUnavailable, op, "enqueue redaction job", err)
	}
	return nil
}
