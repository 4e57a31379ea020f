package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/genjob/internal/domain"
)

const defaultChannelPrefix = "genjob:job:"

// RedisNotifier carries snapshots between processes over Redis pub/sub,
// one channel per job.
type RedisNotifier struct {
	client     *redis.Client
	prefix     string
	bufferSize int
	logger     *slog.Logger
}

func NewRedisNotifier(client *redis.Client, prefix string, logger *slog.Logger) *RedisNotifier {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &RedisNotifier{
		client:     client,
		prefix:     prefix,
		bufferSize: DefaultBufferSize,
		logger:     logger,
	}
}

func (n *RedisNotifier) channel(jobID string) string {
	return n.prefix + jobID
}

func (n *RedisNotifier) Publish(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel(snap.JobID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, jobID string) (<-chan domain.Snapshot, func(), error) {
	ps := n.client.Subscribe(ctx, n.channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to job %s: %w", jobID, err)
	}

	out := make(chan domain.Snapshot, n.bufferSize)
	done := make(chan struct{})

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap domain.Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					n.logger.Warn("Dropping malformed snapshot",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- snap:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}
