package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmacedo/docproc/internal/entity"
)

const redisChannelPrefix = "docproc:changes:"

// RedisBus propagates record changes through redis pub/sub so watchers in
// other processes see them too.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus connects to redis and verifies the connection with a ping.
func NewRedisBus(addr, password string, db int, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{client: client, logger: logger}, nil
}

func (b *RedisBus) Publish(rec entity.ProcessingRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		b.logger.Error("watch.publish_encode_failed", "processing_id", rec.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, redisChannelPrefix+rec.BatchContext, payload).Err(); err != nil {
		b.logger.Warn("watch.publish_failed", "processing_id", rec.ID, "error", err)
	}
}

func (b *RedisBus) Subscribe(batchContext string) (<-chan entity.ProcessingRecord, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, redisChannelPrefix+batchContext)
	out := make(chan entity.ProcessingRecord, 64)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var rec entity.ProcessingRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				b.logger.Warn("watch.subscribe_decode_failed", "error", err)
				continue
			}
			select {
			case out <- rec:
			default:
			}
		}
	}()

	stop := func() {
		cancel()
		if err := pubsub.Close(); err != nil {
			b.logger.Warn("watch.subscription_close_failed", "error", err)
		}
	}
	return out, stop
}

// Close releases the redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
