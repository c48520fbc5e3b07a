package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const publishTimeout = 2 * time.Second

// RedisPublisher mirrors progress events onto a Redis channel per session
// so out-of-process consumers (marketplace UI, leaderboard jobs) can
// follow runs without polling the store. Best effort: publish failures
// are logged and dropped.
type RedisPublisher struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedisPublisher connects to the given Redis URL, or returns nil when
// the URL is empty or unparsable (feature disabled).
func NewRedisPublisher(url string) *RedisPublisher {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("[EVENTS] invalid REDIS_URL, progress mirroring disabled: %v", err)
		return nil
	}
	return &RedisPublisher{
		client: redis.NewClient(opts),
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Publish sends the event to channel verify:progress:<session_id>.
func (p *RedisPublisher) Publish(ev ProgressEvent) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	channel := "verify:progress:" + ev.SessionID
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		p.logger.Printf("publish to %s failed: %v", channel, err)
	}
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
