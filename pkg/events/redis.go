package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psantana5/printfarm/pkg/models"
)

// RedisConfig configures the Redis publisher
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisPublisher sends events to a Redis pub/sub channel and keeps the last
// snapshot under <channel>:last for late readers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects and pings the server
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: address is empty")
	}
	if cfg.Channel == "" {
		cfg.Channel = "printfarm:events"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return &RedisPublisher{client: client, channel: cfg.Channel}, nil
}

// PublishSnapshot publishes the snapshot and stores it as the latest
func (p *RedisPublisher) PublishSnapshot(ctx context.Context, snapshot models.FleetSnapshot) error {
	data, err := json.Marshal(Event{Type: TypeFleetSnapshot, Timestamp: snapshot.Timestamp, Payload: snapshot})
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.channel+":last", data, 0)
	pipe.Publish(ctx, p.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish snapshot: %w", err)
	}
	return nil
}

// PublishQueue publishes a queue event
func (p *RedisPublisher) PublishQueue(ctx context.Context, ev QueueEvent) error {
	data, err := json.Marshal(Event{Type: TypeQueueUpdated, Timestamp: time.Now().UTC(), Payload: ev})
	if err != nil {
		return fmt.Errorf("redis: marshal queue event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish queue event: %w", err)
	}
	return nil
}

// Close closes the connection
func (p *RedisPublisher) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("redis: failed to close connection: %w", err)
	}
	return nil
}

var _ Publisher = (*RedisPublisher)(nil)
