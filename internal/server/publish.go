package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/raman-dash/internal/instrument"
)

// Publisher fans streamed samples out to other consumers.
type Publisher interface {
	Publish(ctx context.Context, device string, smp instrument.Sample) error
	Close() error
}

// RedisPublisher publishes each sample on a Pub/Sub channel and keeps a
// capped history list per device.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	history int64
	log     logrus.FieldLogger
}

// message is the published payload.
type message struct {
	Device string `json:"device"`
	instrument.Sample
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, log logrus.FieldLogger) (*RedisPublisher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	history := int64(cfg.History)
	if history <= 0 {
		history = 1000
	}
	log = log.WithField("component", "redis")
	log.Infof("connected to %s, channel %s", cfg.Addr, cfg.Channel)
	return &RedisPublisher{client: client, channel: cfg.Channel, history: history, log: log}, nil
}

func historyKey(device string) string {
	return fmt.Sprintf("raman:%s:samples", device)
}

// Publish sends smp to the channel and prepends it to the device history.
// History failures are logged, not returned.
func (p *RedisPublisher) Publish(ctx context.Context, device string, smp instrument.Sample) error {
	data, err := json.Marshal(message{Device: device, Sample: smp})
	if err != nil {
		return fmt.Errorf("redis: encode sample: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}

	key := historyKey(device)
	pipe := p.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, p.history-1)
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warnf("history %s: %v", key, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
