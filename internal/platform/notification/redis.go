package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultPhoneKey is the Redis hash holding patient id -> phone number.
const DefaultPhoneKey = "patientflow:phones"

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
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

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher forwards every event as JSON to a Redis pub/sub channel so
// boards served by other instances stay current.
type RedisPublisher struct {
	client  redisPublisher
	channel string
}

func NewRedisPublisher(client redisPublisher, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

type redisHash interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisPhoneDirectory keeps patient phone numbers in a Redis hash.
type RedisPhoneDirectory struct {
	client redisHash
	key    string
}

func NewRedisPhoneDirectory(client redisHash, key string) *RedisPhoneDirectory {
	if key == "" {
		key = DefaultPhoneKey
	}
	return &RedisPhoneDirectory{client: client, key: key}
}

func (d *RedisPhoneDirectory) PhoneNumber(ctx context.Context, patientID string) (string, error) {
	phone, err := d.client.HGet(ctx, d.key, patientID).Result()
	if errors.Is(err, redis.Nil) || (err == nil && phone == "") {
		return "", ErrNoPhoneNumber
	}
	if err != nil {
		return "", err
	}
	return phone, nil
}

func (d *RedisPhoneDirectory) SetPhoneNumber(ctx context.Context, patientID, phone string) error {
	return d.client.HSet(ctx, d.key, patientID, phone).Err()
}

// MemoryPhoneDirectory is a process-local PhoneDirectory.
type MemoryPhoneDirectory struct {
	mu     sync.RWMutex
	phones map[string]string
}

func NewMemoryPhoneDirectory() *MemoryPhoneDirectory {
	return &MemoryPhoneDirectory{phones: make(map[string]string)}
}

func (d *MemoryPhoneDirectory) PhoneNumber(_ context.Context, patientID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	phone, ok := d.phones[patientID]
	if !ok {
		return "", ErrNoPhoneNumber
	}
	return phone, nil
}

func (d *MemoryPhoneDirectory) SetPhoneNumber(_ context.Context, patientID, phone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phones[patientID] = phone
	return nil
}
