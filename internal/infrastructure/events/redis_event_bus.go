// Package events publishes device events on Redis for other local
// collaborators.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	"vcam/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "vcam:events"

type EventType string

const (
	EventClientConnected    EventType = "client.connected"
	EventClientDisconnected EventType = "client.disconnected"
	EventExtensionState     EventType = "extension.state"
)

var ErrAlreadySubscribed = errors.New("event bus already subscribed")

// Event is the JSON document published on the channel.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	DeviceID   string          `json:"device_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type ClientPayload struct {
	Client  domain.StreamingClient `json:"client"`
	IsFirst bool                   `json:"is_first,omitempty"`
	IsLast  bool                   `json:"is_last,omitempty"`
}

type StatePayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Cause string `json:"cause,omitempty"`
}

// redisPubSub is the part of *redis.Client the bus needs.
type redisPubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisEventBus implements ports.EventPublisher on a Redis channel.
type RedisEventBus struct {
	client     redisPubSub
	channel    string
	instanceID string
	deviceID   string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.EventPublisher = (*RedisEventBus)(nil)

func NewRedisEventBus(client redisPubSub, channel, instanceID, deviceID string, logger *zap.SugaredLogger) *RedisEventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisEventBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		deviceID:   deviceID,
		logger:     logger,
	}
}

// NewRedisClient connects and pings before returning. The ping is retried
// per retryCfg so a Redis that starts alongside the host is tolerated.
func NewRedisClient(ctx context.Context, address, password string, db, poolSize int, retryCfg retry.Config, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := ping(ctx, client, retryCfg, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infow("connected to Redis", "address", address, "db", db, "pool_size", poolSize)
	return client, nil
}

type redisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

func ping(ctx context.Context, client redisPinger, cfg retry.Config, logger *zap.SugaredLogger) error {
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warnw("Redis ping failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	return retry.Retry(ctx, cfg, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
}

func (eb *RedisEventBus) Publish(ctx context.Context, eventType EventType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	data, err := json.Marshal(Event{
		Type:       eventType,
		InstanceID: eb.instanceID,
		DeviceID:   eb.deviceID,
		Timestamp:  time.Now(),
		Payload:    raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", eventType, "channel", eb.channel)
	return nil
}

func (eb *RedisEventBus) PublishClientConnected(ctx context.Context, client domain.StreamingClient, isFirst bool) error {
	return eb.Publish(ctx, EventClientConnected, ClientPayload{Client: client, IsFirst: isFirst})
}

func (eb *RedisEventBus) PublishClientDisconnected(ctx context.Context, client domain.StreamingClient, isLast bool) error {
	return eb.Publish(ctx, EventClientDisconnected, ClientPayload{Client: client, IsLast: isLast})
}

func (eb *RedisEventBus) PublishExtensionState(ctx context.Context, old, new domain.ExtensionState) error {
	payload := StatePayload{From: old.Kind.String(), To: new.Kind.String()}
	if new.Cause != nil {
		payload.Cause = new.Cause.Error()
	}
	return eb.Publish(ctx, EventExtensionState, payload)
}

// Subscribe delivers events from other instances to handler until ctx is done.
func (eb *RedisEventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return ErrAlreadySubscribed
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

func (eb *RedisEventBus) dispatch(data string, handler func(*Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", data)
		return
	}
	if event.InstanceID == eb.instanceID {
		return
	}
	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling event", "type", event.Type, "error", err)
	}
}

// Close ends an active subscription. The Redis client is owned by the caller.
func (eb *RedisEventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}

// LifecycleRelay publishes every extension state change. It is a
// ports.LifecycleObserver.
type LifecycleRelay struct {
	bus     ports.EventPublisher
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewLifecycleRelay(bus ports.EventPublisher, logger *zap.SugaredLogger) *LifecycleRelay {
	return &LifecycleRelay{bus: bus, timeout: 2 * time.Second, logger: logger}
}

func (r *LifecycleRelay) OnExtensionStateChanged(old, new domain.ExtensionState) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.bus.PublishExtensionState(ctx, old, new); err != nil {
		r.logger.Warnw("Failed to publish extension state", "state", new.Kind.String(), "error", err)
	}
}

func (r *LifecycleRelay) OnInstallSucceeded(domain.ExtensionState) {}
