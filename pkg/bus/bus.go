package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds bus connection settings.
type Config struct {
	Addr     string
	Password string
}

// LoadConfigFromEnv loads bus configuration from environment variables.
func LoadConfigFromEnv() Config {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		addr = "localhost:6379"
	}
	return Config{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	}
}

// Bus wraps the Redis client shared by the publisher, subscriber, queues,
// and registries.
type Bus struct {
	rdb *redis.Client
}

// Connect opens and verifies the Redis connection.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Bus{rdb: rdb}, nil
}

// NewFromClient wraps an existing Redis client (useful for testing).
func NewFromClient(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Client returns the underlying Redis client.
func (b *Bus) Client() *redis.Client {
	return b.rdb
}

// Close releases the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Publish marshals and publishes an event on EventsChannel.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
	}
	if err := b.rdb.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.Type, err)
	}
	return nil
}

// Health reports bus reachability.
func (b *Bus) Health(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// EventHandler processes one bus event. Handler errors are logged, never
// fatal; the subscriber keeps consuming.
type EventHandler func(ctx context.Context, event Event) error

// Subscriber consumes EventsChannel and dispatches to registered handlers
// by event type.
type Subscriber struct {
	bus      *Bus
	handlers map[string]EventHandler

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSubscriber creates a subscriber with no handlers registered.
func NewSubscriber(bus *Bus) *Subscriber {
	return &Subscriber{
		bus:      bus,
		handlers: make(map[string]EventHandler),
	}
}

// Handle registers a handler for an event type. Must be called before Start.
func (s *Subscriber) Handle(eventType string, handler EventHandler) {
	s.handlers[eventType] = handler
}

// Start begins consuming events in a background goroutine.
func (s *Subscriber) Start(ctx context.Context) error {
	ps := s.bus.rdb.Subscribe(ctx, EventsChannel)
	// Force the subscription to be established before returning so callers
	// never publish into a window where nothing is listening.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", EventsChannel, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		defer func() { _ = ps.Close() }()
		s.run(loopCtx, ps.Channel())
	}()

	slog.Info("Event subscriber started", "channel", EventsChannel)
	return nil
}

// Stop signals the consume loop to exit and waits for it.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.done != nil {
			<-s.done
		}
	})
}

// run is the consume loop. One event is processed at a time, preserving the
// publisher's FIFO order within this subscriber.
func (s *Subscriber) run(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("Discarding malformed bus event", "error", err)
				continue
			}
			s.dispatch(ctx, event)
		}
	}
}

// dispatch invokes the handler for an event, isolating failures.
func (s *Subscriber) dispatch(ctx context.Context, event Event) {
	handler, ok := s.handlers[event.Type]
	if !ok {
		return
	}
	start := time.Now()
	if err := handler(ctx, event); err != nil {
		slog.Error("Event handler failed",
			"type", event.Type,
			"job_id", event.JobID,
			"task_id", event.TaskID,
			"error", err)
		return
	}
	slog.Debug("Event handled",
		"type", event.Type,
		"job_id", event.JobID,
		"duration", time.Since(start))
}
