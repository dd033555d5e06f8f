package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"camwatch/internal/core/domain"
	redisrepo "camwatch/internal/infrastructure/repositories/redis"
	"camwatch/pkg/batch"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "camwatch:sessions"

// Event is the wire form of a registry change published to Redis.
type Event struct {
	Type       domain.EventType      `json:"type"`
	InstanceID string                `json:"instance_id"`
	Timestamp  time.Time             `json:"timestamp"`
	SessionID  domain.SessionID      `json:"session_id"`
	CameraID   domain.CameraID       `json:"camera_id,omitempty"`
	Session    *domain.StreamSession `json:"session,omitempty"`
}

type BridgeConfig struct {
	Channel        string
	InstanceID     string
	BatchSize      int
	BatchInterval  time.Duration
	ResyncInterval time.Duration
}

// SessionLister supplies the full local session table for mirror resyncs.
type SessionLister func(ctx context.Context) ([]*domain.StreamSession, error)

// EventBridge republishes local registry events on a Redis channel and
// keeps the session mirror in step with them.
type EventBridge struct {
	client *redis.Client
	cfg    BridgeConfig
	mirror batch.Processor[redisrepo.MirrorOp]
	logger *zap.SugaredLogger

	published     atomic.Uint64
	publishFailed atomic.Uint64

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewEventBridge builds a bridge. mirror may be nil to publish only.
func NewEventBridge(
	client *redis.Client,
	cfg BridgeConfig,
	mirror batch.Processor[redisrepo.MirrorOp],
	logger *zap.SugaredLogger,
) *EventBridge {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 200 * time.Millisecond
	}
	return &EventBridge{
		client: client,
		cfg:    cfg,
		mirror: mirror,
		logger: logger,
	}
}

// ToEvent converts a registry event into its wire form.
func ToEvent(instanceID string, ev domain.SessionEvent) *Event {
	s := ev.Session
	return &Event{
		Type:       ev.Type,
		InstanceID: instanceID,
		Timestamp:  ev.Timestamp,
		SessionID:  s.ID,
		CameraID:   s.CameraID,
		Session:    &s,
	}
}

func (b *EventBridge) Publish(ctx context.Context, ev domain.SessionEvent) error {
	event := ToEvent(b.cfg.InstanceID, ev)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, b.cfg.Channel, data).Err(); err != nil {
		b.publishFailed.Add(1)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	b.published.Add(1)

	b.logger.Debugw("published session event",
		"type", event.Type,
		"session_id", event.SessionID,
		"state", event.Session.State,
	)
	return nil
}

// Run forwards events until ctx is done or the channel closes. Pending
// mirror writes are flushed before it returns.
func (b *EventBridge) Run(ctx context.Context, events <-chan domain.SessionEvent, list SessionLister) error {
	var batcher *batch.Batcher[redisrepo.MirrorOp]
	if b.mirror != nil {
		batcher = batch.NewBatcher(b.cfg.BatchSize, b.cfg.BatchInterval, b.mirror, func(err error) {
			b.logger.Warnw("session mirror write failed", "error", err)
		})
		defer batcher.Stop()
	}

	var resync <-chan time.Time
	if batcher != nil && list != nil && b.cfg.ResyncInterval > 0 {
		ticker := time.NewTicker(b.cfg.ResyncInterval)
		defer ticker.Stop()
		resync = ticker.C
		b.resync(ctx, batcher, list)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := b.Publish(ctx, ev); err != nil {
				b.logger.Warnw("failed to publish session event",
					"type", ev.Type,
					"session_id", ev.Session.ID,
					"error", err,
				)
			}
			if batcher != nil {
				batcher.Add(mirrorOp(ev))
			}
		case <-resync:
			b.resync(ctx, batcher, list)
		}
	}
}

func (b *EventBridge) resync(ctx context.Context, batcher *batch.Batcher[redisrepo.MirrorOp], list SessionLister) {
	sessions, err := list(ctx)
	if err != nil {
		b.logger.Warnw("session resync failed", "error", err)
		return
	}
	for _, s := range sessions {
		batcher.Add(redisrepo.PutOp(s))
	}
}

func mirrorOp(ev domain.SessionEvent) redisrepo.MirrorOp {
	if ev.Type == domain.EventSessionRemoved {
		return redisrepo.DeleteOp(ev.Session.ID)
	}
	s := ev.Session
	return redisrepo.PutOp(&s)
}

// Subscribe calls handler for every event published by other instances
// until ctx is done.
func (b *EventBridge) Subscribe(ctx context.Context, handler func(*Event) error) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := b.client.Subscribe(ctx, b.cfg.Channel)
	b.pubsub = pubsub
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.pubsub = nil
		b.mu.Unlock()
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
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if event.InstanceID == b.cfg.InstanceID {
				continue
			}

			if err := handler(&event); err != nil {
				b.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Stats returns the number of published and failed publishes.
func (b *EventBridge) Stats() (published, failed uint64) {
	return b.published.Load(), b.publishFailed.Load()
}

func (b *EventBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
