// Package events distributes domain events across pods. The bus rides on the
// cache store's pub/sub channel, so a single Redis deployment carries both
// cache invalidations and events. Handlers on every pod receive each event,
// the publishing pod included.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/cache"
)

// Type names an event. Dots namespace the emitting component.
type Type string

const (
	TypePolicyChanged      Type = "policy.changed"
	TypeAppSettingsUpdated Type = "app.settings.updated"
)

// Event is the wire shape of a published event.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TenantID  string          `json:"tenantId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler processes one delivered event. Errors are logged, not retried here;
// redelivery is the transport's concern.
type Handler func(ctx context.Context, event *Event) error

// Bus is the publish/subscribe surface consumed by the core.
type Bus interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(eventType Type, handler Handler) (unsubscribe func())
	Close() error
}

const channelPrefix = "events:"

// StoreBus implements Bus over a cache.Store pub/sub channel. With the Redis
// store, events published on one pod reach subscribers on every pod.
type StoreBus struct {
	mu     sync.Mutex
	store  cache.Store
	unsubs []func()
	closed bool
}

// NewStoreBus creates a bus on the given store.
func NewStoreBus(store cache.Store) *StoreBus {
	return &StoreBus{store: store}
}

// Publish assigns missing metadata and ships the event to its type channel.
func (b *StoreBus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.store.Publish(ctx, channelPrefix+string(event.Type), data)
}

// Subscribe registers a handler for one event type.
func (b *StoreBus) Subscribe(eventType Type, handler Handler) func() {
	unsub, err := b.store.Subscribe(context.Background(), channelPrefix+string(eventType), func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("event_decode_failed", "type", eventType, "error", err)
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			slog.Warn("event_handler_failed", "type", eventType, "id", event.ID, "error", err)
		}
	})
	if err != nil {
		slog.Warn("event_subscribe_failed", "type", eventType, "error", err)
		return func() {}
	}

	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsub)
	b.mu.Unlock()
	return unsub
}

// Close tears down every subscription.
func (b *StoreBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	return nil
}
