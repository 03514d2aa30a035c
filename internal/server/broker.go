package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/storage"
)

// Broker fans out escalation notifications to SSE subscribers. It runs a
// background goroutine that calls db.WaitForNotification in a loop and routes
// each payload to the subscribers of the tenant named in it. Cross-tenant
// delivery would leak escalation content, so payloads without a parseable
// tenant_id are dropped.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID
	running     bool
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start begins listening on the escalations channel. It blocks, so call it
// in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelEscalations); err != nil {
		b.logger.Error("broker: listen escalations", "error", err)
		return
	}

	b.mu.Lock()
	b.running = true
	b.mu.Unlock()

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelEscalations)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.mu.Lock()
				b.running = false
				b.mu.Unlock()
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		tenantID, ok := tenantFromPayload(payload)
		if !ok {
			b.logger.Warn("broker: dropping notification without tenant_id", "channel", channel)
			continue
		}
		b.broadcast(tenantID, formatSSE("escalation", payload))
	}
}

// Running reports whether the notification loop is active.
func (b *Broker) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Subscribe returns a channel that receives SSE-formatted events for one
// tenant. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(tenantID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64) // buffer so the broadcast loop never blocks
	b.mu.Lock()
	b.subscribers[ch] = tenantID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to the tenant's subscribers. Slow subscribers
// with a full buffer are skipped so one stalled client cannot block the rest.
func (b *Broker) broadcast(tenantID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, tid := range b.subscribers {
		if tid != tenantID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

func tenantFromPayload(payload string) (uuid.UUID, bool) {
	var envelope struct {
		TenantID uuid.UUID `json:"tenant_id"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil || envelope.TenantID == uuid.Nil {
		return uuid.Nil, false
	}
	return envelope.TenantID, true
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
