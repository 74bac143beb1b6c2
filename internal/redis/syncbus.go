package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/notify"
)

// DefaultStaleness is how old a sync message may be before receivers drop
// it. Bounds replay effects after reconnects and slow consumers.
const DefaultStaleness = 2 * time.Second

// SyncBus broadcasts compact state-change messages between sessions of the
// same recipient over Redis pub/sub. Each published message is also
// mirrored into a key with a staleness TTL, so the shared store cleans up
// after itself and a late reader can never see anything older than the
// staleness window.
//
// The bus is best-effort and non-authoritative: every session still
// reconciles with the persistence backend on its own. Receivers drop their
// own broadcasts (origin tag) and anything older than the staleness
// window.
type SyncBus struct {
	client    *Client
	logger    *zap.Logger
	recipient string
	origin    string
	staleness time.Duration

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

// NewSyncBus creates a bus for one session. Every session gets a fresh
// origin id; messages tagged with it are suppressed on receive.
func NewSyncBus(client *Client, recipientID string, staleness time.Duration, logger *zap.Logger) *SyncBus {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &SyncBus{
		client:    client,
		logger:    logger,
		recipient: recipientID,
		origin:    uuid.NewString(),
		staleness: staleness,
	}
}

// Origin returns this session's origin tag (useful in tests).
func (b *SyncBus) Origin() string { return b.origin }

func (b *SyncBus) channel() string {
	return "notifysync:" + b.recipient
}

func (b *SyncBus) lastKey() string {
	return "notifysync:last:" + b.recipient
}

// Publish broadcasts one sync message to sibling sessions. The message is
// stamped with this session's origin and, when unset, the current time.
func (b *SyncBus) Publish(ctx context.Context, msg notify.SyncMessage) error {
	msg.Origin = b.origin
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal sync message: %w", err)
	}

	pipe := b.client.rdb.Pipeline()
	pipe.Publish(ctx, b.channel(), data)
	pipe.Set(ctx, b.lastKey(), data, b.staleness)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish sync message: %w", err)
	}

	b.logger.Debug("sync message published",
		zap.String("action", string(msg.Action)),
		zap.String("id", msg.NotificationID),
	)
	return nil
}

// Subscribe starts the receive loop, invoking handler for every message
// that survives echo suppression and the staleness check. The loop stops
// when ctx is cancelled or the bus is closed.
func (b *SyncBus) Subscribe(ctx context.Context, handler func(notify.SyncMessage)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("sync bus closed")
	}
	if b.pubsub != nil {
		b.mu.Unlock()
		return fmt.Errorf("sync bus already subscribed")
	}
	ps := b.client.rdb.Subscribe(ctx, b.channel())
	b.pubsub = ps
	b.mu.Unlock()

	// Force the subscription to be established before returning, so a
	// publish immediately after Subscribe is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		b.mu.Lock()
		b.pubsub = nil
		b.mu.Unlock()
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel(), err)
	}

	go b.receiveLoop(ctx, ps, handler)
	return nil
}

func (b *SyncBus) receiveLoop(ctx context.Context, ps *redis.PubSub, handler func(notify.SyncMessage)) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			b.handlePayload(m.Payload, handler)
		}
	}
}

func (b *SyncBus) handlePayload(payload string, handler func(notify.SyncMessage)) {
	var msg notify.SyncMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn("malformed sync message dropped", zap.Error(err))
		return
	}

	if msg.Origin == b.origin {
		b.logger.Debug("own sync message suppressed")
		return
	}
	if time.Since(msg.Timestamp) > b.staleness {
		b.logger.Debug("stale sync message dropped",
			zap.String("action", string(msg.Action)),
			zap.Time("timestamp", msg.Timestamp),
		)
		return
	}

	handler(msg)
}

// Close tears down the subscription.
func (b *SyncBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.pubsub != nil {
		err := b.pubsub.Close()
		b.pubsub = nil
		return err
	}
	return nil
}
