package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashita-ai/kansoku/internal/storage"
)

// Notifier is the LISTEN/NOTIFY side of the database. *storage.DB
// implements it.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out storage commit notifications to SSE subscribers.
type Broker struct {
	notifier Notifier
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(notifier Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		notifier:    notifier,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start listens for frame commit notifications. It blocks until ctx is
// cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.notifier.Listen(ctx, storage.ChannelFrames); err != nil {
		b.logger.Error("broker: listen frames", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelFrames)

	for {
		channel, payload, err := b.notifier.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.broadcast(formatSSE(channel, payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
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

// broadcast skips subscribers whose buffer is full.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message. Frame
// notices are re-encoded as JSON; anything else is passed through.
func formatSSE(eventType, payload string) []byte {
	data := payload
	if notice, ok := storage.ParseFrameNotice(payload); ok {
		if b, err := json.Marshal(notice); err == nil {
			data = string(b)
		}
	}
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
