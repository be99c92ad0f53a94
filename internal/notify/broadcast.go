package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record tracks a sent notification for history.
type Record struct {
	Message *Message  `json:"message"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
	Error   string    `json:"error,omitempty"`
}

// Broadcaster sends run notifications through a Hub and keeps a bounded
// history. A Broadcaster with no platforms only logs.
type Broadcaster struct {
	hub     *Hub
	keep    int
	history []Record
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster backed by hub. hub may be nil.
func NewBroadcaster(hub *Hub, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{hub: hub, keep: 200, logger: logger}
}

// Send delivers msg. The message is recorded even when delivery fails.
func (b *Broadcaster) Send(ctx context.Context, msg *Message) error {
	if msg.Title == "" {
		return fmt.Errorf("notification title is required")
	}
	if msg.Level == "" {
		msg.Level = LevelInfo
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.logger.Info("run notification",
		zap.String("run", msg.RunID),
		zap.String("level", string(msg.Level)),
		zap.String("title", msg.Title),
	)

	var targets []string
	var err error
	if b.hub != nil {
		targets = b.hub.Platforms()
		err = b.hub.Broadcast(ctx, msg)
	}

	rec := Record{Message: msg, SentAt: time.Now(), Targets: targets}
	if err != nil {
		rec.Error = err.Error()
	}
	b.mu.Lock()
	b.history = append(b.history, rec)
	if len(b.history) > b.keep {
		b.history = b.history[len(b.history)-b.keep:]
	}
	b.mu.Unlock()
	return err
}

// History returns up to limit of the most recent records.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Record, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}
