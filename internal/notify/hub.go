package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Hub fans a message out to every registered notifier.
type Hub struct {
	notifiers map[string]Notifier
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{notifiers: make(map[string]Notifier), logger: logger}
}

// Register adds a notifier, replacing any previous one for the platform.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers[n.Platform()] = n
	h.logger.Info("registered notifier", zap.String("platform", n.Platform()))
}

// Broadcast sends msg to every notifier. Every notifier is tried.
func (h *Hub) Broadcast(ctx context.Context, msg *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var failed int
	for platform, n := range h.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			h.logger.Error("notify failed", zap.String("platform", platform), zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("notify failed on %d platform(s)", failed)
	}
	return nil
}

// Platforms returns the registered platform names, sorted.
func (h *Hub) Platforms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.notifiers))
	for p := range h.notifiers {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Close shuts down all notifiers.
func (h *Hub) Close() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for platform, n := range h.notifiers {
		if err := n.Close(); err != nil {
			h.logger.Error("notifier close failed", zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}
