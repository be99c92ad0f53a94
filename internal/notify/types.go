// Package notify delivers run notifications to chat platforms.
package notify

import (
	"context"
	"time"
)

// Level grades a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Message is one notification about a run.
type Message struct {
	RunID     string    `json:"run_id"`
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Text renders the message for plain-text platforms.
func (m *Message) Text() string {
	return "[" + string(m.Level) + "] " + m.Title + "\n" + m.Content
}

// Notifier is implemented by each platform adapter.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, msg *Message) error
	Close() error
}
