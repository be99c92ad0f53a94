package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType names a run lifecycle event.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventStageFinished EventType = "stage_finished"
	EventRunFinished   EventType = "run_finished"
)

// Event is published as a run progresses.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	ProjectID string    `json:"project_id"`
	Stage     StageName `json:"stage,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives run events. Publish errors are logged by the caller and
// never affect the run.
type EventSink interface {
	Publish(ctx context.Context, ev *Event) error
}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a logging sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, ev *Event) error {
	s.logger.Info("run event",
		zap.String("type", string(ev.Type)),
		zap.String("run", ev.RunID),
		zap.String("stage", string(ev.Stage)),
		zap.String("status", ev.Status),
		zap.String("detail", ev.Detail))
	return nil
}

// MultiSink fans an event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev *Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const streamPrefix = "agency:run:"

// streamReader returns the entries of stream after the given ID, waiting up
// to block for new ones.
type streamReader func(ctx context.Context, stream, after string, block time.Duration) ([]redis.XMessage, error)

// RedisSink appends run events to a Redis Stream per run.
type RedisSink struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger

	read       streamReader
	block      time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewRedisSink connects to redisURL and returns a stream-backed sink.
func NewRedisSink(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisSinkFromClient(rdb, logger), nil
}

// NewRedisSinkFromClient wraps an existing client.
func NewRedisSinkFromClient(rdb *redis.Client, logger *zap.Logger) *RedisSink {
	s := &RedisSink{
		rdb:        rdb,
		maxLen:     1000,
		logger:     logger,
		block:      2 * time.Second,
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 5 * time.Second,
	}
	s.read = s.xread
	return s
}

// Publish appends ev to the run's stream.
func (s *RedisSink) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	stream := streamPrefix + ev.RunID
	_, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	s.logger.Debug("published run event",
		zap.String("run", ev.RunID),
		zap.String("type", string(ev.Type)))
	return nil
}

// Events reads every event recorded for runID, oldest first.
func (s *RedisSink) Events(ctx context.Context, runID string) ([]*Event, error) {
	msgs, err := s.rdb.XRange(ctx, streamPrefix+runID, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read events for %s: %w", runID, err)
	}
	events := make([]*Event, 0, len(msgs))
	for _, msg := range msgs {
		if ev, ok := decodeEvent(msg); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Follow replays the events already recorded for runID and then streams new
// ones. The channel is closed after run_finished is delivered or when ctx is
// done. Read failures are retried with exponential backoff.
func (s *RedisSink) Follow(ctx context.Context, runID string) <-chan *Event {
	ch := make(chan *Event, 16)
	stream := streamPrefix + runID

	go func() {
		defer close(ch)
		lastID := "0"
		delay := s.minBackoff

		for ctx.Err() == nil {
			msgs, err := s.read(ctx, stream, lastID, s.block)
			if err != nil && !errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("event stream read failed",
					zap.String("run", runID), zap.Duration("retry_in", delay), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				delay = min(delay*2, s.maxBackoff)
				continue
			}
			delay = s.minBackoff

			for _, msg := range msgs {
				lastID = msg.ID
				ev, ok := decodeEvent(msg)
				if !ok {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Type == EventRunFinished {
					return
				}
			}
		}
	}()

	return ch
}

func (s *RedisSink) xread(ctx context.Context, stream, after string, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, after},
		Count:   50,
		Block:   block,
	}).Result()
	if err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	for _, r := range res {
		msgs = append(msgs, r.Messages...)
	}
	return msgs, nil
}

func decodeEvent(msg redis.XMessage) (*Event, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, false
	}
	return &ev, true
}

// Close shuts down the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
