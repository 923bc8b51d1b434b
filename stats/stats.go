package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageInput   Stage = "input"
	StageExtract Stage = "extract"
)

type EventType string

const (
	EventTypeScanned     EventType = "scanned"
	EventTypeCompleted   EventType = "completed"
	EventTypePartWritten EventType = "part_written"
	EventTypePartSkipped EventType = "part_skipped"
	EventTypeRetried     EventType = "retried"
	EventTypeAbandoned   EventType = "abandoned"
	EventTypeSkipped     EventType = "skipped"
	EventTypeInvalid     EventType = "invalid"
	EventTypeError       EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
	Bytes     int64
}

// Sink receives events; implementations must not block for long.
type Sink interface {
	EmitEvent(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) EmitEvent(evt Event) { f(evt) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type Summary struct {
	Scanned      int
	Completed    int
	PartsWritten int
	PartsSkipped int
	Bytes        int64
	Retries      int
	Abandoned    int
	Skipped      int
	Invalid      int
	Errors       int
	LastError    error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"completed", s.Completed,
		"partsWritten", s.PartsWritten,
		"partsSkipped", s.PartsSkipped,
		"bytes", s.Bytes,
		"retries", s.Retries,
		"abandoned", s.Abandoned,
		"skipped", s.Skipped,
		"invalid", s.Invalid,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeCompleted:
		c.summary.Completed++
	case EventTypePartWritten:
		c.summary.PartsWritten++
		c.summary.Bytes += evt.Bytes
	case EventTypePartSkipped:
		c.summary.PartsSkipped++
	case EventTypeRetried:
		c.summary.Retries++
	case EventTypeAbandoned:
		c.summary.Abandoned++
		c.recordErr(evt.Err)
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeInvalid:
		c.summary.Invalid++
		c.recordErr(evt.Err)
	case EventTypeError:
		c.summary.Errors++
		c.recordErr(evt.Err)
	}
}

func (c *Collector) recordErr(err error) {
	if err != nil {
		c.summary.LastError = err
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
