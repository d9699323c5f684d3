// ============================================================================
// spectrum-fit Error Reporter
// ============================================================================
//
// Package: internal/reporter
// File: reporter.go
// Purpose: Central place where components report non-fatal problems
//
// Every report is:
//   1. logged through slog at the mapped level
//   2. appended to a bounded history (oldest dropped first)
//   3. delivered to subscribers registered for that level
//
// Subscribers run synchronously on the reporting goroutine. In the engine
// that is the event loop, so they must not block.
//
// ============================================================================

package reporter

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Level is the severity of a report.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// DefaultHistorySize is the number of events kept by a Dispatcher.
const DefaultHistorySize = 100

// Event is one report.
type Event struct {
	Level   Level
	Message string
	Context string
	Err     error
	Time    time.Time
}

// Reporter receives reports from engine components.
type Reporter interface {
	Report(level Level, message, context string, err error)
}

// Dispatcher is the default Reporter.
type Dispatcher struct {
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	history     []Event
	maxHistory  int
	subscribers map[Level][]func(Event)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHistorySize overrides DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxHistory = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher logging to logger (slog.Default when nil).
func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:      logger,
		now:         time.Now,
		maxHistory:  DefaultHistorySize,
		subscribers: make(map[Level][]func(Event)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers fn for reports at exactly level.
func (d *Dispatcher) Subscribe(level Level, fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[level] = append(d.subscribers[level], fn)
}

// SubscribeAll registers fn for every level.
func (d *Dispatcher) SubscribeAll(fn func(Event)) {
	for l := LevelDebug; l <= LevelCritical; l++ {
		d.Subscribe(l, fn)
	}
}

// Report implements Reporter.
func (d *Dispatcher) Report(level Level, message, ctx string, err error) {
	ev := Event{Level: level, Message: message, Context: ctx, Err: err, Time: d.now()}

	attrs := []any{"context", ctx}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	d.logger.Log(context.Background(), level.slogLevel(), message, attrs...)

	d.mu.Lock()
	d.history = append(d.history, ev)
	if over := len(d.history) - d.maxHistory; over > 0 {
		d.history = append([]Event(nil), d.history[over:]...)
	}
	subs := append(([]func(Event))(nil), d.subscribers[level]...)
	d.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// History returns a copy of the retained events, oldest first.
func (d *Dispatcher) History() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.history...)
}

// ClearHistory drops all retained events.
func (d *Dispatcher) ClearHistory() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = nil
}

// Discard is a Reporter that only logs at debug level.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(level Level, message, ctx string, err error) {
	slog.Debug(message, "level", level.String(), "context", ctx, "error", err)
}
