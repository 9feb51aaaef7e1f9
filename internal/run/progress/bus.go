package progress

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pocketagent/pocketagent/internal/common/logger"
)

const (
	// DefaultBufferSize bounds the per-run event ring buffer.
	DefaultBufferSize = 256
	// DefaultTerminalRetention is how long a run's buffer survives after a
	// terminal event, so late subscribers can still replay the stream.
	DefaultTerminalRetention = 5 * time.Minute
)

// Listener receives progress events for one run.
type Listener func(Event)

// Bus is the per-run progress event bus: single writer (the run service),
// many readers. Each run has a bounded ring buffer for replay and a listener
// set for live delivery. Publication is synchronous and ordered; a listener
// panic is logged and never propagates to the publisher.
type Bus struct {
	mu         sync.Mutex
	runs       map[string]*runStream
	bufferSize int
	retention  time.Duration
	logger     *logger.Logger
	closed     bool
}

type runStream struct {
	events    []Event
	trimmed   bool
	listeners map[int]Listener
	nextID    int
	terminal  bool
	cleanup   *time.Timer
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-run ring buffer bound.
func WithBufferSize(n int) Option {
	return func(b *Bus) { b.bufferSize = n }
}

// WithTerminalRetention overrides the post-terminal buffer retention.
func WithTerminalRetention(d time.Duration) Option {
	return func(b *Bus) { b.retention = d }
}

// NewBus creates a progress bus.
func NewBus(log *logger.Logger, opts ...Option) *Bus {
	b := &Bus{
		runs:       make(map[string]*runStream),
		bufferSize: DefaultBufferSize,
		retention:  DefaultTerminalRetention,
		logger:     log.WithFields(zap.String("component", "progress-bus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends the event to the run's buffer and delivers it to all
// listeners in registration order. A terminal event arms the cleanup timer
// that eventually drops the buffer and listener set.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	stream := b.stream(event.RunID)
	stream.events = append(stream.events, event)
	if len(stream.events) > b.bufferSize {
		// Drop the oldest; replay becomes a suffix of the full stream.
		over := len(stream.events) - b.bufferSize
		stream.events = append([]Event(nil), stream.events[over:]...)
		stream.trimmed = true
	}

	ids := make([]int, 0, len(stream.listeners))
	for id := range stream.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		b.deliver(stream.listeners[id], event)
	}

	if event.Type.IsTerminal() && !stream.terminal {
		stream.terminal = true
		runID := event.RunID
		stream.cleanup = time.AfterFunc(b.retention, func() {
			b.drop(runID)
		})
	}
}

// Subscribe registers a listener for the run. With replay, the buffered
// prefix is delivered synchronously before the subscription goes live, so
// the listener sees every retained event exactly once and in order. The
// returned function removes the listener.
func (b *Bus) Subscribe(runID string, listener Listener, replay bool) func() {
	b.mu.Lock()
	stream := b.stream(runID)

	if replay {
		for _, event := range stream.events {
			b.deliver(listener, event)
		}
	}

	id := stream.nextID
	stream.nextID++
	stream.listeners[id] = listener
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.runs[runID]; ok {
			delete(s.listeners, id)
		}
	}
}

// BufferedLen returns the number of retained events for a run.
func (b *Bus) BufferedLen(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.runs[runID]; ok {
		return len(s.events)
	}
	return 0
}

// Close cancels all cleanup timers and drops all streams.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, stream := range b.runs {
		if stream.cleanup != nil {
			stream.cleanup.Stop()
		}
	}
	b.runs = make(map[string]*runStream)
}

func (b *Bus) stream(runID string) *runStream {
	stream, ok := b.runs[runID]
	if !ok {
		stream = &runStream{listeners: make(map[int]Listener)}
		b.runs[runID] = stream
	}
	return stream
}

func (b *Bus) drop(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
}

func (b *Bus) deliver(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("progress listener panicked",
				zap.String("run_id", event.RunID),
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	listener(event)
}
