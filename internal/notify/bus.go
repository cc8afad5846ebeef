// Package notify is an in-process publish/subscribe bus for agent
// notifications with a bounded history and pluggable sinks.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/logger"
)

// DefaultHistorySize is the number of events kept for History.
const DefaultHistorySize = 100

// DefaultQueueSize is the per-subscription buffer when none is given.
const DefaultQueueSize = 64

// Sink consumes events on its own goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
	Close() error
}

// Options configures a Bus.
type Options struct {
	HistorySize int
	Logger      logger.Logger
}

// Bus fans events out to subscribers without ever blocking the publisher.
// Each subscription has its own bounded queue; when it is full the event is
// dropped for that subscriber only and counted.
type Bus struct {
	logger logger.Logger

	mu      sync.Mutex
	ring    []Event
	start   int
	count   int
	subs    map[uint64]*Subscription
	nextSub uint64
	sinks   []Sink
	closed  bool

	sinkWG sync.WaitGroup
}

// Subscription receives events published after it was created.
type Subscription struct {
	id      uint64
	bus     *Bus
	ch      chan Event
	types   map[Type]bool
	dropped atomic.Uint64
	once    sync.Once
}

// NewBus creates a bus.
func NewBus(opts Options) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}
	return &Bus{
		logger: opts.Logger,
		ring:   make([]Event, opts.HistorySize),
		subs:   map[uint64]*Subscription{},
	}
}

// Publish builds and publishes an event, returning it.
func (b *Bus) Publish(t Type, severity Severity, message string, details map[string]any) Event {
	e := NewEvent(t, severity, message, details)
	b.PublishEvent(e)
	return e
}

// PublishEvent records e in the history and offers it to every subscriber.
// Publishing on a closed bus is a no-op.
func (b *Bus) PublishEvent(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	size := len(b.ring)
	if b.count < size {
		b.ring[(b.start+b.count)%size] = e
		b.count++
	} else {
		b.ring[b.start] = e
		b.start = (b.start + 1) % size
	}

	for _, s := range b.subs {
		if len(s.types) > 0 && !s.types[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// History returns up to limit of the most recent events, oldest first.
// A limit <= 0 returns everything retained.
func (b *Bus) History(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.ring[(b.start+i)%len(b.ring)])
	}
	return out
}

// Subscribe registers a subscriber with a queue of buffer events. With types
// given, only those event types are delivered.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = DefaultQueueSize
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = map[Type]bool{}
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.nextSub++
	s.id = b.nextSub
	b.subs[s.id] = s
	return s
}

// Events is closed when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped counts events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. Queued events can still be drained.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s.id)
		close(s.ch)
	})
}

// AddSink subscribes sink and feeds it from a dedicated goroutine.
func (b *Bus) AddSink(sink Sink, buffer int, types ...Type) {
	sub := b.Subscribe(buffer, types...)

	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()

	b.sinkWG.Add(1)
	go func() {
		defer b.sinkWG.Done()
		for e := range sub.Events() {
			if err := sink.Handle(context.Background(), e); err != nil {
				b.logger.Warning("Notification sink %s failed: %v", sink.Name(), err)
			}
		}
	}()
}

// Close stops accepting events, lets sinks drain their queues and closes them.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		s.closeLocked()
	}
	sinks := b.sinks
	b.mu.Unlock()

	b.sinkWG.Wait()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return gitbakdErrors.Join(errs...)
}
