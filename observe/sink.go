package observe

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
)

type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) error { return nil }

// MultiSink fans an event out to every sink. One failing sink does not keep
// the event from the others.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopSink{}
	case 1:
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

func (m *MultiSink) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FilterSink forwards only the events keep accepts.
type FilterSink struct {
	next Sink
	keep func(Event) bool
}

func NewFilterSink(next Sink, keep func(Event) bool) Sink {
	if next == nil {
		return NoopSink{}
	}
	if keep == nil {
		return next
	}
	return &FilterSink{next: next, keep: keep}
}

func (f *FilterSink) Emit(ctx context.Context, event Event) error {
	if !f.keep(event) {
		return nil
	}
	return f.next.Emit(ctx, event)
}

// SkipNames drops events whose Name is listed, e.g. periodic heartbeats that
// would otherwise flood a tracing backend.
func SkipNames(names ...string) func(Event) bool {
	return func(e Event) bool {
		return !slices.Contains(names, e.Name)
	}
}

// AsyncSink decouples emitters from a slow downstream. Events are dropped
// when the buffer is full.
type AsyncSink struct {
	downstream Sink
	queue      chan Event
	once       sync.Once
	done       chan struct{}
	dropped    atomic.Int64
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		done:       make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	event.Normalize()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- event:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Dropped reports how many events were discarded under pressure.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and waits for the buffer to drain.
func (s *AsyncSink) Close() {
	s.once.Do(func() { close(s.queue) })
	<-s.done
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for event := range s.queue {
		_ = s.downstream.Emit(context.Background(), event)
	}
}
