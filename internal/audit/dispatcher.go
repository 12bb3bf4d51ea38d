package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultDispatcherBuffer = 256

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.bufferSize = size
		}
	}
}

// WithBlockingEmit makes Emit wait for buffer space (or ctx) instead of dropping the event.
func WithBlockingEmit() DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.blocking = true
	}
}

// Dispatcher delivers audit events to a sink on a single background goroutine so that
// request handlers never wait on slow sinks. Events arrive at the sink in Emit order.
type Dispatcher struct {
	sink       Sink
	bufferSize int
	blocking   bool

	mutex    sync.RWMutex
	closed   bool
	events   chan Event
	finished chan struct{}
	dropped  atomic.Uint64
}

// NewDispatcher starts delivery to sink. Close flushes whatever is still buffered.
func NewDispatcher(sink Sink, options ...DispatcherOption) *Dispatcher {
	if sink == nil {
		sink = NoOpSink{}
	}
	dispatcher := &Dispatcher{
		sink:       sink,
		bufferSize: defaultDispatcherBuffer,
		finished:   make(chan struct{}),
	}
	for _, option := range options {
		option(dispatcher)
	}
	dispatcher.events = make(chan Event, dispatcher.bufferSize)
	go dispatcher.deliver()
	return dispatcher
}

func (dispatcher *Dispatcher) deliver() {
	defer close(dispatcher.finished)
	for event := range dispatcher.events {
		dispatcher.sink.Emit(context.Background(), event)
	}
}

// Emit queues event. Events emitted after Close are discarded.
func (dispatcher *Dispatcher) Emit(ctx context.Context, event Event) {
	if dispatcher == nil {
		return
	}
	dispatcher.mutex.RLock()
	defer dispatcher.mutex.RUnlock()
	if dispatcher.closed {
		return
	}
	if !dispatcher.blocking {
		select {
		case dispatcher.events <- event:
		default:
			dispatcher.dropped.Add(1)
		}
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case dispatcher.events <- event:
	case <-ctx.Done():
		dispatcher.dropped.Add(1)
	}
}

// Close stops intake and returns after every buffered event reached the sink.
func (dispatcher *Dispatcher) Close() {
	if dispatcher == nil {
		return
	}
	dispatcher.mutex.Lock()
	if !dispatcher.closed {
		dispatcher.closed = true
		close(dispatcher.events)
	}
	dispatcher.mutex.Unlock()
	<-dispatcher.finished
}

// Dropped reports events discarded because the buffer was full or the caller gave up.
func (dispatcher *Dispatcher) Dropped() uint64 {
	if dispatcher == nil {
		return 0
	}
	return dispatcher.dropped.Load()
}
