package stats

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the event queue length used when none is given.
const DefaultBuffer = 1024

// Dispatcher delivers events to a Sink from a single background goroutine.
// Record never blocks: when the queue is full the event is dropped and
// counted. A panicking sink is logged and the dispatcher keeps running.
type Dispatcher struct {
	sink   Sink
	logger *slog.Logger
	events chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

// NewDispatcher starts a dispatcher in front of sink.
func NewDispatcher(sink Sink, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sink:   sink,
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Record queues ev. Events recorded after Close are discarded.
func (d *Dispatcher) Record(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events, delivers what is queued and waits for the
// background goroutine to exit. It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.events {
		d.deliver(ev)
	}
	if n := d.dropped.Load(); n > 0 {
		d.logger.Warn("stats_events_dropped", "count", n)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("stats_sink_panic", "event", ev.Type.String(), "panic", r)
		}
	}()
	d.sink.Record(ev)
}
