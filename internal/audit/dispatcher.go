package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config sizes the dispatcher queue.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events when the queue is full instead of making the
	// request path wait on the sink.
	DropIfFull bool
	// OnDrop, if set, receives the type of every shed event. It runs on the
	// emitting goroutine and must not block.
	OnDrop func(eventType string)
}

// Dispatcher relays events to one sink on a dedicated goroutine. A nil
// *Dispatcher discards everything; NewDispatcher returns nil when auditing
// is off.
type Dispatcher struct {
	sink   Sink
	queue  chan Event
	shed   bool
	onDrop func(string)

	stop     chan struct{}
	exited   chan struct{}
	stopping atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Uint64
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:   sink,
		queue:  make(chan Event, max(cfg.BufferSize, 1)),
		shed:   cfg.DropIfFull,
		onDrop: cfg.OnDrop,
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go d.loop()
	return d
}

// loop delivers queued events until Close, then flushes whatever is left.
func (d *Dispatcher) loop() {
	defer close(d.exited)
	ctx := context.Background()

	for {
		select {
		case ev := <-d.queue:
			d.sink.Emit(ctx, ev)
		case <-d.stop:
			for {
				select {
				case ev := <-d.queue:
					d.sink.Emit(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

// Emit queues ev. A shedding dispatcher never blocks; otherwise Emit waits
// for room until ctx ends, and an event abandoned that way counts as
// dropped. Events emitted after Close are ignored.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.stopping.Load() {
		return
	}

	if d.shed {
		select {
		case d.queue <- ev:
		case <-d.stop:
		default:
			d.drop(ev)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- ev:
	case <-d.stop:
	case <-ctx.Done():
		d.drop(ev)
	}
}

func (d *Dispatcher) drop(ev Event) {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop(ev.EventType)
	}
}

// Close flushes the queue into the sink and returns once the relay
// goroutine has exited. It is safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.stopping.Store(true)
		close(d.stop)
		<-d.exited
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
