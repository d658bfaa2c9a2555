package agendador

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// auditDispatcher hands events to a single worker goroutine so a slow sink
// never stalls a session operation. When the queue is full, DropIfFull
// discards the event; otherwise Emit waits for room, for ctx, or for Close.
type auditDispatcher struct {
	sink       AuditSink
	dropIfFull bool

	queue   chan AuditEvent
	quit    chan struct{}
	stopped chan struct{}

	// mu orders sends against close(queue).
	mu     sync.RWMutex
	closed bool

	dropped  atomic.Uint64
	stopOnce sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		queue:      make(chan AuditEvent, max(cfg.BufferSize, 1)),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go d.run()
	return d
}

// run exits once queue is closed and drained.
func (d *auditDispatcher) run() {
	defer close(d.stopped)
	ctx := context.Background()
	for ev := range d.queue {
		d.sink.Emit(ctx, ev)
	}
}

func (d *auditDispatcher) Emit(ctx context.Context, ev AuditEvent) {
	if d == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.dropIfFull {
		select {
		case d.queue <- ev:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- ev:
	case <-ctx.Done():
	case <-d.quit:
	}
}

// Close rejects further events, releases blocked emitters and returns after
// everything already queued has reached the sink.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		close(d.quit)

		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		<-d.stopped
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
