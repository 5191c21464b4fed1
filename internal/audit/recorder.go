package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/terraconstructs/gatekeeper/internal/telemetry"
)

const (
	defaultQueueSize       = 1000
	defaultInitialBackoff  = 200 * time.Millisecond
	defaultMaxBackoff      = 30 * time.Second
	defaultDeliveryTimeout = 3 * time.Second
)

// Sink durably stores audit events. Write must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, event Event) error
	Name() string
}

// forgetter is implemented by sinks that keep per-event state between
// retries. The recorder calls Forget when it gives up on an event.
type forgetter interface {
	Forget(eventID string)
}

// Options tunes a Recorder. Zero values use defaults.
type Options struct {
	QueueSize       int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	DeliveryTimeout time.Duration
	Logger          *zap.Logger
	Metrics         *telemetry.Metrics
	Now             func() time.Time
}

// Recorder queues audit events and delivers them to a Sink.
//
// The queue is bounded; when full the oldest undelivered event is dropped and
// counted. One worker delivers events in order, retrying each with exponential
// backoff until the sink accepts it, so an event reaches the sink once unless
// the process is stopped before delivery.
type Recorder struct {
	sink            Sink
	capacity        int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	deliveryTimeout time.Duration
	logger          *zap.Logger
	metrics         *telemetry.Metrics
	now             func() time.Time

	mu     sync.Mutex
	queue  []Event
	closed bool

	dropped   atomic.Uint64
	delivered atomic.Uint64

	notify chan struct{}
	stop   chan struct{}
	abort  chan struct{}
	done   chan struct{}
}

// NewRecorder starts a recorder delivering to sink.
func NewRecorder(sink Sink, opts Options) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.InitialBackoff)
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Recorder{
		sink:            sink,
		capacity:        opts.QueueSize,
		initialBackoff:  opts.InitialBackoff,
		maxBackoff:      opts.MaxBackoff,
		deliveryTimeout: opts.DeliveryTimeout,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		now:             opts.Now,
		notify:          make(chan struct{}, 1),
		stop:            make(chan struct{}),
		abort:           make(chan struct{}),
		done:            make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues event for background delivery. It only fails for invalid
// events or after Close; delivery problems never reach the caller.
func (r *Recorder) Record(_ context.Context, event Event) error {
	event, err := event.normalize(r.now())
	if err != nil {
		return err
	}
	return r.enqueue(event)
}

// RecordSync tries to deliver event before returning, bounded by the delivery
// timeout. On failure the event is queued for retry and nil is returned.
// Cancelling ctx does not cancel the write.
func (r *Recorder) RecordSync(ctx context.Context, event Event) error {
	event, err := event.normalize(r.now())
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.deliveryTimeout)
	err = r.sink.Write(writeCtx, event)
	cancel()
	if err == nil {
		r.delivered.Add(1)
		r.metrics.AuditDelivery("ok")
		return nil
	}

	r.metrics.AuditDelivery("error")
	r.logger.Warn("synchronous audit delivery failed, queueing for retry",
		zap.String("event_id", event.ID),
		zap.String("sink", r.sink.Name()),
		zap.Error(err),
	)
	if err := r.enqueue(event); err != nil {
		r.forget(event.ID)
		return err
	}
	return nil
}

func (r *Recorder) enqueue(event Event) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrQueueClosed
	}
	if len(r.queue) >= r.capacity {
		evicted := r.queue[0]
		r.queue[0] = Event{}
		r.queue = r.queue[1:]
		r.dropped.Add(1)
		r.metrics.AuditDropped()
		r.logger.Error("audit queue full, dropping oldest event",
			zap.String("event_id", evicted.ID),
			zap.String("action", evicted.Action),
		)
		r.forget(evicted.ID)
	}
	r.queue = append(r.queue, event)
	r.metrics.AuditQueueDepth(len(r.queue))
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dropped returns the number of events evicted from a full queue or abandoned at shutdown.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Delivered returns the number of events accepted by the sink.
func (r *Recorder) Delivered() uint64 { return r.delivered.Load() }

// Pending returns the number of queued events.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close stops accepting events and waits for the queue to drain. When ctx
// expires first, retries stop and the remaining events are counted as dropped.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		close(r.abort)
		<-r.done
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		event, ok := r.pop()
		if ok {
			r.deliver(event)
			continue
		}
		select {
		case <-r.notify:
		case <-r.stop:
			if r.Pending() == 0 {
				return
			}
		}
	}
}

func (r *Recorder) pop() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return Event{}, false
	}
	event := r.queue[0]
	r.queue[0] = Event{}
	r.queue = r.queue[1:]
	r.metrics.AuditQueueDepth(len(r.queue))
	return event, true
}

// deliver retries until the sink accepts event or Close gives up.
func (r *Recorder) deliver(event Event) {
	backoff := r.initialBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.deliveryTimeout)
		err := r.sink.Write(ctx, event)
		cancel()
		if err == nil {
			r.delivered.Add(1)
			r.metrics.AuditDelivery("ok")
			return
		}

		r.metrics.AuditDelivery("error")
		r.logger.Warn("audit delivery failed",
			zap.String("event_id", event.ID),
			zap.String("sink", r.sink.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-r.abort:
			timer.Stop()
			r.dropped.Add(1)
			r.metrics.AuditDropped()
			r.logger.Error("audit event abandoned at shutdown",
				zap.String("event_id", event.ID),
				zap.String("action", event.Action),
			)
			r.forget(event.ID)
			return
		}
		backoff = min(backoff*2, r.maxBackoff)
	}
}

func (r *Recorder) forget(id string) {
	if f, ok := r.sink.(forgetter); ok {
		f.Forget(id)
	}
}
