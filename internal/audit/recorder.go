package audit

import (
	"context"
	"sync"
	"time"

	"newstrnt.org/internal/obs"
)

const (
	defaultQueueSize    = 1024
	defaultAppendWindow = 5 * time.Second
)

// Recorder decouples audit writes from request handling. Record never blocks
// the caller; a single writer goroutine drains the queue in arrival order,
// so events from one actor land in the log in the order they were recorded.
type Recorder struct {
	log  Log
	errs chan error

	// mu guards queue against close: Record holds it while enqueueing and
	// Close holds it while closing, so intake can never hit a closed channel.
	mu     sync.Mutex
	closed bool
	queue  chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithQueueSize overrides the queue capacity.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Event, n)
		}
	}
}

// NewRecorder starts the writer goroutine. Call Close to flush and stop.
func NewRecorder(log Log, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		log:   log,
		queue: make(chan Event, defaultQueueSize),
		errs:  make(chan error, 16),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Record enqueues ev. When the queue is full or the recorder is closed the
// event is dropped, counted, and reported on Errors; the caller's outcome is
// unaffected either way.
func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.drop(ev, ErrClosed, "audit recorder closed, entry dropped")
		return
	}
	select {
	case r.queue <- ev:
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		r.drop(ev, ErrQueueFull, "audit queue full, entry dropped")
	}
}

func (r *Recorder) drop(ev Event, cause error, msg string) {
	obs.ObserveAuditFailure()
	obs.LogEvent(map[string]any{
		"level":  "error",
		"msg":    msg,
		"action": string(ev.Action),
	})
	select {
	case r.errs <- cause:
	default:
	}
}

// Errors surfaces dropped events and append failures. Receiving is optional;
// the channel never blocks the writer.
func (r *Recorder) Errors() <-chan error {
	return r.errs
}

// Close stops intake, flushes queued events, and waits for the writer.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
	})
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultAppendWindow)
		entry, err := r.log.Append(ctx, ev)
		cancel()
		if err != nil {
			obs.ObserveAuditFailure()
			obs.LogEvent(map[string]any{
				"level":  "error",
				"msg":    "audit append failed",
				"action": string(ev.Action),
				"error":  err.Error(),
			})
			select {
			case r.errs <- err:
			default:
			}
			continue
		}
		obs.ObserveAuditEntry(string(entry.Severity))
	}
}
