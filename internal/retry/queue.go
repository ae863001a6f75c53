// Package retry defers and resubmits requests that failed because the
// structure ran out of fuel.
//
// Entries are drained strictly in the order they were deferred, one at a
// time: the worker waits until an entry's delay has elapsed, resubmits its
// original payload and waits for that submission to be handled before
// looking at the next entry. A resubmission that runs out of fuel again is
// deferred again and lands at the tail, so a caller can wait indefinitely
// while the structure stays empty.
package retry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/structlink/internal/buffer"
	"github.com/rickgao/structlink/internal/dispatch"
	"github.com/rickgao/structlink/internal/protocol"
)

// DefaultDelay is the pause between a failure and its resubmission.
const DefaultDelay = 500 * time.Millisecond

// Entry is one deferred request.
type Entry struct {
	Payload    protocol.Payload
	Reply      chan<- dispatch.Outcome
	EnqueuedAt time.Time
	Attempt    int
}

// Resubmitter sends a deferred payload again, delivering its outcome to
// reply. The returned channel closes when the submission has been handled.
type Resubmitter interface {
	Resubmit(payload protocol.Payload, reply chan<- dispatch.Outcome) (<-chan struct{}, error)
}

// Config controls queue timing.
type Config struct {
	Delay           time.Duration
	InitialCapacity int
}

// Stats reports queue counters.
type Stats struct {
	Queued      int
	Deferred    int64
	Resubmitted int64
	Failed      int64
	Rejected    int64
	Buffer      buffer.Stats
}

// Queue is the retry worker.
type Queue struct {
	cfg    Config
	target Resubmitter
	logger *slog.Logger
	buf    *buffer.Buffer[*Entry]

	// attempts tracks how often a reply channel has been deferred.
	attemptsMu sync.Mutex
	attempts   map[chan<- dispatch.Outcome]int

	deferred    atomic.Int64
	resubmitted atomic.Int64
	failed      atomic.Int64
	rejected    atomic.Int64

	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
	now     func() time.Time
}

// New creates a Queue that resubmits through target.
func New(cfg Config, target Resubmitter, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.InitialCapacity <= 0 {
		cfg.InitialCapacity = 16
	}
	return &Queue{
		cfg:      cfg,
		target:   target,
		logger:   logger.With("component", "retry"),
		buf:      buffer.New[*Entry](cfg.InitialCapacity),
		attempts: make(map[chan<- dispatch.Outcome]int),
		stopped:  make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the worker.
func (q *Queue) Start(ctx context.Context) error {
	q.wg.Add(1)
	go q.run(ctx)
	q.logger.Info("retry worker started", "delay", q.cfg.Delay)
	return nil
}

// Stop halts the worker and rejects every entry still queued with a
// "connection closed" error.
func (q *Queue) Stop(ctx context.Context) error {
	q.once.Do(func() {
		close(q.stopped)
		q.buf.Close()
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, e := range q.buf.Drain() {
		q.reject(e, protocol.ConnectionClosed("retry queue stopped"))
	}
	q.logger.Info("retry worker stopped")
	return nil
}

// Defer enqueues a request for later resubmission. It returns false once
// the queue is stopped. Defer never blocks.
func (q *Queue) Defer(payload protocol.Payload, reply chan<- dispatch.Outcome) bool {
	q.attemptsMu.Lock()
	q.attempts[reply]++
	attempt := q.attempts[reply]
	q.attemptsMu.Unlock()

	e := &Entry{
		Payload:    payload,
		Reply:      reply,
		EnqueuedAt: q.now(),
		Attempt:    attempt,
	}
	if !q.buf.Push(e) {
		q.forget(reply)
		return false
	}
	q.deferred.Add(1)
	q.logger.Debug("request deferred", "action", payload.Action(), "attempt", attempt, "queued", q.buf.Len())
	return true
}

// Len returns the number of entries waiting.
func (q *Queue) Len() int {
	return q.buf.Len()
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Queued:      q.buf.Len(),
		Deferred:    q.deferred.Load(),
		Resubmitted: q.resubmitted.Load(),
		Failed:      q.failed.Load(),
		Rejected:    q.rejected.Load(),
		Buffer:      q.buf.Stats(),
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	for {
		e, ok := q.buf.Pop()
		if !ok {
			return
		}
		if !q.process(ctx, e) {
			q.reject(e, protocol.ConnectionClosed("retry queue stopped"))
			return
		}
	}
}

// process handles one entry. It returns false if the worker was stopped
// before the entry could be resubmitted.
func (q *Queue) process(ctx context.Context, e *Entry) bool {
	if wait := e.EnqueuedAt.Add(q.cfg.Delay).Sub(q.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-q.stopped:
			timer.Stop()
			return false
		}
	}

	q.resubmitted.Add(1)
	q.logger.Debug("resubmitting", "action", e.Payload.Action(), "attempt", e.Attempt)

	settled, err := q.target.Resubmit(e.Payload, e.Reply)
	if err != nil {
		q.failed.Add(1)
		q.logger.Warn("resubmit failed", "action", e.Payload.Action(), "error", err)
		q.reject(e, err)
		return true
	}

	// Wait for this submission before starting the next one. If it was
	// deferred again the reply channel stays registered.
	select {
	case <-settled:
	case <-ctx.Done():
		return true
	case <-q.stopped:
		return true
	}
	q.settled(e)
	return true
}

// settled drops attempt tracking once the entry is no longer queued.
func (q *Queue) settled(e *Entry) {
	q.attemptsMu.Lock()
	defer q.attemptsMu.Unlock()
	if q.attempts[e.Reply] <= e.Attempt {
		delete(q.attempts, e.Reply)
	}
}

func (q *Queue) forget(reply chan<- dispatch.Outcome) {
	q.attemptsMu.Lock()
	delete(q.attempts, reply)
	q.attemptsMu.Unlock()
}

func (q *Queue) reject(e *Entry, err error) {
	q.forget(e.Reply)
	q.rejected.Add(1)
	select {
	case e.Reply <- dispatch.Outcome{Err: err}:
	default:
	}
}
