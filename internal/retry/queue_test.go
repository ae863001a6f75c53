package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/structlink/internal/dispatch"
	"github.com/rickgao/structlink/internal/protocol"
)

// fakeTarget records resubmissions. Each call's settled channel is closed
// by the test through settle.
type fakeTarget struct {
	mu       sync.Mutex
	calls    []protocol.Payload
	replies  []chan<- dispatch.Outcome
	settles  []chan struct{}
	err      error
	called   chan struct{}
	autoDone bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{called: make(chan struct{}, 64)}
}

func (f *fakeTarget) Resubmit(p protocol.Payload, reply chan<- dispatch.Outcome) (<-chan struct{}, error) {
	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		f.called <- struct{}{}
	}()
	f.calls = append(f.calls, p)
	if f.err != nil {
		return nil, f.err
	}
	settled := make(chan struct{})
	f.replies = append(f.replies, reply)
	f.settles = append(f.settles, settled)
	if f.autoDone {
		reply <- dispatch.Outcome{Response: &protocol.Response{}}
		close(settled)
	}
	return settled, nil
}

func (f *fakeTarget) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.called:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for resubmission")
	}
}

func (f *fakeTarget) noCall(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-f.called:
		t.Fatal("unexpected resubmission")
	case <-time.After(d):
	}
}

// settle delivers an outcome for call i and marks it handled.
func (f *fakeTarget) settle(i int, out dispatch.Outcome) {
	f.mu.Lock()
	reply, done := f.replies[i], f.settles[i]
	f.mu.Unlock()
	reply <- out
	close(done)
}

func (f *fakeTarget) action(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i].Action()
}

func startQueue(t *testing.T, cfg Config, target Resubmitter) *Queue {
	t.Helper()
	q := New(cfg, target, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		q.Stop(stopCtx)
	})
	return q
}

func TestQueue_FIFOAndSequential(t *testing.T) {
	target := newFakeTarget()
	q := startQueue(t, Config{Delay: 10 * time.Millisecond}, target)

	replyA := make(chan dispatch.Outcome, 1)
	replyB := make(chan dispatch.Outcome, 1)
	q.Defer(protocol.Payload{"action": "a"}, replyA)
	q.Defer(protocol.Payload{"action": "b"}, replyB)

	target.waitCall(t)
	if got := target.action(0); got != "a" {
		t.Fatalf("first resubmission = %q, want a", got)
	}

	// B must wait for A's submission to be handled.
	target.noCall(t, 50*time.Millisecond)

	target.settle(0, dispatch.Outcome{Response: &protocol.Response{Nonce: "7"}})
	target.waitCall(t)
	if got := target.action(1); got != "b" {
		t.Fatalf("second resubmission = %q, want b", got)
	}
	target.settle(1, dispatch.Outcome{Err: protocol.NewError(protocol.KindOffline, "")})

	if out := <-replyA; out.Response == nil || out.Response.Nonce != "7" {
		t.Errorf("A outcome = %+v", out)
	}
	if out := <-replyB; !errors.Is(out.Err, protocol.ErrOffline) {
		t.Errorf("B outcome err = %v, want offline", out.Err)
	}

	stats := q.Stats()
	if stats.Deferred != 2 || stats.Resubmitted != 2 {
		t.Errorf("Stats = %+v, want 2 deferred, 2 resubmitted", stats)
	}
}

func TestQueue_WaitsForDelay(t *testing.T) {
	target := newFakeTarget()
	target.autoDone = true
	q := startQueue(t, Config{Delay: 100 * time.Millisecond}, target)

	start := time.Now()
	q.Defer(protocol.Payload{"action": "pay"}, make(chan dispatch.Outcome, 1))
	target.waitCall(t)

	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("resubmitted after %v, want at least the delay", elapsed)
	}
}

func TestQueue_RedeferGoesToTail(t *testing.T) {
	target := newFakeTarget()
	q := startQueue(t, Config{Delay: time.Millisecond}, target)

	replyA := make(chan dispatch.Outcome, 1)
	replyB := make(chan dispatch.Outcome, 1)
	q.Defer(protocol.Payload{"action": "a"}, replyA)
	q.Defer(protocol.Payload{"action": "b"}, replyB)

	target.waitCall(t)

	// A runs out of fuel again: the dispatcher defers it and marks the
	// submission handled without writing to the reply.
	q.Defer(protocol.Payload{"action": "a"}, replyA)
	target.mu.Lock()
	close(target.settles[0])
	target.mu.Unlock()

	target.waitCall(t)
	if got := target.action(1); got != "b" {
		t.Fatalf("second resubmission = %q, want b", got)
	}
	target.settle(1, dispatch.Outcome{Response: &protocol.Response{}})

	target.waitCall(t)
	if got := target.action(2); got != "a" {
		t.Fatalf("third resubmission = %q, want a", got)
	}
	target.settle(2, dispatch.Outcome{Response: &protocol.Response{}})

	select {
	case out := <-replyA:
		if out.Err != nil {
			t.Errorf("A err = %v", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("A never settled")
	}
	select {
	case extra := <-replyA:
		t.Errorf("A settled twice: %+v", extra)
	default:
	}
}

func TestQueue_ResubmitError(t *testing.T) {
	target := newFakeTarget()
	target.err = protocol.ConnectionClosed("no open connection")
	q := startQueue(t, Config{Delay: time.Millisecond}, target)

	reply := make(chan dispatch.Outcome, 1)
	q.Defer(protocol.Payload{"action": "craft"}, reply)

	select {
	case out := <-reply:
		if !errors.Is(out.Err, protocol.ErrConnectionClosed) {
			t.Errorf("err = %v, want connection closed", out.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never received")
	}
	if q.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", q.Stats().Failed)
	}
}

func TestQueue_StopRejectsQueued(t *testing.T) {
	target := newFakeTarget()
	q := New(Config{Delay: time.Hour}, target, nil)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	replies := make([]chan dispatch.Outcome, 3)
	for i := range replies {
		replies[i] = make(chan dispatch.Outcome, 1)
		q.Defer(protocol.Payload{"action": "noop"}, replies[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	for i, ch := range replies {
		select {
		case out := <-ch:
			if !errors.Is(out.Err, protocol.ErrConnectionClosed) {
				t.Errorf("reply %d err = %v, want connection closed", i, out.Err)
			}
		default:
			t.Errorf("reply %d not rejected", i)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Stop", q.Len())
	}
	if q.Defer(protocol.Payload{"action": "late"}, make(chan dispatch.Outcome, 1)) {
		t.Error("Defer accepted after Stop")
	}
}

func TestQueue_DeferredAtFailureTime(t *testing.T) {
	target := newFakeTarget()
	target.autoDone = true
	q := New(Config{Delay: time.Second}, target, nil)

	// Entries are stamped when deferred, before the worker starts.
	base := time.Now().Add(-2 * time.Second)
	q.now = func() time.Time { return base }
	q.Defer(protocol.Payload{"action": "old"}, make(chan dispatch.Outcome, 1))
	q.now = time.Now

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Stop(context.Background())

	start := time.Now()
	target.waitCall(t)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("overdue entry waited %v", elapsed)
	}
}
