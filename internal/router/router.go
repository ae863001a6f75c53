// Package router demultiplexes unsolicited server frames into named
// notifications and broadcasts them to subscribers.
//
// Delivery is at most once per subscriber per event. There is no replay:
// a subscriber only sees events published after it subscribed. Publishing
// never waits for subscribers to read.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"

	"github.com/rickgao/structlink/internal/buffer"
	"github.com/rickgao/structlink/internal/protocol"
)

// ErrClosed is returned by Subscription.Next once the subscription ends.
var ErrClosed = errors.New("subscription closed")

// Router routes pushes onto a broadcast bus.
type Router struct {
	cfg       Config
	responder Responder
	logger    *slog.Logger

	// mu guards bus use against Close; the bus blocks forever once shut down.
	mu     sync.RWMutex
	bus    *pubsub.PubSub
	closed bool

	received        atomic.Int64
	routed          atomic.Int64
	parseErrors     atomic.Int64
	unknownMessages atomic.Int64
	emitted         atomic.Int64
}

// New creates a Router. Transaction events answer through responder.
func New(cfg Config, responder Responder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &Router{
		cfg:       cfg,
		responder: responder,
		logger:    logger.With("component", "router"),
		bus:       pubsub.New(cfg.BufferSize),
	}
}

// Route classifies one inbound frame and publishes it. Frames without a
// recognized marker are counted and dropped.
func (r *Router) Route(connID string, env *protocol.Envelope, receivedAt time.Time) {
	r.received.Add(1)

	ev := Event{ConnID: connID, ReceivedAt: receivedAt, Raw: env.Raw}

	switch p := env.Classify().(type) {
	case *protocol.BlockUpdate:
		pos := p.Position
		ev.Name = TopicBlockUpdate
		ev.Cause = p.Cause
		ev.Block = p.Block
		ev.Position = &pos

	case *protocol.Transact:
		ev.Name = TopicTransact
		ev.Transaction = &Transaction{
			Token:      p.Token,
			Query:      p.Query,
			Amount:     p.Amount,
			Player:     p.Player,
			PlayerUUID: p.PlayerUUID,
			responder:  r.responder,
		}

	case *protocol.NamedEvent:
		ev.Name = p.Name
		ev.Cause = p.Cause
		ev.Position = p.Position

	case *protocol.Unrecognized:
		r.unknownMessages.Add(1)
		r.logger.Debug("dropping unrecognized frame", "conn_id", connID, "type", p.Type, "nonce", env.Nonce)
		return
	}

	if r.publish(ev) {
		r.routed.Add(1)
	}
}

// RecordParseError counts a frame that could not be decoded.
func (r *Router) RecordParseError(connID string, err error) {
	r.received.Add(1)
	r.parseErrors.Add(1)
	r.logger.Warn("failed to decode frame", "conn_id", connID, "error", err)
}

// Emit publishes a client-generated event such as "open" or "close".
func (r *Router) Emit(ev Event) {
	if r.publish(ev) {
		r.emitted.Add(1)
	}
}

func (r *Router) publish(ev Event) bool {
	if ev.Name == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	r.bus.Pub(ev, ev.Name)
	return true
}

// Subscribe returns a subscription to the named events.
func (r *Router) Subscribe(names ...string) *Subscription {
	s := &Subscription{
		r:     r,
		names: names,
		queue: buffer.New[Event](r.cfg.BufferSize),
		out:   make(chan Event),
		done:  make(chan struct{}),
	}

	r.mu.RLock()
	if r.closed || len(names) == 0 {
		s.ch = make(chan interface{})
		close(s.ch)
	} else {
		s.ch = r.bus.Sub(names...)
	}
	r.mu.RUnlock()

	go s.fill()
	go s.deliver()
	return s
}

// On calls fn for every event with the given name until the returned
// cancel function is called. fn runs on a goroutine owned by the
// subscription; events are handed to it in publication order.
func (r *Router) On(name string, fn func(Event)) (cancel func()) {
	s := r.Subscribe(name)
	go func() {
		for ev := range s.out {
			select {
			case <-s.done:
				continue
			default:
			}
			fn(ev)
		}
	}()
	return s.Unsubscribe
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		MessagesReceived: r.received.Load(),
		MessagesRouted:   r.routed.Load(),
		ParseErrors:      r.parseErrors.Load(),
		UnknownMessages:  r.unknownMessages.Load(),
		Emitted:          r.emitted.Load(),
	}
}

// Close shuts the bus down and ends every subscription.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.bus.Shutdown()
	r.logger.Debug("router closed")
}

// Subscription is a pull-style view of one or more event names. Events
// wait in an unbounded per-subscription queue, so a subscriber that falls
// behind delays only itself.
type Subscription struct {
	r     *Router
	names []string
	ch    chan interface{}
	queue *buffer.Buffer[Event]
	out   chan Event
	done  chan struct{}
	once  sync.Once
}

// Next blocks until the next event arrives, the subscription ends or ctx is
// done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-s.done:
		return Event{}, ErrClosed
	case ev, ok := <-s.out:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	}
}

// Backlog returns the number of events queued and not yet taken.
func (s *Subscription) Backlog() int {
	return s.queue.Len()
}

// Unsubscribe ends the subscription. It is safe to call more than once and
// from within an On handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.queue.Close()

		go func() {
			s.r.mu.RLock()
			defer s.r.mu.RUnlock()
			if s.r.closed || len(s.names) == 0 {
				return
			}
			s.r.bus.Unsub(s.ch, s.names...)
		}()
	})
}

// fill moves events off the bus channel as soon as they arrive. It keeps
// reading after the queue closes so the bus never waits on this channel.
func (s *Subscription) fill() {
	for msg := range s.ch {
		if ev, ok := msg.(Event); ok {
			s.queue.Push(ev)
		}
	}
	s.queue.Close()
}

// deliver hands queued events to Next or On. When the router shuts down,
// events already queued are still delivered before out closes.
func (s *Subscription) deliver() {
	defer close(s.out)
	for {
		ev, ok := s.queue.Pop()
		if !ok {
			select {
			case <-s.done:
				return
			default:
			}
			for _, ev := range s.queue.Drain() {
				if !s.send(ev) {
					return
				}
			}
			return
		}
		if !s.send(ev) {
			return
		}
	}
}

func (s *Subscription) send(ev Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}
