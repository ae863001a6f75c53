// Package dispatch multiplexes requests over a single connection.
//
// A Dispatcher belongs to exactly one live connection. It allocates
// correlation tokens from a counter that starts at zero, sends the encoded
// request through a Sender, and settles the caller when a response with the
// same token arrives. When the connection goes away every pending entry is
// rejected with a "connection closed" error and the dispatcher refuses new
// work; a new connection gets a new Dispatcher.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/structlink/internal/protocol"
)

// Outcome is the single result delivered to a request's reply channel.
type Outcome struct {
	Response *protocol.Response
	Err      error
}

// Sender writes one encoded frame to the connection.
type Sender interface {
	Send(data []byte) error
}

// Deferrer takes ownership of an out-of-fuel request instead of letting it
// fail. Defer returns false when it declines, in which case the dispatcher
// rejects the request as usual.
type Deferrer interface {
	Defer(payload protocol.Payload, reply chan<- Outcome) bool
}

// Options configures optional collaborators.
type Options struct {
	// Deferrer receives out-of-fuel failures. Nil disables deferral.
	Deferrer Deferrer

	// OnExhausted is called once for every out-of-fuel failure, whether or
	// not it is deferred.
	OnExhausted func(err *protocol.Error)
}

// entry is one pending request.
type entry struct {
	token   protocol.Token
	payload protocol.Payload
	reply   chan<- Outcome
	settled chan struct{}
}

// Dispatcher is the correlation table for one connection.
type Dispatcher struct {
	sender Sender
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	next    uint64
	pending map[protocol.Token]*entry
	closed  bool
}

// New creates a Dispatcher that writes through sender.
func New(sender Sender, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:  sender,
		opts:    opts,
		logger:  logger,
		pending: make(map[protocol.Token]*entry),
	}
}

// Request sends payload and blocks until its outcome is known or ctx is done.
// Abandoning the wait removes the pending entry; there is no other timeout.
func (d *Dispatcher) Request(ctx context.Context, payload protocol.Payload) (*protocol.Response, error) {
	reply := make(chan Outcome, 1)
	token, _, err := d.submit(payload, reply)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-reply:
		return out.Response, out.Err
	case <-ctx.Done():
		if d.abandon(token) {
			return nil, ctx.Err()
		}
		// Settled concurrently with cancellation.
		select {
		case out := <-reply:
			return out.Response, out.Err
		default:
			// Deferred to the retry queue; the queue owns the reply now.
			return nil, ctx.Err()
		}
	}
}

// Submit sends payload and registers reply as its destination without
// blocking. The returned channel is closed once this submission has been
// handled: either an outcome was delivered to reply or the request was
// handed to the Deferrer. reply must have room for one value.
func (d *Dispatcher) Submit(payload protocol.Payload, reply chan<- Outcome) (<-chan struct{}, error) {
	_, settled, err := d.submit(payload, reply)
	return settled, err
}

func (d *Dispatcher) submit(payload protocol.Payload, reply chan<- Outcome) (protocol.Token, <-chan struct{}, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", nil, protocol.ConnectionClosed("no open connection")
	}

	token := protocol.TokenFromCounter(d.next)
	data, err := protocol.EncodeRequest(payload, token)
	if err != nil {
		d.mu.Unlock()
		return "", nil, &protocol.Error{Kind: protocol.KindBadRequest, Message: "unencodable payload", Err: err}
	}
	d.next++

	e := &entry{
		token:   token,
		payload: payload,
		reply:   reply,
		settled: make(chan struct{}),
	}
	d.pending[token] = e
	d.mu.Unlock()

	d.logger.Debug("request sent", "nonce", token, "action", payload.Action())

	if err := d.sender.Send(data); err != nil {
		if d.take(token) != nil {
			return "", nil, &protocol.Error{Kind: protocol.KindConnectionClosed, Message: "send failed", Err: err}
		}
		// CloseAll already rejected it.
		return token, e.settled, nil
	}
	return token, e.settled, nil
}

// Resolve settles the pending request that env answers. It returns false
// when env carries no token or the token is not pending, in which case the
// frame is not a response and should be routed as a push.
func (d *Dispatcher) Resolve(env *protocol.Envelope) bool {
	if env.Nonce == "" {
		return false
	}
	e := d.take(env.Nonce)
	if e == nil {
		return false
	}

	if env.OK {
		d.settle(e, Outcome{Response: env.Response()})
		return true
	}

	failure := env.Failure()
	if failure.Kind == protocol.KindOutOfFuel {
		if d.opts.OnExhausted != nil {
			d.opts.OnExhausted(failure)
		}
		if d.opts.Deferrer != nil && d.opts.Deferrer.Defer(e.payload, e.reply) {
			d.logger.Debug("request deferred", "nonce", e.token, "action", e.payload.Action())
			close(e.settled)
			return true
		}
	}

	d.settle(e, Outcome{Err: failure})
	return true
}

// CloseAll rejects every pending request with a "connection closed" error,
// discards the table and makes further submissions fail immediately.
func (d *Dispatcher) CloseAll() int {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0
	}
	d.closed = true
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, e := range pending {
		d.settle(e, Outcome{Err: protocol.ConnectionClosed("connection closed with request outstanding")})
	}
	if n := len(pending); n > 0 {
		d.logger.Info("rejected pending requests", "count", n)
	}
	return len(pending)
}

// Pending returns the number of outstanding requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Closed reports whether CloseAll has run.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// take removes and returns the entry for token, or nil.
func (d *Dispatcher) take(token protocol.Token) *entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.pending[token]
	if !ok {
		return nil
	}
	delete(d.pending, token)
	return e
}

// abandon drops a still-pending entry after its caller stopped waiting.
func (d *Dispatcher) abandon(token protocol.Token) bool {
	return d.take(token) != nil
}

func (d *Dispatcher) settle(e *entry, out Outcome) {
	select {
	case e.reply <- out:
	default:
		d.logger.Warn("reply channel full, outcome dropped", "nonce", e.token)
	}
	close(e.settled)
}
