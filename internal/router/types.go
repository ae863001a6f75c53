package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rickgao/structlink/internal/protocol"
)

// Topics published by the client itself. Server events are published under
// their own "event" name.
const (
	TopicOpen        = "open"
	TopicClose       = "close"
	TopicError       = "error"
	TopicOutOfFuel   = string(protocol.KindOutOfFuel)
	TopicBlockUpdate = protocol.TypeBlockUpdate
	TopicTransact    = protocol.TypeTransact
)

// Config holds configuration for the Router.
type Config struct {
	// BufferSize is the bus channel capacity and the initial capacity of
	// each subscriber queue. Queues grow as needed.
	BufferSize int // Default: 64
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{BufferSize: 64}
}

// Event is one notification delivered to subscribers.
type Event struct {
	Name       string
	ConnID     string
	ReceivedAt time.Time

	// Push fields. Which are set depends on Name.
	Cause       string
	Position    *protocol.Position
	Block       *protocol.Block
	Transaction *Transaction

	// Err is set for "error" and "out of fuel", and for "close" when the
	// connection ended abnormally.
	Err error

	Raw json.RawMessage
}

// Responder answers a player transaction.
type Responder interface {
	RespondToTransaction(ctx context.Context, token protocol.Token, accept bool) (*protocol.Response, error)
}

// Transaction is a player-initiated transaction waiting for an answer.
type Transaction struct {
	Token      protocol.Token
	Query      string
	Amount     float64
	Player     string
	PlayerUUID string

	responder Responder
}

// Accept approves the transaction and returns the server's reply.
func (t *Transaction) Accept(ctx context.Context) (*protocol.Response, error) {
	return t.respond(ctx, true)
}

// Deny rejects the transaction and returns the server's reply.
func (t *Transaction) Deny(ctx context.Context) (*protocol.Response, error) {
	return t.respond(ctx, false)
}

func (t *Transaction) respond(ctx context.Context, accept bool) (*protocol.Response, error) {
	if t.responder == nil {
		return nil, protocol.ConnectionClosed("transaction has no responder")
	}
	return t.responder.RespondToTransaction(ctx, t.Token, accept)
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	Emitted          int64
}
