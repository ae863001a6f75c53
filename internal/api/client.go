package api

import (
	"context"
	"log/slog"

	"github.com/rickgao/structlink/internal/protocol"
)

// Requester sends one request and waits for its response.
type Requester interface {
	Request(ctx context.Context, payload protocol.Payload) (*protocol.Response, error)
}

// Client provides typed access to structure actions.
type Client struct {
	requester Requester
	logger    *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a Client that sends through requester.
func NewClient(requester Requester, opts ...ClientOption) *Client {
	c := &Client{
		requester: requester,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}
