package connection

import (
	"errors"
	"time"

	"github.com/rickgao/structlink/internal/retry"
	"github.com/rickgao/structlink/internal/router"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// State is the lifecycle state of the managed connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateAwaitingAuth
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL, set per login from the credential
	HandshakeTimeout time.Duration // Dial handshake timeout
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Keepalive ping period (0 = no pings)
	PongTimeout      time.Duration // Max time without pong before the connection is stale
	ReadLimit        int64         // Max inbound frame size (0 = unlimited)
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      90 * time.Second,
		ReadLimit:        1 << 20,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client       ClientConfig
	Router       router.Config
	Retry        retry.Config
	RetryEnabled bool // Initial retry mode; see Manager.EnableRetry
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client: DefaultClientConfig(),
		Router: router.DefaultConfig(),
		Retry:  retry.Config{Delay: retry.DefaultDelay, InitialCapacity: 16},
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State           State
	ConnID          string
	Connected       bool
	PendingRequests int
	Logins          int64
	RetryEnabled    bool
	Retry           retry.Stats
	Router          router.Stats
}
