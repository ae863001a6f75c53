package connection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/structlink/internal/credential"
	"github.com/rickgao/structlink/internal/dispatch"
	"github.com/rickgao/structlink/internal/protocol"
	"github.com/rickgao/structlink/internal/retry"
	"github.com/rickgao/structlink/internal/router"
)

// Manager owns the connection to a structure gateway.
type Manager interface {
	// Start launches background workers (the retry queue).
	Start(ctx context.Context) error

	// Stop closes the connection, rejects deferred requests and ends every
	// subscription.
	Stop(ctx context.Context) error

	// Login replaces any existing connection with a new one authenticated
	// by rawCredential and returns the server's authentication response.
	Login(ctx context.Context, rawCredential string) (*protocol.Response, error)

	// Close closes the current connection, if any.
	Close() error

	// Request sends payload on the current connection and waits for its
	// response.
	Request(ctx context.Context, payload protocol.Payload) (*protocol.Response, error)

	// RespondToTransaction accepts or denies a player transaction.
	RespondToTransaction(ctx context.Context, token protocol.Token, accept bool) (*protocol.Response, error)

	// Subscribe returns a pull subscription to the named events.
	Subscribe(names ...string) *router.Subscription

	// On registers fn for the named event and returns its cancel function.
	On(name string, fn func(router.Event)) (cancel func())

	// EnableRetry turns deferral of out-of-fuel failures on or off.
	EnableRetry(enabled bool)

	// RetryEnabled reports the current retry mode.
	RetryEnabled() bool

	// State returns the lifecycle state of the current connection.
	State() State

	// Stats returns current statistics.
	Stats() ManagerStats
}

// liveConn is one connection and everything scoped to it.
type liveConn struct {
	id         string
	client     Client
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	closed     chan struct{} // closed after teardown
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	router *router.Router
	retry  *retry.Queue

	retryEnabled atomic.Bool
	retryRunning atomic.Bool
	logins       atomic.Int64

	newClient func(ClientConfig, *slog.Logger) Client

	// loginMu serializes Login calls.
	loginMu sync.Mutex

	mu    sync.Mutex
	state State
	live  *liveConn

	wg sync.WaitGroup
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:       cfg,
		logger:    logger,
		newClient: NewClient,
	}
	m.router = router.New(cfg.Router, m, logger)
	m.retry = retry.New(cfg.Retry, m, logger)
	m.retryEnabled.Store(cfg.RetryEnabled)
	return m
}

// Start launches the retry worker.
func (m *manager) Start(ctx context.Context) error {
	if err := m.retry.Start(ctx); err != nil {
		return err
	}
	m.retryRunning.Store(true)
	m.logger.Info("connection manager started", "retry_enabled", m.RetryEnabled())
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	if err := m.closeLive(ctx); err != nil {
		m.logger.Warn("connection teardown timed out", "error", err)
	}

	m.retryRunning.Store(false)
	if err := m.retry.Stop(ctx); err != nil {
		m.logger.Warn("retry queue stop timed out", "error", err)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	m.router.Close()
	m.logger.Info("connection manager stopped")
	return nil
}

// Login closes any existing connection, then dials and authenticates.
func (m *manager) Login(ctx context.Context, rawCredential string) (*protocol.Response, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	if err := m.closeLive(ctx); err != nil {
		return nil, err
	}

	cred, err := credential.Parse(rawCredential)
	if err != nil {
		return nil, err
	}

	m.setState(StateConnecting)

	id := uuid.NewString()
	logger := m.logger.With("conn_id", id)

	ccfg := m.cfg.Client
	ccfg.URL = cred.Endpoint()
	c := m.newClient(ccfg, logger)

	if err := c.Connect(ctx); err != nil {
		m.setState(StateClosed)
		logger.Warn("connect failed", "url", ccfg.URL, "error", err)
		return nil, &protocol.Error{Kind: protocol.KindConnectionClosed, Message: "connect " + ccfg.URL, Err: err}
	}

	lc := &liveConn{
		id:     id,
		client: c,
		logger: logger,
		closed: make(chan struct{}),
	}
	lc.dispatcher = dispatch.New(c, dispatch.Options{
		Deferrer: m,
		OnExhausted: func(perr *protocol.Error) {
			m.router.Emit(router.Event{Name: router.TopicOutOfFuel, ConnID: id, Err: perr})
		},
	}, logger)

	m.mu.Lock()
	m.live = lc
	m.state = StateAwaitingAuth
	m.mu.Unlock()
	m.logins.Add(1)

	m.wg.Add(1)
	go m.run(lc)

	logger.Info("connection open", "host", cred.Host)
	m.router.Emit(router.Event{Name: router.TopicOpen, ConnID: id})

	resp, err := lc.dispatcher.Request(ctx, protocol.Payload{
		protocol.FieldAction: protocol.ActionAuthenticate,
		protocol.FieldToken:  cred.Token,
	})
	if err != nil {
		logger.Warn("authentication failed", "error", err)
		if cerr := m.closeConn(ctx, lc); cerr != nil {
			logger.Debug("teardown still running", "error", cerr)
		}
		return nil, err
	}

	m.mu.Lock()
	if m.live == lc {
		m.state = StateAuthenticated
	}
	m.mu.Unlock()

	logger.Info("authenticated")
	return resp, nil
}

// Close closes the current connection. Pending requests are rejected with
// a "connection closed" error.
func (m *manager) Close() error {
	return m.closeLive(context.Background())
}

// Request sends payload on the current connection.
func (m *manager) Request(ctx context.Context, payload protocol.Payload) (*protocol.Response, error) {
	lc := m.current()
	if lc == nil {
		return nil, protocol.ConnectionClosed("no open connection")
	}
	return lc.dispatcher.Request(ctx, payload)
}

// RespondToTransaction answers a transaction identified by its server token.
func (m *manager) RespondToTransaction(ctx context.Context, token protocol.Token, accept bool) (*protocol.Response, error) {
	return m.Request(ctx, protocol.Payload{
		protocol.FieldAction:     protocol.ActionTransactResponse,
		protocol.FieldQueryNonce: string(token),
		protocol.FieldAccept:     accept,
	})
}

// Subscribe returns a pull subscription to the named events.
func (m *manager) Subscribe(names ...string) *router.Subscription {
	return m.router.Subscribe(names...)
}

// On registers fn for the named event.
func (m *manager) On(name string, fn func(router.Event)) func() {
	return m.router.On(name, fn)
}

// EnableRetry turns retry mode on or off. Requests already deferred stay
// queued either way.
func (m *manager) EnableRetry(enabled bool) {
	if m.retryEnabled.Swap(enabled) != enabled {
		m.logger.Info("retry mode changed", "enabled", enabled)
	}
}

// RetryEnabled reports the current retry mode.
func (m *manager) RetryEnabled() bool {
	return m.retryEnabled.Load()
}

// State returns the current lifecycle state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := ManagerStats{State: m.state}
	lc := m.live
	m.mu.Unlock()

	if lc != nil {
		stats.ConnID = lc.id
		stats.Connected = lc.client.IsConnected()
		stats.PendingRequests = lc.dispatcher.Pending()
	}
	stats.Logins = m.logins.Load()
	stats.RetryEnabled = m.RetryEnabled()
	stats.Retry = m.retry.Stats()
	stats.Router = m.router.Stats()
	return stats
}

// Defer implements dispatch.Deferrer. It declines when retry mode is off
// or the retry worker is not running.
func (m *manager) Defer(payload protocol.Payload, reply chan<- dispatch.Outcome) bool {
	if !m.retryEnabled.Load() || !m.retryRunning.Load() {
		return false
	}
	return m.retry.Defer(payload, reply)
}

// Resubmit implements retry.Resubmitter using whichever connection is
// current at the time of the retry.
func (m *manager) Resubmit(payload protocol.Payload, reply chan<- dispatch.Outcome) (<-chan struct{}, error) {
	lc := m.current()
	if lc == nil {
		return nil, protocol.ConnectionClosed("no open connection")
	}
	return lc.dispatcher.Submit(payload, reply)
}

func (m *manager) current() *liveConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// closeLive closes the current connection and waits for its teardown or
// for ctx to end.
func (m *manager) closeLive(ctx context.Context) error {
	if lc := m.current(); lc != nil {
		return m.closeConn(ctx, lc)
	}
	return nil
}

// closeConn closes lc and waits for its teardown. Giving up on ctx leaves
// the teardown running in the background.
func (m *manager) closeConn(ctx context.Context, lc *liveConn) error {
	if err := lc.client.Close(); err != nil {
		lc.logger.Debug("close error", "error", err)
	}
	select {
	case <-lc.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run feeds one connection's frames to its dispatcher and the router until
// the connection is gone.
func (m *manager) run(lc *liveConn) {
	defer m.wg.Done()

	for {
		select {
		case msg := <-lc.client.Messages():
			m.handleFrame(lc, msg)

		case err := <-lc.client.Errors():
			m.handleError(lc, err)

		case <-lc.client.Done():
			// The reader has exited; whatever is buffered is final.
		drain:
			for {
				select {
				case msg := <-lc.client.Messages():
					m.handleFrame(lc, msg)
				case err := <-lc.client.Errors():
					m.handleError(lc, err)
				default:
					break drain
				}
			}
			m.teardown(lc)
			return
		}
	}
}

func (m *manager) handleFrame(lc *liveConn, msg TimestampedMessage) {
	env, err := protocol.Decode(msg.Data)
	if err != nil {
		m.router.RecordParseError(lc.id, err)
		return
	}

	// A frame that answers a request may also carry an event marker; it is
	// routed as well in that case.
	if !lc.dispatcher.Resolve(env) || env.HasMarker() {
		m.router.Route(lc.id, env, msg.ReceivedAt)
	}
}

func (m *manager) handleError(lc *liveConn, err error) {
	lc.logger.Warn("connection error", "error", err)
	m.router.Emit(router.Event{Name: router.TopicError, ConnID: lc.id, Err: err})
}

// teardown rejects everything pending on lc and announces the close.
func (m *manager) teardown(lc *liveConn) {
	m.mu.Lock()
	if m.live == lc {
		m.live = nil
		m.state = StateClosed
	}
	m.mu.Unlock()

	rejected := lc.dispatcher.CloseAll()
	lc.logger.Info("connection closed", "rejected", rejected)

	m.router.Emit(router.Event{Name: router.TopicClose, ConnID: lc.id})
	close(lc.closed)
}
