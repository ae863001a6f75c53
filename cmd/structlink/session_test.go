package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/structlink/internal/config"
	"github.com/rickgao/structlink/internal/connection"
	"github.com/rickgao/structlink/internal/protocol"
	"github.com/rickgao/structlink/internal/router"
)

// fakeManager scripts Login results. Methods the session does not use are
// left to the embedded nil interface.
type fakeManager struct {
	connection.Manager

	mu       sync.Mutex
	results  []error
	logins   int
	connID   string
	onClose  func(router.Event)
	loggedIn chan int
}

func (f *fakeManager) Login(ctx context.Context, _ string) (*protocol.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	var err error
	if len(f.results) > 0 {
		err, f.results = f.results[0], f.results[1:]
	}
	if err == nil {
		f.connID = "conn-" + strconv.Itoa(f.logins)
	}
	select {
	case f.loggedIn <- f.logins:
	default:
	}
	if err != nil {
		return nil, err
	}
	return &protocol.Response{Nonce: "0"}, nil
}

func (f *fakeManager) On(name string, fn func(router.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == router.TopicClose {
		f.onClose = fn
	}
	return func() {}
}

func (f *fakeManager) Stats() connection.ManagerStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return connection.ManagerStats{ConnID: f.connID}
}

func (f *fakeManager) dropConnection() {
	f.mu.Lock()
	fn, id := f.onClose, f.connID
	f.mu.Unlock()
	fn(router.Event{Name: router.TopicClose, ConnID: id})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(mgr connection.Manager) *session {
	return &session{
		mgr:        mgr,
		credential: "a.b.c",
		baseDelay:  time.Millisecond,
		maxDelay:   4 * time.Millisecond,
		logger:     quietLogger(),
	}
}

func waitLogin(t *testing.T, ch <-chan int, want int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n >= want {
				return
			}
		case <-timeout:
			t.Fatalf("login %d never happened", want)
		}
	}
}

func TestSession_RetriesTransientFailures(t *testing.T) {
	mgr := &fakeManager{
		results:  []error{protocol.ConnectionClosed("dial"), protocol.NewError(protocol.KindOffline, "down")},
		loggedIn: make(chan int, 8),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestSession(mgr).run(ctx) }()

	waitLogin(t, mgr.loggedIn, 3)

	// Losing the connection triggers another login.
	mgr.dropConnection()
	waitLogin(t, mgr.loggedIn, 4)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestSession_PermanentFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid credential", protocol.NewError(protocol.KindInvalidCredential, "expected 3 segments, got 1")},
		{"rejected token", protocol.NewError(protocol.KindUnauthenticated, "bad token")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := &fakeManager{results: []error{tt.err}, loggedIn: make(chan int, 1)}
			err := newTestSession(mgr).run(context.Background())
			if !errors.Is(err, tt.err) {
				t.Errorf("run = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		d, max, want time.Duration
	}{
		{time.Second, time.Minute, 2 * time.Second},
		{40 * time.Second, time.Minute, time.Minute},
		{time.Minute, time.Minute, time.Minute},
	}
	for _, tt := range tests {
		if got := nextDelay(tt.d, tt.max); got != tt.want {
			t.Errorf("nextDelay(%v, %v) = %v, want %v", tt.d, tt.max, got, tt.want)
		}
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := &config.Config{
		Connection: config.ConnectionConfig{PingInterval: 7 * time.Second, BufferSize: 12},
		Retry:      config.RetryConfig{Enabled: true, Delay: 250 * time.Millisecond},
		Events:     config.EventsConfig{BufferSize: 9},
	}
	mc := managerConfig(cfg)
	if mc.Client.PingInterval != 7*time.Second || mc.Client.BufferSize != 12 {
		t.Errorf("client = %+v", mc.Client)
	}
	if !mc.RetryEnabled || mc.Retry.Delay != 250*time.Millisecond {
		t.Errorf("retry = %+v enabled=%v", mc.Retry, mc.RetryEnabled)
	}
	if mc.Router.BufferSize != 9 {
		t.Errorf("router = %+v", mc.Router)
	}
}

func TestPollerConfig(t *testing.T) {
	cfg := &config.Config{Poll: config.PollConfig{
		Interval:    time.Minute,
		Concurrency: 3,
		Fuel:        true,
		Positions:   []config.PositionConfig{{X: 1, Y: 2, Z: 3}},
	}}
	pc := pollerConfig(cfg)
	if pc.Interval != time.Minute || pc.Concurrency != 3 || !pc.Fuel {
		t.Errorf("poller config = %+v", pc)
	}
	if len(pc.Positions) != 1 || pc.Positions[0] != (protocol.Position{X: 1, Y: 2, Z: 3}) {
		t.Errorf("positions = %+v", pc.Positions)
	}
}

func TestLoadCredential(t *testing.T) {
	got, err := loadCredential(config.CredentialConfig{Token: "x.y.z", File: "/ignored"})
	if err != nil || got != "x.y.z" {
		t.Errorf("loadCredential = %q, %v", got, err)
	}

	_, err = loadCredential(config.CredentialConfig{File: "/nonexistent/credential"})
	if err == nil || !strings.HasPrefix(err.Error(), "load credential: ") {
		t.Errorf("err = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
