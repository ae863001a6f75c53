package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/structlink/internal/protocol"
	"github.com/rickgao/structlink/internal/router"
)

// fakeDB records every batch and answers each statement with tag.
type fakeDB struct {
	mu      sync.Mutex
	batches []*pgx.Batch
	tag     string
	err     error
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	tag := f.tag
	if tag == "" {
		tag = "INSERT 0 1"
	}
	return &fakeResults{tag: tag, err: f.err}
}

func (f *fakeDB) queued() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pgx.QueuedQuery
	for _, b := range f.batches {
		out = append(out, b.QueuedQueries...)
	}
	return out
}

type fakeResults struct {
	tag string
	err error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag(r.tag), nil
}
func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row          { return nil }
func (r *fakeResults) Close() error               { return nil }

type fakeExecer struct {
	stmts []string
	err   error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.stmts = append(f.stmts, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.err
}

func routeFrame(t *testing.T, r *router.Router, frame string) {
	t.Helper()
	env, err := protocol.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("decode %s: %v", frame, err)
	}
	r.Route("conn-1", env, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTransform(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("block update", func(t *testing.T) {
		row := transform(router.Event{
			Name:       router.TopicBlockUpdate,
			ConnID:     "conn-1",
			ReceivedAt: received,
			Cause:      "player",
			Position:   &protocol.Position{X: 4, Y: 70, Z: -2},
			Block:      &protocol.Block{Name: "minecraft:chest"},
		})
		if row.ReceivedAt != received.UnixMicro() {
			t.Errorf("ReceivedAt = %d, want %d", row.ReceivedAt, received.UnixMicro())
		}
		if row.X == nil || *row.X != 4 || *row.Z != -2 {
			t.Errorf("position not copied: %+v", row)
		}
		if row.Block == nil || *row.Block != "minecraft:chest" {
			t.Errorf("Block = %v", row.Block)
		}
		if row.Token != nil || row.Amount != nil {
			t.Error("transaction columns should be NULL")
		}
	})

	t.Run("transaction", func(t *testing.T) {
		row := transform(router.Event{
			Name:        router.TopicTransact,
			ReceivedAt:  received,
			Transaction: &router.Transaction{Token: "17", Player: "Steve", Amount: 3},
		})
		if row.Token == nil || *row.Token != "17" {
			t.Errorf("Token = %v", row.Token)
		}
		if row.Player == nil || *row.Player != "Steve" || *row.Amount != 3 {
			t.Errorf("row = %+v", row)
		}
		if row.X != nil || row.Block != nil || row.Raw != nil {
			t.Error("position, block and raw should be NULL")
		}
	})

	t.Run("unique ids", func(t *testing.T) {
		a := transform(router.Event{Name: router.TopicTransact})
		b := transform(router.Event{Name: router.TopicTransact})
		if a.EventID == b.EventID {
			t.Error("rows share an event id")
		}
	})
}

func TestRecorder_FlushOnBatchSize(t *testing.T) {
	r := router.New(router.DefaultConfig(), nil, nil)
	defer r.Close()

	db := &fakeDB{}
	rec := New(Config{Instance: "test", BatchSize: 2, FlushInterval: time.Hour}, r, db, nil)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	routeFrame(t, r, `{"type":"block update","x":1,"y":2,"z":3,"block":"minecraft:stone","cause":"piston"}`)
	routeFrame(t, r, `{"type":"transact","queryNonce":"9","query":"buy","amount":2,"player":"Alex","playerUUID":"u-1"}`)
	// Not journaled.
	routeFrame(t, r, `{"event":"tick"}`)

	waitFor(t, func() bool { return rec.Stats().Flushes == 1 })

	q := db.queued()
	if len(q) != 2 {
		t.Fatalf("queued %d statements, want 2", len(q))
	}
	if q[0].Arguments[1] != "test" || q[0].Arguments[3] != router.TopicBlockUpdate {
		t.Errorf("first row args = %v", q[0].Arguments)
	}
	if q[1].Arguments[3] != router.TopicTransact {
		t.Errorf("second row name = %v", q[1].Arguments[3])
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rec.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	stats := rec.Stats()
	if stats.Received != 2 || stats.Inserts != 2 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRecorder_FlushOnStop(t *testing.T) {
	r := router.New(router.DefaultConfig(), nil, nil)
	defer r.Close()

	db := &fakeDB{}
	rec := New(Config{BatchSize: 100, FlushInterval: time.Hour}, r, db, nil)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	routeFrame(t, r, `{"type":"block update","x":0,"y":0,"z":0}`)
	waitFor(t, func() bool { return rec.Stats().Received == 1 })

	if len(db.queued()) != 0 {
		t.Fatal("flushed before the batch was full")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rec.Stop(stopCtx)

	if len(db.queued()) != 1 {
		t.Errorf("queued %d statements after Stop, want 1", len(db.queued()))
	}
}

func TestRecorder_FlushOnInterval(t *testing.T) {
	r := router.New(router.DefaultConfig(), nil, nil)
	defer r.Close()

	db := &fakeDB{}
	rec := New(Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, r, db, nil)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer rec.Stop(context.Background())

	routeFrame(t, r, `{"type":"block update","x":0,"y":0,"z":0}`)
	waitFor(t, func() bool { return rec.Stats().Flushes >= 1 })
}

func TestRecorder_Conflicts(t *testing.T) {
	db := &fakeDB{tag: "INSERT 0 0"}
	rec := New(Config{BatchSize: 10, FlushInterval: time.Hour}, nil, db, nil)

	rec.handleEvent(router.Event{Name: router.TopicTransact})
	rec.flush(context.Background())

	stats := rec.Stats()
	if stats.Conflicts != 1 || stats.Inserts != 0 {
		t.Errorf("stats = %+v, want one conflict", stats)
	}
}

func TestRecorder_InsertError(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	rec := New(Config{BatchSize: 10, FlushInterval: time.Hour}, nil, db, nil)

	rec.handleEvent(router.Event{Name: router.TopicBlockUpdate})
	rec.flush(context.Background())

	stats := rec.Stats()
	if stats.Errors != 1 || stats.Flushes != 0 {
		t.Errorf("stats = %+v, want one error", stats)
	}
}

func TestRecorder_Defaults(t *testing.T) {
	rec := New(Config{}, nil, &fakeDB{}, nil)
	if rec.cfg.BatchSize != DefaultConfig().BatchSize {
		t.Errorf("BatchSize = %d", rec.cfg.BatchSize)
	}
	if rec.cfg.FlushInterval != DefaultConfig().FlushInterval {
		t.Errorf("FlushInterval = %v", rec.cfg.FlushInterval)
	}
}

func TestEnsureSchema(t *testing.T) {
	ex := &fakeExecer{}
	if err := EnsureSchema(context.Background(), ex); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(ex.stmts) != len(schema) {
		t.Errorf("executed %d statements, want %d", len(ex.stmts), len(schema))
	}

	ex = &fakeExecer{err: errors.New("permission denied")}
	if err := EnsureSchema(context.Background(), ex); err == nil {
		t.Error("expected error")
	}
}
