package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/structlink/internal/router"
)

// Config holds configuration for the Recorder.
type Config struct {
	// Instance tags every row with the client that recorded it.
	Instance string

	BatchSize     int           // Default: 500
	FlushInterval time.Duration // Default: 1s
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// DB sends batched statements. *pgxpool.Pool satisfies it.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Source hands out event subscriptions. The connection manager and the
// router both satisfy it.
type Source interface {
	Subscribe(names ...string) *router.Subscription
}

// Stats contains runtime statistics.
type Stats struct {
	Received  int64 `json:"received"`
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
}

// Recorder writes block updates and transactions to structure_events.
type Recorder struct {
	cfg    Config
	source Source
	db     DB
	logger *slog.Logger

	sub *router.Subscription

	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats
}

// eventRow is one structure_events row. Nil pointers are stored as NULL.
type eventRow struct {
	EventID    uuid.UUID
	ConnID     string
	Name       string
	ReceivedAt int64 // unix microseconds
	X, Y, Z    *int
	Block      *string
	Cause      *string
	Token      *string
	Player     *string
	Amount     *float64
	Raw        *string
}

// New creates a Recorder.
func New(cfg Config, source Source, db DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Recorder{
		cfg:    cfg,
		source: source,
		db:     db,
		logger: logger.With("component", "journal"),
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Start subscribes to the recorded events and begins writing them.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.sub = r.source.Subscribe(router.TopicBlockUpdate, router.TopicTransact)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(2)
	go r.consumeLoop()
	go r.flushLoop()

	r.logger.Info("journal started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop ends the subscription and flushes what is left using ctx.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping journal")

	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("journal stop timed out")
	}

	r.flush(ctx)
	r.logger.Info("journal stopped")
	return nil
}

// Stats returns current statistics.
func (r *Recorder) Stats() Stats {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.stats
}

func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		ev, err := r.sub.Next(r.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, router.ErrClosed) {
				r.logger.Warn("journal subscription ended", "error", err)
			}
			return
		}
		r.handleEvent(ev)
	}
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush(r.ctx)
		}
	}
}

func (r *Recorder) handleEvent(ev router.Event) {
	row := transform(ev)

	r.batchMu.Lock()
	r.stats.Received++
	r.batch = append(r.batch, row)
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush(r.ctx)
	}
}

func transform(ev router.Event) eventRow {
	row := eventRow{
		EventID:    uuid.New(),
		ConnID:     ev.ConnID,
		Name:       ev.Name,
		ReceivedAt: ev.ReceivedAt.UnixMicro(),
	}
	if ev.Position != nil {
		x, y, z := ev.Position.X, ev.Position.Y, ev.Position.Z
		row.X, row.Y, row.Z = &x, &y, &z
	}
	if ev.Block != nil && ev.Block.Name != "" {
		row.Block = &ev.Block.Name
	}
	if ev.Cause != "" {
		cause := ev.Cause
		row.Cause = &cause
	}
	if tx := ev.Transaction; tx != nil {
		token := string(tx.Token)
		player := tx.Player
		amount := tx.Amount
		row.Token, row.Player, row.Amount = &token, &player, &amount
	}
	if len(ev.Raw) > 0 {
		raw := string(ev.Raw)
		row.Raw = &raw
	}
	return row
}

func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}
	batch := r.batch
	r.batch = make([]eventRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(ctx, batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.stats.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.stats.Inserts += int64(len(batch) - conflicts)
	r.stats.Conflicts += int64(conflicts)
	r.stats.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

const insertEvent = `
	INSERT INTO structure_events
		(event_id, instance, conn_id, name, received_at, x, y, z, block, cause, token, player, amount, raw)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb)
	ON CONFLICT (event_id) DO NOTHING
`

func (r *Recorder) batchInsert(ctx context.Context, rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, e := range rows {
		batch.Queue(insertEvent,
			e.EventID, r.cfg.Instance, e.ConnID, e.Name, e.ReceivedAt,
			e.X, e.Y, e.Z, e.Block, e.Cause, e.Token, e.Player, e.Amount, e.Raw,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
