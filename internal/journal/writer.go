// Package journal records cycle lifecycle events to Postgres for offline
// inspection. Writes go through a buffered channel so a slow or absent
// database never blocks the trading loop.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dn-cycle-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Event is one cycle state transition.
type Event struct {
	Time    time.Time
	CycleID string
	State   string
	Side    string
	Size    float64
	Filled  float64
	Hedged  float64
	Price   float64
	PnLUSD  float64
	Detail  string
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	events  chan Event
	started atomic.Bool
	dropped atomic.Uint64
}

// New returns nil without error when the journal is disabled; all methods
// are safe on a nil Writer.
func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		events: make(chan Event, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Enqueue buffers one event; it drops instead of blocking when full.
func (w *Writer) Enqueue(ev Event) {
	if w == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case w.events <- ev:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			w.write(ctx, ev)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	return w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id TEXT NOT NULL,
		state TEXT NOT NULL,
		side TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		filled DOUBLE PRECISION NOT NULL,
		hedged DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		pnl_usd DOUBLE PRECISION NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`, w.table("cycle_events")))
}

func (w *Writer) write(ctx context.Context, ev Event) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s
		(ts, cycle_id, state, side, size, filled, hedged, price, pnl_usd, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, w.table("cycle_events"))
	if _, err := w.db.ExecContext(writeCtx, query,
		ev.Time, ev.CycleID, ev.State, ev.Side, ev.Size, ev.Filled, ev.Hedged, ev.Price, ev.PnLUSD, ev.Detail); err != nil {
		if w.log != nil {
			w.log.Warn("journal write failed", zap.String("cycle_id", ev.CycleID), zap.Error(err))
		}
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	execCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(execCtx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
