package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one audited routing decision: the admission outcome plus, when
// dispatch happened, the served model, instance, and result.
type Record struct {
	RequestID      string
	Identity       string
	RateClass      string
	RequestedModel string
	ServedModel    string
	InstanceID     string
	ExperimentID   string
	Allowed        bool
	Success        bool
	LatencyMs      int64
	ErrorDetail    string
	CreatedAt      time.Time
}

// Writer persists records to the usage_logs table asynchronously. The request
// path never blocks on the database: when the buffer is full the record is
// dropped and counted.
type Writer struct {
	db      *pgxpool.Pool
	ch      chan Record
	dropped atomic.Uint64
	wg      sync.WaitGroup

	closeOnce sync.Once
}

const insertTimeout = 5 * time.Second

// NewWriter starts the background writer. A nil pool disables persistence;
// records are counted as dropped so the condition is visible in stats.
func NewWriter(db *pgxpool.Pool, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 1024
	}
	w := &Writer{
		db: db,
		ch: make(chan Record, buffer),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Record enqueues a record without blocking.
func (w *Writer) Record(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	select {
	case w.ch <- rec:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns how many records were lost to backpressure.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Close stops the writer after draining buffered records.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.ch) })
	w.wg.Wait()
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for rec := range w.ch {
		if w.db == nil {
			w.dropped.Add(1)
			continue
		}
		if err := w.insert(rec); err != nil {
			w.dropped.Add(1)
			slog.Error("usage log insert failed", "request_id", rec.RequestID, "error", err)
		}
	}
}

func (w *Writer) insert(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	_, err := w.db.Exec(ctx, `
		INSERT INTO usage_logs (
			request_id, identity, rate_class, requested_model, served_model,
			instance_id, experiment_id, allowed, success, latency_ms,
			error_detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.RequestID, rec.Identity, rec.RateClass, rec.RequestedModel, rec.ServedModel,
		nullable(rec.InstanceID), nullable(rec.ExperimentID), rec.Allowed, rec.Success,
		rec.LatencyMs, nullable(rec.ErrorDetail), rec.CreatedAt)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
