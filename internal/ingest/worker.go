package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/model"
	"github.com/riftstats/pipeline/internal/resilience"
)

// WorkerConfig tunes batching in the channel worker.
type WorkerConfig struct {
	// MaxRows flushes the buffer when it reaches this many records.
	MaxRows int
	// MaxBytes flushes the buffer when its serialized size reaches this
	// budget, so a few outsized records cannot balloon one store write.
	MaxBytes int
	// FlushInterval flushes a non-empty buffer after this long regardless
	// of size.
	FlushInterval time.Duration
	// ShutdownGrace bounds the final flush after cancellation.
	ShutdownGrace time.Duration
	// Retry bounds re-attempts of a failed batch write. Records are never
	// dropped: past the budget the worker terminates with the error.
	Retry resilience.RetryConfig
}

// Worker drains the collectors' record channel into batched Ingest calls.
// On shutdown it flushes whatever is buffered before returning.
type Worker struct {
	ingester *Ingester
	cfg      WorkerConfig
}

// NewWorker creates a batching worker around the ingester.
func NewWorker(ingester *Ingester, cfg WorkerConfig) *Worker {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 4 << 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.ShouldRetry == nil {
		// Store write failures are retried regardless of classification;
		// the batch has nowhere else to go.
		cfg.Retry.ShouldRetry = func(error) bool { return true }
	}
	return &Worker{ingester: ingester, cfg: cfg}
}

// Run consumes records until the channel closes or the context is canceled.
func (w *Worker) Run(ctx context.Context, records <-chan model.NormalizedRecord) error {
	buf := make([]model.NormalizedRecord, 0, w.cfg.MaxRows)
	bufBytes := 0
	timer := time.NewTimer(w.cfg.FlushInterval)
	defer timer.Stop()

	// flush commits the buffer, retrying up to the budget. A batch that
	// still fails afterward is fatal: the collectors' cursors have moved
	// past these records, so dropping them would lose data for good.
	flush := func(fctx context.Context) error {
		if len(buf) == 0 {
			return nil
		}
		var report *Report
		err := resilience.Do(fctx, w.cfg.Retry, func(ctx context.Context) error {
			var ierr error
			report, ierr = w.ingester.Ingest(ctx, buf)
			return ierr
		})
		if err != nil {
			return eris.Wrapf(err, "ingest: flush of %d records", len(buf))
		}
		zap.L().Info("ingest batch committed",
			zap.Int("committed", report.Committed),
			zap.Int("quarantined", report.Quarantined),
			zap.Int("corrected", report.Corrected),
			zap.Int("retracted", report.Retracted),
			zap.Int("skipped", report.Skipped),
		)
		buf = buf[:0]
		bufBytes = 0
		return nil
	}

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return flush(ctx)
			}
			buf = append(buf, rec)
			bufBytes += recordSize(&rec)
			if len(buf) >= w.cfg.MaxRows || bufBytes >= w.cfg.MaxBytes {
				if err := flush(ctx); err != nil {
					return err
				}
				timer.Reset(w.cfg.FlushInterval)
			}
		case <-timer.C:
			if err := flush(ctx); err != nil {
				return err
			}
			timer.Reset(w.cfg.FlushInterval)
		case <-ctx.Done():
			// Final flush runs on its own deadline so buffered records
			// survive shutdown.
			flushCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownGrace)
			if err := flush(flushCtx); err != nil {
				zap.L().Error("final flush failed", zap.Error(err))
			}
			cancel()
			return ctx.Err()
		}
	}
}

// recordSize is the record's serialized size, the same shape the staging
// files carry.
func recordSize(rec *model.NormalizedRecord) int {
	b, err := json.Marshal(rec)
	if err != nil {
		return 0
	}
	return len(b)
}
