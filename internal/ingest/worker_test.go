package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftstats/pipeline/internal/model"
	"github.com/riftstats/pipeline/internal/resilience"
)

func saltRecord(matchID uint64) model.NormalizedRecord {
	return model.NormalizedRecord{
		Kind: model.KindSalt,
		Salt: &model.SaltRecord{MatchID: matchID, ClusterID: 1, MetadataSalt: 2, ReplaySalt: 3},
	}
}

func TestWorker_FlushesOnRowBudget(t *testing.T) {
	facts := &fakeFacts{}
	w := NewWorker(New(facts, &fakeMeta{}), WorkerConfig{
		MaxRows:       2,
		FlushInterval: time.Hour,
	})

	records := make(chan model.NormalizedRecord, 8)
	records <- saltRecord(1)
	records <- saltRecord(2)
	records <- saltRecord(3)
	close(records)

	require.NoError(t, w.Run(context.Background(), records))
	assert.Len(t, facts.salts, 3, "two on the row budget, one on channel close")
}

func TestWorker_FlushesOnByteBudget(t *testing.T) {
	facts := &fakeFacts{}
	w := NewWorker(New(facts, &fakeMeta{}), WorkerConfig{
		MaxRows:       1000,
		MaxBytes:      1, // every record overflows the budget
		FlushInterval: time.Hour,
	})

	records := make(chan model.NormalizedRecord, 8)
	records <- saltRecord(1)
	close(records)

	require.NoError(t, w.Run(context.Background(), records))
	assert.Len(t, facts.salts, 1)
}

func TestWorker_FinalFlushOnCancel(t *testing.T) {
	facts := &fakeFacts{}
	w := NewWorker(New(facts, &fakeMeta{}), WorkerConfig{
		MaxRows:       1000,
		FlushInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	records := make(chan model.NormalizedRecord, 8)
	records <- saltRecord(1)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, records) }()

	// Give the worker a moment to buffer the record, then shut down.
	require.Eventually(t, func() bool { return len(records) == 0 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, facts.salts, 1, "buffered record survives shutdown")
}

func TestWorker_CloseWithEmptyBufferIsClean(t *testing.T) {
	facts := &fakeFacts{}
	w := NewWorker(New(facts, &fakeMeta{}), WorkerConfig{})

	records := make(chan model.NormalizedRecord)
	close(records)

	require.NoError(t, w.Run(context.Background(), records))
	assert.Empty(t, facts.salts)
}

func fastWorkerRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		ShouldRetry:    func(error) bool { return true },
	}
}

func TestWorker_RetriesFailedFlush(t *testing.T) {
	facts := &fakeFacts{failSaltInserts: 2}
	w := NewWorker(New(facts, &fakeMeta{}), WorkerConfig{
		FlushInterval: time.Hour,
		Retry:         fastWorkerRetry(3),
	})

	records := make(chan model.NormalizedRecord, 8)
	records <- saltRecord(1)
	close(records)

	require.NoError(t, w.Run(context.Background(), records))
	assert.Equal(t, 3, facts.saltInsertCalls)
	assert.Len(t, facts.salts, 1, "the batch lands once the store recovers")
}

func TestWorker_ExhaustedRetryBudgetIsFatal(t *testing.T) {
	facts := &fakeFacts{failSaltInserts: 10}
	w := NewWorker(New(facts, &fakeMeta{}), WorkerConfig{
		MaxRows:       1,
		FlushInterval: time.Hour,
		Retry:         fastWorkerRetry(2),
	})

	records := make(chan model.NormalizedRecord, 8)
	records <- saltRecord(1)

	err := w.Run(context.Background(), records)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush of 1 records")
	assert.Equal(t, 2, facts.saltInsertCalls)
	assert.Empty(t, facts.salts, "the batch never silently disappears into a success path")
}
