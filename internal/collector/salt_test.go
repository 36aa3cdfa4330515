package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftstats/pipeline/internal/model"
	"github.com/riftstats/pipeline/pkg/gameapi"
)

type fakeSaltResolver struct {
	mu    sync.Mutex
	salts map[uint64]*model.SaltRecord
	errs  map[uint64]error
	calls map[uint64]int
}

func (f *fakeSaltResolver) MatchSalts(_ context.Context, matchID uint64) (*model.SaltRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[uint64]int)
	}
	f.calls[matchID]++
	if err, ok := f.errs[matchID]; ok {
		return nil, err
	}
	return f.salts[matchID], nil
}

type fakeSaltBacklog struct {
	ids []uint64
}

func (f *fakeSaltBacklog) MatchIDsMissingSalts(context.Context, int) ([]uint64, error) {
	return f.ids, nil
}

func TestSaltCollector_EmitsResolvedSalts(t *testing.T) {
	api := &fakeSaltResolver{salts: map[uint64]*model.SaltRecord{
		42: {MatchID: 42, ClusterID: 155, MetadataSalt: 99887, ReplaySalt: 11223},
	}}
	backlog := &fakeSaltBacklog{ids: []uint64{42}}
	out := make(chan model.NormalizedRecord, 16)

	c := NewSalt(api, backlog, out, SaltCollectorConfig{MaxFailures: 3})
	require.NoError(t, c.Poll(context.Background()))

	records := drain(out)
	require.Len(t, records, 1)
	assert.Equal(t, model.KindSalt, records[0].Kind)
	assert.Equal(t, uint32(99887), records[0].Salt.MetadataSalt)
	assert.False(t, records[0].Salt.Failed)
}

func TestSaltCollector_RetryDelayGatesAttempts(t *testing.T) {
	now := time.Unix(1700000000, 0)
	api := &fakeSaltResolver{errs: map[uint64]error{42: gameapi.ErrSaltsUnavailable}}
	backlog := &fakeSaltBacklog{ids: []uint64{42}}
	out := make(chan model.NormalizedRecord, 16)

	c := NewSalt(api, backlog, out, SaltCollectorConfig{
		MaxFailures: 30,
		RetryDelay:  36 * time.Second,
	})
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Poll(ctx))
	assert.Equal(t, 1, api.calls[42])

	// Still cooling down: no second attempt.
	require.NoError(t, c.Poll(ctx))
	assert.Equal(t, 1, api.calls[42])

	now = now.Add(40 * time.Second)
	require.NoError(t, c.Poll(ctx))
	assert.Equal(t, 2, api.calls[42])
	assert.Empty(t, drain(out))
}

func TestSaltCollector_ExhaustedBudgetEmitsTerminalFailure(t *testing.T) {
	now := time.Unix(1700000000, 0)
	api := &fakeSaltResolver{errs: map[uint64]error{42: gameapi.ErrSaltsUnavailable}}
	backlog := &fakeSaltBacklog{ids: []uint64{42}}
	out := make(chan model.NormalizedRecord, 16)

	c := NewSalt(api, backlog, out, SaltCollectorConfig{MaxFailures: 3})
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Poll(ctx))
		now = now.Add(time.Minute)
		c.now = func() time.Time { return now }
	}

	records := drain(out)
	require.Len(t, records, 1)
	assert.Equal(t, model.KindSalt, records[0].Kind)
	assert.True(t, records[0].Salt.Failed)
	assert.Equal(t, uint64(42), records[0].Salt.MatchID)
	assert.Equal(t, 3, api.calls[42])

	// Budget spent: the match is left to the terminal marker, no retry.
	require.NoError(t, c.Poll(ctx))
	assert.Equal(t, 4, api.calls[42], "backlog still lists it until ingestion commits the marker")
}

func TestSaltCollector_SuccessResetsFailureCount(t *testing.T) {
	now := time.Unix(1700000000, 0)
	api := &fakeSaltResolver{
		errs: map[uint64]error{42: gameapi.ErrSaltsUnavailable},
	}
	backlog := &fakeSaltBacklog{ids: []uint64{42}}
	out := make(chan model.NormalizedRecord, 16)

	c := NewSalt(api, backlog, out, SaltCollectorConfig{MaxFailures: 3})
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Poll(ctx))

	api.mu.Lock()
	delete(api.errs, 42)
	api.salts = map[uint64]*model.SaltRecord{42: {MatchID: 42, ClusterID: 1}}
	api.mu.Unlock()

	now = now.Add(time.Minute)
	require.NoError(t, c.Poll(ctx))

	records := drain(out)
	require.Len(t, records, 1)
	assert.False(t, records[0].Salt.Failed)
	assert.Empty(t, c.failures)
}
