package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexmeter/price-indexer/internal/domain/model"
	"github.com/dexmeter/price-indexer/internal/pipeline/retry"
	"github.com/dexmeter/price-indexer/internal/provider/analytics"
)

type creationCall struct {
	from, to time.Time
	offset   int
}

type fakeSource struct {
	calls []creationCall
	fn    func(from, to time.Time, offset int) ([]analytics.TokenCreation, error)
}

func (f *fakeSource) TokenCreations(_ context.Context, _ string, from, to time.Time, _, offset int) ([]analytics.TokenCreation, error) {
	f.calls = append(f.calls, creationCall{from: from, to: to, offset: offset})
	return f.fn(from, to, offset)
}

type tokenTriple struct {
	address string
	network string
	created time.Time
}

type fakeTokenRepo struct {
	rows       map[tokenTriple]*model.DiscoveredToken
	latest     *time.Time
	upsertErr  error
	latestErr  error
	upsertCall int
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{rows: make(map[tokenTriple]*model.DiscoveredToken)}
}

func (f *fakeTokenRepo) BulkUpsert(_ context.Context, tokens []*model.DiscoveredToken) (int, error) {
	f.upsertCall++
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	inserted := 0
	for _, t := range tokens {
		key := tokenTriple{t.Address, t.Network, t.CreatedAt}
		if _, ok := f.rows[key]; ok {
			continue
		}
		f.rows[key] = t
		inserted++
	}
	return inserted, nil
}

func (f *fakeTokenRepo) LatestCreatedAt(_ context.Context, _ string) (*time.Time, error) {
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	return f.latest, nil
}

type fakeCheckpoints struct {
	heights map[string]int64
}

func (f *fakeCheckpoints) Get(_ context.Context, key string) (*model.Checkpoint, error) {
	h, ok := f.heights[key]
	if !ok {
		return nil, nil
	}
	return &model.Checkpoint{TaskKey: key, Height: h}, nil
}

func (f *fakeCheckpoints) Advance(_ context.Context, key string, height int64) error {
	f.heights[key] = height
	return nil
}

func tokensAt(count int, base time.Time) []analytics.TokenCreation {
	out := make([]analytics.TokenCreation, count)
	for i := range out {
		out[i] = analytics.TokenCreation{
			Address:   fmt.Sprintf("0x%040d", i),
			Network:   "sei",
			Symbol:    fmt.Sprintf("TK%d", i),
			Decimals:  18,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func newIngestor(source TokenSource, repo *fakeTokenRepo, cps *fakeCheckpoints, now time.Time) *Ingestor {
	ing := NewIngestor(source, repo, cps,
		retry.Policy{
			MaxAttempts: 3,
			SleepFn:     func(context.Context, time.Duration) error { return nil },
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	ing.nowFn = func() time.Time { return now }
	return ing
}

func TestRun_EmptyNetworkStartsAtDefault(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{fn: func(time.Time, time.Time, int) ([]analytics.TokenCreation, error) {
		return nil, nil
	}}
	repo := newFakeTokenRepo()
	cps := &fakeCheckpoints{heights: make(map[string]int64)}

	err := newIngestor(source, repo, cps, now).Run(context.Background(), "sei")

	require.NoError(t, err)
	require.NotEmpty(t, source.calls)
	assert.True(t, source.calls[0].from.Equal(defaultStart), "first window starts at the fixed default")
	assert.Equal(t, now.Unix(), cps.heights[model.DiscoveryKey("sei")], "checkpoint caught up to now")
}

func TestRun_WatermarkLagsLatestStoredByOneDay(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	latest := now.Add(-3 * 24 * time.Hour)
	source := &fakeSource{fn: func(time.Time, time.Time, int) ([]analytics.TokenCreation, error) {
		return nil, nil
	}}
	repo := newFakeTokenRepo()
	repo.latest = &latest
	cps := &fakeCheckpoints{heights: make(map[string]int64)}

	err := newIngestor(source, repo, cps, now).Run(context.Background(), "sei")

	require.NoError(t, err)
	require.NotEmpty(t, source.calls)
	assert.True(t, source.calls[0].from.Equal(latest.Add(-24*time.Hour)))
}

func TestRun_PaginatesUntilShortPage(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	latest := now.Add(-25 * time.Hour)
	base := now.Add(-12 * time.Hour)
	source := &fakeSource{fn: func(_, _ time.Time, offset int) ([]analytics.TokenCreation, error) {
		switch offset {
		case 0:
			return tokensAt(pageSize, base), nil
		case pageSize:
			return tokensAt(7, base.Add(time.Hour)), nil
		default:
			return nil, nil
		}
	}}
	repo := newFakeTokenRepo()
	repo.latest = &latest
	cps := &fakeCheckpoints{heights: make(map[string]int64)}

	err := newIngestor(source, repo, cps, now).Run(context.Background(), "sei")

	require.NoError(t, err)
	assert.Len(t, source.calls, 2, "short second page ends the window")
	assert.Len(t, repo.rows, pageSize+7)
}

func TestRun_HalvesWindowOnPaginationCap(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	latest := now.Add(-4 * 24 * time.Hour)
	// Windows wider than 36h always trip the cap; narrower ones succeed.
	source := &fakeSource{fn: func(from, to time.Time, _ int) ([]analytics.TokenCreation, error) {
		if to.Sub(from) > 36*time.Hour {
			return nil, analytics.ErrPaginationCap
		}
		return tokensAt(3, from), nil
	}}
	repo := newFakeTokenRepo()
	repo.latest = &latest
	cps := &fakeCheckpoints{heights: make(map[string]int64)}

	err := newIngestor(source, repo, cps, now).Run(context.Background(), "sei")

	require.NoError(t, err, "halving must converge instead of failing")
	assert.Equal(t, now.Unix(), cps.heights[model.DiscoveryKey("sei")])
	for _, call := range source.calls {
		if call.to.Equal(now) {
			continue // final window is clamped to now
		}
		assert.GreaterOrEqual(t, call.to.Sub(call.from), minWindow,
			"window must never shrink below one day")
	}
	assert.NotEmpty(t, repo.rows)
}

func TestRun_AdvancesPastCapAtMinimumWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	latest := now.Add(-3 * 24 * time.Hour)
	// The cap fires for every window regardless of size; ingestion still has
	// to terminate instead of halving forever.
	source := &fakeSource{fn: func(_, _ time.Time, offset int) ([]analytics.TokenCreation, error) {
		return nil, analytics.ErrPaginationCap
	}}
	repo := newFakeTokenRepo()
	repo.latest = &latest
	cps := &fakeCheckpoints{heights: make(map[string]int64)}

	err := newIngestor(source, repo, cps, now).Run(context.Background(), "sei")

	require.NoError(t, err)
	assert.Equal(t, now.Unix(), cps.heights[model.DiscoveryKey("sei")])
}

func TestRun_RetriesTransientProviderFailure(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	latest := now.Add(-25 * time.Hour)
	failures := 2
	source := &fakeSource{fn: func(from, _ time.Time, offset int) ([]analytics.TokenCreation, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("http status 503")
		}
		return tokensAt(1, from), nil
	}}
	repo := newFakeTokenRepo()
	repo.latest = &latest
	cps := &fakeCheckpoints{heights: make(map[string]int64)}

	err := newIngestor(source, repo, cps, now).Run(context.Background(), "sei")

	require.NoError(t, err)
	assert.Len(t, repo.rows, 1)
}

func TestRun_TerminalProviderFailureAborts(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	latest := now.Add(-25 * time.Hour)
	source := &fakeSource{fn: func(time.Time, time.Time, int) ([]analytics.TokenCreation, error) {
		return nil, errors.New("unauthorized")
	}}
	repo := newFakeTokenRepo()
	repo.latest = &latest
	cps := &fakeCheckpoints{heights: make(map[string]int64)}

	err := newIngestor(source, repo, cps, now).Run(context.Background(), "sei")

	require.Error(t, err)
	assert.Len(t, source.calls, 1, "terminal errors are not retried")
	assert.Empty(t, cps.heights, "checkpoint untouched on failure")
}

func TestRun_StoreFailureAbortsBeforeCheckpoint(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	latest := now.Add(-25 * time.Hour)
	source := &fakeSource{fn: func(from, _ time.Time, _ int) ([]analytics.TokenCreation, error) {
		return tokensAt(1, from), nil
	}}
	repo := newFakeTokenRepo()
	repo.latest = &latest
	repo.upsertErr = errors.New("constraint violation")
	cps := &fakeCheckpoints{heights: make(map[string]int64)}

	err := newIngestor(source, repo, cps, now).Run(context.Background(), "sei")

	require.Error(t, err)
	assert.Empty(t, cps.heights)
}

func TestRun_ReingestingSameWindowIsIdempotent(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	latest := now.Add(-25 * time.Hour)
	base := now.Add(-12 * time.Hour)
	source := &fakeSource{fn: func(time.Time, time.Time, int) ([]analytics.TokenCreation, error) {
		return tokensAt(5, base), nil
	}}
	repo := newFakeTokenRepo()
	repo.latest = &latest
	cps := &fakeCheckpoints{heights: make(map[string]int64)}
	ing := newIngestor(source, repo, cps, now)

	require.NoError(t, ing.Run(context.Background(), "sei"))
	require.NoError(t, ing.Run(context.Background(), "sei"))

	assert.Len(t, repo.rows, 5, "second run re-inserts nothing")
}
