package inference

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

const (
	localKnown   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	localUnknown = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	mainnetKnown = "0x1111111111111111111111111111111111111111"
	aliasAddress = "0xcccccccccccccccccccccccccccccccccccccccc"
)

type historyKey struct {
	chain model.Chain
	token string
}

type fakeHistory struct {
	mu        sync.Mutex
	points    map[historyKey][]model.PricePoint
	appendErr error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{points: make(map[historyKey][]model.PricePoint)}
}

func (f *fakeHistory) Append(ctx context.Context, p *model.PricePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	key := historyKey{p.Chain, p.TokenAddress}
	for _, existing := range f.points[key] {
		if existing.Timestamp.Equal(p.Timestamp) {
			return nil
		}
	}
	f.points[key] = append(f.points[key], *p)
	return nil
}

func (f *fakeHistory) Last(ctx context.Context, chain model.Chain, token string) (*model.PricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.points[historyKey{chain, token}]
	if len(rows) == 0 {
		return nil, nil
	}
	last := rows[len(rows)-1]
	return &last, nil
}

func (f *fakeHistory) Range(ctx context.Context, chain model.Chain, token string, from, to time.Time) ([]model.PricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PricePoint
	for _, p := range f.points[historyKey{chain, token}] {
		if !p.Timestamp.Before(from) && !p.Timestamp.After(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[historyKey]model.LatestQuote
}

func newFakeQuotes() *fakeQuotes {
	return &fakeQuotes{quotes: make(map[historyKey]model.LatestQuote)}
}

func (f *fakeQuotes) Get(ctx context.Context, chain model.Chain, token string) (*model.LatestQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[historyKey{chain, token}]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (f *fakeQuotes) Upsert(ctx context.Context, q *model.LatestQuote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[historyKey{q.Chain, q.TokenAddress}] = *q
	return nil
}

type fakeCheckpoints struct {
	mu      sync.Mutex
	heights map[string]int64
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{heights: make(map[string]int64)}
}

func (f *fakeCheckpoints) Get(ctx context.Context, key string) (*model.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.heights[key]
	if !ok {
		return nil, nil
	}
	return &model.Checkpoint{TaskKey: key, Height: h}, nil
}

func (f *fakeCheckpoints) Advance(ctx context.Context, key string, height int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heights[key] = height
	return nil
}

func (f *fakeCheckpoints) reset(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.heights, key)
}

type blockRange struct{ from, to int64 }

type fakeSource struct {
	mu     sync.Mutex
	events []model.TradeEvent
	ranges []blockRange
}

func (f *fakeSource) Events(ctx context.Context, from, to int64, dep model.DeploymentContext) ([]model.TradeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, blockRange{from, to})
	var out []model.TradeEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func testDeployment() model.DeploymentContext {
	return model.NewDeploymentContext(model.ChainSei, model.ExchangeCarbon, aliasAddress, map[string]string{
		localKnown: mainnetKnown,
	}, 1, 10_000)
}

func seedAnchor(t *testing.T, history *fakeHistory, usd string) {
	t.Helper()
	require.NoError(t, history.Append(context.Background(), &model.PricePoint{
		Chain:        model.ChainEthereum,
		TokenAddress: mainnetKnown,
		PriceUSD:     decimal.RequireFromString(usd),
		Provenance:   model.ProvenanceTokenAPI,
		Timestamp:    time.Unix(1_699_000_000, 0).UTC(),
	}))
}

func knownToUnknownEvent(block int64, ts int64, sourceAmount, targetAmount string) model.TradeEvent {
	return model.TradeEvent{
		SourceToken:  model.TokenRef{Address: localKnown, Decimals: 18},
		TargetToken:  model.TokenRef{Address: localUnknown, Decimals: 6},
		SourceAmount: sourceAmount,
		TargetAmount: targetAmount,
		BlockNumber:  block,
		Timestamp:    time.Unix(ts, 0).UTC(),
	}
}

func newTestService(source TradeEventSource, history *fakeHistory, quotes *fakeQuotes, cps *fakeCheckpoints) *Service {
	return NewService(source, history, quotes, cps, Config{Workers: 2}, slog.Default())
}

func TestRun_InfersAndPersistsWorkedExample(t *testing.T) {
	history := newFakeHistory()
	quotes := newFakeQuotes()
	cps := newFakeCheckpoints()
	seedAnchor(t, history, "0.53")

	source := &fakeSource{events: []model.TradeEvent{knownToUnknownEvent(10, 1_700_000_000, "20", "543")}}
	svc := newTestService(source, history, quotes, cps)

	res, err := svc.Run(context.Background(), 100, testDeployment())
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.StartBlock)
	assert.Equal(t, int64(100), res.EndBlock)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.PricesUpdated)

	last, err := history.Last(context.Background(), model.ChainSei, localUnknown)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, model.ProvenanceInference, last.Provenance)

	expected := decimal.RequireFromString("1.95211786372007366482e-14")
	assert.True(t, last.PriceUSD.Sub(expected).Abs().LessThan(decimal.New(1, -30)),
		"got %s, want ~%s", last.PriceUSD, expected)

	q, err := quotes.Get(context.Background(), model.ChainSei, localUnknown)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.True(t, q.PriceUSD.Equal(last.PriceUSD))
}

func TestRun_ReplayAfterCrashIsIdempotent(t *testing.T) {
	history := newFakeHistory()
	quotes := newFakeQuotes()
	cps := newFakeCheckpoints()
	seedAnchor(t, history, "0.53")

	source := &fakeSource{events: []model.TradeEvent{knownToUnknownEvent(10, 1_700_000_000, "20", "543")}}
	svc := newTestService(source, history, quotes, cps)
	dep := testDeployment()

	_, err := svc.Run(context.Background(), 100, dep)
	require.NoError(t, err)

	// Simulate a crash before the checkpoint advanced: the whole range is
	// reprocessed on the next run.
	cps.reset(model.PriceInferenceKey(dep.Chain, dep.Exchange))
	res, err := svc.Run(context.Background(), 100, dep)
	require.NoError(t, err)

	assert.Equal(t, 0, res.PricesUpdated)
	rows := history.points[historyKey{model.ChainSei, localUnknown}]
	assert.Len(t, rows, 1)
}

func TestRun_EqualPriceAtLaterTimestampIsDeduplicated(t *testing.T) {
	history := newFakeHistory()
	quotes := newFakeQuotes()
	cps := newFakeCheckpoints()
	seedAnchor(t, history, "2")

	source := &fakeSource{events: []model.TradeEvent{
		knownToUnknownEvent(10, 1_700_000_000, "1000000000000000000", "1000000"),
		knownToUnknownEvent(11, 1_700_000_060, "2000000000000000000", "2000000"),
	}}
	svc := newTestService(source, history, quotes, cps)

	res, err := svc.Run(context.Background(), 100, testDeployment())
	require.NoError(t, err)

	assert.Equal(t, 1, res.PricesUpdated)
	rows := history.points[historyKey{model.ChainSei, localUnknown}]
	assert.Len(t, rows, 1)
}

func TestRun_NativeAliasFanOut(t *testing.T) {
	history := newFakeHistory()
	quotes := newFakeQuotes()
	cps := newFakeCheckpoints()
	seedAnchor(t, history, "3000")

	// The unknown side resolves to the configured native alias: trade arrives
	// with the pseudo-address, normalization maps it to the alias.
	ev := model.TradeEvent{
		SourceToken:  model.TokenRef{Address: localKnown, Decimals: 18},
		TargetToken:  model.TokenRef{Address: model.NativePseudoAddress, Decimals: 18},
		SourceAmount: "2000000000000000000",
		TargetAmount: "1000000000000000000",
		BlockNumber:  10,
		Timestamp:    time.Unix(1_700_000_000, 0).UTC(),
	}
	source := &fakeSource{events: []model.TradeEvent{ev}}
	svc := newTestService(source, history, quotes, cps)

	res, err := svc.Run(context.Background(), 100, testDeployment())
	require.NoError(t, err)
	assert.Equal(t, 2, res.PricesUpdated)

	aliasRow, err := history.Last(context.Background(), model.ChainSei, aliasAddress)
	require.NoError(t, err)
	require.NotNil(t, aliasRow)
	pseudoRow, err := history.Last(context.Background(), model.ChainSei, model.NativePseudoAddress)
	require.NoError(t, err)
	require.NotNil(t, pseudoRow)

	assert.True(t, aliasRow.PriceUSD.Equal(pseudoRow.PriceUSD))
	assert.True(t, aliasRow.PriceUSD.Equal(decimal.RequireFromString("6000")))

	aliasQuote, _ := quotes.Get(context.Background(), model.ChainSei, aliasAddress)
	pseudoQuote, _ := quotes.Get(context.Background(), model.ChainSei, model.NativePseudoAddress)
	require.NotNil(t, aliasQuote)
	require.NotNil(t, pseudoQuote)
	assert.True(t, aliasQuote.PriceUSD.Equal(pseudoQuote.PriceUSD))
}

func TestRun_SkipsWithoutAnchorPrice(t *testing.T) {
	history := newFakeHistory()
	quotes := newFakeQuotes()
	cps := newFakeCheckpoints()

	source := &fakeSource{events: []model.TradeEvent{knownToUnknownEvent(10, 1_700_000_000, "20", "543")}}
	svc := newTestService(source, history, quotes, cps)

	res, err := svc.Run(context.Background(), 100, testDeployment())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.PricesUpdated)
	assert.Empty(t, history.points[historyKey{model.ChainSei, localUnknown}])
}

func TestRun_SkipsAmbiguousPairs(t *testing.T) {
	history := newFakeHistory()
	quotes := newFakeQuotes()
	cps := newFakeCheckpoints()
	seedAnchor(t, history, "1")

	otherUnknown := "0xdddddddddddddddddddddddddddddddddddddddd"
	events := []model.TradeEvent{
		// Neither side known.
		{
			SourceToken: model.TokenRef{Address: localUnknown, Decimals: 6}, TargetToken: model.TokenRef{Address: otherUnknown, Decimals: 6},
			SourceAmount: "1", TargetAmount: "1", BlockNumber: 10, Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		},
		// Both sides known.
		{
			SourceToken: model.TokenRef{Address: localKnown, Decimals: 6}, TargetToken: model.TokenRef{Address: localKnown, Decimals: 6},
			SourceAmount: "1", TargetAmount: "1", BlockNumber: 11, Timestamp: time.Unix(1_700_000_060, 0).UTC(),
		},
	}
	source := &fakeSource{events: events}
	svc := newTestService(source, history, quotes, cps)

	res, err := svc.Run(context.Background(), 100, testDeployment())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, res.PricesUpdated)
}

func TestRun_EmptyKnownMapAdvancesCheckpoint(t *testing.T) {
	history := newFakeHistory()
	quotes := newFakeQuotes()
	cps := newFakeCheckpoints()

	dep := model.NewDeploymentContext(model.ChainSei, model.ExchangeCarbon, "", nil, 1, 10_000)
	source := &fakeSource{}
	svc := newTestService(source, history, quotes, cps)

	res, err := svc.Run(context.Background(), 500, dep)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, int64(500), cps.heights[model.PriceInferenceKey(dep.Chain, dep.Exchange)])
	// The source is never consulted for a deployment with nothing to infer.
	assert.Empty(t, source.ranges)
}

func TestRun_PersistenceFailureAbortsBatchBeforeCheckpoint(t *testing.T) {
	history := newFakeHistory()
	quotes := newFakeQuotes()
	cps := newFakeCheckpoints()
	seedAnchor(t, history, "0.53")
	history.appendErr = errors.New("db unavailable")

	source := &fakeSource{events: []model.TradeEvent{knownToUnknownEvent(10, 1_700_000_000, "20", "543")}}
	svc := newTestService(source, history, quotes, cps)
	dep := testDeployment()

	_, err := svc.Run(context.Background(), 100, dep)
	require.Error(t, err)

	_, checkpointed := cps.heights[model.PriceInferenceKey(dep.Chain, dep.Exchange)]
	assert.False(t, checkpointed)
}

func TestRun_SameTokenEventsProcessedInOrder(t *testing.T) {
	history := newFakeHistory()
	quotes := newFakeQuotes()
	cps := newFakeCheckpoints()
	seedAnchor(t, history, "2")

	source := &fakeSource{events: []model.TradeEvent{
		knownToUnknownEvent(10, 1_700_000_000, "1000000000000000000", "1000000"),
		knownToUnknownEvent(11, 1_700_000_060, "3000000000000000000", "1000000"),
	}}
	svc := newTestService(source, history, quotes, cps)

	res, err := svc.Run(context.Background(), 100, testDeployment())
	require.NoError(t, err)
	assert.Equal(t, 2, res.PricesUpdated)

	rows := history.points[historyKey{model.ChainSei, localUnknown}]
	require.Len(t, rows, 2)
	assert.True(t, rows[0].PriceUSD.Equal(decimal.RequireFromString("2")))
	assert.True(t, rows[1].PriceUSD.Equal(decimal.RequireFromString("6")))

	q, _ := quotes.Get(context.Background(), model.ChainSei, localUnknown)
	require.NotNil(t, q)
	assert.True(t, q.PriceUSD.Equal(decimal.RequireFromString("6")))
}

func TestRun_SecondRunOnlyFetchesNewBlocks(t *testing.T) {
	history := newFakeHistory()
	quotes := newFakeQuotes()
	cps := newFakeCheckpoints()

	source := &fakeSource{}
	svc := newTestService(source, history, quotes, cps)
	dep := testDeployment()

	_, err := svc.Run(context.Background(), 50, dep)
	require.NoError(t, err)
	source.ranges = nil

	_, err = svc.Run(context.Background(), 80, dep)
	require.NoError(t, err)

	require.Len(t, source.ranges, 1)
	assert.Equal(t, blockRange{51, 80}, source.ranges[0])
}
