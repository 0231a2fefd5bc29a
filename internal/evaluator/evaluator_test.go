package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/reversalpro/broker/internal/engine"
	"github.com/reversalpro/broker/internal/store"
)

type fakeStore struct {
	signals   map[string]store.Signal
	processed map[string]bool
	runs      map[string]store.AnalysisRun
	pivots    map[string][]store.Pivot
}

func key(symbol, tf string, isBullish bool) string {
	if isBullish {
		return symbol + "|" + tf + "|bull"
	}
	return symbol + "|" + tf + "|bear"
}

func (f *fakeStore) LatestSignal(ctx context.Context, symbol, timeframe string, isBullish bool) (store.Signal, bool, error) {
	sig, ok := f.signals[key(symbol, timeframe, isBullish)]
	return sig, ok, nil
}

func (f *fakeStore) HasProcessedSignal(ctx context.Context, agentID int64, signalTime time.Time, isBullish bool) (bool, error) {
	return f.processed[signalTime.String()], nil
}

func (f *fakeStore) LatestAnalysisRun(ctx context.Context, symbol, timeframe string) (store.AnalysisRun, bool, error) {
	run, ok := f.runs[symbol+"|"+timeframe]
	return run, ok, nil
}

func (f *fakeStore) RecentPivots(ctx context.Context, symbol, timeframe string, isHigh bool, n int) ([]store.Pivot, error) {
	k := symbol + "|" + timeframe
	if isHigh {
		k += "|high"
	} else {
		k += "|low"
	}
	return f.pivots[k], nil
}

func newFake() *fakeStore {
	return &fakeStore{
		signals:   map[string]store.Signal{},
		processed: map[string]bool{},
		runs:      map[string]store.AnalysisRun{},
		pivots:    map[string][]store.Pivot{},
	}
}

func TestIsStale(t *testing.T) {
	e := New(newFake())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sig := store.Signal{DetectedAt: now.Add(-20 * time.Minute)}
	// 1h budget: 6 candles * 3600s = 6h; 20 minutes is well within budget.
	if e.IsStale(now, sig, "1h", false) {
		t.Error("20m old signal on 1h should not be stale")
	}
	staleSig := store.Signal{DetectedAt: now.Add(-7 * time.Hour)}
	if !e.IsStale(now, staleSig, "1h", false) {
		t.Error("7h old signal on 1h should be stale")
	}
	if e.IsStale(now, staleSig, "1h", true) {
		t.Error("lenient mode should double the budget, so 7h should not be stale yet")
	}
}

func TestAlreadyProcessed(t *testing.T) {
	fs := newFake()
	e := New(fs)
	ctx := context.Background()
	sigTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs.processed[sigTime.String()] = true

	processed, err := e.AlreadyProcessed(ctx, 1, store.Signal{Time: sigTime, IsBullish: true})
	if err != nil {
		t.Fatal(err)
	}
	if !processed {
		t.Error("expected signal to be reported as already processed")
	}
}

func TestPassesEMATrendFilter(t *testing.T) {
	fs := newFake()
	e := New(fs)
	ctx := context.Background()
	fs.runs["BTCUSDT|1h"] = store.AnalysisRun{Trend: engine.TrendBearish}

	ok, err := e.PassesEMATrendFilter(ctx, "BTCUSDT", "1h", true)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("BEARISH trend should block a LONG")
	}

	ok, err = e.PassesEMATrendFilter(ctx, "BTCUSDT", "1h", false)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("BEARISH trend should not block a SHORT")
	}
}

func TestPassesPivotMomentumBlocksLowerHighs(t *testing.T) {
	fs := newFake()
	e := New(fs)
	ctx := context.Background()
	// newest-first, strictly increasing with age => three consecutive lower highs.
	fs.pivots["BTCUSDT|1h|high"] = []store.Pivot{
		{Price: 100}, {Price: 105}, {Price: 110},
	}
	ok, err := e.PassesPivotMomentum(ctx, "BTCUSDT", "1h", true)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("three consecutive lower highs should block a LONG")
	}
}

func TestPassesPivotMomentumPassesWithFewerThanThree(t *testing.T) {
	fs := newFake()
	e := New(fs)
	ctx := context.Background()
	fs.pivots["BTCUSDT|1h|high"] = []store.Pivot{{Price: 100}}
	ok, err := e.PassesPivotMomentum(ctx, "BTCUSDT", "1h", true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("fewer than 3 pivots should pass")
	}
}

func TestPassesHTFConfirmationFallsBackToTrendFilter(t *testing.T) {
	fs := newFake()
	e := New(fs)
	ctx := context.Background()
	// No HTF pivots at all -> fall back to HTF EMA trend, which defaults to
	// neutral pass when there's no analysis run either.
	ok, err := e.PassesHTFConfirmation(ctx, "BTCUSDT", "1h", true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected neutral pass when no HTF data exists at all")
	}
}

func TestPassesHTFConfirmationRequiresBothPairsToRefute(t *testing.T) {
	fs := newFake()
	e := New(fs)
	ctx := context.Background()
	// LONG checks HTF pivot-lows (1h -> 4h); higher lows confirm.
	fs.pivots["BTCUSDT|4h|low"] = []store.Pivot{
		{Price: 90}, {Price: 95}, {Price: 100}, // newest-first: getting lower with age (refutes LONG both pairs)
	}
	ok, err := e.PassesHTFConfirmation(ctx, "BTCUSDT", "1h", true)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("both pairs refuting should block the LONG")
	}
}

func TestPassesHTFConfirmationOneOfTwoPairsConfirms(t *testing.T) {
	fs := newFake()
	e := New(fs)
	ctx := context.Background()
	fs.pivots["BTCUSDT|4h|low"] = []store.Pivot{
		{Price: 105}, {Price: 100}, {Price: 110}, // pair1: 105>100 confirms; pair2: 100>110 false
	}
	ok, err := e.PassesHTFConfirmation(ctx, "BTCUSDT", "1h", true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected pass when at least 1 of 2 pairs confirms")
	}
}

func TestNoHTFForDailyTimeframe(t *testing.T) {
	fs := newFake()
	e := New(fs)
	ok, err := e.PassesHTFConfirmation(context.Background(), "BTCUSDT", "1d", true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("1d has no HTF, should always pass")
	}
}
