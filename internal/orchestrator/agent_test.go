package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/reversalpro/broker/config"
	"github.com/reversalpro/broker/internal/cache"
	"github.com/reversalpro/broker/internal/engine"
	"github.com/reversalpro/broker/internal/evaluator"
	"github.com/reversalpro/broker/internal/events"
	"github.com/reversalpro/broker/internal/exchange"
	"github.com/reversalpro/broker/internal/position"
	"github.com/reversalpro/broker/internal/risk"
	"github.com/reversalpro/broker/internal/store"
	"github.com/reversalpro/broker/internal/vault"
)

// fakeStore is an in-memory double satisfying orchestrator.Store,
// evaluator.Store, position.Store, and SchedulerStore, for tests that don't
// need a real Postgres connection.
type fakeStore struct {
	agents map[int64]store.Agent
	bars   map[string][]engine.Bar
	zones  map[string][]store.Zone
	pivots map[string][]store.Pivot
	runs   map[string]store.AnalysisRun
	logs   []store.AgentLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents: make(map[int64]store.Agent),
		bars:   make(map[string][]engine.Bar),
		zones:  make(map[string][]store.Zone),
		pivots: make(map[string][]store.Pivot),
		runs:   make(map[string]store.AnalysisRun),
	}
}

func barKey(symbol, timeframe string) string { return symbol + "|" + timeframe }

func (f *fakeStore) AgentByID(ctx context.Context, agentID int64) (store.Agent, bool, error) {
	a, ok := f.agents[agentID]
	return a, ok, nil
}

func (f *fakeStore) ActiveAgents(ctx context.Context) ([]store.Agent, error) {
	var out []store.Agent
	for _, a := range f.agents {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]engine.Bar, error) {
	bars := f.bars[barKey(symbol, timeframe)]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (f *fakeStore) UpsertBars(ctx context.Context, symbol, timeframe string, bars []engine.Bar) error {
	f.bars[barKey(symbol, timeframe)] = bars
	return nil
}

func (f *fakeStore) InsertAnalysisRun(ctx context.Context, run store.AnalysisRun) error {
	f.runs[barKey(run.Symbol, run.Timeframe)] = run
	return nil
}

func (f *fakeStore) LatestAnalysisRun(ctx context.Context, symbol, timeframe string) (store.AnalysisRun, bool, error) {
	run, ok := f.runs[barKey(symbol, timeframe)]
	return run, ok, nil
}

func (f *fakeStore) UpsertPivots(ctx context.Context, symbol, timeframe string, pivots []engine.Pivot, barTimeOf func(int) time.Time) error {
	return nil
}

func (f *fakeStore) RecentPivots(ctx context.Context, symbol, timeframe string, isHigh bool, n int) ([]store.Pivot, error) {
	var out []store.Pivot
	for _, p := range f.pivots[barKey(symbol, timeframe)] {
		if p.IsHigh == isHigh {
			out = append(out, p)
		}
		if len(out) == n {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertSignals(ctx context.Context, symbol, timeframe string, signals []store.Signal, lastBarTime time.Time, candleInterval time.Duration) error {
	return nil
}

func (f *fakeStore) ReplaceZones(ctx context.Context, symbol, timeframe string, zones []engine.Zone) error {
	return nil
}

func (f *fakeStore) Zones(ctx context.Context, symbol, timeframe string) ([]store.Zone, error) {
	return f.zones[barKey(symbol, timeframe)], nil
}

func (f *fakeStore) OpenPosition(ctx context.Context, agentID int64) (store.AgentPosition, bool, error) {
	return store.AgentPosition{}, false, nil
}

func (f *fakeStore) InsertLog(ctx context.Context, agentID int64, action string, details map[string]interface{}) error {
	f.logs = append(f.logs, store.AgentLog{AgentID: agentID, Action: action, Details: details})
	return nil
}

func (f *fakeStore) LatestSignal(ctx context.Context, symbol, timeframe string, isBullish bool) (store.Signal, bool, error) {
	return store.Signal{}, false, nil
}

func (f *fakeStore) HasProcessedSignal(ctx context.Context, agentID int64, signalTime time.Time, isBullish bool) (bool, error) {
	return false, nil
}

func (f *fakeStore) InsertPositionGuarded(ctx context.Context, p *store.AgentPosition) (bool, string, error) {
	return true, "", nil
}

func (f *fakeStore) ClosePositionWithBalance(ctx context.Context, p store.AgentPosition, balanceAfter float64) error {
	return nil
}

func (f *fakeStore) UpdatePosition(ctx context.Context, p store.AgentPosition) error {
	return nil
}

type fakeAdapter struct{}

func (fakeAdapter) MarketOpen(ctx context.Context, symbol string, side store.Side, eurAmount, currentPrice float64, mode exchange.Mode, creds exchange.Credentials) (exchange.OrderResult, error) {
	return exchange.OrderResult{Success: true, FilledPrice: currentPrice, Quantity: eurAmount / currentPrice}, nil
}

func (fakeAdapter) MarketClose(ctx context.Context, symbol string, side store.Side, quantity, currentPrice float64, mode exchange.Mode, creds exchange.Credentials) (exchange.OrderResult, error) {
	return exchange.OrderResult{Success: true, FilledPrice: currentPrice, Quantity: quantity}, nil
}

func (fakeAdapter) EURToUSDT(ctx context.Context, eur float64) (float64, error) { return eur, nil }
func (fakeAdapter) USDTToEUR(ctx context.Context, usdt float64) (float64, error) { return usdt, nil }

type fakeFetcher struct{}

func (fakeFetcher) FetchKlines(ctx context.Context, symbol, timeframe string, limit int, since *time.Time) ([]engine.Bar, error) {
	return nil, nil
}

func newTestAgent(fs *fakeStore) *Agent {
	eval := evaluator.New(fs)
	riskMgr := risk.NewManager()
	bus := events.NewEventBus()
	posMgr := position.New(fs, fakeAdapter{}, riskMgr, bus, zerolog.Nop())
	cacheSvc := cache.NewService(cache.Config{Enabled: false}, zerolog.Nop())
	vaultClient, _ := vault.NewClient(config.VaultConfig{Enabled: false})
	return New(fs, eval, riskMgr, posMgr, fakeAdapter{}, cacheSvc, fakeFetcher{}, vaultClient, config.EngineDefaults{}, 100, 900)
}

func TestAgent_RunCycle_UnknownAgentIsANoop(t *testing.T) {
	fs := newFakeStore()
	a := newTestAgent(fs)
	if err := a.RunCycle(context.Background(), 999); err != nil {
		t.Fatalf("RunCycle for unknown agent should be a no-op, got %v", err)
	}
}

func TestAgent_RunCycle_InactiveAgentIsANoop(t *testing.T) {
	fs := newFakeStore()
	fs.agents[1] = store.Agent{ID: 1, Symbol: "BTCUSDT", Timeframe: "1h", IsActive: false}
	a := newTestAgent(fs)
	if err := a.RunCycle(context.Background(), 1); err != nil {
		t.Fatalf("RunCycle for inactive agent should be a no-op, got %v", err)
	}
}

func TestZoneTarget_LongPicksNearestSupplyAbovePrice(t *testing.T) {
	fs := newFakeStore()
	fs.zones[barKey("BTCUSDT", "1h")] = []store.Zone{
		{Type: engine.ZoneSupply, CenterPrice: 110},
		{Type: engine.ZoneSupply, CenterPrice: 105},
		{Type: engine.ZoneDemand, CenterPrice: 95},
	}
	a := newTestAgent(fs)
	target, ok := a.zoneTarget(context.Background(), "BTCUSDT", "1h", true, 100)
	if !ok || target != 105 {
		t.Fatalf("expected nearest supply zone 105, got %v (ok=%v)", target, ok)
	}
}

func TestZoneTarget_ShortPicksNearestDemandBelowPrice(t *testing.T) {
	fs := newFakeStore()
	fs.zones[barKey("BTCUSDT", "1h")] = []store.Zone{
		{Type: engine.ZoneDemand, CenterPrice: 90},
		{Type: engine.ZoneDemand, CenterPrice: 95},
		{Type: engine.ZoneSupply, CenterPrice: 110},
	}
	a := newTestAgent(fs)
	target, ok := a.zoneTarget(context.Background(), "BTCUSDT", "1h", false, 100)
	if !ok || target != 95 {
		t.Fatalf("expected nearest demand zone 95, got %v (ok=%v)", target, ok)
	}
}

func TestZoneTarget_NoQualifyingZoneReturnsFalse(t *testing.T) {
	fs := newFakeStore()
	fs.zones[barKey("BTCUSDT", "1h")] = []store.Zone{{Type: engine.ZoneDemand, CenterPrice: 90}}
	a := newTestAgent(fs)
	if _, ok := a.zoneTarget(context.Background(), "BTCUSDT", "1h", true, 100); ok {
		t.Fatal("expected no qualifying supply zone")
	}
}

func TestOppositePivot_LongUsesMostRecentSwingLow(t *testing.T) {
	fs := newFakeStore()
	fs.pivots[barKey("BTCUSDT", "1h")] = []store.Pivot{
		{IsHigh: false, Price: 98},
		{IsHigh: true, Price: 105},
	}
	a := newTestAgent(fs)
	price, ok := a.oppositePivot(context.Background(), "BTCUSDT", "1h", true)
	if !ok || price != 98 {
		t.Fatalf("expected swing low 98, got %v (ok=%v)", price, ok)
	}
}

func TestOppositePivot_ShortUsesMostRecentSwingHigh(t *testing.T) {
	fs := newFakeStore()
	fs.pivots[barKey("BTCUSDT", "1h")] = []store.Pivot{
		{IsHigh: true, Price: 105},
		{IsHigh: false, Price: 98},
	}
	a := newTestAgent(fs)
	price, ok := a.oppositePivot(context.Background(), "BTCUSDT", "1h", false)
	if !ok || price != 105 {
		t.Fatalf("expected swing high 105, got %v (ok=%v)", price, ok)
	}
}

func TestLatestATR_ZeroOrMissingRunReportsUnavailable(t *testing.T) {
	fs := newFakeStore()
	a := newTestAgent(fs)
	if _, ok := a.latestATR(context.Background(), "BTCUSDT", "1h"); ok {
		t.Fatal("expected no ATR with no analysis run recorded")
	}
	fs.runs[barKey("BTCUSDT", "1h")] = store.AnalysisRun{CurrentATR: 12.5}
	atr, ok := a.latestATR(context.Background(), "BTCUSDT", "1h")
	if !ok || atr != 12.5 {
		t.Fatalf("expected ATR 12.5, got %v (ok=%v)", atr, ok)
	}
}

func TestHTFChain(t *testing.T) {
	if got := htfChain("1h"); len(got) != 1 || got[0] != "4h" {
		t.Fatalf("expected [4h] for 1h, got %v", got)
	}
	if got := htfChain("1d"); got != nil {
		t.Fatalf("expected no HTF chain for 1d, got %v", got)
	}
}

func TestExchangeMode(t *testing.T) {
	if exchangeMode(store.ModeLive) != exchange.Live {
		t.Error("expected live mode to map to exchange.Live")
	}
	if exchangeMode(store.ModePaper) != exchange.Paper {
		t.Error("expected paper mode to map to exchange.Paper")
	}
}

func TestRiskSideAndDirectional(t *testing.T) {
	if riskSide(store.SideLong) != risk.Long || riskSide(store.SideShort) != risk.Short {
		t.Fatal("riskSide mapping incorrect")
	}
	if directional(risk.Long, 5) != 5 || directional(risk.Short, 5) != -5 {
		t.Fatal("directional sign incorrect")
	}
}

func TestTPCrossed(t *testing.T) {
	if !tpCrossed(risk.Long, 110, 95, 108) {
		t.Error("long TP should cross when bar high clears target")
	}
	if tpCrossed(risk.Long, 100, 95, 108) {
		t.Error("long TP should not cross when bar high stays below target")
	}
	if !tpCrossed(risk.Short, 100, 90, 92) {
		t.Error("short TP should cross when bar low clears target")
	}
}
