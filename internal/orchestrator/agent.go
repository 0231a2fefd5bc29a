// Package orchestrator implements the Agent Broker's per-agent cycle
// (spec.md §4.H): lock acquisition, own- and higher-timeframe analysis
// refresh, position management in strict SL -> breakeven/trailing -> TP ->
// unrealized-PnL order, and the entry/exit branch that follows. Grounded on
// the teacher's internal/settlement.Scheduler for the run-loop shape and on
// internal/autopilot for the distributed-lock discipline, but the cycle body
// itself has no teacher analogue -- it is assembled from internal/risk,
// internal/evaluator, and internal/position, the packages that already carry
// spec.md's trading semantics.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reversalpro/broker/config"
	"github.com/reversalpro/broker/internal/cache"
	"github.com/reversalpro/broker/internal/engine"
	"github.com/reversalpro/broker/internal/evaluator"
	"github.com/reversalpro/broker/internal/exchange"
	"github.com/reversalpro/broker/internal/fetch"
	"github.com/reversalpro/broker/internal/logging"
	"github.com/reversalpro/broker/internal/position"
	"github.com/reversalpro/broker/internal/risk"
	"github.com/reversalpro/broker/internal/store"
	"github.com/reversalpro/broker/internal/vault"
)

// Store is the subset of internal/store.Store the per-agent cycle needs
// beyond what internal/evaluator.Store and internal/position.Store already
// declare.
type Store interface {
	AgentByID(ctx context.Context, agentID int64) (store.Agent, bool, error)
	GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]engine.Bar, error)
	UpsertBars(ctx context.Context, symbol, timeframe string, bars []engine.Bar) error
	InsertAnalysisRun(ctx context.Context, run store.AnalysisRun) error
	LatestAnalysisRun(ctx context.Context, symbol, timeframe string) (store.AnalysisRun, bool, error)
	UpsertPivots(ctx context.Context, symbol, timeframe string, pivots []engine.Pivot, barTimeOf func(int) time.Time) error
	RecentPivots(ctx context.Context, symbol, timeframe string, isHigh bool, n int) ([]store.Pivot, error)
	UpsertSignals(ctx context.Context, symbol, timeframe string, signals []store.Signal, lastBarTime time.Time, candleInterval time.Duration) error
	ReplaceZones(ctx context.Context, symbol, timeframe string, zones []engine.Zone) error
	Zones(ctx context.Context, symbol, timeframe string) ([]store.Zone, error)
	OpenPosition(ctx context.Context, agentID int64) (store.AgentPosition, bool, error)
	InsertLog(ctx context.Context, agentID int64, action string, details map[string]interface{}) error
}

// Agent runs the per-agent cycle. It holds no per-cycle state; the whipsaw
// cooldown and distributed lock both live in Redis via cache.Service so the
// cycle is safe to run from any instance.
type Agent struct {
	store   Store
	eval    *evaluator.Evaluator
	risk    *risk.Manager
	posMgr  *position.Manager
	adapter exchange.Adapter
	cache   *cache.Service
	fetcher fetch.Fetcher
	vault   *vault.Client

	engineCfg              config.EngineDefaults
	barLimit               int
	whipsawCooldownSeconds int
}

// New constructs an Agent cycle runner.
func New(
	s Store, eval *evaluator.Evaluator, riskMgr *risk.Manager, posMgr *position.Manager,
	adapter exchange.Adapter, cacheSvc *cache.Service, fetcher fetch.Fetcher, vaultClient *vault.Client,
	engineCfg config.EngineDefaults, barLimit, whipsawCooldownSeconds int,
) *Agent {
	return &Agent{
		store: s, eval: eval, risk: riskMgr, posMgr: posMgr, adapter: adapter,
		cache: cacheSvc, fetcher: fetcher, vault: vaultClient,
		engineCfg: engineCfg, barLimit: barLimit, whipsawCooldownSeconds: whipsawCooldownSeconds,
	}
}

// RunCycle executes one full cycle for agentID: the distributed per-agent
// lock (the third of the four at-most-once guards in spec.md §9), analysis
// refresh, and the position-management-or-entry-evaluation branch. A skipped
// cycle (lock contention, inactive agent, no bars yet) returns a nil error;
// errors are reserved for genuine failures the caller should log and retry
// next tick.
func (a *Agent) RunCycle(ctx context.Context, agentID int64) error {
	lockKey := cache.AgentLockKey(agentID)
	acquired, err := a.cache.TryLock(ctx, lockKey, cache.AgentLockTTL)
	if err != nil {
		return fmt.Errorf("orchestrator: acquire agent lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer a.cache.Unlock(ctx, lockKey)

	ag, ok, err := a.store.AgentByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("orchestrator: load agent: %w", err)
	}
	if !ok || !ag.IsActive {
		return nil
	}

	logger := logging.AgentContext(ag.ID, ag.Symbol, ag.Timeframe)

	if err := a.refreshAnalysis(ctx, ag.Symbol, ag.Timeframe, ag); err != nil {
		_ = a.store.InsertLog(ctx, ag.ID, store.ActionCycleError, map[string]interface{}{"stage": "own_timeframe_analysis", "error": err.Error()})
		return fmt.Errorf("orchestrator: own-timeframe analysis: %w", err)
	}

	for _, htf := range htfChain(ag.Timeframe) {
		if err := a.refreshAnalysis(ctx, ag.Symbol, htf, ag); err != nil {
			// Non-blocking: PassesHTFConfirmation falls back to the HTF's EMA
			// trend filter, and that falls back to a neutral pass, when HTF
			// data is unavailable.
			logger.WithError(err).Warn("higher-timeframe analysis refresh failed, continuing")
		}
	}

	bars, err := a.store.GetBars(ctx, ag.Symbol, ag.Timeframe, 1)
	if err != nil {
		return fmt.Errorf("orchestrator: load latest bar: %w", err)
	}
	if len(bars) == 0 {
		return nil
	}
	latest := bars[len(bars)-1]

	mode := exchangeMode(ag.Mode)
	creds, err := a.credentialsFor(ctx, ag, mode)
	if err != nil {
		logger.WithError(err).Error("failed to resolve credentials")
		return err
	}

	openPos, hasOpen, err := a.store.OpenPosition(ctx, ag.ID)
	if err != nil {
		return fmt.Errorf("orchestrator: load open position: %w", err)
	}
	if hasOpen {
		return a.manageOpenPosition(ctx, ag, openPos, latest, mode, creds, logger)
	}
	return a.evaluateEntry(ctx, ag, latest, mode, creds, logger)
}

// htfChain returns the single higher-timeframe entry spec.md's confirmation
// table names for timeframe, or nil when there is none (1d).
func htfChain(timeframe string) []string {
	if htf, ok := evaluator.HTFMap[timeframe]; ok && htf != "" {
		return []string{htf}
	}
	return nil
}

func exchangeMode(m store.AgentMode) exchange.Mode {
	if m == store.ModeLive {
		return exchange.Live
	}
	return exchange.Paper
}

func (a *Agent) credentialsFor(ctx context.Context, ag store.Agent, mode exchange.Mode) (exchange.Credentials, error) {
	if mode == exchange.Paper {
		return exchange.Credentials{}, nil
	}
	creds, err := a.vault.GetCredentials(ctx, ag.ID)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("orchestrator: load live credentials: %w", err)
	}
	return exchange.Credentials{APIKey: creds.APIKey, SecretKey: creds.SecretKey}, nil
}

// refreshAnalysis fetches fresh candles (throttled per spec.md's per-(symbol,
// timeframe) cadence table), runs the detection engine, and persists every
// artifact the rest of the cycle depends on.
func (a *Agent) refreshAnalysis(ctx context.Context, symbol, timeframe string, ag store.Agent) error {
	throttleKey := cache.PipelineThrottleKey(symbol, timeframe)
	if a.cache.ShouldFetch(ctx, throttleKey, cache.ThrottleTTL(timeframe)) {
		fresh, err := a.fetcher.FetchKlines(ctx, symbol, timeframe, a.barLimit, nil)
		if err != nil {
			return fmt.Errorf("fetch klines: %w", err)
		}
		if err := a.store.UpsertBars(ctx, symbol, timeframe, fresh); err != nil {
			return fmt.Errorf("persist bars: %w", err)
		}
	}

	bars, err := a.store.GetBars(ctx, symbol, timeframe, a.barLimit)
	if err != nil {
		return fmt.Errorf("load bars: %w", err)
	}
	if len(bars) == 0 {
		return nil
	}

	cfg := a.buildEngineConfig(ag, symbol, timeframe)
	cfg.Resolve()
	result := engine.Analyze(bars, cfg)

	barTimeOf := func(idx int) time.Time {
		if idx < 0 || idx >= len(bars) {
			return time.Time{}
		}
		return bars[idx].Time
	}
	if err := a.store.UpsertPivots(ctx, symbol, timeframe, result.Pivots, barTimeOf); err != nil {
		return fmt.Errorf("persist pivots: %w", err)
	}

	now := time.Now()
	signals := make([]store.Signal, 0, len(result.Signals))
	for _, sig := range result.Signals {
		signals = append(signals, store.Signal{
			Symbol: symbol, Timeframe: timeframe, Time: sig.Time, BarIndex: sig.BarIndex,
			Price: sig.Price, ActualPrice: sig.ActualPrice, IsBullish: sig.IsBullish,
			IsPreview: sig.IsPreview, Label: sig.Label, DetectedAt: now,
		})
	}
	// candleInterval drives the first-analysis ghost-signal cutoff in
	// UpsertSignals (spec.md §3): measured from the actual bars rather than
	// parsed from the timeframe string, per original_source/analysis_service.py.
	candleInterval := time.Minute
	if len(bars) >= 2 {
		candleInterval = bars[len(bars)-1].Time.Sub(bars[len(bars)-2].Time)
	}
	lastBarTime := bars[len(bars)-1].Time
	if err := a.store.UpsertSignals(ctx, symbol, timeframe, signals, lastBarTime, candleInterval); err != nil {
		return fmt.Errorf("persist signals: %w", err)
	}
	if err := a.store.ReplaceZones(ctx, symbol, timeframe, result.Zones); err != nil {
		return fmt.Errorf("persist zones: %w", err)
	}
	if err := a.store.InsertAnalysisRun(ctx, store.AnalysisRun{
		Symbol: symbol, Timeframe: timeframe, CurrentATR: result.CurrentATR,
		CurrentThreshold: result.CurrentThreshold, Trend: result.CurrentTrend, BarCount: len(bars),
	}); err != nil {
		return fmt.Errorf("persist analysis run: %w", err)
	}
	return nil
}

// buildEngineConfig merges an agent's own analysis parameters with the
// process-wide engine defaults (EMA periods, zone geometry, reduction
// modules) from config.EngineDefaults.
func (a *Agent) buildEngineConfig(ag store.Agent, symbol, timeframe string) engine.Config {
	return engine.Config{
		Symbol: symbol, Timeframe: timeframe,
		SignalMode: ag.Params.SignalMode, Sensitivity: ag.Params.Sensitivity,
		CalculationMethod: ag.Params.Method,
		ATRLength:         ag.Params.ATRLength, AverageLength: ag.Params.AverageLength,
		ConfirmationBars: ag.Params.ConfirmationBars, AbsoluteReversal: ag.Params.AbsoluteReversal,
		EMAFast: a.engineCfg.EMAFast, EMAMid: a.engineCfg.EMAMid, EMASlow: a.engineCfg.EMASlow,
		ZoneThicknessPct: a.engineCfg.ZoneThicknessPct, ZoneExtensionBars: a.engineCfg.ZoneExtensionBars,
		MaxZones:       a.engineCfg.MaxZones,
		MatrixProfile:  a.engineCfg.MatrixProfile,
		VolumeAdaptive: a.engineCfg.VolumeAdaptive,
		CandlePattern:  a.engineCfg.CandlePattern,
		CUSUM:          a.engineCfg.CUSUM,
	}
}

// manageOpenPosition applies spec.md §5's strict per-cycle ordering: stop
// loss first, then the breakeven/trailing ratchet, then take-profit, then
// the unrealized-PnL mark, and finally (only if the position survived all of
// that) a reversal-signal exit check.
func (a *Agent) manageOpenPosition(ctx context.Context, ag store.Agent, p store.AgentPosition, latest engine.Bar, mode exchange.Mode, creds exchange.Credentials, logger *logging.Logger) error {
	side := riskSide(p.Side)

	if risk.StopLossHit(side, latest.High, latest.Low, p.StopLoss) {
		reason := risk.ExitReason(side, p.StopLoss, p.OriginalStopLoss)
		if _, err := a.posMgr.Close(ctx, p, p.StopLoss, reason, mode, creds, nil); err != nil {
			return fmt.Errorf("orchestrator: close stopped-out position: %w", err)
		}
		a.startWhipsawCooldown(ctx, ag.ID, ag.Timeframe)
		return nil
	}

	atr, hasATR := a.latestATR(ctx, ag.Symbol, ag.Timeframe)
	ratchet := risk.ApplyRatchet(risk.RatchetInput{
		Side: side, EntryPrice: p.EntryPrice, OriginalStopLoss: p.OriginalStopLoss,
		CurrentStopLoss: p.StopLoss, BestPrice: p.BestPrice, BarHigh: latest.High, BarLow: latest.Low,
		ATR: atr, HasATR: hasATR, TFMinutes: evaluator.TFMinutes(ag.Timeframe),
		BreakevenDone: (side == risk.Long && p.StopLoss >= p.EntryPrice) || (side == risk.Short && p.StopLoss <= p.EntryPrice),
	})
	if ratchet.StopLossMoved {
		if err := a.posMgr.UpdateTrailing(ctx, p, ratchet.NewStopLoss, ratchet.NewBestPrice, ratchet.BreakevenMoved); err != nil {
			return fmt.Errorf("orchestrator: persist stop-loss ratchet: %w", err)
		}
		p.StopLoss = ratchet.NewStopLoss
	}
	p.BestPrice = ratchet.NewBestPrice

	switch {
	case tpCrossed(side, latest.High, latest.Low, p.TakeProfit) && !p.PartialClosed:
		updated, err := a.posMgr.PartialClose(ctx, p, p.TakeProfit, mode, creds)
		if err != nil {
			return fmt.Errorf("orchestrator: partial take-profit close: %w", err)
		}
		p = updated
	case tpCrossed(side, latest.High, latest.Low, p.TakeProfit) && p.PartialClosed:
		if _, err := a.posMgr.Close(ctx, p, p.TakeProfit, "TAKE_PROFIT", mode, creds, nil); err != nil {
			return fmt.Errorf("orchestrator: final take-profit close: %w", err)
		}
		return nil
	}

	if eur, err := a.adapter.USDTToEUR(ctx, directional(side, latest.Close-p.EntryPrice)*p.Quantity); err == nil {
		if err := a.posMgr.UpdateUnrealizedPnL(ctx, p, eur); err != nil {
			logger.WithError(err).Warn("failed to persist unrealized pnl")
		}
	}

	return a.checkReversalExit(ctx, ag, p, latest, mode, creds)
}

// checkReversalExit closes a still-open position early when a fresh,
// unprocessed signal confirms the opposite direction, applying the lenient
// staleness budget and the whipsaw cooldown per spec.md §4.F/§9.
func (a *Agent) checkReversalExit(ctx context.Context, ag store.Agent, p store.AgentPosition, latest engine.Bar, mode exchange.Mode, creds exchange.Credentials) error {
	if a.whipsawCooldownActive(ctx, ag.ID) {
		return nil
	}
	wantBullish := p.Side == store.SideShort
	sig, ok, err := a.eval.LatestConfirmedSignal(ctx, ag.Symbol, ag.Timeframe, wantBullish)
	if err != nil || !ok {
		return nil
	}
	if !sig.Time.After(p.EntrySignalTime) {
		return nil
	}
	if a.eval.IsStale(time.Now(), sig, ag.Timeframe, true) {
		return nil
	}
	processed, err := a.eval.AlreadyProcessed(ctx, ag.ID, sig)
	if err != nil || processed {
		return nil
	}

	sigID := sig.ID
	if _, err := a.posMgr.Close(ctx, p, latest.Close, "REVERSAL_SIGNAL", mode, creds, &sigID); err != nil {
		return fmt.Errorf("orchestrator: reversal-signal close: %w", err)
	}
	a.startWhipsawCooldown(ctx, ag.ID, ag.Timeframe)
	return nil
}

// evaluateEntry runs when no position is open: it picks the more recent of
// the two directions' latest confirmed signals and runs it through the full
// evaluator chain before attempting to open.
func (a *Agent) evaluateEntry(ctx context.Context, ag store.Agent, latest engine.Bar, mode exchange.Mode, creds exchange.Credentials, logger *logging.Logger) error {
	if a.whipsawCooldownActive(ctx, ag.ID) {
		_ = a.store.InsertLog(ctx, ag.ID, store.ActionTradeSkipped, map[string]interface{}{"reason": store.ReasonCooldownActive})
		return nil
	}

	bullSig, bullOK, errB := a.eval.LatestConfirmedSignal(ctx, ag.Symbol, ag.Timeframe, true)
	bearSig, bearOK, errS := a.eval.LatestConfirmedSignal(ctx, ag.Symbol, ag.Timeframe, false)
	if errB != nil {
		return fmt.Errorf("orchestrator: load latest bullish signal: %w", errB)
	}
	if errS != nil {
		return fmt.Errorf("orchestrator: load latest bearish signal: %w", errS)
	}

	var sig store.Signal
	switch {
	case bullOK && bearOK:
		sig = bullSig
		if bearSig.Time.After(bullSig.Time) {
			sig = bearSig
		}
	case bullOK:
		sig = bullSig
	case bearOK:
		sig = bearSig
	default:
		return nil
	}

	if err := a.tryOpen(ctx, ag, sig, latest, mode, creds); err != nil {
		logger.WithError(err).Debug("entry attempt did not open a position")
	}
	return nil
}

// tryOpen runs the full evaluator chain (staleness, duplicate, EMA-trend,
// pivot-momentum, HTF confirmation) and, if every filter passes, hands off
// to internal/position.Manager.Open.
func (a *Agent) tryOpen(ctx context.Context, ag store.Agent, sig store.Signal, latest engine.Bar, mode exchange.Mode, creds exchange.Credentials) error {
	now := time.Now()
	if a.eval.IsStale(now, sig, ag.Timeframe, false) {
		_ = a.store.InsertLog(ctx, ag.ID, store.ActionTradeSkipped, map[string]interface{}{"reason": store.ReasonStaleSignal})
		return nil
	}
	processed, err := a.eval.AlreadyProcessed(ctx, ag.ID, sig)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	passesEMA, err := a.eval.PassesEMATrendFilter(ctx, ag.Symbol, ag.Timeframe, sig.IsBullish)
	if err != nil {
		return err
	}
	if !passesEMA {
		_ = a.store.InsertLog(ctx, ag.ID, store.ActionTradeSkipped, map[string]interface{}{"reason": store.ReasonNoTrendConfirmation})
		return nil
	}

	passesMomentum, err := a.eval.PassesPivotMomentum(ctx, ag.Symbol, ag.Timeframe, sig.IsBullish)
	if err != nil {
		return err
	}
	if !passesMomentum {
		_ = a.store.InsertLog(ctx, ag.ID, store.ActionTradeSkipped, map[string]interface{}{"reason": store.ReasonPivotMomentum})
		return nil
	}

	passesHTF, err := a.eval.PassesHTFConfirmation(ctx, ag.Symbol, ag.Timeframe, sig.IsBullish)
	if err != nil {
		return err
	}
	if !passesHTF {
		_ = a.store.InsertLog(ctx, ag.ID, store.ActionTradeSkipped, map[string]interface{}{"reason": store.ReasonNoTrendConfirmation})
		return nil
	}

	side := risk.Long
	if !sig.IsBullish {
		side = risk.Short
	}
	pivot, hasPivot := a.oppositePivot(ctx, ag.Symbol, ag.Timeframe, sig.IsBullish)
	atr, hasATR := a.latestATR(ctx, ag.Symbol, ag.Timeframe)
	zoneTP, hasZoneTP := a.zoneTarget(ctx, ag.Symbol, ag.Timeframe, sig.IsBullish, latest.Close)

	_, err = a.posMgr.Open(ctx, position.OpenInput{
		AgentID: ag.ID, Symbol: ag.Symbol, Side: side, CurrentPrice: latest.Close,
		TFMinutes: evaluator.TFMinutes(ag.Timeframe), EURAmount: ag.TradeAmount,
		Mode: mode, Credentials: creds,
		EntrySignalTime: sig.Time, EntrySignalIsBullish: sig.IsBullish,
		OppositePivot: pivot, HasPivot: hasPivot, ATR: atr, HasATR: hasATR,
		ZoneTP: zoneTP, HasZoneTP: hasZoneTP,
	})
	if err != nil {
		if errors.Is(err, position.ErrDuplicateSignal) || errors.Is(err, position.ErrRiskFloor) || errors.Is(err, position.ErrRejected) {
			return nil
		}
		return fmt.Errorf("open position: %w", err)
	}
	return nil
}

// oppositePivot returns the most recent pivot on the stop-loss side of an
// intended trade: the latest swing low for a LONG, the latest swing high for
// a SHORT.
func (a *Agent) oppositePivot(ctx context.Context, symbol, timeframe string, isBullish bool) (float64, bool) {
	pivots, err := a.store.RecentPivots(ctx, symbol, timeframe, !isBullish, 1)
	if err != nil || len(pivots) == 0 {
		return 0, false
	}
	return pivots[0].Price, true
}

func (a *Agent) latestATR(ctx context.Context, symbol, timeframe string) (float64, bool) {
	run, ok, err := a.store.LatestAnalysisRun(ctx, symbol, timeframe)
	if err != nil || !ok || run.CurrentATR <= 0 {
		return 0, false
	}
	return run.CurrentATR, true
}

// zoneTarget returns the nearest supply zone above price for a LONG, or the
// nearest demand zone below price for a SHORT, as a candidate take-profit.
func (a *Agent) zoneTarget(ctx context.Context, symbol, timeframe string, isBullish bool, currentPrice float64) (float64, bool) {
	zones, err := a.store.Zones(ctx, symbol, timeframe)
	if err != nil || len(zones) == 0 {
		return 0, false
	}
	wantType := engine.ZoneSupply
	if !isBullish {
		wantType = engine.ZoneDemand
	}
	best, found := 0.0, false
	for _, z := range zones {
		if z.Type != wantType {
			continue
		}
		if isBullish && z.CenterPrice > currentPrice && (!found || z.CenterPrice < best) {
			best, found = z.CenterPrice, true
		}
		if !isBullish && z.CenterPrice < currentPrice && (!found || z.CenterPrice > best) {
			best, found = z.CenterPrice, true
		}
	}
	return best, found
}

func whipsawCooldownKey(agentID int64) string {
	return fmt.Sprintf("agent_whipsaw_cooldown:%d", agentID)
}

func (a *Agent) whipsawCooldownActive(ctx context.Context, agentID int64) bool {
	_, found, _ := a.cache.Get(ctx, whipsawCooldownKey(agentID))
	return found
}

// startWhipsawCooldown scales the configured floor up to 3x the agent's own
// candle interval per spec.md §8 P12 ("never re-open within 3 x
// candle_interval seconds") -- a fixed TTL would let 1h/4h/1d agents
// re-open well inside their own 3x window.
func (a *Agent) startWhipsawCooldown(ctx context.Context, agentID int64, timeframe string) {
	ttlSeconds := a.whipsawCooldownSeconds
	if minGap := 3 * evaluator.TFSeconds(timeframe); minGap > ttlSeconds {
		ttlSeconds = minGap
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	_ = a.cache.Set(ctx, whipsawCooldownKey(agentID), "1", ttl)
}

func riskSide(s store.Side) risk.Side {
	if s == store.SideShort {
		return risk.Short
	}
	return risk.Long
}

func directional(side risk.Side, diff float64) float64 {
	if side == risk.Short {
		return -diff
	}
	return diff
}

func tpCrossed(side risk.Side, barHigh, barLow, tp float64) bool {
	if side == risk.Long {
		return barHigh >= tp
	}
	return barLow <= tp
}
