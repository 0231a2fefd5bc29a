// Package position implements the Position Manager (spec.md §4.D): the
// guarded open sequence enforcing the at-most-one-position invariant, the
// two-stage take-profit close, and the EUR balance accounting rule.
// Grounded on the teacher's internal/database.Repository transactional
// pattern for the DB-side guards and internal/binance for the order leg.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/reversalpro/broker/internal/events"
	"github.com/reversalpro/broker/internal/exchange"
	"github.com/reversalpro/broker/internal/risk"
	"github.com/reversalpro/broker/internal/store"
)

var (
	// ErrRejected is returned when a DB-side guard rejected the open --
	// already-open or duplicate-signal. Use errors.Is against the
	// specific sentinel only for logging; callers branch on nothing more
	// than "skip this cycle".
	ErrRejected = errors.New("position: open rejected by guard")
	// ErrDuplicateSignal is returned when this exact (time, direction)
	// signal already produced a position for this agent -- the
	// application-level duplicate check that runs before the order is
	// even placed.
	ErrDuplicateSignal = errors.New("position: signal already processed")
	// ErrRiskFloor is returned when the computed stop distance is tighter
	// than the timeframe's minimum, per spec.md's risk-floor filter.
	ErrRiskFloor = errors.New("position: stop distance below risk floor")
)

// Store is the subset of internal/store.Store the position manager needs.
// InsertPositionGuarded and ClosePositionWithBalance each wrap their own
// transaction internally, so this interface never has to expose pgx.Tx.
type Store interface {
	InsertPositionGuarded(ctx context.Context, p *store.AgentPosition) (ok bool, reason string, err error)
	ClosePositionWithBalance(ctx context.Context, p store.AgentPosition, balanceAfter float64) error
	UpdatePosition(ctx context.Context, p store.AgentPosition) error
	InsertLog(ctx context.Context, agentID int64, action string, details map[string]interface{}) error
	HasProcessedSignal(ctx context.Context, agentID int64, signalTime time.Time, isBullish bool) (bool, error)
	OpenPosition(ctx context.Context, agentID int64) (store.AgentPosition, bool, error)
}

// Manager owns the guarded open/close sequence for every agent. It holds
// no per-agent state itself; the whipsaw cooldown lives in
// internal/orchestrator since it spans cycles, not single operations.
type Manager struct {
	store   Store
	adapter exchange.Adapter
	risk    *risk.Manager
	bus     *events.EventBus
	logger  zerolog.Logger
}

// New constructs a Manager.
func New(s Store, adapter exchange.Adapter, riskMgr *risk.Manager, bus *events.EventBus, logger zerolog.Logger) *Manager {
	return &Manager{store: s, adapter: adapter, risk: riskMgr, bus: bus, logger: logger.With().Str("component", "position").Logger()}
}

// OpenInput carries everything the open sequence needs to size, price, and
// persist a new position.
type OpenInput struct {
	AgentID              int64
	Symbol               string
	Side                 risk.Side
	CurrentPrice         float64
	TFMinutes            int
	EURAmount            float64
	Mode                 exchange.Mode
	Credentials          exchange.Credentials
	EntrySignalTime      time.Time
	EntrySignalIsBullish bool

	OppositePivot float64
	HasPivot      bool
	ATR           float64
	HasATR        bool
	ZoneTP        float64
	HasZoneTP     bool
}

// Open runs the guarded sequence: an application-level duplicate-signal
// check, the risk-floor filter, the order placement, then
// InsertPositionGuarded's transactional row-lock + open-count recheck +
// duplicate-signal recheck + insert. The distributed per-agent cycle lock
// (the third of the four at-most-once guards in spec.md §9) is acquired by
// the caller (internal/orchestrator) around the whole cycle, since it must
// also cover the signal-evaluation step that precedes this call.
func (m *Manager) Open(ctx context.Context, in OpenInput) (store.AgentPosition, error) {
	processed, err := m.store.HasProcessedSignal(ctx, in.AgentID, in.EntrySignalTime, in.EntrySignalIsBullish)
	if err != nil {
		return store.AgentPosition{}, fmt.Errorf("position: check processed signal: %w", err)
	}
	if processed {
		m.logSkip(ctx, in.AgentID, store.ReasonDuplicateSignal)
		return store.AgentPosition{}, ErrDuplicateSignal
	}

	sltp, err := m.risk.CalculateSLTP(risk.SLTPInput{
		Side: in.Side, EntryPrice: in.CurrentPrice, TFMinutes: in.TFMinutes,
		OppositePivot: in.OppositePivot, HasPivot: in.HasPivot,
		ATR: in.ATR, HasATR: in.HasATR,
		ZoneTP: in.ZoneTP, HasZoneTP: in.HasZoneTP,
	})
	if err != nil {
		return store.AgentPosition{}, fmt.Errorf("position: calculate sl/tp: %w", err)
	}
	if !risk.PassesRiskFloor(in.CurrentPrice, sltp.StopLoss, in.TFMinutes) {
		m.logSkip(ctx, in.AgentID, store.ReasonRiskFloor)
		return store.AgentPosition{}, ErrRiskFloor
	}

	res, err := m.adapter.MarketOpen(ctx, in.Symbol, storeSide(in.Side), in.EURAmount, in.CurrentPrice, in.Mode, in.Credentials)
	if err != nil || !res.Success {
		m.logOrderFailed(ctx, in.AgentID, res.Error)
		if err == nil {
			err = fmt.Errorf("position: order failed: %s", res.Error)
		}
		return store.AgentPosition{}, err
	}

	p := &store.AgentPosition{
		AgentID:              in.AgentID,
		Symbol:               in.Symbol,
		Side:                 storeSide(in.Side),
		EntryPrice:           res.FilledPrice,
		StopLoss:             sltp.StopLoss,
		OriginalStopLoss:     sltp.StopLoss,
		TakeProfit:           sltp.TakeProfit,
		TP2:                  sltp.TP2,
		Quantity:             res.Quantity,
		OriginalQuantity:     res.Quantity,
		InvestedEUR:          in.EURAmount,
		BestPrice:            res.FilledPrice,
		EntrySignalTime:      in.EntrySignalTime,
		EntrySignalIsBullish: in.EntrySignalIsBullish,
	}

	ok, reason, err := m.store.InsertPositionGuarded(ctx, p)
	if err != nil {
		return store.AgentPosition{}, fmt.Errorf("position: guarded insert: %w", err)
	}
	if !ok {
		m.logSkip(ctx, in.AgentID, reason)
		return store.AgentPosition{}, fmt.Errorf("%w: %s", ErrRejected, reason)
	}

	m.bus.PublishPositionOpened(in.AgentID, in.Symbol, string(p.Side), p.EntryPrice, p.Quantity)
	_ = m.store.InsertLog(ctx, in.AgentID, store.ActionPositionOpened, map[string]interface{}{
		"symbol": in.Symbol, "side": string(p.Side), "entry_price": p.EntryPrice,
		"quantity": p.Quantity, "stop_loss": p.StopLoss, "take_profit": p.TakeProfit,
	})
	m.logger.Info().Int64("agent_id", in.AgentID).Str("symbol", in.Symbol).Float64("entry", p.EntryPrice).Msg("position opened")
	return *p, nil
}

// PartialClose executes the TP1 leg: closes half the position at the
// current price, realizes that leg's EUR PnL, and moves the stop to
// breakeven. The caller (internal/orchestrator) is responsible for having
// already decided TP1 was hit.
func (m *Manager) PartialClose(ctx context.Context, p store.AgentPosition, currentPrice float64, mode exchange.Mode, creds exchange.Credentials) (store.AgentPosition, error) {
	half := p.OriginalQuantity / 2
	res, err := m.adapter.MarketClose(ctx, p.Symbol, p.Side, half, currentPrice, mode, creds)
	if err != nil || !res.Success {
		m.logOrderFailed(ctx, p.AgentID, res.Error)
		if err == nil {
			err = fmt.Errorf("position: partial close failed: %s", res.Error)
		}
		return p, err
	}

	pnlUSDT := directional(p.Side, res.FilledPrice-p.EntryPrice) * res.Quantity
	pnlEUR, err := m.adapter.USDTToEUR(ctx, pnlUSDT)
	if err != nil {
		return p, fmt.Errorf("position: convert partial pnl: %w", err)
	}

	p.Quantity -= res.Quantity
	p.PartialClosed = true
	p.PartialPnL = pnlEUR
	p.StopLoss = p.EntryPrice
	p.BestPrice = p.EntryPrice
	p.TakeProfit = p.TP2

	if err := m.store.UpdatePosition(ctx, p); err != nil {
		return p, fmt.Errorf("position: persist partial close: %w", err)
	}

	m.bus.PublishPartialTPClosed(p.AgentID, p.Symbol, res.Quantity, pnlEUR)
	m.bus.PublishStopLossMoved(p.AgentID, p.Symbol, p.StopLoss, true)
	_ = m.store.InsertLog(ctx, p.AgentID, store.ActionPartialTPClosed, map[string]interface{}{
		"symbol": p.Symbol, "closed_quantity": res.Quantity, "partial_pnl_eur": pnlEUR,
	})
	return p, nil
}

// UpdateTrailing persists a stop-loss ratchet (breakeven or trailing) that
// internal/risk.ApplyRatchet decided to apply, without closing anything.
func (m *Manager) UpdateTrailing(ctx context.Context, p store.AgentPosition, newStopLoss, newBestPrice float64, isBreakeven bool) error {
	p.StopLoss = newStopLoss
	p.BestPrice = newBestPrice
	if err := m.store.UpdatePosition(ctx, p); err != nil {
		return fmt.Errorf("position: persist trailing update: %w", err)
	}
	m.bus.PublishStopLossMoved(p.AgentID, p.Symbol, newStopLoss, isBreakeven)
	return nil
}

// UpdateUnrealizedPnL persists the mark-to-market PnL the orchestrator
// computes every cycle for an open position, without touching price levels.
func (m *Manager) UpdateUnrealizedPnL(ctx context.Context, p store.AgentPosition, unrealizedEUR float64) error {
	p.UnrealizedPnL = unrealizedEUR
	if err := m.store.UpdatePosition(ctx, p); err != nil {
		return fmt.Errorf("position: persist unrealized pnl: %w", err)
	}
	return nil
}

// Close finalizes a position: places the closing order, converts the
// realized USDT PnL to EUR, and restores the agent's balance to
// invested_eur + total_pnl_eur with no re-conversion of the invested
// capital itself (spec.md's balance accounting invariant). If the order
// fails, the position is left OPEN (neither the DB row nor the balance is
// touched) so the next cycle retries the close.
func (m *Manager) Close(ctx context.Context, p store.AgentPosition, currentPrice float64, reason string, mode exchange.Mode, creds exchange.Credentials, exitSignalID *int64) (store.AgentPosition, error) {
	res, err := m.adapter.MarketClose(ctx, p.Symbol, p.Side, p.Quantity, currentPrice, mode, creds)
	if err != nil || !res.Success {
		m.logOrderFailed(ctx, p.AgentID, res.Error)
		if err == nil {
			err = fmt.Errorf("position: close failed: %s", res.Error)
		}
		return p, err
	}

	pnlUSDT := directional(p.Side, res.FilledPrice-p.EntryPrice) * res.Quantity
	legPnLEUR, err := m.adapter.USDTToEUR(ctx, pnlUSDT)
	if err != nil {
		return p, fmt.Errorf("position: convert close pnl: %w", err)
	}

	totalPnLEUR := p.PartialPnL + legPnLEUR
	balanceAfter := p.InvestedEUR + totalPnLEUR
	now := time.Now()

	p.PnL = legPnLEUR
	p.PnLPercent = 0
	if p.InvestedEUR != 0 {
		p.PnLPercent = (totalPnLEUR / p.InvestedEUR) * 100
	}
	p.Quantity = res.Quantity
	p.ClosedAt = &now
	p.ExitSignalID = exitSignalID
	if reason == "STOP_LOSS" || reason == "TRAILING_STOP" {
		p.Status = store.StatusStopped
	} else {
		p.Status = store.StatusClosed
	}

	if err := m.store.ClosePositionWithBalance(ctx, p, balanceAfter); err != nil {
		return p, fmt.Errorf("position: persist close: %w", err)
	}

	action := store.ActionPositionClosed
	if p.Status == store.StatusStopped {
		action = store.ActionPositionStoppedOut
	}
	m.bus.PublishPositionClosed(p.AgentID, p.Symbol, reason, totalPnLEUR, p.PnLPercent)
	_ = m.store.InsertLog(ctx, p.AgentID, action, map[string]interface{}{
		"symbol": p.Symbol, "reason": reason, "exit_price": res.FilledPrice,
		"pnl_eur": totalPnLEUR, "pnl_percent": p.PnLPercent, "balance_after": balanceAfter,
	})
	m.logger.Info().Int64("agent_id", p.AgentID).Str("symbol", p.Symbol).Str("reason", reason).Float64("pnl_eur", totalPnLEUR).Msg("position closed")
	return p, nil
}

func (m *Manager) logSkip(ctx context.Context, agentID int64, reason string) {
	_ = m.store.InsertLog(ctx, agentID, store.ActionTradeSkipped, map[string]interface{}{"reason": reason})
}

func (m *Manager) logOrderFailed(ctx context.Context, agentID int64, reason string) {
	_ = m.store.InsertLog(ctx, agentID, store.ActionOrderFailed, map[string]interface{}{"error": reason})
}

func storeSide(s risk.Side) store.Side {
	if s == risk.Short {
		return store.SideShort
	}
	return store.SideLong
}

func directional(side store.Side, diff float64) float64 {
	if side == store.SideShort {
		return -diff
	}
	return diff
}
