package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/reversalpro/broker/internal/engine"
)

// Store provides data access over the bars/signals/zones/agents schema.
// Grounded on the teacher's internal/database.Repository: raw SQL, $N
// placeholders, pool.QueryRow/.Scan, no ORM.
type Store struct {
	db *DB
}

// NewStore wraps a DB in a Store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// HealthCheck pings the underlying pool.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

// ============================================================================
// OHLCV bars (component A)
// ============================================================================

// UpsertBars inserts bars, overwriting on (time, symbol, timeframe) conflict.
func (s *Store) UpsertBars(ctx context.Context, symbol, timeframe string, bars []engine.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
		INSERT INTO ohlcv_bars (time, symbol, timeframe, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (time, symbol, timeframe) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume
	`
	for _, b := range bars {
		batch.Queue(q, b.Time, symbol, timeframe, b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	br := s.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range bars {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: upsert bars: %w", err)
		}
	}
	return nil
}

// GetBars returns the most recent `limit` bars for (symbol, timeframe) in
// chronological order, ready to feed to engine.Analyze.
func (s *Store) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]engine.Bar, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT time, open, high, low, close, volume FROM (
			SELECT time, open, high, low, close, volume
			FROM ohlcv_bars
			WHERE symbol = $1 AND timeframe = $2
			ORDER BY time DESC
			LIMIT $3
		) recent ORDER BY time ASC
	`, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get bars: %w", err)
	}
	defer rows.Close()

	var bars []engine.Bar
	for rows.Next() {
		var b engine.Bar
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("store: scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ============================================================================
// Pivots, signals, zones, analysis runs (component B)
// ============================================================================

// UpsertPivots persists pivots for (symbol, timeframe), deduplicating
// across re-analyses on (time, is_high, is_preview).
func (s *Store) UpsertPivots(ctx context.Context, symbol, timeframe string, pivots []engine.Pivot, barTimeOf func(barIndex int) time.Time) error {
	if len(pivots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
		INSERT INTO pivots (symbol, timeframe, time, is_high, bar_index, price, actual_price, is_preview)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, time, is_high, is_preview) DO UPDATE SET
			bar_index = EXCLUDED.bar_index, price = EXCLUDED.price, actual_price = EXCLUDED.actual_price
	`
	for _, p := range pivots {
		batch.Queue(q, symbol, timeframe, barTimeOf(p.BarIndex), p.IsHigh, p.BarIndex, p.Price, p.ActualPrice, p.IsPreview)
	}
	br := s.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range pivots {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: upsert pivots: %w", err)
		}
	}
	return nil
}

// RecentPivots returns the `n` most recent non-preview pivots of the given
// direction for (symbol, timeframe), newest first -- used by the Signal
// Evaluator's same-TF and higher-TF momentum filters.
func (s *Store) RecentPivots(ctx context.Context, symbol, timeframe string, isHigh bool, n int) ([]Pivot, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, time, is_high, bar_index, price, actual_price, is_preview, created_at
		FROM pivots
		WHERE symbol = $1 AND timeframe = $2 AND is_high = $3 AND is_preview = FALSE
		ORDER BY time DESC
		LIMIT $4
	`, symbol, timeframe, isHigh, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent pivots: %w", err)
	}
	defer rows.Close()

	var out []Pivot
	for rows.Next() {
		var p Pivot
		p.Symbol, p.Timeframe = symbol, timeframe
		if err := rows.Scan(&p.ID, &p.Time, &p.IsHigh, &p.BarIndex, &p.Price, &p.ActualPrice, &p.IsPreview, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan pivot: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertSignals applies spec.md's upsert-and-prune rule: signals are
// upserted keyed by (time, symbol, timeframe, is_bullish) with
// detected_at = COALESCE(existing.detected_at, new.detected_at), and any
// signal present in the DB but absent from the new result is deleted.
//
// On the first-ever analysis of a (symbol, timeframe) -- no existing rows --
// any signal older than 100 candles (measured from lastBarTime back by
// candleInterval) is backdated to its own bar time instead of stamped
// detected_at = now, per spec.md §3 and original_source/analysis_service.py's
// first_analysis/recent_cutoff logic. This keeps a cold start against deep
// historical bars from making every old reversal look freshly detected.
func (s *Store) UpsertSignals(ctx context.Context, symbol, timeframe string, signals []Signal, lastBarTime time.Time, candleInterval time.Duration) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert signals begin: %w", err)
	}
	defer tx.Rollback(ctx)

	type sigKey struct {
		t time.Time
		b bool
	}
	rows, err := tx.Query(ctx, `SELECT time, is_bullish, detected_at FROM reversal_signals WHERE symbol = $1 AND timeframe = $2`, symbol, timeframe)
	if err != nil {
		return fmt.Errorf("store: list existing signals: %w", err)
	}
	existing := make(map[sigKey]time.Time)
	for rows.Next() {
		var k sigKey
		var detectedAt time.Time
		if err := rows.Scan(&k.t, &k.b, &detectedAt); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan existing signal: %w", err)
		}
		existing[k] = detectedAt
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	firstAnalysis := len(existing) == 0
	if candleInterval <= 0 {
		candleInterval = time.Minute
	}
	recentCutoff := lastBarTime.Add(-100 * candleInterval)

	keep := make(map[sigKey]bool, len(signals))
	const upsert = `
		INSERT INTO reversal_signals (symbol, timeframe, time, bar_index, price, actual_price, is_bullish, is_preview, label, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (time, symbol, timeframe, is_bullish) DO UPDATE SET
			bar_index = EXCLUDED.bar_index,
			price = EXCLUDED.price,
			actual_price = EXCLUDED.actual_price,
			is_preview = EXCLUDED.is_preview,
			label = EXCLUDED.label,
			detected_at = COALESCE(reversal_signals.detected_at, EXCLUDED.detected_at)
	`
	for _, sig := range signals {
		k := sigKey{sig.Time, sig.IsBullish}
		detectedAt := sig.DetectedAt
		if _, hadExisting := existing[k]; !hadExisting && firstAnalysis && sig.Time.Before(recentCutoff) {
			detectedAt = sig.Time
		}
		if _, err := tx.Exec(ctx, upsert, symbol, timeframe, sig.Time, sig.BarIndex, sig.Price, sig.ActualPrice, sig.IsBullish, sig.IsPreview, sig.Label, detectedAt); err != nil {
			return fmt.Errorf("store: upsert signal: %w", err)
		}
		keep[k] = true
	}

	// Stale cleanup: delete rows not present in the new result, so agents
	// never observe zero signals mid-run. Reuses the row set fetched above.
	var stale []sigKey
	for k := range existing {
		if !keep[k] {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		if _, err := tx.Exec(ctx, `DELETE FROM reversal_signals WHERE symbol=$1 AND timeframe=$2 AND time=$3 AND is_bullish=$4`, symbol, timeframe, k.t, k.b); err != nil {
			return fmt.Errorf("store: prune stale signal: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// LatestSignal returns the most recent confirmed signal of the given
// direction for (symbol, timeframe), or ok=false if none exists.
func (s *Store) LatestSignal(ctx context.Context, symbol, timeframe string, isBullish bool) (Signal, bool, error) {
	var sig Signal
	sig.Symbol, sig.Timeframe = symbol, timeframe
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, time, bar_index, price, actual_price, is_bullish, is_preview, label, detected_at
		FROM reversal_signals
		WHERE symbol = $1 AND timeframe = $2 AND is_bullish = $3 AND is_preview = FALSE
		ORDER BY time DESC LIMIT 1
	`, symbol, timeframe, isBullish).Scan(&sig.ID, &sig.Time, &sig.BarIndex, &sig.Price, &sig.ActualPrice, &sig.IsBullish, &sig.IsPreview, &sig.Label, &sig.DetectedAt)
	if err == pgx.ErrNoRows {
		return Signal{}, false, nil
	}
	if err != nil {
		return Signal{}, false, fmt.Errorf("store: latest signal: %w", err)
	}
	return sig, true, nil
}

// ReplaceZones deletes all zones for (symbol, timeframe) and inserts the
// given set as-is; the MaxZones cap of spec.md §4.C stage 6 is applied by
// the engine before the zones reach this call.
func (s *Store) ReplaceZones(ctx context.Context, symbol, timeframe string, zones []engine.Zone) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: replace zones begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM zones WHERE symbol = $1 AND timeframe = $2`, symbol, timeframe); err != nil {
		return fmt.Errorf("store: delete zones: %w", err)
	}
	const ins = `
		INSERT INTO zones (symbol, timeframe, zone_type, center_price, top_price, bottom_price, start_bar, end_bar)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, z := range zones {
		if _, err := tx.Exec(ctx, ins, symbol, timeframe, string(z.Type), z.CenterPrice, z.TopPrice, z.BottomPrice, z.StartBar, z.EndBar); err != nil {
			return fmt.Errorf("store: insert zone: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Zones returns the current zones for (symbol, timeframe).
func (s *Store) Zones(ctx context.Context, symbol, timeframe string) ([]Zone, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, zone_type, center_price, top_price, bottom_price, start_bar, end_bar
		FROM zones WHERE symbol = $1 AND timeframe = $2
	`, symbol, timeframe)
	if err != nil {
		return nil, fmt.Errorf("store: zones: %w", err)
	}
	defer rows.Close()
	var out []Zone
	for rows.Next() {
		var z Zone
		var zt string
		z.Symbol, z.Timeframe = symbol, timeframe
		if err := rows.Scan(&z.ID, &zt, &z.CenterPrice, &z.TopPrice, &z.BottomPrice, &z.StartBar, &z.EndBar); err != nil {
			return nil, fmt.Errorf("store: scan zone: %w", err)
		}
		z.Type = engine.ZoneType(zt)
		out = append(out, z)
	}
	return out, rows.Err()
}

// InsertAnalysisRun records one engine execution.
func (s *Store) InsertAnalysisRun(ctx context.Context, run AnalysisRun) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO analysis_runs (symbol, timeframe, current_atr, current_threshold, trend, bar_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.Symbol, run.Timeframe, run.CurrentATR, run.CurrentThreshold, string(run.Trend), run.BarCount)
	if err != nil {
		return fmt.Errorf("store: insert analysis run: %w", err)
	}
	return nil
}

// LatestAnalysisRun returns the most recent run for (symbol, timeframe).
func (s *Store) LatestAnalysisRun(ctx context.Context, symbol, timeframe string) (AnalysisRun, bool, error) {
	var run AnalysisRun
	run.Symbol, run.Timeframe = symbol, timeframe
	var trend string
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, run_at, current_atr, current_threshold, trend, bar_count
		FROM analysis_runs WHERE symbol = $1 AND timeframe = $2
		ORDER BY run_at DESC LIMIT 1
	`, symbol, timeframe).Scan(&run.ID, &run.RunAt, &run.CurrentATR, &run.CurrentThreshold, &trend, &run.BarCount)
	if err == pgx.ErrNoRows {
		return AnalysisRun{}, false, nil
	}
	if err != nil {
		return AnalysisRun{}, false, fmt.Errorf("store: latest analysis run: %w", err)
	}
	run.Trend = engine.Trend(trend)
	return run, true, nil
}

// ============================================================================
// Agents
// ============================================================================

// ActiveAgents returns every agent with is_active = true.
func (s *Store) ActiveAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, name, symbol, timeframe, trade_amount, balance, is_active, mode,
			sensitivity, signal_mode, atr_length, average_length, confirmation_bars,
			method, absolute_reversal, analysis_limit, created_at
		FROM agents WHERE is_active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("store: active agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	var mode, sensitivity, signalMode, method string
	if err := row.Scan(&a.ID, &a.Name, &a.Symbol, &a.Timeframe, &a.TradeAmount, &a.Balance, &a.IsActive, &mode,
		&sensitivity, &signalMode, &a.Params.ATRLength, &a.Params.AverageLength, &a.Params.ConfirmationBars,
		&method, &a.Params.AbsoluteReversal, &a.Params.AnalysisLimit, &a.CreatedAt); err != nil {
		return Agent{}, fmt.Errorf("store: scan agent: %w", err)
	}
	a.Mode = AgentMode(mode)
	a.Params.Sensitivity = engine.Sensitivity(sensitivity)
	a.Params.SignalMode = engine.SignalMode(signalMode)
	a.Params.Method = engine.CalculationMethod(method)
	return a, nil
}

// LockAgentForUpdate selects an agent row FOR UPDATE within tx, the first
// of the four at-most-once guards in spec.md §9: it serializes concurrent
// openers for the same agent.
func (s *Store) LockAgentForUpdate(ctx context.Context, tx pgx.Tx, agentID int64) (Agent, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, name, symbol, timeframe, trade_amount, balance, is_active, mode,
			sensitivity, signal_mode, atr_length, average_length, confirmation_bars,
			method, absolute_reversal, analysis_limit, created_at
		FROM agents WHERE id = $1 FOR UPDATE
	`, agentID)
	return scanAgent(row)
}

// ============================================================================
// Positions
// ============================================================================

// OpenPositionCount counts OPEN positions for an agent within tx -- the
// second at-most-once guard, checked in the same transaction as the row
// lock and the insert.
func (s *Store) OpenPositionCount(ctx context.Context, tx pgx.Tx, agentID int64) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM agent_positions WHERE agent_id = $1 AND status = 'OPEN'`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: open position count: %w", err)
	}
	return n, nil
}

// OpenPosition returns the single OPEN position for an agent, if any.
func (s *Store) OpenPosition(ctx context.Context, agentID int64) (AgentPosition, bool, error) {
	row := s.db.Pool.QueryRow(ctx, positionSelect+` WHERE agent_id = $1 AND status = 'OPEN'`, agentID)
	p, err := scanPosition(row)
	if err == pgx.ErrNoRows {
		return AgentPosition{}, false, nil
	}
	if err != nil {
		return AgentPosition{}, false, err
	}
	return p, true, nil
}

// HasProcessedSignal reports whether any position for this agent already
// used (signalTime, isBullish) as its entry signal -- the duplicate check
// required to be stable across signal-id churn (spec.md §4.F, P13).
func (s *Store) HasProcessedSignal(ctx context.Context, agentID int64, signalTime time.Time, isBullish bool) (bool, error) {
	var n int
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM agent_positions
		WHERE agent_id = $1 AND entry_signal_time = $2 AND entry_signal_is_bullish = $3
	`, agentID, signalTime, isBullish).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has processed signal: %w", err)
	}
	return n > 0, nil
}

const positionSelect = `
	SELECT id, agent_id, symbol, side, entry_price, stop_loss, original_stop_loss, take_profit, tp2,
		quantity, original_quantity, invested_eur, best_price, status, partial_closed, partial_pnl,
		entry_signal_time, entry_signal_is_bullish, exit_signal_id, pnl, pnl_percent, unrealized_pnl,
		opened_at, closed_at
	FROM agent_positions
`

func scanPosition(row rowScanner) (AgentPosition, error) {
	var p AgentPosition
	var side, status string
	if err := row.Scan(&p.ID, &p.AgentID, &p.Symbol, &side, &p.EntryPrice, &p.StopLoss, &p.OriginalStopLoss,
		&p.TakeProfit, &p.TP2, &p.Quantity, &p.OriginalQuantity, &p.InvestedEUR, &p.BestPrice, &status,
		&p.PartialClosed, &p.PartialPnL, &p.EntrySignalTime, &p.EntrySignalIsBullish, &p.ExitSignalID,
		&p.PnL, &p.PnLPercent, &p.UnrealizedPnL, &p.OpenedAt, &p.ClosedAt); err != nil {
		return AgentPosition{}, fmt.Errorf("store: scan position: %w", err)
	}
	p.Side, p.Status = Side(side), PositionStatus(status)
	return p, nil
}

// UpdatePosition persists the mutable fields of an in-flight position
// (stop loss ratchet, quantity after partial close, unrealized PnL, etc).
func (s *Store) UpdatePosition(ctx context.Context, p AgentPosition) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE agent_positions SET
			stop_loss = $2, take_profit = $3, tp2 = $4, quantity = $5, best_price = $6,
			partial_closed = $7, partial_pnl = $8, unrealized_pnl = $9
		WHERE id = $1
	`, p.ID, p.StopLoss, p.TakeProfit, p.TP2, p.Quantity, p.BestPrice, p.PartialClosed, p.PartialPnL, p.UnrealizedPnL)
	if err != nil {
		return fmt.Errorf("store: update position: %w", err)
	}
	return nil
}

// InsertPositionGuarded runs the open-sequence's three DB-side checks --
// row lock, open-count recheck, stable-signal-key recheck -- and the
// insert itself inside one transaction, so a concurrent opener for the
// same agent can never slip through between the check and the write. ok
// is false (with a reason, no error) when a guard legitimately rejected
// the insert; err is reserved for unexpected failures.
func (s *Store) InsertPositionGuarded(ctx context.Context, p *AgentPosition) (ok bool, reason string, err error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return false, "", fmt.Errorf("store: begin guarded insert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.LockAgentForUpdate(ctx, tx, p.AgentID); err != nil {
		return false, "", fmt.Errorf("store: lock agent: %w", err)
	}
	count, err := s.OpenPositionCount(ctx, tx, p.AgentID)
	if err != nil {
		return false, "", err
	}
	if count > 0 {
		return false, "already_open", nil
	}

	var dup int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM agent_positions
		WHERE agent_id = $1 AND entry_signal_time = $2 AND entry_signal_is_bullish = $3
	`, p.AgentID, p.EntrySignalTime, p.EntrySignalIsBullish).Scan(&dup)
	if err != nil {
		return false, "", fmt.Errorf("store: recheck duplicate signal: %w", err)
	}
	if dup > 0 {
		return false, "duplicate_signal", nil
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO agent_positions (agent_id, symbol, side, entry_price, stop_loss, original_stop_loss,
			take_profit, tp2, quantity, original_quantity, invested_eur, best_price, status,
			entry_signal_time, entry_signal_is_bullish)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'OPEN',$13,$14)
		RETURNING id, opened_at
	`, p.AgentID, p.Symbol, string(p.Side), p.EntryPrice, p.StopLoss, p.OriginalStopLoss, p.TakeProfit, p.TP2,
		p.Quantity, p.OriginalQuantity, p.InvestedEUR, p.BestPrice, p.EntrySignalTime, p.EntrySignalIsBullish,
	).Scan(&p.ID, &p.OpenedAt)
	if err != nil {
		return false, "", fmt.Errorf("store: insert guarded position: %w", err)
	}
	p.Status = StatusOpen

	if _, err := tx.Exec(ctx, `UPDATE agents SET balance = 0 WHERE id = $1`, p.AgentID); err != nil {
		return false, "", fmt.Errorf("store: zero balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, "", fmt.Errorf("store: commit guarded insert: %w", err)
	}
	return true, "", nil
}

// ClosePositionWithBalance finalizes a position's terminal fields and
// restores the agent's balance in one transaction.
func (s *Store) ClosePositionWithBalance(ctx context.Context, p AgentPosition, balanceAfter float64) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin close: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE agents SET balance = $2 WHERE id = $1`, p.AgentID, balanceAfter); err != nil {
		return fmt.Errorf("store: restore balance: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE agent_positions SET
			status = $2, pnl = $3, pnl_percent = $4, quantity = $5, closed_at = $6, exit_signal_id = $7,
			partial_closed = $8, partial_pnl = $9
		WHERE id = $1
	`, p.ID, string(p.Status), p.PnL, p.PnLPercent, p.Quantity, p.ClosedAt, p.ExitSignalID, p.PartialClosed, p.PartialPnL)
	if err != nil {
		return fmt.Errorf("store: close position: %w", err)
	}
	return tx.Commit(ctx)
}

// ============================================================================
// Agent logs
// ============================================================================

// AllAgents returns every configured agent regardless of IsActive, for the
// read-only admin API's agent listing.
func (s *Store) AllAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, name, symbol, timeframe, trade_amount, balance, is_active, mode,
			sensitivity, signal_mode, atr_length, average_length, confirmation_bars,
			method, absolute_reversal, analysis_limit, created_at
		FROM agents ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: all agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgentByID looks up a single agent, returning ok=false if it doesn't exist.
func (s *Store) AgentByID(ctx context.Context, agentID int64) (Agent, bool, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT id, name, symbol, timeframe, trade_amount, balance, is_active, mode,
			sensitivity, signal_mode, atr_length, average_length, confirmation_bars,
			method, absolute_reversal, analysis_limit, created_at
		FROM agents WHERE id = $1
	`, agentID)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return Agent{}, false, nil
	}
	if err != nil {
		return Agent{}, false, err
	}
	return a, true, nil
}

// AgentPositions returns every position (open and closed) for an agent,
// most recent first, for the read-only admin API.
func (s *Store) AgentPositions(ctx context.Context, agentID int64, limit int) ([]AgentPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx, positionSelect+`
		WHERE agent_id = $1 ORDER BY opened_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: agent positions: %w", err)
	}
	defer rows.Close()
	var out []AgentPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentSignals returns the most recent signals for (symbol, timeframe)
// across both directions, confirmed and preview alike, most recent first.
func (s *Store) RecentSignals(ctx context.Context, symbol, timeframe string, limit int) ([]Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, time, bar_index, price, actual_price, is_bullish, is_preview, label, detected_at
		FROM reversal_signals
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY time DESC LIMIT $3
	`, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent signals: %w", err)
	}
	defer rows.Close()
	var out []Signal
	for rows.Next() {
		var sig Signal
		sig.Symbol, sig.Timeframe = symbol, timeframe
		if err := rows.Scan(&sig.ID, &sig.Time, &sig.BarIndex, &sig.Price, &sig.ActualPrice, &sig.IsBullish, &sig.IsPreview, &sig.Label, &sig.DetectedAt); err != nil {
			return nil, fmt.Errorf("store: scan recent signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// RecentLogs returns the most recent lifecycle log entries for an agent.
func (s *Store) RecentLogs(ctx context.Context, agentID int64, limit int) ([]AgentLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, agent_id, action, details, created_at FROM agent_logs
		WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent logs: %w", err)
	}
	defer rows.Close()
	var out []AgentLog
	for rows.Next() {
		var l AgentLog
		var raw []byte
		if err := rows.Scan(&l.ID, &l.AgentID, &l.Action, &raw, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan log: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &l.Details); err != nil {
				return nil, fmt.Errorf("store: unmarshal log details: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// InsertLog writes a structured AgentLog row.
func (s *Store) InsertLog(ctx context.Context, agentID int64, action string, details map[string]interface{}) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("store: marshal log details: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `INSERT INTO agent_logs (agent_id, action, details) VALUES ($1, $2, $3)`, agentID, action, payload)
	if err != nil {
		return fmt.Errorf("store: insert log: %w", err)
	}
	return nil
}
