package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/reversalpro/broker/internal/events"
	"github.com/reversalpro/broker/internal/exchange"
	"github.com/reversalpro/broker/internal/risk"
	"github.com/reversalpro/broker/internal/store"
)

type fakeStore struct {
	processed        map[string]bool
	insertRejectOK   bool
	insertRejectWhy  string
	insertErr        error
	inserted         *store.AgentPosition
	updated          *store.AgentPosition
	closedBalance    float64
	closedPosition   *store.AgentPosition
	closeErr         error
	logs             []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{processed: map[string]bool{}, insertRejectOK: true}
}

func (f *fakeStore) InsertPositionGuarded(ctx context.Context, p *store.AgentPosition) (bool, string, error) {
	if f.insertErr != nil {
		return false, "", f.insertErr
	}
	if !f.insertRejectOK {
		return false, f.insertRejectWhy, nil
	}
	p.ID = 1
	p.Status = store.StatusOpen
	p.OpenedAt = time.Now()
	f.inserted = p
	return true, "", nil
}

func (f *fakeStore) ClosePositionWithBalance(ctx context.Context, p store.AgentPosition, balanceAfter float64) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closedPosition = &p
	f.closedBalance = balanceAfter
	return nil
}

func (f *fakeStore) UpdatePosition(ctx context.Context, p store.AgentPosition) error {
	f.updated = &p
	return nil
}

func (f *fakeStore) InsertLog(ctx context.Context, agentID int64, action string, details map[string]interface{}) error {
	f.logs = append(f.logs, action)
	return nil
}

func (f *fakeStore) HasProcessedSignal(ctx context.Context, agentID int64, signalTime time.Time, isBullish bool) (bool, error) {
	return f.processed[signalTime.String()], nil
}

func (f *fakeStore) OpenPosition(ctx context.Context, agentID int64) (store.AgentPosition, bool, error) {
	if f.inserted == nil {
		return store.AgentPosition{}, false, nil
	}
	return *f.inserted, true, nil
}

type fakeAdapter struct {
	openResult  exchange.OrderResult
	openErr     error
	closeResult exchange.OrderResult
	closeErr    error
	rate        float64
}

func (f *fakeAdapter) MarketOpen(ctx context.Context, symbol string, side store.Side, eurAmount, currentPrice float64, mode exchange.Mode, creds exchange.Credentials) (exchange.OrderResult, error) {
	return f.openResult, f.openErr
}

func (f *fakeAdapter) MarketClose(ctx context.Context, symbol string, side store.Side, quantity, currentPrice float64, mode exchange.Mode, creds exchange.Credentials) (exchange.OrderResult, error) {
	return f.closeResult, f.closeErr
}

func (f *fakeAdapter) EURToUSDT(ctx context.Context, eur float64) (float64, error) {
	return eur * f.rate, nil
}

func (f *fakeAdapter) USDTToEUR(ctx context.Context, usdt float64) (float64, error) {
	return usdt / f.rate, nil
}

func newManager(fs *fakeStore, fa *fakeAdapter) *Manager {
	return New(fs, fa, risk.NewManager(), events.NewEventBus(), zerolog.Nop())
}

func TestOpenRejectsDuplicateSignalBeforePlacingOrder(t *testing.T) {
	fs := newFakeStore()
	fa := &fakeAdapter{rate: 1.1}
	sigTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs.processed[sigTime.String()] = true

	m := newManager(fs, fa)
	_, err := m.Open(context.Background(), OpenInput{
		AgentID: 1, Symbol: "BTCUSDT", Side: risk.Long, CurrentPrice: 50000, TFMinutes: 60,
		EURAmount: 100, EntrySignalTime: sigTime, EntrySignalIsBullish: true,
	})
	if !errors.Is(err, ErrDuplicateSignal) {
		t.Fatalf("expected ErrDuplicateSignal, got %v", err)
	}
}

func TestOpenRejectsRiskFloorBeforePlacingOrder(t *testing.T) {
	fs := newFakeStore()
	fa := &fakeAdapter{rate: 1.1}
	m := newManager(fs, fa)

	// entry 100.00, opposite pivot extremely close -> stop distance under the 1h floor.
	_, err := m.Open(context.Background(), OpenInput{
		AgentID: 1, Symbol: "BTCUSDT", Side: risk.Long, CurrentPrice: 100.00, TFMinutes: 60,
		EURAmount: 100, OppositePivot: 99.95, HasPivot: true,
		EntrySignalTime: time.Now(), EntrySignalIsBullish: true,
	})
	if !errors.Is(err, ErrRiskFloor) {
		t.Fatalf("expected ErrRiskFloor, got %v", err)
	}
}

func TestOpenInsertsGuardedPositionOnSuccess(t *testing.T) {
	fs := newFakeStore()
	fa := &fakeAdapter{rate: 1.1, openResult: exchange.OrderResult{Success: true, FilledPrice: 50000, Quantity: 0.002}}
	m := newManager(fs, fa)

	p, err := m.Open(context.Background(), OpenInput{
		AgentID: 1, Symbol: "BTCUSDT", Side: risk.Long, CurrentPrice: 50000, TFMinutes: 60,
		EURAmount: 100, ATR: 200, HasATR: true,
		EntrySignalTime: time.Now(), EntrySignalIsBullish: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != store.StatusOpen || p.EntryPrice != 50000 {
		t.Errorf("unexpected position: %+v", p)
	}
	if fs.inserted == nil {
		t.Error("expected InsertPositionGuarded to be called")
	}
}

func TestOpenSurfacesAlreadyOpenRejection(t *testing.T) {
	fs := newFakeStore()
	fs.insertRejectOK = false
	fs.insertRejectWhy = "already_open"
	fa := &fakeAdapter{rate: 1.1, openResult: exchange.OrderResult{Success: true, FilledPrice: 50000, Quantity: 0.002}}
	m := newManager(fs, fa)

	_, err := m.Open(context.Background(), OpenInput{
		AgentID: 1, Symbol: "BTCUSDT", Side: risk.Long, CurrentPrice: 50000, TFMinutes: 60,
		EURAmount: 100, ATR: 200, HasATR: true,
		EntrySignalTime: time.Now(), EntrySignalIsBullish: true,
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestPartialCloseMovesStopToBreakeven(t *testing.T) {
	fs := newFakeStore()
	fa := &fakeAdapter{rate: 1.1, closeResult: exchange.OrderResult{Success: true, FilledPrice: 51000, Quantity: 0.001}}
	m := newManager(fs, fa)

	p := store.AgentPosition{
		AgentID: 1, Symbol: "BTCUSDT", Side: store.SideLong, EntryPrice: 50000,
		StopLoss: 49500, OriginalQuantity: 0.002, Quantity: 0.002, InvestedEUR: 100,
	}
	updated, err := m.PartialClose(context.Background(), p, 51000, exchange.Paper, exchange.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	if updated.StopLoss != updated.EntryPrice {
		t.Errorf("expected stop moved to breakeven %v, got %v", updated.EntryPrice, updated.StopLoss)
	}
	if !updated.PartialClosed || updated.PartialPnL <= 0 {
		t.Errorf("expected a recorded positive partial pnl, got %+v", updated)
	}
	if updated.Quantity != 0.001 {
		t.Errorf("expected remaining quantity 0.001, got %v", updated.Quantity)
	}
}

func TestCloseRestoresBalanceInvariant(t *testing.T) {
	fs := newFakeStore()
	fa := &fakeAdapter{rate: 1.0, closeResult: exchange.OrderResult{Success: true, FilledPrice: 52000, Quantity: 0.001}}
	m := newManager(fs, fa)

	p := store.AgentPosition{
		AgentID: 1, Symbol: "BTCUSDT", Side: store.SideLong, EntryPrice: 50000,
		Quantity: 0.001, InvestedEUR: 100, PartialPnL: 5,
	}
	_, err := m.Close(context.Background(), p, 52000, "TAKE_PROFIT", exchange.Paper, exchange.Credentials{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	wantPnL := (52000 - 50000) * 0.001 // rate 1.0, so USDT pnl == EUR pnl
	wantBalance := p.InvestedEUR + p.PartialPnL + wantPnL
	if fs.closedBalance != wantBalance {
		t.Errorf("balance invariant violated: got %v, want invested(%v)+partial(%v)+pnl(%v)=%v",
			fs.closedBalance, p.InvestedEUR, p.PartialPnL, wantPnL, wantBalance)
	}
}

func TestCloseLeavesPositionOpenOnOrderFailure(t *testing.T) {
	fs := newFakeStore()
	fa := &fakeAdapter{closeResult: exchange.OrderResult{Success: false, Error: "venue rejected order"}}
	m := newManager(fs, fa)

	p := store.AgentPosition{AgentID: 1, Symbol: "BTCUSDT", Side: store.SideLong, Status: store.StatusOpen}
	_, err := m.Close(context.Background(), p, 52000, "STOP_LOSS", exchange.Live, exchange.Credentials{}, nil)
	if err == nil {
		t.Fatal("expected an error when the closing order fails")
	}
	if fs.closedPosition != nil {
		t.Error("expected no DB write when the order fails, position must remain OPEN for retry")
	}
}

func TestCloseClassifiesStoppedOutVsClosed(t *testing.T) {
	fs := newFakeStore()
	fa := &fakeAdapter{rate: 1.0, closeResult: exchange.OrderResult{Success: true, FilledPrice: 49000, Quantity: 0.001}}
	m := newManager(fs, fa)

	p := store.AgentPosition{AgentID: 1, Symbol: "BTCUSDT", Side: store.SideLong, EntryPrice: 50000, Quantity: 0.001, InvestedEUR: 100}
	updated, err := m.Close(context.Background(), p, 49000, "STOP_LOSS", exchange.Paper, exchange.Credentials{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != store.StatusStopped {
		t.Errorf("expected STOPPED status for a STOP_LOSS exit, got %v", updated.Status)
	}
}
