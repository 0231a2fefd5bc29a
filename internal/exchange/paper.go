package exchange

import (
	"context"

	"github.com/reversalpro/broker/internal/store"
)

// PaperAdapter simulates fills at the current mark price, grounded on the
// teacher's paper-trading branch in internal/binance/futures_client.go
// (same interface, no network round-trip, instant fill).
type PaperAdapter struct {
	conv *Converter
}

// NewPaperAdapter constructs a PaperAdapter.
func NewPaperAdapter(conv *Converter) *PaperAdapter {
	return &PaperAdapter{conv: conv}
}

func (p *PaperAdapter) MarketOpen(ctx context.Context, symbol string, side store.Side, eurAmount, currentPrice float64, mode Mode, creds Credentials) (OrderResult, error) {
	usdt, err := p.conv.EURToUSDT(ctx, eurAmount)
	if err != nil {
		return OrderResult{Success: false, Error: err.Error(), IsPaper: true}, err
	}
	if currentPrice <= 0 {
		return OrderResult{Success: false, Error: "invalid current price", IsPaper: true}, nil
	}
	return OrderResult{
		Success:     true,
		FilledPrice: currentPrice,
		Quantity:    usdt / currentPrice,
		IsPaper:     true,
	}, nil
}

func (p *PaperAdapter) MarketClose(ctx context.Context, symbol string, side store.Side, quantity, currentPrice float64, mode Mode, creds Credentials) (OrderResult, error) {
	if currentPrice <= 0 {
		return OrderResult{Success: false, Error: "invalid current price", IsPaper: true}, nil
	}
	return OrderResult{
		Success:     true,
		FilledPrice: currentPrice,
		Quantity:    quantity,
		IsPaper:     true,
	}, nil
}

func (p *PaperAdapter) EURToUSDT(ctx context.Context, eur float64) (float64, error) {
	return p.conv.EURToUSDT(ctx, eur)
}

func (p *PaperAdapter) USDTToEUR(ctx context.Context, usdt float64) (float64, error) {
	return p.conv.USDTToEUR(ctx, usdt)
}
