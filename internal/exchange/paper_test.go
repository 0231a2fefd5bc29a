package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/reversalpro/broker/internal/store"
)

type fixedRateSource struct {
	rate float64
	err  error
}

func (f fixedRateSource) FetchEURUSDT(ctx context.Context) (float64, error) {
	return f.rate, f.err
}

func TestPaperMarketOpenConvertsEURAtCurrentPrice(t *testing.T) {
	conv := NewConverter(nil, fixedRateSource{rate: 1.1})
	adapter := NewPaperAdapter(conv)

	res, err := adapter.MarketOpen(context.Background(), "BTCUSDT", store.SideLong, 100, 50000, Paper, Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.IsPaper {
		t.Fatalf("expected successful paper fill, got %+v", res)
	}
	if res.FilledPrice != 50000 {
		t.Errorf("expected fill at current price 50000, got %v", res.FilledPrice)
	}
	wantQty := (100 * 1.1) / 50000
	if res.Quantity != wantQty {
		t.Errorf("expected quantity %v, got %v", wantQty, res.Quantity)
	}
}

func TestPaperMarketOpenRejectsInvalidPrice(t *testing.T) {
	conv := NewConverter(nil, fixedRateSource{rate: 1.1})
	adapter := NewPaperAdapter(conv)

	res, err := adapter.MarketOpen(context.Background(), "BTCUSDT", store.SideLong, 100, 0, Paper, Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("expected failure on zero current price")
	}
}

func TestPaperMarketCloseFillsAtCurrentPrice(t *testing.T) {
	conv := NewConverter(nil, fixedRateSource{rate: 1.1})
	adapter := NewPaperAdapter(conv)

	res, err := adapter.MarketClose(context.Background(), "BTCUSDT", store.SideLong, 0.002, 51000, Paper, Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.FilledPrice != 51000 || res.Quantity != 0.002 {
		t.Errorf("unexpected close result: %+v", res)
	}
}

func TestConverterFallsBackToLastKnownGoodOnSourceFailure(t *testing.T) {
	src := &flakySource{rate: 1.08}
	conv := NewConverter(nil, src)

	rate, err := conv.Rate(context.Background())
	if err != nil || rate != 1.08 {
		t.Fatalf("expected first call to succeed with 1.08, got %v %v", rate, err)
	}

	src.err = errors.New("feed unavailable")
	rate, err = conv.Rate(context.Background())
	if err != nil {
		t.Fatalf("expected fallback to last-known-good, got error: %v", err)
	}
	if rate != 1.08 {
		t.Errorf("expected last-known-good rate 1.08, got %v", rate)
	}
}

func TestConverterErrorsWithNoCacheAndNoLastKnownGood(t *testing.T) {
	conv := NewConverter(nil, fixedRateSource{err: errors.New("down")})
	if _, err := conv.Rate(context.Background()); err == nil {
		t.Error("expected error when no rate is available at all")
	}
}

type flakySource struct {
	rate float64
	err  error
}

func (f *flakySource) FetchEURUSDT(ctx context.Context) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.rate, nil
}
