// Package exchange implements the Exchange Adapter (spec.md §6): paper and
// live order execution plus cached EUR<->USDT conversion. Retry/backoff and
// error classification are grounded on the teacher's
// internal/binance/futures_client.go.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/reversalpro/broker/internal/circuit"
	"github.com/reversalpro/broker/internal/logging"
	"github.com/reversalpro/broker/internal/store"
)

// Mode selects paper simulation vs live order routing.
type Mode string

const (
	Paper Mode = "paper"
	Live  Mode = "live"
)

// Credentials are the live-mode venue API key/secret, normally resolved
// from internal/vault per-agent.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// OrderResult is the shape every Adapter operation returns, per spec.md
// §6's market_open/market_close contract.
type OrderResult struct {
	Success      bool
	FilledPrice  float64
	Quantity     float64
	Error        string
	IsPaper      bool
}

// Adapter is the interface internal/position depends on. Paper and Live
// are the two concrete implementations; both are gated by the same
// circuit breaker instance passed at construction.
type Adapter interface {
	MarketOpen(ctx context.Context, symbol string, side store.Side, eurAmount, currentPrice float64, mode Mode, creds Credentials) (OrderResult, error)
	MarketClose(ctx context.Context, symbol string, side store.Side, quantity, currentPrice float64, mode Mode, creds Credentials) (OrderResult, error)
	EURToUSDT(ctx context.Context, eur float64) (float64, error)
	USDTToEUR(ctx context.Context, usdt float64) (float64, error)
}

const maxRetries = 5

// newBackOff mirrors the teacher's exponential-backoff-with-jitter tuning in
// internal/binance/futures_client.go, reimplemented on cenkalti/backoff/v4
// instead of a hand-rolled formula.
func newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.MaxInterval = 30 * time.Second
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.25
	return backoff.WithMaxRetries(eb, maxRetries)
}

// IsRetryable classifies an error as transient, grounded on the teacher's
// isRetryableError (HTTP 429/5xx and Binance's transient error codes).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if re, ok := err.(*retryableError); ok {
		return re.retryable
	}
	return false
}

type retryableError struct {
	err       error
	retryable bool
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func retryable(err error) error  { return &retryableError{err: err, retryable: true} }
func terminal(err error) error   { return &retryableError{err: err, retryable: false} }

// withRetry runs fn up to maxRetries+1 times, sleeping with exponential
// backoff between attempts, stopping early on a non-retryable error or on
// ctx cancellation.
func withRetry(ctx context.Context, label string, fn func() error) error {
	attempt := 0
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		attempt++
		return err
	}
	notify := func(err error, delay time.Duration) {
		logging.ExchangeContext(label, "").WithField("attempt", attempt).WithField("delay", delay.String()).Warn("exchange call failed, retrying")
	}
	return backoff.RetryNotify(operation, backoff.WithContext(newBackOff(), ctx), notify)
}

// guardedAdapter wraps an Adapter with the scoped circuit breaker from
// SPEC_FULL.md §3.2: it opens after N consecutive exchange errors and
// gates only outbound order placement, never the four position-invariant
// guards.
type guardedAdapter struct {
	inner   Adapter
	breaker *circuit.Breaker
}

// NewGuarded wraps inner with a circuit breaker.
func NewGuarded(inner Adapter, breaker *circuit.Breaker) Adapter {
	return &guardedAdapter{inner: inner, breaker: breaker}
}

func (g *guardedAdapter) MarketOpen(ctx context.Context, symbol string, side store.Side, eurAmount, currentPrice float64, mode Mode, creds Credentials) (OrderResult, error) {
	if !g.breaker.Allow() {
		return OrderResult{Success: false, Error: "circuit breaker open"}, fmt.Errorf("exchange: circuit breaker open")
	}
	res, err := g.inner.MarketOpen(ctx, symbol, side, eurAmount, currentPrice, mode, creds)
	g.record(err == nil && res.Success)
	return res, err
}

func (g *guardedAdapter) MarketClose(ctx context.Context, symbol string, side store.Side, quantity, currentPrice float64, mode Mode, creds Credentials) (OrderResult, error) {
	if !g.breaker.Allow() {
		return OrderResult{Success: false, Error: "circuit breaker open"}, fmt.Errorf("exchange: circuit breaker open")
	}
	res, err := g.inner.MarketClose(ctx, symbol, side, quantity, currentPrice, mode, creds)
	g.record(err == nil && res.Success)
	return res, err
}

func (g *guardedAdapter) EURToUSDT(ctx context.Context, eur float64) (float64, error) {
	return g.inner.EURToUSDT(ctx, eur)
}

func (g *guardedAdapter) USDTToEUR(ctx context.Context, usdt float64) (float64, error) {
	return g.inner.USDTToEUR(ctx, usdt)
}

func (g *guardedAdapter) record(ok bool) {
	if ok {
		g.breaker.RecordSuccess()
	} else {
		g.breaker.RecordFailure()
	}
}
