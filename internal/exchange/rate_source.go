package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPRateSource fetches the EUR/USDT spot price from the venue's public
// ticker endpoint, the same unauthenticated call shape as LiveAdapter's
// signed order calls but without a signature.
type HTTPRateSource struct {
	baseURL    string
	symbol     string
	httpClient *http.Client
}

// NewHTTPRateSource constructs a rate source against baseURL's public
// ticker price endpoint for symbol (e.g. "EURUSDT").
func NewHTTPRateSource(baseURL, symbol string) *HTTPRateSource {
	return &HTTPRateSource{baseURL: baseURL, symbol: symbol, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

type tickerPriceResponse struct {
	Price string `json:"price"`
}

func (r *HTTPRateSource) FetchEURUSDT(ctx context.Context) (float64, error) {
	reqURL := fmt.Sprintf("%s/fapi/v1/ticker/price?symbol=%s", r.baseURL, r.symbol)

	var rate float64
	err := withRetry(ctx, "rate", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return terminal(err)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return retryable(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retryable(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retryable(fmt.Errorf("exchange: rate status %d: %s", resp.StatusCode, string(body)))
		}
		if resp.StatusCode != http.StatusOK {
			return terminal(fmt.Errorf("exchange: rate status %d: %s", resp.StatusCode, string(body)))
		}

		var parsed tickerPriceResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return terminal(err)
		}
		price, err := strconv.ParseFloat(parsed.Price, 64)
		if err != nil {
			return terminal(err)
		}
		rate = price
		return nil
	})
	return rate, err
}
