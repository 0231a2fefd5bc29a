package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/reversalpro/broker/internal/store"
)

// LiveAdapter routes market orders to a real venue, HMAC-signed the same
// way as the teacher's internal/binance/futures_client.go. Only the two
// calls the position manager needs (open/close at market) are implemented;
// the rest of that client's surface (leverage, algo orders, klines) has no
// home in this engine's scope.
type LiveAdapter struct {
	baseURL    string
	httpClient *http.Client
	conv       *Converter
}

// NewLiveAdapter constructs a LiveAdapter against baseURL (production or
// testnet, chosen by the caller).
func NewLiveAdapter(baseURL string, conv *Converter) *LiveAdapter {
	return &LiveAdapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		conv:       conv,
	}
}

func sign(secretKey, query string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *LiveAdapter) signedPost(ctx context.Context, creds Credentials, endpoint string, params map[string]string) ([]byte, error) {
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = "5000"

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	query := values.Encode()
	signature := sign(strings.TrimSpace(creds.SecretKey), query)

	reqURL := fmt.Sprintf("%s%s?%s&signature=%s", a.baseURL, endpoint, query, signature)

	var body []byte
	err := withRetry(ctx, "order", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
		if err != nil {
			return terminal(err)
		}
		req.Header.Set("X-MBX-APIKEY", strings.TrimSpace(creds.APIKey))

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return retryable(err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return retryable(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retryable(fmt.Errorf("exchange: status %d: %s", resp.StatusCode, string(b)))
		}
		if resp.StatusCode != http.StatusOK {
			return terminal(fmt.Errorf("exchange: status %d: %s", resp.StatusCode, string(b)))
		}
		body = b
		return nil
	})
	return body, err
}

type orderResponse struct {
	Status      string `json:"status"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
}

func (a *LiveAdapter) placeMarketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity float64) (OrderResult, error) {
	params := map[string]string{
		"symbol":   symbol,
		"side":     side,
		"type":     "MARKET",
		"quantity": strconv.FormatFloat(quantity, 'f', -1, 64),
	}
	raw, err := a.signedPost(ctx, creds, "/fapi/v1/order", params)
	if err != nil {
		return OrderResult{Success: false, Error: err.Error()}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return OrderResult{Success: false, Error: err.Error()}, err
	}
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	executedQty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	return OrderResult{
		Success:     true,
		FilledPrice: avgPrice,
		Quantity:    executedQty,
	}, nil
}

func (a *LiveAdapter) MarketOpen(ctx context.Context, symbol string, side store.Side, eurAmount, currentPrice float64, mode Mode, creds Credentials) (OrderResult, error) {
	usdt, err := a.conv.EURToUSDT(ctx, eurAmount)
	if err != nil {
		return OrderResult{Success: false, Error: err.Error()}, err
	}
	if currentPrice <= 0 {
		return OrderResult{Success: false, Error: "invalid current price"}, fmt.Errorf("exchange: invalid current price")
	}
	quantity := usdt / currentPrice
	venueSide := "BUY"
	if side == store.SideShort {
		venueSide = "SELL"
	}
	return a.placeMarketOrder(ctx, creds, symbol, venueSide, quantity)
}

func (a *LiveAdapter) MarketClose(ctx context.Context, symbol string, side store.Side, quantity, currentPrice float64, mode Mode, creds Credentials) (OrderResult, error) {
	// closing a LONG sells, closing a SHORT buys back.
	venueSide := "SELL"
	if side == store.SideShort {
		venueSide = "BUY"
	}
	return a.placeMarketOrder(ctx, creds, symbol, venueSide, quantity)
}

func (a *LiveAdapter) EURToUSDT(ctx context.Context, eur float64) (float64, error) {
	return a.conv.EURToUSDT(ctx, eur)
}

func (a *LiveAdapter) USDTToEUR(ctx context.Context, usdt float64) (float64, error) {
	return a.conv.USDTToEUR(ctx, usdt)
}
