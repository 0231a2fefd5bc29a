// Package fetch implements the OHLCV Fetcher spec.md treats as an external
// collaborator: the pipeline scheduler only depends on the Fetcher
// interface below, never on a venue's wire format. Two thin
// implementations are provided -- a REST backfill fetcher for cold-start
// and catch-up windows, and a websocket kline-stream tail for near-real-time
// updates between sweeps -- both grounded on the teacher's
// internal/binance client and user_data_stream.go, but reduced to exactly
// the surface this engine consumes (closed candles only; no user-data,
// order, or account streams).
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reversalpro/broker/internal/engine"
	"github.com/reversalpro/broker/internal/logging"
)

// Fetcher returns closed OHLCV candles for (symbol, timeframe), oldest
// first. limit bounds how many candles to return; since, if non-nil,
// requests only candles at or after that time.
type Fetcher interface {
	FetchKlines(ctx context.Context, symbol, timeframe string, limit int, since *time.Time) ([]engine.Bar, error)
}

// RESTFetcher pulls closed klines from the venue's REST API, grounded on
// the teacher's internal/binance/client.go GetKlines call.
type RESTFetcher struct {
	baseURL    string
	httpClient *http.Client
}

// NewRESTFetcher constructs a RESTFetcher against baseURL.
func NewRESTFetcher(baseURL string) *RESTFetcher {
	return &RESTFetcher{baseURL: baseURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// rawKline mirrors one element of Binance's [][]interface{} kline array
// response: [openTime, open, high, low, close, volume, closeTime, ...].
type rawKline [12]json.RawMessage

func (a *RESTFetcher) FetchKlines(ctx context.Context, symbol, timeframe string, limit int, since *time.Time) ([]engine.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", timeframe)
	if limit <= 0 || limit > 1500 {
		limit = 500
	}
	q.Set("limit", strconv.Itoa(limit))
	if since != nil {
		q.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}

	reqURL := fmt.Sprintf("%s/fapi/v1/klines?%s", a.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: klines request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: klines status %d", resp.StatusCode)
	}

	var raw []rawKline
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("fetch: decode klines: %w", err)
	}

	bars := make([]engine.Bar, 0, len(raw))
	for _, k := range raw {
		bar, err := parseKline(k)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseKline(k rawKline) (engine.Bar, error) {
	var openTimeMs int64
	if err := json.Unmarshal(k[0], &openTimeMs); err != nil {
		return engine.Bar{}, fmt.Errorf("fetch: parse open time: %w", err)
	}
	open, err1 := parseQuotedFloat(k[1])
	high, err2 := parseQuotedFloat(k[2])
	low, err3 := parseQuotedFloat(k[3])
	closePrice, err4 := parseQuotedFloat(k[4])
	volume, err5 := parseQuotedFloat(k[5])
	for _, e := range []error{err1, err2, err3, err4, err5} {
		if e != nil {
			return engine.Bar{}, fmt.Errorf("fetch: parse kline field: %w", e)
		}
	}
	return engine.Bar{
		Time: time.UnixMilli(openTimeMs).UTC(), Open: open, High: high, Low: low, Close: closePrice, Volume: volume,
	}, nil
}

func parseQuotedFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// StreamFetcher tails a single-symbol kline websocket stream, buffering
// newly closed candles for the pipeline scheduler to drain. It does not
// implement Fetcher directly -- a websocket push model doesn't fit a
// request/response interface -- callers combine it with RESTFetcher for
// cold-start and drain Closed() between sweeps.
type StreamFetcher struct {
	wsBaseURL string
	symbol    string
	timeframe string
	closed    chan engine.Bar
}

// NewStreamFetcher constructs a StreamFetcher. Closed delivers one bar per
// closed candle; callers should drain it continuously to avoid blocking the
// internal read loop once the channel buffer (64 bars) fills.
func NewStreamFetcher(wsBaseURL, symbol, timeframe string) *StreamFetcher {
	return &StreamFetcher{
		wsBaseURL: wsBaseURL, symbol: symbol, timeframe: timeframe,
		closed: make(chan engine.Bar, 64),
	}
}

// Closed returns the channel of newly closed candles.
func (s *StreamFetcher) Closed() <-chan engine.Bar {
	return s.closed
}

type klineStreamEvent struct {
	K struct {
		StartTime int64  `json:"t"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// Run dials the stream and reconnects with backoff until ctx is canceled,
// mirroring the teacher's UserDataStream.connect/readLoop pair.
func (s *StreamFetcher) Run(ctx context.Context) {
	streamName := fmt.Sprintf("%s@kline_%s", lowerSymbol(s.symbol), s.timeframe)
	wsURL := fmt.Sprintf("%s/ws/%s", s.wsBaseURL, streamName)

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			logging.WebSocketContext(s.symbol, streamName).WithField("error", err.Error()).Warn("kline stream dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		time.Sleep(3 * time.Second)
	}
}

func (s *StreamFetcher) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt klineStreamEvent
		if err := json.Unmarshal(message, &evt); err != nil {
			continue
		}
		if !evt.K.IsClosed {
			continue
		}
		open, _ := strconv.ParseFloat(evt.K.Open, 64)
		high, _ := strconv.ParseFloat(evt.K.High, 64)
		low, _ := strconv.ParseFloat(evt.K.Low, 64)
		closePrice, _ := strconv.ParseFloat(evt.K.Close, 64)
		volume, _ := strconv.ParseFloat(evt.K.Volume, 64)
		bar := engine.Bar{
			Time: time.UnixMilli(evt.K.StartTime).UTC(), Open: open, High: high, Low: low, Close: closePrice, Volume: volume,
		}
		select {
		case s.closed <- bar:
		default:
			// buffer full: the pipeline scheduler's REST backfill will pick
			// up the gap on its next sweep, so dropping here is safe.
		}
	}
}

func lowerSymbol(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
