package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRESTFetcher_FetchKlines(t *testing.T) {
	raw := [][]interface{}{
		{int64(1700000000000), "100.5", "101.2", "99.8", "100.9", "1234.5", int64(1700000059999), "0", 0, "0", "0", "0"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected symbol query: %s", r.URL.Query().Get("symbol"))
		}
		_ = json.NewEncoder(w).Encode(raw)
	}))
	defer srv.Close()

	f := NewRESTFetcher(srv.URL)
	bars, err := f.FetchKlines(context.Background(), "BTCUSDT", "1m", 10, nil)
	if err != nil {
		t.Fatalf("FetchKlines: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(bars))
	}
	b := bars[0]
	if b.Open != 100.5 || b.High != 101.2 || b.Low != 99.8 || b.Close != 100.9 || b.Volume != 1234.5 {
		t.Errorf("unexpected bar fields: %+v", b)
	}
	if !b.Time.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Errorf("unexpected bar time: %v", b.Time)
	}
}

func TestRESTFetcher_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewRESTFetcher(srv.URL)
	if _, err := f.FetchKlines(context.Background(), "BTCUSDT", "1m", 10, nil); err == nil {
		t.Error("expected error on non-200 status")
	}
}

func TestLowerSymbol(t *testing.T) {
	if got := lowerSymbol("BTCUSDT"); got != "btcusdt" {
		t.Errorf("lowerSymbol: got %q", got)
	}
}
