package lighter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dn-cycle-bot/internal/config"
	"dn-cycle-bot/internal/venue"

	"go.uber.org/zap"
)

const testKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(config.TakerConfig{
		BaseURL:      url,
		Timeout:      2 * time.Second,
		MarketID:     7,
		AccountIndex: 3,
		PrivateKey:   testKey,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestPlaceOrderScalesPayload(t *testing.T) {
	var got orderPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Signature") == "" || r.Header.Get("X-Address") == "" {
			t.Errorf("missing auth headers")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"orderId": "ord-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	handle, err := c.PlaceOrder(context.Background(), venue.OrderRequest{
		ClientOrderID: "hedge-abc",
		Side:          venue.SideAsk,
		Size:          0.12345,
		Price:         2410.7,
		ReduceOnly:    true,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if handle.ID != "ord-1" || handle.Venue != "lighter" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if got.BaseAmount != 12345 {
		t.Fatalf("expected base amount 12345, got %d", got.BaseAmount)
	}
	if got.AvgExecutionPrice != 24107 {
		t.Fatalf("expected price 24107, got %d", got.AvgExecutionPrice)
	}
	if !got.IsAsk || !got.ReduceOnly {
		t.Fatalf("expected ask reduce-only, got %+v", got)
	}
	if got.MarketIndex != 7 || got.AccountIndex != 3 {
		t.Fatalf("unexpected routing fields %+v", got)
	}
}

func TestPlaceOrderRejectsBadInput(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")
	if _, err := c.PlaceOrder(context.Background(), venue.OrderRequest{Side: venue.SideBid, Size: 0, Price: 100}); err == nil {
		t.Fatalf("expected error for zero size")
	}
	if _, err := c.PlaceOrder(context.Background(), venue.OrderRequest{Side: venue.SideBid, Size: 1, Price: 0}); err == nil {
		t.Fatalf("expected error for zero price")
	}
}

func TestPlaceOrderMapsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "INSUFFICIENT_MARGIN", "message": "not enough collateral"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.PlaceOrder(context.Background(), venue.OrderRequest{Side: venue.SideBid, Size: 1, Price: 100})
	if !venue.IsInsufficientMargin(err) {
		t.Fatalf("expected margin rejection, got %v", err)
	}
}

func TestRateLimitedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.PlaceOrder(context.Background(), venue.OrderRequest{Side: venue.SideBid, Size: 1, Price: 100})
	if !venue.IsRateLimited(err) {
		t.Fatalf("expected rate limit rejection, got %v", err)
	}
}

func TestFillsSideMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "since=1000") {
			t.Errorf("missing since param, got %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"trades": []map[string]any{
				{"tradeId": "t1", "orderId": "o1", "isAsk": true, "size": -0.5, "price": 2400.0, "timestamp": 1100},
				{"tradeId": "t2", "orderId": "o2", "isAsk": false, "size": 0.25, "price": 2401.0, "timestamp": 1200},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	fills, err := c.Fills(context.Background(), 1000)
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if fills[0].Side != venue.SideAsk || fills[0].Size != 0.5 {
		t.Fatalf("unexpected first fill %+v", fills[0])
	}
	if fills[1].Side != venue.SideBid || fills[1].Size != 0.25 {
		t.Fatalf("unexpected second fill %+v", fills[1])
	}
}

func TestPositionSign(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"accounts": []map[string]any{{
				"collateral":     "500",
				"equity":         "510",
				"freeCollateral": "400",
				"positions": []map[string]any{
					{"marketId": 7, "position": "0.75", "sign": -1},
					{"marketId": 9, "position": "2", "sign": 1},
				},
			}},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	pos, err := c.Position(context.Background())
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos != -0.75 {
		t.Fatalf("expected -0.75, got %v", pos)
	}
	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.HasMarginRatio || snap.MarginRatio <= 0.78 || snap.MarginRatio >= 0.79 {
		t.Fatalf("unexpected margin ratio %+v", snap)
	}
}

func TestMapRejection(t *testing.T) {
	if err := mapRejection("COLLATERAL_TOO_LOW", "x"); !venue.IsInsufficientMargin(err) {
		t.Fatalf("collateral code not mapped to margin: %v", err)
	}
	if err := mapRejection("RATE_LIMIT", "x"); !venue.IsRateLimited(err) {
		t.Fatalf("rate code not mapped: %v", err)
	}
	err := mapRejection("WEIRD", "something odd")
	if !venue.IsRejection(err) || venue.IsInsufficientMargin(err) || venue.IsRateLimited(err) {
		t.Fatalf("unknown code misclassified: %v", err)
	}
}

func TestSigner(t *testing.T) {
	if _, err := NewSigner("not-a-key"); err == nil {
		t.Fatalf("expected error for malformed key")
	}
	s, err := NewSigner("0x" + testKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sig, err := s.SignPayload([]byte(`{"hello":1}`))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// 65 signature bytes hex-encoded plus the 0x prefix.
	if len(sig) != 132 || !strings.HasPrefix(sig, "0x") {
		t.Fatalf("unexpected signature shape %q", sig)
	}
}
