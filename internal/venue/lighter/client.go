// Package lighter implements the taker-side venue adapter. Orders are
// aggressive limits with an average-execution-price bound, submitted as
// wallet-signed JSON requests. The controller only ever takes liquidity here.
package lighter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dn-cycle-bot/internal/config"
	"dn-cycle-bot/internal/venue"

	"go.uber.org/zap"
)

const venueName = "lighter"

// Base amounts are integers in 1e-5 units; prices carry one decimal.
const (
	baseAmountScale = 1e5
	priceScale      = 10
)

type Client struct {
	baseURL      string
	http         *http.Client
	marketID     int
	accountIndex int
	signer       *Signer
	log          *zap.Logger
}

func New(cfg config.TakerConfig, log *zap.Logger) (*Client, error) {
	signer, err := NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		http:         &http.Client{Timeout: cfg.Timeout},
		marketID:     cfg.MarketID,
		accountIndex: cfg.AccountIndex,
		signer:       signer,
		log:          log,
	}, nil
}

func (c *Client) Name() string { return venueName }

type orderPayload struct {
	MarketIndex       int    `json:"marketIndex"`
	ClientOrderIndex  string `json:"clientOrderIndex,omitempty"`
	BaseAmount        int64  `json:"baseAmount"`
	AvgExecutionPrice int64  `json:"avgExecutionPrice"`
	IsAsk             bool   `json:"isAsk"`
	ReduceOnly        bool   `json:"reduceOnly"`
	NonceMS           int64  `json:"nonce"`
	AccountIndex      int    `json:"accountIndex"`
}

type orderResponse struct {
	OrderID string `json:"orderId"`
	TxHash  string `json:"txHash"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// PlaceOrder submits an aggressive limit. req.Price is the worst acceptable
// average execution price; the caller derives it from the BBO plus slippage.
func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderHandle, error) {
	if req.Size <= 0 || req.Price <= 0 {
		return venue.OrderHandle{}, errors.New("order size and price must be > 0")
	}
	payload := orderPayload{
		MarketIndex:       c.marketID,
		ClientOrderIndex:  req.ClientOrderID,
		BaseAmount:        int64(math.Round(req.Size * baseAmountScale)),
		AvgExecutionPrice: int64(math.Round(req.Price * priceScale)),
		IsAsk:             req.Side == venue.SideAsk,
		ReduceOnly:        req.ReduceOnly,
		NonceMS:           time.Now().UnixMilli(),
		AccountIndex:      c.accountIndex,
	}
	var resp orderResponse
	if err := c.signedPost(ctx, "/api/v1/orders", payload, &resp); err != nil {
		return venue.OrderHandle{}, err
	}
	if resp.Error != nil {
		return venue.OrderHandle{}, mapRejection(resp.Error.Code, resp.Error.Message)
	}
	id := resp.OrderID
	if id == "" {
		id = resp.TxHash
	}
	if id == "" {
		return venue.OrderHandle{}, fmt.Errorf("%s: missing order id in response", venueName)
	}
	return venue.OrderHandle{Venue: venueName, ID: id, ClientOrderID: req.ClientOrderID}, nil
}

func (c *Client) CancelOrder(ctx context.Context, handle venue.OrderHandle) error {
	payload := map[string]any{
		"marketIndex":  c.marketID,
		"orderId":      handle.ID,
		"accountIndex": c.accountIndex,
		"nonce":        time.Now().UnixMilli(),
	}
	var resp orderResponse
	if err := c.signedPost(ctx, "/api/v1/orders/cancel", payload, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return mapRejection(resp.Error.Code, resp.Error.Message)
	}
	return nil
}

func (c *Client) Fills(ctx context.Context, sinceMS int64) ([]venue.FillEvent, error) {
	path := fmt.Sprintf("/api/v1/trades?accountIndex=%d&marketIndex=%d", c.accountIndex, c.marketID)
	if sinceMS > 0 {
		path += "&since=" + strconv.FormatInt(sinceMS, 10)
	}
	var resp struct {
		Trades []struct {
			TradeID string  `json:"tradeId"`
			OrderID string  `json:"orderId"`
			IsAsk   bool    `json:"isAsk"`
			Size    float64 `json:"size"`
			Price   float64 `json:"price"`
			TimeMS  int64   `json:"timestamp"`
		} `json:"trades"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	events := make([]venue.FillEvent, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		side := venue.SideBid
		if t.IsAsk {
			side = venue.SideAsk
		}
		events = append(events, venue.FillEvent{
			ID:      t.TradeID,
			OrderID: t.OrderID,
			Side:    side,
			Size:    math.Abs(t.Size),
			Price:   t.Price,
			TimeMS:  t.TimeMS,
		})
	}
	return events, nil
}

type accountResponse struct {
	Accounts []struct {
		Collateral     json.Number `json:"collateral"`
		Equity         json.Number `json:"equity"`
		FreeCollateral json.Number `json:"freeCollateral"`
		Positions      []struct {
			MarketID int         `json:"marketId"`
			Position json.Number `json:"position"`
			Sign     int         `json:"sign"`
		} `json:"positions"`
	} `json:"accounts"`
}

func (c *Client) Position(ctx context.Context) (float64, error) {
	acct, err := c.fetchAccount(ctx)
	if err != nil {
		return 0, err
	}
	return acct.position(c.marketID), nil
}

func (c *Client) Snapshot(ctx context.Context) (venue.PositionSnapshot, error) {
	acct, err := c.fetchAccount(ctx)
	if err != nil {
		return venue.PositionSnapshot{}, err
	}
	bal := acct.balance()
	snap := venue.PositionSnapshot{
		Venue:    venueName,
		Position: acct.position(c.marketID),
		Balance:  bal,
		Time:     time.Now().UTC(),
	}
	if bal.EquityUSD > 0 {
		snap.MarginRatio = bal.FreeCollateralUSD / bal.EquityUSD
		snap.HasMarginRatio = true
	}
	return snap, nil
}

func (c *Client) BestBidAsk(ctx context.Context) (venue.BBO, error) {
	var resp struct {
		BestBid json.Number `json:"bestBid"`
		BestAsk json.Number `json:"bestAsk"`
	}
	path := fmt.Sprintf("/api/v1/orderbook/%d/bbo", c.marketID)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return venue.BBO{}, err
	}
	bid, _ := resp.BestBid.Float64()
	ask, _ := resp.BestAsk.Float64()
	return venue.BBO{Bid: bid, Ask: ask}, nil
}

func (c *Client) fetchAccount(ctx context.Context) (*accountResponse, error) {
	var resp accountResponse
	path := fmt.Sprintf("/api/v1/account?by=index&value=%d", c.accountIndex)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	if len(resp.Accounts) == 0 {
		return nil, errors.New("taker account not found")
	}
	return &resp, nil
}

func (a *accountResponse) balance() venue.Balance {
	acct := a.Accounts[0]
	collateral, _ := acct.Collateral.Float64()
	equity, err := acct.Equity.Float64()
	if err != nil || equity == 0 {
		equity = collateral
	}
	free, err := acct.FreeCollateral.Float64()
	if err != nil {
		free = collateral
	}
	return venue.Balance{CollateralUSD: collateral, FreeCollateralUSD: free, EquityUSD: equity}
}

func (a *accountResponse) position(marketID int) float64 {
	for _, p := range a.Accounts[0].Positions {
		if p.MarketID != marketID {
			continue
		}
		size, _ := p.Position.Float64()
		sign := p.Sign
		if sign == 0 {
			sign = 1
		}
		return size * float64(sign)
	}
	return 0
}

func (c *Client) signedPost(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sig, err := c.signer.SignPayload(body)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Address", c.signer.Address().Hex())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return venue.Reject(venueName, venue.ReasonRateLimited, "http 429")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s: http %d: %s", venueName, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return venue.Reject(venueName, venue.ReasonRateLimited, "http 429")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s: http %d: %s", venueName, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func mapRejection(code, msg string) error {
	upper := strings.ToUpper(code)
	switch {
	case strings.Contains(upper, "MARGIN"), strings.Contains(upper, "COLLATERAL"):
		return venue.Reject(venueName, venue.ReasonInsufficientMargin, msg)
	case strings.Contains(upper, "RATE"):
		return venue.Reject(venueName, venue.ReasonRateLimited, msg)
	default:
		return venue.Reject(venueName, venue.ReasonUnknown, code+": "+msg)
	}
}
