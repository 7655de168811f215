// Package zerone implements the maker-side venue adapter: resting post-only
// limit orders on a session-authenticated perp DEX. Mutating calls are
// msgpack-encoded actions signed with an ephemeral ed25519 session key;
// market and account reads are plain JSON REST.
package zerone

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"dn-cycle-bot/internal/config"
	"dn-cycle-bot/internal/venue"

	"go.uber.org/zap"
)

const venueName = "zerone"

type Client struct {
	baseURL    string
	http       *http.Client
	marketID   int
	symbol     string
	sessionTTL time.Duration
	log        *zap.Logger
	signer     *Signer

	sessionMu sync.Mutex
	session   *session
	nonce     uint64

	accountID int64
	market    marketInfo
}

type marketInfo struct {
	PriceDecimals int
	SizeDecimals  int
}

func New(cfg config.MakerConfig, log *zap.Logger) (*Client, error) {
	signer, err := NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       &http.Client{Timeout: cfg.Timeout},
		marketID:   cfg.MarketID,
		symbol:     cfg.Symbol,
		sessionTTL: cfg.SessionTTL,
		log:        log,
		signer:     signer,
	}, nil
}

// Initialize resolves market metadata and the account id, then opens the
// first trading session.
func (c *Client) Initialize(ctx context.Context) error {
	info, err := c.fetchMarketInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetch market info: %w", err)
	}
	c.market = info
	accountID, err := c.fetchAccountID(ctx)
	if err != nil {
		return fmt.Errorf("fetch account id: %w", err)
	}
	c.accountID = accountID
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if err := c.createSessionLocked(ctx); err != nil {
		return err
	}
	c.log.Info("maker venue initialized",
		zap.String("symbol", c.symbol),
		zap.Int64("account_id", c.accountID),
		zap.Int("price_decimals", c.market.PriceDecimals),
		zap.Int("size_decimals", c.market.SizeDecimals),
	)
	return nil
}

func (c *Client) Name() string { return venueName }

// AccountID is valid after Initialize.
func (c *Client) AccountID() int64 { return c.accountID }

func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderHandle, error) {
	if req.Size <= 0 || req.Price <= 0 {
		return venue.OrderHandle{}, errors.New("order size and price must be > 0")
	}
	if err := c.ensureSession(ctx); err != nil {
		return venue.OrderHandle{}, err
	}
	fillMode := fillModeLimit
	if req.PostOnly {
		fillMode = fillModePostOnly
	}
	action := Action{
		Timestamp: time.Now().Unix(),
		Nonce:     c.nextNonce(),
		PlaceOrder: &PlaceOrderAction{
			SessionID:     c.sessionID(),
			MarketID:      c.marketID,
			Side:          string(req.Side),
			FillMode:      fillMode,
			Price:         scale(req.Price, c.market.PriceDecimals),
			Size:          scale(req.Size, c.market.SizeDecimals),
			ReduceOnly:    req.ReduceOnly,
			ClientOrderID: req.ClientOrderID,
		},
	}
	rcpt, err := c.executeAction(ctx, action, c.sessionSign)
	if err != nil {
		return venue.OrderHandle{}, err
	}
	if rcpt.OrderResult == nil {
		return venue.OrderHandle{}, fmt.Errorf("%s: missing order result", venueName)
	}
	handle := venue.OrderHandle{Venue: venueName, ClientOrderID: req.ClientOrderID}
	if rcpt.OrderResult.Posted != nil {
		handle.ID = strconv.FormatInt(rcpt.OrderResult.Posted.OrderID, 10)
		return handle, nil
	}
	// Immediate fills without a resting order: the fill stream carries the
	// executions, keyed by the first fill's order id.
	if len(rcpt.OrderResult.Fills) > 0 {
		handle.ID = strconv.FormatInt(rcpt.OrderResult.Fills[0].OrderID, 10)
		return handle, nil
	}
	return venue.OrderHandle{}, fmt.Errorf("%s: empty order result", venueName)
}

func (c *Client) CancelOrder(ctx context.Context, handle venue.OrderHandle) error {
	oid, err := strconv.ParseInt(handle.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", handle.ID, err)
	}
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	action := Action{
		Timestamp: time.Now().Unix(),
		Nonce:     c.nextNonce(),
		CancelOrder: &CancelOrderAction{
			SessionID: c.sessionID(),
			OrderID:   oid,
		},
	}
	_, err = c.executeAction(ctx, action, c.sessionSign)
	return err
}

func (c *Client) Fills(ctx context.Context, sinceMS int64) ([]venue.FillEvent, error) {
	q := url.Values{}
	if sinceMS > 0 {
		q.Set("since", strconv.FormatInt(sinceMS, 10))
	}
	var resp struct {
		Fills []wireFill `json:"fills"`
	}
	path := fmt.Sprintf("/account/%d/fills", c.accountID)
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	events := make([]venue.FillEvent, 0, len(resp.Fills))
	for _, f := range resp.Fills {
		events = append(events, fillEvent(f))
	}
	return events, nil
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
	var book struct {
		Bids [][]json.Number `json:"bids"`
		Asks [][]json.Number `json:"asks"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/market/%d/orderbook", c.marketID), &book); err != nil {
		return venue.BBO{}, err
	}
	var bbo venue.BBO
	if len(book.Bids) > 0 && len(book.Bids[0]) > 0 {
		bbo.Bid, _ = book.Bids[0][0].Float64()
	}
	if len(book.Asks) > 0 && len(book.Asks[0]) > 0 {
		bbo.Ask, _ = book.Asks[0][0].Float64()
	}
	return bbo, nil
}

// TickSize is the venue price increment, derived from price decimals.
func (c *Client) TickSize() float64 {
	return math.Pow10(-c.market.PriceDecimals)
}

func (c *Client) nextNonce() uint64 {
	c.nonce++
	return c.nonce
}

func (c *Client) executeAction(ctx context.Context, action Action, sign func([]byte) []byte) (*receipt, error) {
	payload, err := encodeAction(action)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/action", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/msgpack")
	req.Header.Set("X-Signature", hex.EncodeToString(sign(payload)))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, venue.Reject(venueName, venue.ReasonRateLimited, "http 429")
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s action failed: http %d: %s", venueName, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rcpt receipt
	if err := json.Unmarshal(body, &rcpt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	if rcpt.Error != "" {
		return nil, mapRejection(rcpt.Error)
	}
	return &rcpt, nil
}

// mapRejection turns the venue's error codes into the typed taxonomy the
// controller branches on.
func mapRejection(code string) error {
	upper := strings.ToUpper(code)
	switch {
	case strings.Contains(upper, "POST_ONLY"):
		return venue.Reject(venueName, venue.ReasonPostOnlyCross, code)
	case strings.Contains(upper, "MARGIN"), strings.Contains(upper, "RISK"), strings.Contains(upper, "UNHEALTHY"):
		return venue.Reject(venueName, venue.ReasonInsufficientMargin, code)
	case strings.Contains(upper, "RATE"):
		return venue.Reject(venueName, venue.ReasonRateLimited, code)
	default:
		return venue.Reject(venueName, venue.ReasonUnknown, code)
	}
}

func (c *Client) serverTimestamp(ctx context.Context) (time.Time, error) {
	var ts int64
	if err := c.getJSON(ctx, "/timestamp", &ts); err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts, 0), nil
}

func (c *Client) fetchMarketInfo(ctx context.Context) (marketInfo, error) {
	var info struct {
		Markets []struct {
			MarketID      int    `json:"marketId"`
			Symbol        string `json:"symbol"`
			PriceDecimals int    `json:"priceDecimals"`
			SizeDecimals  int    `json:"sizeDecimals"`
		} `json:"markets"`
	}
	if err := c.getJSON(ctx, "/info", &info); err != nil {
		return marketInfo{}, err
	}
	for _, m := range info.Markets {
		if m.MarketID == c.marketID {
			return marketInfo{PriceDecimals: m.PriceDecimals, SizeDecimals: m.SizeDecimals}, nil
		}
	}
	return marketInfo{}, fmt.Errorf("market %d not found", c.marketID)
}

func (c *Client) fetchAccountID(ctx context.Context) (int64, error) {
	var resp struct {
		AccountIDs []int64 `json:"accountIds"`
	}
	pubkey := hex.EncodeToString(c.signer.Pubkey())
	if err := c.getJSON(ctx, "/user/"+pubkey, &resp); err != nil {
		return 0, err
	}
	if len(resp.AccountIDs) == 0 {
		return 0, errors.New("no account registered for maker key")
	}
	return resp.AccountIDs[0], nil
}

type accountState struct {
	Balances []struct {
		Amount json.Number `json:"amount"`
	} `json:"balances"`
	Margins struct {
		Free json.Number `json:"mf"`
	} `json:"margins"`
	Positions []struct {
		MarketID int         `json:"marketId"`
		BaseSize json.Number `json:"baseSize"`
		IsLong   bool        `json:"isLong"`
	} `json:"positions"`
}

func (a accountState) balance() venue.Balance {
	var equity float64
	for _, b := range a.Balances {
		v, _ := b.Amount.Float64()
		equity += v
	}
	free, err := a.Margins.Free.Float64()
	if err != nil {
		free = equity
	}
	return venue.Balance{CollateralUSD: equity, FreeCollateralUSD: free, EquityUSD: equity}
}

func (a accountState) position(marketID int) float64 {
	for _, p := range a.Positions {
		if p.MarketID != marketID {
			continue
		}
		size, _ := p.BaseSize.Float64()
		if !p.IsLong {
			size = -size
		}
		return size
	}
	return 0
}

func (c *Client) fetchAccount(ctx context.Context) (accountState, error) {
	var acct accountState
	err := c.getJSON(ctx, fmt.Sprintf("/account/%d", c.accountID), &acct)
	return acct, err
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
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func scale(v float64, decimals int) int64 {
	return int64(math.Round(v * math.Pow10(decimals)))
}

func fillEvent(f wireFill) venue.FillEvent {
	side := venue.SideBid
	if strings.EqualFold(f.Side, string(venue.SideAsk)) || strings.EqualFold(f.Side, "sell") {
		side = venue.SideAsk
	}
	return venue.FillEvent{
		ID:      f.FillID,
		OrderID: strconv.FormatInt(f.OrderID, 10),
		Side:    side,
		Size:    math.Abs(f.Size),
		Price:   f.Price,
		TimeMS:  f.TimeMS,
	}
}
