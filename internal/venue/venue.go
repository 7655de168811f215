package venue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// OrderRequest is the uniform placement call. Price is a limit for maker
// orders and a slippage bound for aggressive taker orders.
type OrderRequest struct {
	Side          Side
	Size          float64
	Price         float64
	PostOnly      bool
	ReduceOnly    bool
	ClientOrderID string
}

type OrderHandle struct {
	Venue         string
	ID            string
	ClientOrderID string
}

// FillEvent is one execution against an order. ID is unique per fill and is
// the dedup key: adapters may deliver the same event more than once.
type FillEvent struct {
	ID      string
	OrderID string
	Side    Side
	Size    float64
	Price   float64
	TimeMS  int64
}

type Balance struct {
	CollateralUSD     float64
	FreeCollateralUSD float64
	EquityUSD         float64
}

// PositionSnapshot is the per-venue exposure view the safety monitor refreshes
// on its own schedule. MarginRatio is free collateral over equity.
type PositionSnapshot struct {
	Venue          string
	Position       float64
	Balance        Balance
	MarginRatio    float64
	HasMarginRatio bool
	Time           time.Time
}

type BBO struct {
	Bid float64
	Ask float64
}

func (b BBO) Mid() float64 {
	if b.Bid <= 0 || b.Ask <= 0 {
		return 0
	}
	return (b.Bid + b.Ask) / 2
}

func (b BBO) Valid() bool {
	return b.Bid > 0 && b.Ask > 0
}

// Venue is the uniform contract over a trading venue. Implementations are
// expected to surface typed rejections (see RejectionError) so callers can
// branch on cause.
type Venue interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	CancelOrder(ctx context.Context, handle OrderHandle) error
	Fills(ctx context.Context, sinceMS int64) ([]FillEvent, error)
	Position(ctx context.Context) (float64, error)
	Snapshot(ctx context.Context) (PositionSnapshot, error)
	BestBidAsk(ctx context.Context) (BBO, error)
}

type RejectReason string

const (
	ReasonPostOnlyCross      RejectReason = "post_only_cross"
	ReasonInsufficientMargin RejectReason = "insufficient_margin"
	ReasonRateLimited        RejectReason = "rate_limited"
	ReasonUnknown            RejectReason = "unknown"
)

// RejectionError carries a venue's distinguishable rejection cause.
type RejectionError struct {
	Venue  string
	Reason RejectReason
	Msg    string
}

func (e *RejectionError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s rejected order: %s", e.Venue, e.Reason)
	}
	return fmt.Sprintf("%s rejected order: %s: %s", e.Venue, e.Reason, e.Msg)
}

func Reject(venue string, reason RejectReason, msg string) error {
	return &RejectionError{Venue: venue, Reason: reason, Msg: msg}
}

func ReasonOf(err error) (RejectReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

func IsPostOnlyCross(err error) bool {
	reason, ok := ReasonOf(err)
	return ok && reason == ReasonPostOnlyCross
}

func IsInsufficientMargin(err error) bool {
	reason, ok := ReasonOf(err)
	return ok && reason == ReasonInsufficientMargin
}

func IsRateLimited(err error) bool {
	reason, ok := ReasonOf(err)
	return ok && reason == ReasonRateLimited
}

// IsRejection reports whether err is any typed venue rejection. Rejections
// have a defined fallback and must not be retried blindly.
func IsRejection(err error) bool {
	_, ok := ReasonOf(err)
	return ok
}
