// Package hedge places offsetting taker orders and confirms them by
// watching the taker position move. Retries are bounded both by attempt
// count and by elapsed time; exceeding either surfaces an error so the
// caller can fail the cycle instead of chasing the market forever.
package hedge

import (
	"context"
	"fmt"
	"math"
	"time"

	"dn-cycle-bot/internal/exec"
	"dn-cycle-bot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options bounds one hedge operation.
type Options struct {
	SlippageBps  float64
	MaxAttempts  int
	MaxElapsed   time.Duration
	PollInterval time.Duration
	SizeEps      float64
	ReduceOnly   bool
}

// Result reports what a hedge actually achieved.
type Result struct {
	Side      venue.Side
	Requested float64
	Executed  float64
	AvgPrice  float64
	Attempts  int
}

type Executor struct {
	ex  *exec.Executor
	log *zap.Logger
}

func New(ex *exec.Executor, log *zap.Logger) *Executor {
	return &Executor{ex: ex, log: log}
}

// Hedge executes size on the taker venue in the given direction using
// slippage-bounded limit orders, confirming via position delta. On a
// partial it re-prices and sends a follow-up for the remainder. Returns
// an error once MaxAttempts or MaxElapsed is exceeded with size still
// outstanding; Result.Executed reports what did go through.
func (e *Executor) Hedge(ctx context.Context, side venue.Side, size float64, opts Options) (Result, error) {
	v := e.ex.Venue()
	res := Result{Side: side, Requested: size}
	if size <= opts.SizeEps {
		return res, nil
	}

	start := time.Now()
	startPos, err := positionWithRetry(ctx, v, opts.PollInterval)
	if err != nil {
		return res, fmt.Errorf("read taker position: %w", err)
	}

	remaining := size
	var notional float64
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if time.Since(start) > opts.MaxElapsed {
			return res, fmt.Errorf("hedge exceeded %s with %.8f unfilled", opts.MaxElapsed, remaining)
		}
		res.Attempts = attempt

		price, err := e.aggressivePrice(ctx, v, side, opts.SlippageBps)
		if err != nil {
			e.log.Warn("hedge price lookup failed", zap.Int("attempt", attempt), zap.Error(err))
			if !sleep(ctx, opts.PollInterval) {
				return res, ctx.Err()
			}
			continue
		}

		handle, err := e.ex.PlaceOrder(ctx, venue.OrderRequest{
			Side:          side,
			Size:          remaining,
			Price:         price,
			ReduceOnly:    opts.ReduceOnly,
			ClientOrderID: "hedge-" + uuid.NewString(),
		})
		if err != nil {
			if venue.IsInsufficientMargin(err) {
				return res, fmt.Errorf("hedge rejected for margin: %w", err)
			}
			e.log.Warn("hedge order failed", zap.Int("attempt", attempt), zap.Error(err))
			if !sleep(ctx, opts.PollInterval) {
				return res, ctx.Err()
			}
			continue
		}
		e.log.Info("hedge order placed",
			zap.String("order_id", handle.ID),
			zap.String("side", string(side)),
			zap.Float64("size", remaining),
			zap.Float64("price", price))

		executed := e.awaitDelta(ctx, v, startPos, side, size, opts)
		if executed > res.Executed {
			notional += (executed - res.Executed) * price
			res.Executed = executed
		}
		remaining = size - res.Executed
		if remaining <= opts.SizeEps {
			if res.Executed > 0 {
				res.AvgPrice = notional / res.Executed
			}
			return res, nil
		}
		// Partial; cancel the resting remainder before re-pricing.
		if err := e.ex.CancelOrder(ctx, handle); err != nil {
			e.log.Warn("cancel partial hedge failed", zap.String("order_id", handle.ID), zap.Error(err))
		}
	}
	if res.Executed > 0 {
		res.AvgPrice = notional / res.Executed
	}
	return res, fmt.Errorf("hedge exhausted %d attempts with %.8f unfilled", opts.MaxAttempts, remaining)
}

// aggressivePrice crosses the spread by SlippageBps so the limit order
// fills like a market order but with a bounded worst price.
func (e *Executor) aggressivePrice(ctx context.Context, v venue.Venue, side venue.Side, slippageBps float64) (float64, error) {
	bbo, err := v.BestBidAsk(ctx)
	if err != nil {
		return 0, err
	}
	if !bbo.Valid() {
		return 0, fmt.Errorf("empty book on %s", v.Name())
	}
	mult := slippageBps / 10000
	if side == venue.SideBid {
		return bbo.Ask * (1 + mult), nil
	}
	return bbo.Bid * (1 - mult), nil
}

// awaitDelta polls the taker position until it has moved by want relative
// to startPos in the trade direction, or the poll window lapses. Returns
// the observed executed size, clamped to want.
func (e *Executor) awaitDelta(ctx context.Context, v venue.Venue, startPos float64, side venue.Side, want float64, opts Options) float64 {
	deadline := time.Now().Add(opts.MaxElapsed / time.Duration(opts.MaxAttempts))
	var executed float64
	for {
		if !sleep(ctx, opts.PollInterval) {
			return executed
		}
		pos, err := positionWithRetry(ctx, v, opts.PollInterval)
		if err != nil {
			e.log.Warn("position poll failed during hedge", zap.Error(err))
			continue
		}
		delta := pos - startPos
		if side == venue.SideAsk {
			delta = -delta
		}
		if delta > executed {
			executed = math.Min(delta, want)
		}
		if executed >= want-opts.SizeEps || time.Now().After(deadline) {
			return executed
		}
	}
}

func positionWithRetry(ctx context.Context, v venue.Venue, wait time.Duration) (float64, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		pos, err := v.Position(ctx)
		if err == nil {
			return pos, nil
		}
		lastErr = err
		if !sleep(ctx, wait) {
			return 0, ctx.Err()
		}
	}
	return 0, lastErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
