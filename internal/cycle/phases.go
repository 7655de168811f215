package cycle

import (
	"context"
	"fmt"
	"math"
	"time"

	"dn-cycle-bot/internal/hedge"
	"dn-cycle-bot/internal/settings"
	"dn-cycle-bot/internal/venue"

	"go.uber.org/zap"
)

// runCycle drives one full cycle. Every phase reads the snapshot taken at
// cycle start except the hold and cooldown draws, which happen when the
// phase begins so a live settings change applies to the next phase, not
// retroactively.
func (c *Controller) runCycle(ctx context.Context, snap settings.Snapshot) {
	cyc := &Cycle{ID: newCycleID(), StartedAt: time.Now()}
	c.mu.Lock()
	c.current = cyc
	c.mu.Unlock()
	c.metrics.CyclesStarted.Inc()
	c.log.Info("cycle started", zap.String("cycle_id", cyc.ID))

	if !c.transition(StateMakerPlaced) {
		return
	}
	c.journalEvent(cyc, "cycle started")

	open, ok := c.openPhase(ctx, cyc, snap)
	if !ok {
		return
	}
	if open.netFilled <= sizeEps {
		c.abortCycle(ctx, cyc, snap)
		return
	}

	if !c.hedgePhase(ctx, cyc, snap, open) {
		return
	}
	if !c.holdPhase(ctx, cyc, snap) {
		return
	}
	uctx := ctx
	if ctx.Err() != nil {
		// Shutdown arrived mid-hold. Unwind on a fresh deadline so both
		// legs still close instead of failing every venue call.
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeout(context.Background(), shutdownUnwindWindow)
		defer cancel()
	}
	if !c.unwindPhase(uctx, cyc, snap) {
		return
	}
	c.finishCycle(ctx, cyc, snap, ResultCompleted)
}

// openResult carries what the opening phase actually achieved into the
// hedge phase.
type openResult struct {
	side      venue.Side
	netFilled float64
}

// openPhase rests post-only orders on both sides of the book, pegged to
// the taker venue's BBO. The first fill locks the cycle's direction; the
// opposite order is cancelled and any fills it caught in the race are
// netted out later. Returns ok=false when the controller failed.
func (c *Controller) openPhase(ctx context.Context, cyc *Cycle, snap settings.Snapshot) (openResult, bool) {
	bbo, err := c.taker.Venue().BestBidAsk(ctx)
	if err != nil || !bbo.Valid() {
		c.log.Warn("taker book unavailable, skipping cycle", zap.Error(err))
		c.abortCycle(ctx, cyc, snap)
		return openResult{}, false
	}
	c.updateCycle(cyc, func(x *Cycle) {
		x.SizeUSD = snap.SizeUSD.Draw()
		x.TargetSize = roundTo(x.SizeUSD/bbo.Mid(), snap.SizeDecimals)
	})
	if cyc.TargetSize <= 0 {
		c.abortCycle(ctx, cyc, snap)
		return openResult{}, false
	}

	if snap.DryRun {
		c.log.Info("dry run: would rest both sides",
			zap.Float64("size", cyc.TargetSize),
			zap.Float64("bid", c.passivePrice(venue.SideBid, bbo, snap)),
			zap.Float64("ask", c.passivePrice(venue.SideAsk, bbo, snap)))
		c.abortCycle(ctx, cyc, snap)
		return openResult{}, false
	}

	deadline := time.Now().Add(snap.OrderTimeout)
	bidID, err := c.placeEntry(ctx, cyc, venue.SideBid, cyc.TargetSize, bbo, snap)
	if err != nil {
		c.RecordTradingError(err)
		c.log.Warn("bid entry rejected", zap.Error(err))
	}
	askID, err := c.placeEntry(ctx, cyc, venue.SideAsk, cyc.TargetSize, bbo, snap)
	if err != nil {
		c.RecordTradingError(err)
		c.log.Warn("ask entry rejected", zap.Error(err))
	}
	if bidID == "" && askID == "" {
		c.abortCycle(ctx, cyc, snap)
		return openResult{}, false
	}

	lockedID, ok := c.awaitFirstFill(ctx, bidID, askID, snap, deadline)
	if !ok {
		// Timed out with no fill on either side.
		c.cancelQuiet(ctx, c.maker, bidID)
		c.cancelQuiet(ctx, c.maker, askID)
		c.pollRestFills(ctx)
		if c.tracker.Filled(bidID)+c.tracker.Filled(askID) <= sizeEps {
			c.abortCycle(ctx, cyc, snap)
			return openResult{}, false
		}
		// A late fill slipped in; fall through and treat the filled side
		// as locked.
		if c.tracker.Filled(bidID) >= c.tracker.Filled(askID) {
			lockedID = bidID
		} else {
			lockedID = askID
		}
	}

	side := venue.SideBid
	otherID := askID
	if lockedID == askID {
		side = venue.SideAsk
		otherID = bidID
	}
	c.updateCycle(cyc, func(x *Cycle) {
		x.Side = side
		x.MakerOrderID = lockedID
	})
	c.log.Info("entry side locked",
		zap.String("cycle_id", cyc.ID),
		zap.String("side", string(side)))
	c.cancelQuiet(ctx, c.maker, otherID)

	entryIDs := c.accumulateFills(ctx, cyc, side, lockedID, snap, deadline)

	c.pollRestFills(ctx)
	var filled, notional float64
	for _, id := range entryIDs {
		f := c.tracker.Filled(id)
		filled += f
		notional += f * c.tracker.AvgPrice(id)
	}
	opposite := c.tracker.Filled(otherID)
	net := filled - opposite
	c.updateCycle(cyc, func(x *Cycle) {
		x.FilledSize = filled
		if filled > 0 {
			x.MakerAvgPx = notional / filled
		}
		if net < 0 {
			// The race filled more on the cancelled side than the locked
			// side. Flip the cycle's effective direction so the hedge is
			// correct.
			x.Side = side.Opposite()
		}
	})
	if net < 0 {
		net = -net
		c.log.Warn("dual-fill race inverted entry side",
			zap.Float64("locked_filled", filled),
			zap.Float64("opposite_filled", opposite))
	}
	for _, id := range entryIDs {
		c.tracker.Disarm(id)
	}
	c.tracker.Disarm(otherID)
	if filled < cyc.TargetSize-sizeEps && net > sizeEps {
		if !c.transition(StateMakerPartFilled) {
			return openResult{}, false
		}
		c.journalEvent(cyc, "entry partially filled")
	}
	return openResult{side: cyc.Side, netFilled: net}, true
}

func (c *Controller) placeEntry(ctx context.Context, cyc *Cycle, side venue.Side, size float64, bbo venue.BBO, snap settings.Snapshot) (string, error) {
	handle, err := c.maker.PlaceOrder(ctx, venue.OrderRequest{
		Side:          side,
		Size:          size,
		Price:         c.passivePrice(side, bbo, snap),
		PostOnly:      true,
		ClientOrderID: fmt.Sprintf("open-%s-%s", side, cyc.ID),
	})
	if err != nil {
		return "", err
	}
	c.tracker.Arm(handle.ID, size)
	return handle.ID, nil
}

// passivePrice offsets the taker BBO away from the touch so the order
// rests instead of crossing.
func (c *Controller) passivePrice(side venue.Side, bbo venue.BBO, snap settings.Snapshot) float64 {
	mult := snap.SpreadBps / 10000
	var px float64
	if side == venue.SideBid {
		px = bbo.Bid * (1 - mult)
	} else {
		px = bbo.Ask * (1 + mult)
	}
	return c.roundTick(px, side)
}

func (c *Controller) roundTick(px float64, side venue.Side) float64 {
	type tickSizer interface{ TickSize() float64 }
	ts, ok := c.maker.Venue().(tickSizer)
	if !ok || ts.TickSize() <= 0 {
		return px
	}
	tick := ts.TickSize()
	if side == venue.SideBid {
		return math.Floor(px/tick) * tick
	}
	return math.Ceil(px/tick) * tick
}

// awaitFirstFill blocks until either entry order shows a fill, the overall
// deadline passes, or ctx is done. Fill events arrive over the websocket
// notify channel with REST polling as a backstop.
func (c *Controller) awaitFirstFill(ctx context.Context, bidID, askID string, snap settings.Snapshot, deadline time.Time) (string, bool) {
	ticker := time.NewTicker(snap.PollInterval)
	defer ticker.Stop()
	for {
		if c.tracker.Filled(bidID) > sizeEps {
			return bidID, true
		}
		if c.tracker.Filled(askID) > sizeEps {
			return askID, true
		}
		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-c.fillNotify:
		case <-ticker.C:
			c.pollRestFills(ctx)
		}
	}
}

// accumulateFills chases the locked side until the target fills, the
// deadline passes, or the reprice budget runs out. Each reprice cancels
// the resting remainder and re-pegs it to the current book. Returns every
// order id that carried part of the entry.
func (c *Controller) accumulateFills(ctx context.Context, cyc *Cycle, side venue.Side, lockedID string, snap settings.Snapshot, deadline time.Time) []string {
	ids := []string{lockedID}
	activeID := lockedID
	lastReprice := time.Now()
	ticker := time.NewTicker(snap.PollInterval)
	defer ticker.Stop()
	attempts := 1
	for {
		total := 0.0
		for _, id := range ids {
			total += c.tracker.Filled(id)
		}
		if total >= cyc.TargetSize-sizeEps {
			return ids
		}
		if time.Now().After(deadline) || attempts >= snap.MaxFillTries {
			c.cancelQuiet(ctx, c.maker, activeID)
			return ids
		}
		select {
		case <-ctx.Done():
			return ids
		case <-c.fillNotify:
			continue
		case <-ticker.C:
			c.pollRestFills(ctx)
		}
		if time.Since(lastReprice) < snap.RepriceEvery {
			continue
		}
		bbo, err := c.taker.Venue().BestBidAsk(ctx)
		if err != nil || !bbo.Valid() {
			continue
		}
		remaining := roundTo(cyc.TargetSize-total, snap.SizeDecimals)
		if remaining <= sizeEps {
			continue
		}
		c.cancelQuiet(ctx, c.maker, activeID)
		c.pollRestFills(ctx)
		attempts++
		lastReprice = time.Now()
		handle, err := c.maker.PlaceOrder(ctx, venue.OrderRequest{
			Side:          side,
			Size:          remaining,
			Price:         c.passivePrice(side, bbo, snap),
			PostOnly:      true,
			ClientOrderID: fmt.Sprintf("open-%s-%s-%d", side, cyc.ID, attempts),
		})
		if err != nil {
			c.RecordTradingError(err)
			c.log.Warn("entry reprice rejected", zap.Int("attempt", attempts), zap.Error(err))
			continue
		}
		c.tracker.Arm(handle.ID, remaining)
		ids = append(ids, handle.ID)
		activeID = handle.ID
		c.log.Info("entry repriced",
			zap.Int("attempt", attempts),
			zap.Float64("remaining", remaining))
	}
}

// hedgePhase offsets the net maker fill on the taker venue. A hedge that
// exhausts its retry budget fails the cycle: the book is left unbalanced
// and the operator must intervene.
func (c *Controller) hedgePhase(ctx context.Context, cyc *Cycle, snap settings.Snapshot, open openResult) bool {
	if !c.transition(StateHedging) {
		return false
	}
	c.journalEvent(cyc, "hedging")
	c.metrics.HedgesPlaced.Inc()
	res, err := c.hedger.Hedge(ctx, open.side.Opposite(), open.netFilled, hedge.Options{
		SlippageBps:  snap.SlippageBps,
		MaxAttempts:  snap.HedgeAttempts,
		MaxElapsed:   snap.HedgeElapsed,
		PollInterval: snap.PollInterval,
		SizeEps:      sizeEps,
	})
	c.updateCycle(cyc, func(x *Cycle) {
		x.HedgedSize = res.Executed
		x.TakerAvgPx = res.AvgPrice
	})
	if err != nil {
		c.metrics.HedgesFailed.Inc()
		c.RecordTradingError(err)
		c.fail(fmt.Sprintf("hedge incomplete for cycle %s: %v (hedged %.8f of %.8f)",
			cyc.ID, err, res.Executed, open.netFilled))
		return false
	}
	c.log.Info("hedge complete",
		zap.String("cycle_id", cyc.ID),
		zap.Float64("size", res.Executed),
		zap.Float64("avg_px", res.AvgPrice),
		zap.Int("attempts", res.Attempts))
	return true
}

// holdPhase sits on the delta-neutral pair for the drawn duration. Either
// leg showing an unrealized loss near its margin triggers an early unwind;
// an operator emergency close does the same.
func (c *Controller) holdPhase(ctx context.Context, cyc *Cycle, snap settings.Snapshot) bool {
	if !c.transition(StateHeld) {
		return false
	}
	// Draw from the bounds configured now, not the ones captured at
	// cycle start, so an operator /set applies to this hold.
	hold := c.settings.Snapshot().HoldDuration()
	c.updateCycle(cyc, func(x *Cycle) { x.HoldFor = hold })
	c.journalEvent(cyc, fmt.Sprintf("holding for %s", cyc.HoldFor.Round(time.Second)))
	c.log.Info("holding", zap.String("cycle_id", cyc.ID), zap.Duration("for", cyc.HoldFor))
	deadline := time.Now().Add(cyc.HoldFor)
	ticker := time.NewTicker(snap.PollInterval)
	defer ticker.Stop()
	for {
		if time.Now().After(deadline) {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-c.closeNow:
			c.log.Warn("hold cut short by emergency close", zap.String("cycle_id", cyc.ID))
			return true
		case <-ticker.C:
		}
		if reason := c.liqWatch(ctx, cyc, snap); reason != "" {
			c.alert(ctx, "Early unwind: "+reason)
			c.log.Warn("early unwind", zap.String("reason", reason))
			return true
		}
	}
}

// liqWatch estimates each leg's unrealized PnL against its posted margin
// and returns a reason string once a leg has lost most of it.
func (c *Controller) liqWatch(ctx context.Context, cyc *Cycle, snap settings.Snapshot) string {
	check := func(v venue.Venue, entry float64, long bool) string {
		if entry <= 0 {
			return ""
		}
		bbo, err := v.BestBidAsk(ctx)
		if err != nil || !bbo.Valid() {
			return ""
		}
		size := cyc.HedgedSize
		pnl := (bbo.Mid() - entry) * size
		if !long {
			pnl = -pnl
		}
		margin := entry * size / snap.Leverage
		if margin > 0 && pnl < -liqWatchLossFrac*margin {
			return fmt.Sprintf("%s leg pnl %.2f beyond %.0f%% of margin %.2f",
				v.Name(), pnl, liqWatchLossFrac*100, margin)
		}
		return ""
	}
	makerLong := cyc.Side == venue.SideBid
	if r := check(c.maker.Venue(), cyc.MakerAvgPx, makerLong); r != "" {
		return r
	}
	return check(c.taker.Venue(), cyc.TakerAvgPx, !makerLong)
}

// unwindPhase closes both legs exactly once. The in-memory flag guards
// this process; the state store guard survives restarts mid-unwind.
func (c *Controller) unwindPhase(ctx context.Context, cyc *Cycle, snap settings.Snapshot) bool {
	if !c.transition(StateUnwinding) {
		return false
	}
	var claimed bool
	c.updateCycle(cyc, func(x *Cycle) { claimed = x.MarkUnwound() })
	if !claimed {
		c.log.Warn("unwind already performed", zap.String("cycle_id", cyc.ID))
		return true
	}
	if c.store != nil {
		inserted, err := c.store.SetIfAbsent(ctx, "unwind:"+cyc.ID, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			c.log.Warn("unwind guard write failed", zap.Error(err))
		} else if !inserted {
			c.log.Warn("unwind guard already set, skipping", zap.String("cycle_id", cyc.ID))
			return true
		}
	}
	c.journalEvent(cyc, "unwinding")
	c.metrics.Unwinds.Inc()

	makerExit, err := c.closeMakerChase(ctx, cyc, snap)
	if err != nil {
		c.fail(fmt.Sprintf("maker unwind for cycle %s: %v", cyc.ID, err))
		return false
	}
	takerPos, err := c.taker.Venue().Position(ctx)
	if err != nil {
		c.fail(fmt.Sprintf("taker position read during unwind: %v", err))
		return false
	}
	var takerExit float64
	if abs(takerPos) > sizeEps {
		res, err := c.closeTakerPos(ctx, takerPos, snap)
		if err != nil {
			c.fail(fmt.Sprintf("taker unwind for cycle %s: %v", cyc.ID, err))
			return false
		}
		takerExit = res.AvgPrice
	}
	if err := c.verifyFlat(ctx, cyc, snap); err != nil {
		c.fail(fmt.Sprintf("unwind verification for cycle %s: %v", cyc.ID, err))
		return false
	}
	pnl := c.estimatePnL(cyc, makerExit, takerExit)
	c.updateCycle(cyc, func(x *Cycle) { x.PnLUSD = pnl })
	return true
}

// closeMakerChase closes the maker leg with a reduce-only passive order,
// re-pegging it on the reprice interval. The first attempt asks for entry
// plus the close buffer; later attempts chase the book. A stale chase
// falls back to an aggressive close. Returns the estimated exit price.
func (c *Controller) closeMakerChase(ctx context.Context, cyc *Cycle, snap settings.Snapshot) (float64, error) {
	pos, err := c.maker.Venue().Position(ctx)
	if err != nil {
		return 0, fmt.Errorf("maker position read: %w", err)
	}
	if abs(pos) <= sizeEps {
		return 0, nil
	}
	closeSide := venue.SideAsk
	if pos < 0 {
		closeSide = venue.SideBid
	}
	deadline := time.Now().Add(snap.OrderTimeout)
	var lastPx float64
	for attempt := 1; attempt <= snap.MaxFillTries; attempt++ {
		if time.Now().After(deadline) {
			break
		}
		bbo, err := c.maker.Venue().BestBidAsk(ctx)
		if err != nil || !bbo.Valid() {
			if !c.sleep(ctx, snap.PollInterval) {
				return lastPx, ctx.Err()
			}
			continue
		}
		px := c.closePrice(cyc, closeSide, bbo, snap, attempt)
		handle, err := c.maker.PlaceOrder(ctx, venue.OrderRequest{
			Side:          closeSide,
			Size:          roundTo(abs(pos), snap.SizeDecimals),
			Price:         px,
			PostOnly:      true,
			ReduceOnly:    true,
			ClientOrderID: fmt.Sprintf("close-%s-%d", cyc.ID, attempt),
		})
		if err != nil {
			if venue.IsPostOnlyCross(err) {
				// Book moved through our price; an aggressive close will
				// do better than re-pegging.
				break
			}
			c.RecordTradingError(err)
			c.log.Warn("maker close rejected", zap.Int("attempt", attempt), zap.Error(err))
			if !c.sleep(ctx, snap.PollInterval) {
				return lastPx, ctx.Err()
			}
			continue
		}
		lastPx = px
		flat := c.waitMakerFlat(ctx, snap, snap.RepriceEvery)
		if flat {
			return px, nil
		}
		c.cancelQuiet(ctx, c.maker, handle.ID)
		pos, err = c.maker.Venue().Position(ctx)
		if err != nil {
			return lastPx, fmt.Errorf("maker position read: %w", err)
		}
		if abs(pos) <= sizeEps {
			return px, nil
		}
	}
	c.log.Warn("passive close stale, crossing the spread", zap.String("cycle_id", cyc.ID))
	if err := c.closeMakerAggressive(ctx, pos, snap); err != nil {
		return lastPx, err
	}
	return lastPx, nil
}

// closePrice starts at entry plus the close buffer in the profitable
// direction and converges to the touch as attempts mount.
func (c *Controller) closePrice(cyc *Cycle, closeSide venue.Side, bbo venue.BBO, snap settings.Snapshot, attempt int) float64 {
	var px float64
	if closeSide == venue.SideAsk {
		px = bbo.Ask
		if attempt == 1 && cyc.MakerAvgPx > 0 {
			px = math.Max(px, cyc.MakerAvgPx+snap.CloseBuffer)
		}
	} else {
		px = bbo.Bid
		if attempt == 1 && cyc.MakerAvgPx > 0 {
			px = math.Min(px, cyc.MakerAvgPx-snap.CloseBuffer)
		}
	}
	return c.roundTick(px, closeSide)
}

func (c *Controller) waitMakerFlat(ctx context.Context, snap settings.Snapshot, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if !c.sleep(ctx, snap.PollInterval) {
			return false
		}
		pos, err := c.maker.Venue().Position(ctx)
		if err != nil {
			continue
		}
		if abs(pos) <= sizeEps {
			return true
		}
	}
	return false
}

// closeMakerAggressive flattens the maker leg with a slippage-bounded
// crossing limit order. Used by the unwind fallback and the startup
// reconcile.
func (c *Controller) closeMakerAggressive(ctx context.Context, pos float64, snap settings.Snapshot) error {
	closeSide := venue.SideAsk
	if pos < 0 {
		closeSide = venue.SideBid
	}
	mult := snap.SlippageBps / 10000
	for attempt := 1; attempt <= 3; attempt++ {
		bbo, err := c.maker.Venue().BestBidAsk(ctx)
		if err != nil || !bbo.Valid() {
			if !c.sleep(ctx, snap.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		var px float64
		if closeSide == venue.SideAsk {
			px = bbo.Bid * (1 - mult)
		} else {
			px = bbo.Ask * (1 + mult)
		}
		_, err = c.maker.PlaceOrder(ctx, venue.OrderRequest{
			Side:       closeSide,
			Size:       roundTo(abs(pos), snap.SizeDecimals),
			Price:      c.roundTick(px, closeSide.Opposite()),
			ReduceOnly: true,
		})
		if err != nil {
			c.RecordTradingError(err)
			if !c.sleep(ctx, snap.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if c.waitMakerFlat(ctx, snap, 15*time.Second) {
			return nil
		}
		pos, err = c.maker.Venue().Position(ctx)
		if err != nil {
			return err
		}
		if abs(pos) <= sizeEps {
			return nil
		}
	}
	return fmt.Errorf("maker leg still open after aggressive close")
}

func (c *Controller) closeTakerPos(ctx context.Context, pos float64, snap settings.Snapshot) (hedge.Result, error) {
	closeSide := venue.SideAsk
	if pos < 0 {
		closeSide = venue.SideBid
	}
	return c.hedger.Hedge(ctx, closeSide, abs(pos), hedge.Options{
		SlippageBps:  snap.SlippageBps,
		MaxAttempts:  snap.HedgeAttempts,
		MaxElapsed:   snap.HedgeElapsed,
		PollInterval: snap.PollInterval,
		SizeEps:      sizeEps,
		ReduceOnly:   true,
	})
}

func (c *Controller) closeTaker(ctx context.Context, pos float64, snap settings.Snapshot) error {
	_, err := c.closeTakerPos(ctx, pos, snap)
	return err
}

// verifyFlat polls both legs toward zero. One residual gets one more
// close attempt; a sign flip means the close overshot into a fresh
// position and is an error, not something to trade out of automatically.
func (c *Controller) verifyFlat(ctx context.Context, cyc *Cycle, snap settings.Snapshot) error {
	makerWasLong := cyc.Side == venue.SideBid
	for attempt := 0; attempt < 2; attempt++ {
		if !c.sleep(ctx, snap.PollInterval) {
			return ctx.Err()
		}
		makerPos, err := c.maker.Venue().Position(ctx)
		if err != nil {
			return fmt.Errorf("maker position read: %w", err)
		}
		takerPos, err := c.taker.Venue().Position(ctx)
		if err != nil {
			return fmt.Errorf("taker position read: %w", err)
		}
		if signFlipped(makerPos, makerWasLong) || signFlipped(takerPos, !makerWasLong) {
			return fmt.Errorf("position sign flipped after close (maker %.8f, taker %.8f)", makerPos, takerPos)
		}
		if abs(makerPos) <= sizeEps && abs(takerPos) <= sizeEps {
			return nil
		}
		if attempt == 1 {
			return fmt.Errorf("residual position after retry (maker %.8f, taker %.8f)", makerPos, takerPos)
		}
		c.log.Warn("residual position after unwind, retrying close",
			zap.Float64("maker", makerPos),
			zap.Float64("taker", takerPos))
		if abs(makerPos) > sizeEps {
			if err := c.closeMakerAggressive(ctx, makerPos, snap); err != nil {
				return err
			}
		}
		if abs(takerPos) > sizeEps {
			if err := c.closeTaker(ctx, takerPos, snap); err != nil {
				return err
			}
		}
	}
	return nil
}

func signFlipped(pos float64, wasLong bool) bool {
	if abs(pos) <= sizeEps {
		return false
	}
	return (pos > 0) != wasLong
}

// estimatePnL is indicative only: it uses order-level average prices, not
// the venue's fee-adjusted fills.
func (c *Controller) estimatePnL(cyc *Cycle, makerExit, takerExit float64) float64 {
	size := cyc.HedgedSize
	var pnl float64
	if cyc.MakerAvgPx > 0 && makerExit > 0 {
		d := makerExit - cyc.MakerAvgPx
		if cyc.Side == venue.SideAsk {
			d = -d
		}
		pnl += d * size
	}
	if cyc.TakerAvgPx > 0 && takerExit > 0 {
		d := takerExit - cyc.TakerAvgPx
		if cyc.Side == venue.SideBid {
			// Taker leg is short when the maker leg is long.
			d = -d
		}
		pnl += d * size
	}
	return pnl
}

// abortCycle ends a cycle that never got a fill. Nothing to unwind; a
// short cooldown still applies so a broken book does not spin the loop.
func (c *Controller) abortCycle(ctx context.Context, cyc *Cycle, snap settings.Snapshot) {
	c.updateCycle(cyc, func(x *Cycle) {
		x.Result = ResultAborted
		x.EndedAt = time.Now()
	})
	c.metrics.CyclesAborted.Inc()
	c.journalEvent(cyc, "aborted with no fill")
	c.log.Info("cycle aborted", zap.String("cycle_id", cyc.ID))
	c.mu.Lock()
	if c.machine.current() == StateMakerPlaced {
		_ = c.machine.transition(StateCooldown)
	}
	c.mu.Unlock()
	c.sleep(ctx, snap.PollInterval*5)
	c.mu.Lock()
	if c.machine.current() == StateCooldown {
		_ = c.machine.transition(StateIdle)
	}
	c.current = nil
	c.mu.Unlock()
}

// finishCycle records the result and serves the cooldown. The cooldown
// is drawn from the live bounds at cycle end, not the cycle-start
// snapshot.
func (c *Controller) finishCycle(ctx context.Context, cyc *Cycle, snap settings.Snapshot, result Result) {
	cooldown := c.settings.Snapshot().CooldownDuration()
	c.mu.Lock()
	cyc.Result = result
	cyc.EndedAt = time.Now()
	cyc.Cooldown = cooldown
	c.sessionPnL += cyc.PnLUSD
	c.cyclesDone++
	c.mu.Unlock()
	c.metrics.CyclesCompleted.Inc()
	if !c.transition(StateCooldown) {
		return
	}
	c.journalEvent(cyc, fmt.Sprintf("completed, pnl %.2f, cooldown %s", cyc.PnLUSD, cyc.Cooldown.Round(time.Second)))
	c.log.Info("cycle completed",
		zap.String("cycle_id", cyc.ID),
		zap.Float64("pnl_usd", cyc.PnLUSD),
		zap.Duration("cooldown", cyc.Cooldown))
	c.sleep(ctx, cyc.Cooldown)
	c.mu.Lock()
	if c.machine.current() == StateCooldown {
		_ = c.machine.transition(StateIdle)
	}
	c.current = nil
	c.mu.Unlock()
}

// pollRestFills backstops the websocket stream with the REST fills feed.
func (c *Controller) pollRestFills(ctx context.Context) {
	c.mu.Lock()
	since := c.lastFillMS
	c.mu.Unlock()
	events, err := c.maker.Venue().Fills(ctx, since)
	if err != nil {
		c.log.Debug("fills poll failed", zap.Error(err))
		return
	}
	for _, ev := range events {
		c.OnFill(ev)
	}
}

func (c *Controller) cancelQuiet(ctx context.Context, ex interface {
	CancelOrder(context.Context, venue.OrderHandle) error
	Venue() venue.Venue
}, orderID string) {
	if orderID == "" {
		return
	}
	if err := ex.CancelOrder(ctx, venue.OrderHandle{Venue: ex.Venue().Name(), ID: orderID}); err != nil {
		c.log.Debug("cancel failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Floor(v*pow) / pow
}
