// Package cycle runs the hedge cycle state machine: rest a maker entry,
// hedge its fills on the taker venue, hold the delta-neutral pair, then
// unwind both legs. One goroutine owns all cycle state; fills and pause
// requests arrive over channels.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dn-cycle-bot/internal/exec"
	"dn-cycle-bot/internal/fills"
	"dn-cycle-bot/internal/hedge"
	"dn-cycle-bot/internal/journal"
	"dn-cycle-bot/internal/metrics"
	"dn-cycle-bot/internal/safety"
	"dn-cycle-bot/internal/settings"
	"dn-cycle-bot/internal/state"
	"dn-cycle-bot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// sizeEps absorbs venue rounding when comparing filled against target.
	sizeEps = 1e-9
	// liqWatchLossFrac of the leg's margin lost unrealized triggers an
	// early unwind during the hold phase.
	liqWatchLossFrac = 0.8
	// shutdownUnwindWindow bounds the unwind that runs after the main
	// context is cancelled mid-hold.
	shutdownUnwindWindow = 2 * time.Minute
)

// Status is a point-in-time view for the operator interface.
type Status struct {
	State       State
	Paused      bool
	PauseReason string
	FailMsg     string
	Cycle       *Cycle
	SessionPnL  float64
	CyclesDone  int
}

type Controller struct {
	maker    *exec.Executor
	taker    *exec.Executor
	hedger   *hedge.Executor
	tracker  *fills.Tracker
	settings *settings.Store
	safety   *safety.Monitor
	store    state.Store
	journal  *journal.Writer
	metrics  *metrics.Metrics
	alerter  safety.Alerter
	log      *zap.Logger

	mu          sync.Mutex
	machine     *stateMachine
	current     *Cycle
	paused      bool
	pauseReason string
	failMsg     string
	sessionPnL  float64
	cyclesDone  int

	fillNotify chan struct{}
	closeNow   chan struct{}
	resumeCh   chan struct{}
	lastFillMS int64
}

func NewController(
	maker, taker *exec.Executor,
	hedger *hedge.Executor,
	tracker *fills.Tracker,
	st *settings.Store,
	mon *safety.Monitor,
	store state.Store,
	jw *journal.Writer,
	m *metrics.Metrics,
	alerter safety.Alerter,
	log *zap.Logger,
) *Controller {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Controller{
		maker:      maker,
		taker:      taker,
		hedger:     hedger,
		tracker:    tracker,
		settings:   st,
		safety:     mon,
		store:      store,
		journal:    jw,
		metrics:    m,
		alerter:    alerter,
		log:        log,
		machine:    newStateMachine(),
		fillNotify: make(chan struct{}, 1),
		closeNow:   make(chan struct{}, 1),
		resumeCh:   make(chan struct{}, 1),
	}
}

// OnFill feeds one maker fill event into the tracker and wakes the
// decision loop. Safe to call from the websocket reader goroutine.
func (c *Controller) OnFill(ev venue.FillEvent) {
	if c.tracker.Record(ev) {
		c.metrics.MakerFills.Inc()
		c.mu.Lock()
		if ev.TimeMS > c.lastFillMS {
			c.lastFillMS = ev.TimeMS
		}
		c.mu.Unlock()
		select {
		case c.fillNotify <- struct{}{}:
		default:
		}
	}
}

// Run is the decision loop. It consumes safety pause requests, gates new
// cycles on pause/failure/collateral, and drives each cycle through its
// phases sequentially.
func (c *Controller) Run(ctx context.Context) {
	if c.safety != nil {
		go c.consumePauses(ctx)
	}
	if err := c.reconcile(ctx); err != nil {
		c.log.Error("startup reconcile failed", zap.Error(err))
		c.fail(fmt.Sprintf("startup reconcile: %v", err))
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.waitReady(ctx) {
			return
		}
		snap := c.settings.Snapshot()
		if c.safety != nil {
			if err := c.safety.AllowCycle(ctx); err != nil {
				c.log.Info("cycle gated", zap.Error(err))
				if !c.sleep(ctx, snap.PollInterval*5) {
					return
				}
				continue
			}
		}
		c.runCycle(ctx, snap)
	}
}

// waitReady blocks while the controller is failed or paused. It returns
// false when ctx is done.
func (c *Controller) waitReady(ctx context.Context) bool {
	for {
		c.mu.Lock()
		failed := c.machine.current() == StateFailed
		paused := c.paused
		if paused && !failed && c.machine.current() == StateIdle {
			_ = c.machine.transition(StatePaused)
		}
		c.mu.Unlock()
		if !failed && !paused {
			c.mu.Lock()
			if c.machine.current() == StatePaused {
				_ = c.machine.transition(StateIdle)
			}
			c.mu.Unlock()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.resumeCh:
		case <-time.After(time.Second):
		}
	}
}

func (c *Controller) consumePauses(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-c.safety.Pauses():
			c.Pause("safety: " + reason.Detail)
		}
	}
}

// Pause suppresses new cycles. A cycle already in flight completes its
// obligations, including the unwind, before the pause takes effect.
func (c *Controller) Pause(reason string) {
	c.mu.Lock()
	already := c.paused
	c.paused = true
	c.pauseReason = reason
	c.mu.Unlock()
	if !already {
		c.metrics.PausesEngaged.Inc()
		c.log.Warn("trading paused", zap.String("reason", reason))
		c.alert(context.Background(), "Trading paused: "+reason)
	}
}

// Resume clears a pause. It does not clear a failure.
func (c *Controller) Resume() {
	c.mu.Lock()
	was := c.paused
	c.paused = false
	c.pauseReason = ""
	c.mu.Unlock()
	if was {
		c.metrics.PausesCleared.Inc()
		c.log.Info("trading resumed")
		select {
		case c.resumeCh <- struct{}{}:
		default:
		}
	}
}

// ClearFailed acknowledges a failure and returns the machine to IDLE.
// The operator confirms positions are flat before calling this.
func (c *Controller) ClearFailed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.current() != StateFailed {
		return fmt.Errorf("not failed (state %s)", c.machine.current())
	}
	c.failMsg = ""
	c.current = nil
	if err := c.machine.transition(StateIdle); err != nil {
		return err
	}
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// EmergencyClose pauses trading and, when a cycle is holding, cuts the
// hold short so the unwind starts immediately.
func (c *Controller) EmergencyClose() {
	c.Pause("operator emergency close")
	select {
	case c.closeNow <- struct{}{}:
	default:
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cyc *Cycle
	if c.current != nil {
		copied := *c.current
		cyc = &copied
	}
	return Status{
		State:       c.machine.current(),
		Paused:      c.paused,
		PauseReason: c.pauseReason,
		FailMsg:     c.failMsg,
		Cycle:       cyc,
		SessionPnL:  c.sessionPnL,
		CyclesDone:  c.cyclesDone,
	}
}

// RecordTradingError forwards margin-class errors to the safety monitor.
func (c *Controller) RecordTradingError(err error) {
	if c.safety != nil {
		c.safety.RecordError(err)
	}
}

// reconcile closes stray positions left by a previous run. The bot owns
// its accounts, so any nonzero position at startup is leftover inventory.
func (c *Controller) reconcile(ctx context.Context) error {
	snap := c.settings.Snapshot()
	if snap.DryRun {
		return nil
	}
	makerPos, err := c.maker.Venue().Position(ctx)
	if err != nil {
		return fmt.Errorf("maker position: %w", err)
	}
	takerPos, err := c.taker.Venue().Position(ctx)
	if err != nil {
		return fmt.Errorf("taker position: %w", err)
	}
	if abs(makerPos) <= sizeEps && abs(takerPos) <= sizeEps {
		return nil
	}
	c.log.Warn("stray positions at startup",
		zap.Float64("maker", makerPos),
		zap.Float64("taker", takerPos))
	c.alert(ctx, fmt.Sprintf("Startup: closing stray positions maker=%.6f taker=%.6f", makerPos, takerPos))
	if abs(makerPos) > sizeEps {
		if err := c.closeMakerAggressive(ctx, makerPos, snap); err != nil {
			return fmt.Errorf("close stray maker position: %w", err)
		}
	}
	if abs(takerPos) > sizeEps {
		if err := c.closeTaker(ctx, takerPos, snap); err != nil {
			return fmt.Errorf("close stray taker position: %w", err)
		}
	}
	return nil
}

func (c *Controller) fail(msg string) {
	c.mu.Lock()
	c.failMsg = msg
	cur := c.machine.current()
	if cur != StateFailed {
		c.machine.state = StateFailed
	}
	if c.current != nil && !c.current.Terminal() {
		c.current.Result = ResultFailed
		c.current.FailMsg = msg
		c.current.EndedAt = time.Now()
	}
	c.mu.Unlock()
	c.metrics.CyclesFailed.Inc()
	c.log.Error("cycle controller failed", zap.String("reason", msg))
	c.alert(context.Background(), "FAILED: "+msg+" (operator: verify positions, then /clearfail)")
}

func (c *Controller) alert(ctx context.Context, text string) {
	if c.alerter != nil {
		c.alerter.Send(ctx, text)
	}
}

func (c *Controller) journalEvent(cyc *Cycle, detail string) {
	if c.journal == nil || cyc == nil {
		return
	}
	c.journal.Enqueue(journal.Event{
		CycleID: cyc.ID,
		State:   string(c.state()),
		Side:    string(cyc.Side),
		Size:    cyc.TargetSize,
		Filled:  cyc.FilledSize,
		Hedged:  cyc.HedgedSize,
		Price:   cyc.MakerAvgPx,
		PnLUSD:  cyc.PnLUSD,
		Detail:  detail,
	})
}

func (c *Controller) transition(next State) bool {
	c.mu.Lock()
	err := c.machine.transition(next)
	c.mu.Unlock()
	if err != nil {
		c.fail(err.Error())
		return false
	}
	return true
}

// updateCycle mutates the in-flight cycle under the controller lock so
// Status can copy it safely from other goroutines.
func (c *Controller) updateCycle(cyc *Cycle, fn func(*Cycle)) {
	c.mu.Lock()
	fn(cyc)
	c.mu.Unlock()
}

func (c *Controller) state() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.current()
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func newCycleID() string { return uuid.NewString() }

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
