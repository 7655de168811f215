package cycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dn-cycle-bot/internal/config"
	"dn-cycle-bot/internal/exec"
	"dn-cycle-bot/internal/fills"
	"dn-cycle-bot/internal/hedge"
	"dn-cycle-bot/internal/settings"
	"dn-cycle-bot/internal/venue"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) countPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

// fakeMaker fills a configured fraction of entry orders on one side and
// flattens its position when a reduce-only order arrives.
type fakeMaker struct {
	mu       sync.Mutex
	orders   []venue.OrderRequest
	pending  []venue.FillEvent
	position float64
	bbo      venue.BBO
	fillSide venue.Side // empty means nothing fills
	fillFrac float64
	seq      int
}

func newFakeMaker(fillSide venue.Side, fillFrac float64) *fakeMaker {
	return &fakeMaker{
		bbo:      venue.BBO{Bid: 99.9, Ask: 100.1},
		fillSide: fillSide,
		fillFrac: fillFrac,
	}
}

func (f *fakeMaker) Name() string { return "fake-maker" }

func (f *fakeMaker) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderHandle, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("m%d", f.seq)
	f.orders = append(f.orders, req)
	if req.ReduceOnly {
		f.position = 0
		return venue.OrderHandle{Venue: "fake-maker", ID: id, ClientOrderID: req.ClientOrderID}, nil
	}
	if req.PostOnly && f.fillSide != "" && req.Side == f.fillSide && f.fillFrac > 0 {
		size := req.Size * f.fillFrac
		f.pending = append(f.pending, venue.FillEvent{
			ID:      fmt.Sprintf("f%d", f.seq),
			OrderID: id,
			Side:    req.Side,
			Size:    size,
			Price:   req.Price,
			TimeMS:  int64(f.seq),
		})
		if req.Side == venue.SideBid {
			f.position += size
		} else {
			f.position -= size
		}
	}
	return venue.OrderHandle{Venue: "fake-maker", ID: id, ClientOrderID: req.ClientOrderID}, nil
}

func (f *fakeMaker) CancelOrder(ctx context.Context, handle venue.OrderHandle) error {
	return nil
}

func (f *fakeMaker) Fills(ctx context.Context, sinceMS int64) ([]venue.FillEvent, error) {
	_ = ctx
	_ = sinceMS
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]venue.FillEvent, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeMaker) Position(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeMaker) Snapshot(ctx context.Context) (venue.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return venue.PositionSnapshot{
		Venue:    "fake-maker",
		Position: f.position,
		Balance:  venue.Balance{EquityUSD: 10000, FreeCollateralUSD: 9000},
	}, nil
}

func (f *fakeMaker) BestBidAsk(ctx context.Context) (venue.BBO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bbo, nil
}

func (f *fakeMaker) snapshotOrders() []venue.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]venue.OrderRequest, len(f.orders))
	copy(out, f.orders)
	return out
}

func (f *fakeMaker) setFill(side venue.Side, frac float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillSide = side
	f.fillFrac = frac
}

func (f *fakeMaker) countEntries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.orders {
		if o.PostOnly && !o.ReduceOnly {
			n++
		}
	}
	return n
}

// fakeTaker moves its position by a scripted fraction of each order, the
// way the hedge confirmation path observes fills.
type fakeTaker struct {
	mu        sync.Mutex
	orders    []venue.OrderRequest
	position  float64
	fillFracs []float64
	placed    int
}

func (f *fakeTaker) Name() string { return "fake-taker" }

func (f *fakeTaker) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderHandle, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	frac := 1.0
	if f.placed < len(f.fillFracs) {
		frac = f.fillFracs[f.placed]
	}
	f.placed++
	f.orders = append(f.orders, req)
	delta := req.Size * frac
	if req.Side == venue.SideAsk {
		delta = -delta
	}
	f.position += delta
	return venue.OrderHandle{Venue: "fake-taker", ID: fmt.Sprintf("t%d", f.placed)}, nil
}

func (f *fakeTaker) CancelOrder(ctx context.Context, handle venue.OrderHandle) error { return nil }

func (f *fakeTaker) Fills(ctx context.Context, sinceMS int64) ([]venue.FillEvent, error) {
	return nil, nil
}

func (f *fakeTaker) Position(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeTaker) Snapshot(ctx context.Context) (venue.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return venue.PositionSnapshot{
		Venue:    "fake-taker",
		Position: f.position,
		Balance:  venue.Balance{EquityUSD: 10000, FreeCollateralUSD: 9000},
	}, nil
}

func (f *fakeTaker) BestBidAsk(ctx context.Context) (venue.BBO, error) {
	return venue.BBO{Bid: 99.9, Ask: 100.1}, nil
}

func (f *fakeTaker) snapshotOrders() []venue.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]venue.OrderRequest, len(f.orders))
	copy(out, f.orders)
	return out
}

func fastStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		SizeMinUSD:       1000,
		SizeMaxUSD:       1000,
		HoldMin:          time.Millisecond,
		HoldMax:          time.Millisecond,
		CooldownMin:      10 * time.Minute, // park after the first cycle
		CooldownMax:      10 * time.Minute,
		OrderTimeout:     500 * time.Millisecond,
		RepriceInterval:  200 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		CloseBufferUSD:   0.1,
		SpreadOffsetBPS:  4,
		HedgeSlippageBPS: 10,
		Leverage:         40,
		MaxFillAttempts:  10,
		HedgeMaxAttempts: 3,
		HedgeMaxElapsed:  500 * time.Millisecond,
		SizeDecimals:     5,
	}
}

func newTestController(maker *fakeMaker, taker *fakeTaker, store *memoryStore, cfg config.StrategyConfig) *Controller {
	log := zap.NewNop()
	makerExec := exec.New(maker, store, log)
	takerExec := exec.New(taker, store, log)
	hedger := hedge.New(takerExec, log)
	tracker := fills.NewTracker(log)
	settingsStore := settings.New(cfg, store, log)
	return NewController(makerExec, takerExec, hedger, tracker,
		settingsStore, nil, store, nil, nil, nil, log)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", timeout)
}

func TestControllerFullCycle(t *testing.T) {
	maker := newFakeMaker(venue.SideBid, 1.0)
	taker := &fakeTaker{}
	store := newMemoryStore()
	ctrl := newTestController(maker, taker, store, fastStrategyConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().CyclesDone >= 1 })
	cancel()
	<-done

	st := ctrl.Status()
	if st.FailMsg != "" {
		t.Fatalf("unexpected failure: %s", st.FailMsg)
	}
	if st.CyclesDone != 1 {
		t.Fatalf("expected exactly one cycle, got %d", st.CyclesDone)
	}

	takerOrders := taker.snapshotOrders()
	var hedges, closes int
	for _, o := range takerOrders {
		if o.ReduceOnly {
			closes++
			if o.Side != venue.SideBid {
				t.Fatalf("taker close should buy back the short, got %s", o.Side)
			}
		} else {
			hedges++
			if o.Side != venue.SideAsk {
				t.Fatalf("hedge for a long maker fill should sell, got %s", o.Side)
			}
		}
	}
	if hedges != 1 {
		t.Fatalf("expected one hedge order, got %d", hedges)
	}
	if closes != 1 {
		t.Fatalf("expected one taker close, got %d", closes)
	}

	var makerClose bool
	for _, o := range maker.snapshotOrders() {
		if o.ReduceOnly {
			makerClose = true
			if o.Side != venue.SideAsk {
				t.Fatalf("maker close for a long should sell, got %s", o.Side)
			}
		}
	}
	if !makerClose {
		t.Fatalf("expected a reduce-only maker close")
	}

	if got := store.countPrefix("unwind:"); got != 1 {
		t.Fatalf("expected one unwind guard key, got %d", got)
	}

	makerPos, _ := maker.Position(context.Background())
	takerPos, _ := taker.Position(context.Background())
	if makerPos != 0 || takerPos != 0 {
		t.Fatalf("expected flat books, got maker %v taker %v", makerPos, takerPos)
	}
}

func TestControllerAbortsWhenNothingFills(t *testing.T) {
	maker := newFakeMaker("", 0)
	taker := &fakeTaker{}
	store := newMemoryStore()
	cfg := fastStrategyConfig()
	cfg.OrderTimeout = 50 * time.Millisecond
	ctrl := newTestController(maker, taker, store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	// Let at least one entry attempt time out.
	waitFor(t, 5*time.Second, func() bool { return len(maker.snapshotOrders()) >= 2 })
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if got := len(taker.snapshotOrders()); got != 0 {
		t.Fatalf("aborted cycles must not hedge, got %d taker orders", got)
	}
	if got := store.countPrefix("unwind:"); got != 0 {
		t.Fatalf("aborted cycles must not unwind, got %d guard keys", got)
	}
	if ctrl.Status().CyclesDone != 0 {
		t.Fatalf("aborted cycles must not count as done")
	}
}

func TestControllerFailsWhenHedgeExhausted(t *testing.T) {
	maker := newFakeMaker(venue.SideBid, 1.0)
	taker := &fakeTaker{fillFracs: []float64{0, 0, 0}}
	store := newMemoryStore()
	cfg := fastStrategyConfig()
	cfg.HedgeMaxAttempts = 2
	cfg.HedgeMaxElapsed = 100 * time.Millisecond
	ctrl := newTestController(maker, taker, store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().State == StateFailed })
	cancel()
	<-done

	st := ctrl.Status()
	if st.FailMsg == "" {
		t.Fatalf("expected a failure message")
	}
	if st.CyclesDone != 0 {
		t.Fatalf("failed cycle must not count as done")
	}

	if err := ctrl.ClearFailed(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if got := ctrl.Status().State; got != StateIdle {
		t.Fatalf("expected IDLE after clearing, got %s", got)
	}
}

func TestControllerHedgesPartialFillOnTimeout(t *testing.T) {
	maker := newFakeMaker(venue.SideBid, 0.5)
	taker := &fakeTaker{}
	store := newMemoryStore()
	cfg := fastStrategyConfig()
	cfg.MaxFillAttempts = 1 // no reprice chase, hedge what filled
	ctrl := newTestController(maker, taker, store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().CyclesDone >= 1 })
	cancel()
	<-done

	if msg := ctrl.Status().FailMsg; msg != "" {
		t.Fatalf("unexpected failure: %s", msg)
	}
	var hedgeSize float64
	for _, o := range taker.snapshotOrders() {
		if !o.ReduceOnly {
			hedgeSize = o.Size
			break
		}
	}
	// Target is 1000 USD at roughly 100, filled half.
	if hedgeSize < 4.9 || hedgeSize > 5.1 {
		t.Fatalf("expected hedge near half the target, got %v", hedgeSize)
	}
}

func TestControllerPauseGatesNewCycles(t *testing.T) {
	maker := newFakeMaker(venue.SideBid, 1.0)
	taker := &fakeTaker{}
	store := newMemoryStore()
	ctrl := newTestController(maker, taker, store, fastStrategyConfig())
	ctrl.Pause("test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().State == StatePaused })
	time.Sleep(50 * time.Millisecond)
	if got := len(maker.snapshotOrders()); got != 0 {
		t.Fatalf("paused controller must not place orders, got %d", got)
	}

	ctrl.Resume()
	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().CyclesDone >= 1 })
	cancel()
	<-done
}

func TestControllerDrawsHoldAndCooldownFromLiveBounds(t *testing.T) {
	maker := newFakeMaker("", 0) // nothing fills until the bounds change
	taker := &fakeTaker{}
	store := newMemoryStore()
	cfg := fastStrategyConfig()
	cfg.HoldMin = 10 * time.Minute
	cfg.HoldMax = 10 * time.Minute
	ctrl := newTestController(maker, taker, store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	// Shrink both ranges while the entry is still resting, then let it
	// fill. The draws must honor the new bounds, not the ones captured
	// when the cycle started.
	waitFor(t, 5*time.Second, func() bool { return maker.countEntries() >= 1 })
	if err := ctrl.settings.Set(ctx, "HOLD", []float64{0.001, 0.001}); err != nil {
		t.Fatalf("set hold: %v", err)
	}
	if err := ctrl.settings.Set(ctx, "COOLDOWN", []float64{0.0005, 0.0005}); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}
	maker.setFill(venue.SideBid, 1.0)

	waitFor(t, 5*time.Second, func() bool {
		st := ctrl.Status()
		return st.State == StateHeld || st.CyclesDone >= 1
	})
	if st := ctrl.Status(); st.State == StateHeld && st.Cycle != nil {
		if st.Cycle.HoldFor > time.Second {
			t.Fatalf("hold drawn from stale bounds: %s", st.Cycle.HoldFor)
		}
	}

	// A second cycle starting proves the cooldown draw used the live
	// bounds too; the stale ten-minute ranges would park the controller.
	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().CyclesDone >= 2 })
	cancel()
	<-done
}

func TestControllerPauseDuringHedgeCompletesCycle(t *testing.T) {
	maker := newFakeMaker(venue.SideBid, 1.0)
	taker := &fakeTaker{fillFracs: []float64{0, 1}}
	store := newMemoryStore()
	cfg := fastStrategyConfig()
	cfg.CooldownMin = 10 * time.Millisecond
	cfg.CooldownMax = 10 * time.Millisecond
	ctrl := newTestController(maker, taker, store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	// The first hedge attempt fills nothing, so the cycle sits in
	// HEDGING long enough to pause it mid-flight.
	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().State == StateHedging })
	ctrl.Pause("test")

	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().CyclesDone >= 1 })
	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().State == StatePaused })

	if msg := ctrl.Status().FailMsg; msg != "" {
		t.Fatalf("unexpected failure: %s", msg)
	}
	var hedges int
	for _, o := range taker.snapshotOrders() {
		if !o.ReduceOnly {
			hedges++
		}
	}
	if hedges != 2 {
		t.Fatalf("expected the hedge to retry to completion, got %d orders", hedges)
	}
	if got := store.countPrefix("unwind:"); got != 1 {
		t.Fatalf("paused cycle must still unwind exactly once, got %d guard keys", got)
	}
	takerPos, _ := taker.Position(context.Background())
	if takerPos != 0 {
		t.Fatalf("expected a flat taker book, got %v", takerPos)
	}

	// No new cycle while paused.
	entries := maker.countEntries()
	time.Sleep(100 * time.Millisecond)
	if got := maker.countEntries(); got != entries {
		t.Fatalf("paused controller started a new cycle: %d -> %d entries", entries, got)
	}
	cancel()
	<-done
}

func TestControllerPauseDuringHoldUnwindsNormally(t *testing.T) {
	maker := newFakeMaker(venue.SideBid, 1.0)
	taker := &fakeTaker{}
	store := newMemoryStore()
	cfg := fastStrategyConfig()
	cfg.HoldMin = 300 * time.Millisecond
	cfg.HoldMax = 300 * time.Millisecond
	cfg.CooldownMin = 10 * time.Millisecond
	cfg.CooldownMax = 10 * time.Millisecond
	ctrl := newTestController(maker, taker, store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().State == StateHeld })
	ctrl.Pause("test")

	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().CyclesDone >= 1 })
	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().State == StatePaused })

	if msg := ctrl.Status().FailMsg; msg != "" {
		t.Fatalf("unexpected failure: %s", msg)
	}
	if got := store.countPrefix("unwind:"); got != 1 {
		t.Fatalf("expected one unwind guard key, got %d", got)
	}
	makerPos, _ := maker.Position(context.Background())
	takerPos, _ := taker.Position(context.Background())
	if makerPos != 0 || takerPos != 0 {
		t.Fatalf("expected flat books, got maker %v taker %v", makerPos, takerPos)
	}
	entries := maker.countEntries()
	time.Sleep(100 * time.Millisecond)
	if got := maker.countEntries(); got != entries {
		t.Fatalf("paused controller started a new cycle: %d -> %d entries", entries, got)
	}
	cancel()
	<-done
}

func TestControllerShutdownDuringHoldStillUnwinds(t *testing.T) {
	maker := newFakeMaker(venue.SideBid, 1.0)
	taker := &fakeTaker{}
	store := newMemoryStore()
	cfg := fastStrategyConfig()
	cfg.HoldMin = 300 * time.Millisecond
	cfg.HoldMax = 300 * time.Millisecond
	ctrl := newTestController(maker, taker, store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return ctrl.Status().State == StateHeld })
	cancel()
	<-done

	st := ctrl.Status()
	if st.FailMsg != "" {
		t.Fatalf("shutdown mid-hold must not fail the cycle: %s", st.FailMsg)
	}
	if st.CyclesDone != 1 {
		t.Fatalf("expected the interrupted cycle to finish, got %d done", st.CyclesDone)
	}
	if got := store.countPrefix("unwind:"); got != 1 {
		t.Fatalf("expected one unwind guard key, got %d", got)
	}
	makerPos, _ := maker.Position(context.Background())
	takerPos, _ := taker.Position(context.Background())
	if makerPos != 0 || takerPos != 0 {
		t.Fatalf("expected flat books after shutdown unwind, got maker %v taker %v", makerPos, takerPos)
	}
}
