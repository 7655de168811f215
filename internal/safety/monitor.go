// Package safety watches margin health on both venues and requests a
// trading pause when either leg gets close to trouble. It never trades on
// its own; the cycle controller consumes its pause signals at phase
// boundaries.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dn-cycle-bot/internal/config"
	"dn-cycle-bot/internal/settings"
	"dn-cycle-bot/internal/venue"

	"go.uber.org/zap"
)

// Alerter delivers operator notifications. Satisfied by alerts.Telegram.
type Alerter interface {
	Send(ctx context.Context, text string)
}

// PauseReason explains why the monitor asked for a pause.
type PauseReason struct {
	Venue  string
	Detail string
}

type Monitor struct {
	maker    venue.Venue
	taker    venue.Venue
	settings *settings.Store
	cfg      config.SafetyConfig
	alerter  Alerter
	log      *zap.Logger

	pauses chan PauseReason

	mu           sync.Mutex
	marginErrors []time.Time
	lastSnaps    map[string]venue.PositionSnapshot
}

func NewMonitor(maker, taker venue.Venue, st *settings.Store, cfg config.SafetyConfig, alerter Alerter, log *zap.Logger) *Monitor {
	return &Monitor{
		maker:     maker,
		taker:     taker,
		settings:  st,
		cfg:       cfg,
		alerter:   alerter,
		log:       log,
		pauses:    make(chan PauseReason, 4),
		lastSnaps: make(map[string]venue.PositionSnapshot),
	}
}

// Pauses delivers pause requests. The channel is buffered; a full buffer
// drops the duplicate request rather than blocking the monitor.
func (m *Monitor) Pauses() <-chan PauseReason { return m.pauses }

// Run polls both venues until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	snap := m.settings.Snapshot()
	safe := m.cfg.MarginBuffer / snap.Leverage
	liq := m.cfg.LiqBuffer / snap.Leverage
	for _, v := range []venue.Venue{m.maker, m.taker} {
		ps, err := v.Snapshot(ctx)
		if err != nil {
			m.log.Warn("safety snapshot failed", zap.String("venue", v.Name()), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.lastSnaps[v.Name()] = ps
		m.mu.Unlock()
		if !ps.HasMarginRatio {
			continue
		}
		if ps.MarginRatio < liq {
			m.alert(ctx, fmt.Sprintf("CRITICAL: %s margin ratio %.4f below liquidation threshold %.4f", v.Name(), ps.MarginRatio, liq))
			m.requestPause(PauseReason{Venue: v.Name(), Detail: fmt.Sprintf("margin ratio %.4f below liquidation threshold %.4f", ps.MarginRatio, liq)})
		} else if ps.MarginRatio < safe {
			m.requestPause(PauseReason{Venue: v.Name(), Detail: fmt.Sprintf("margin ratio %.4f below safe threshold %.4f", ps.MarginRatio, safe)})
		}
	}
}

// RecordError feeds margin-class trading errors into a sliding window.
// Crossing MaxMarginErrors within ErrorWindow requests a pause: repeated
// margin rejections mean the account is thinner than the settings assume.
func (m *Monitor) RecordError(err error) {
	if !venue.IsInsufficientMargin(err) {
		return
	}
	now := time.Now()
	m.mu.Lock()
	cutoff := now.Add(-m.cfg.ErrorWindow)
	kept := m.marginErrors[:0]
	for _, t := range m.marginErrors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.marginErrors = append(kept, now)
	count := len(m.marginErrors)
	m.mu.Unlock()
	if count >= m.cfg.MaxMarginErrors {
		m.requestPause(PauseReason{Detail: fmt.Sprintf("%d margin errors within %s", count, m.cfg.ErrorWindow)})
	}
}

// AllowCycle gates a new cycle on available collateral: the worst-case
// position needs maxSize/leverage of margin on each leg, padded by half
// again for fees and adverse moves.
func (m *Monitor) AllowCycle(ctx context.Context) error {
	snap := m.settings.Snapshot()
	required := snap.SizeUSD.Max / snap.Leverage * 1.5
	for _, v := range []venue.Venue{m.maker, m.taker} {
		ps, err := v.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("balance check on %s: %w", v.Name(), err)
		}
		if ps.Balance.FreeCollateralUSD < required {
			return fmt.Errorf("%s free collateral %.2f below required %.2f", v.Name(), ps.Balance.FreeCollateralUSD, required)
		}
	}
	return nil
}

// Snapshots returns the last snapshot seen per venue, for status reporting.
func (m *Monitor) Snapshots() map[string]venue.PositionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]venue.PositionSnapshot, len(m.lastSnaps))
	for k, v := range m.lastSnaps {
		out[k] = v
	}
	return out
}

func (m *Monitor) requestPause(reason PauseReason) {
	select {
	case m.pauses <- reason:
		m.log.Warn("pause requested", zap.String("venue", reason.Venue), zap.String("detail", reason.Detail))
	default:
	}
}

func (m *Monitor) alert(ctx context.Context, text string) {
	if m.alerter != nil {
		m.alerter.Send(ctx, text)
	}
}
