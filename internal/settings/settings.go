// Package settings holds the runtime-tunable strategy parameters. Readers
// take an immutable snapshot at each decision point; all mutations go
// through Set, which validates before applying and persists the overrides
// so they survive restarts.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"dn-cycle-bot/internal/config"
	"dn-cycle-bot/internal/state"

	"go.uber.org/zap"
)

const overridesKey = "settings:overrides"

// Range is a [Min,Max] interval that randomized parameters are drawn from.
type Range struct {
	Min float64
	Max float64
}

// Draw returns a uniform sample from the range.
func (r Range) Draw() float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.Float64()*(r.Max-r.Min)
}

func (r Range) valid() bool {
	return r.Min > 0 && r.Max >= r.Min
}

// Snapshot is an immutable view of the current parameters. A phase reads
// one snapshot at its start and never observes a mid-phase change.
type Snapshot struct {
	SizeUSD       Range
	Hold          Range
	Cooldown      Range
	OrderTimeout  time.Duration
	PollInterval  time.Duration
	SpreadBps     float64
	SlippageBps   float64
	CloseBuffer   float64
	RepriceEvery  time.Duration
	Leverage      float64
	SizeDecimals  int
	MaxFillTries  int
	HedgeAttempts int
	HedgeElapsed  time.Duration
	DryRun        bool
}

// HoldDuration draws a hold duration. Snapshot.Hold is stored in minutes.
func (s Snapshot) HoldDuration() time.Duration {
	return time.Duration(s.Hold.Draw() * float64(time.Minute))
}

func (s Snapshot) CooldownDuration() time.Duration {
	return time.Duration(s.Cooldown.Draw() * float64(time.Minute))
}

type Store struct {
	mu    sync.RWMutex
	cur   Snapshot
	store state.Store
	log   *zap.Logger
}

// overrides is the persisted delta against the file config. Only fields
// the operator has touched are stored, so later config-file edits still
// take effect for untouched fields.
type overrides struct {
	SizeMin     *float64 `json:"size_min,omitempty"`
	SizeMax     *float64 `json:"size_max,omitempty"`
	HoldMin     *float64 `json:"hold_min,omitempty"`
	HoldMax     *float64 `json:"hold_max,omitempty"`
	CooldownMin *float64 `json:"cooldown_min,omitempty"`
	CooldownMax *float64 `json:"cooldown_max,omitempty"`
	TimeoutSec  *float64 `json:"timeout_sec,omitempty"`
	SpreadBps   *float64 `json:"spread_bps,omitempty"`
	SlippageBps *float64 `json:"slippage_bps,omitempty"`
	CloseBuffer *float64 `json:"close_buffer,omitempty"`
	RepriceSec  *float64 `json:"reprice_sec,omitempty"`
	Leverage    *float64 `json:"leverage,omitempty"`
	DryRun      *bool    `json:"dry_run,omitempty"`
}

func New(cfg config.StrategyConfig, st state.Store, log *zap.Logger) *Store {
	return &Store{
		cur:   fromConfig(cfg),
		store: st,
		log:   log,
	}
}

func fromConfig(cfg config.StrategyConfig) Snapshot {
	return Snapshot{
		SizeUSD:       Range{cfg.SizeMinUSD, cfg.SizeMaxUSD},
		Hold:          Range{cfg.HoldMin.Minutes(), cfg.HoldMax.Minutes()},
		Cooldown:      Range{cfg.CooldownMin.Minutes(), cfg.CooldownMax.Minutes()},
		OrderTimeout:  cfg.OrderTimeout,
		PollInterval:  cfg.PollInterval,
		SpreadBps:     cfg.SpreadOffsetBPS,
		SlippageBps:   cfg.HedgeSlippageBPS,
		CloseBuffer:   cfg.CloseBufferUSD,
		RepriceEvery:  cfg.RepriceInterval,
		Leverage:      cfg.Leverage,
		SizeDecimals:  cfg.SizeDecimals,
		MaxFillTries:  cfg.MaxFillAttempts,
		HedgeAttempts: cfg.HedgeMaxAttempts,
		HedgeElapsed:  cfg.HedgeMaxElapsed,
		DryRun:        cfg.DryRun,
	}
}

// Load applies persisted operator overrides on top of the file config.
func (s *Store) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	raw, ok, err := s.store.Get(ctx, overridesKey)
	if err != nil {
		return fmt.Errorf("load settings overrides: %w", err)
	}
	if !ok {
		return nil
	}
	var o overrides
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return fmt.Errorf("decode settings overrides: %w", err)
	}
	s.mu.Lock()
	applyOverrides(&s.cur, o)
	s.mu.Unlock()
	s.log.Info("loaded persisted settings overrides")
	return nil
}

func applyOverrides(snap *Snapshot, o overrides) {
	setf := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setf(&snap.SizeUSD.Min, o.SizeMin)
	setf(&snap.SizeUSD.Max, o.SizeMax)
	setf(&snap.Hold.Min, o.HoldMin)
	setf(&snap.Hold.Max, o.HoldMax)
	setf(&snap.Cooldown.Min, o.CooldownMin)
	setf(&snap.Cooldown.Max, o.CooldownMax)
	if o.TimeoutSec != nil {
		snap.OrderTimeout = time.Duration(*o.TimeoutSec * float64(time.Second))
	}
	setf(&snap.SpreadBps, o.SpreadBps)
	setf(&snap.SlippageBps, o.SlippageBps)
	setf(&snap.CloseBuffer, o.CloseBuffer)
	if o.RepriceSec != nil {
		snap.RepriceEvery = time.Duration(*o.RepriceSec * float64(time.Second))
	}
	setf(&snap.Leverage, o.Leverage)
	if o.DryRun != nil {
		snap.DryRun = *o.DryRun
	}
}

// Snapshot returns the current parameters. The returned value is a copy;
// callers hold it for the duration of one phase.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Set is the single mutation entry point. key is case-insensitive; ranged
// parameters take two values, scalars take one. The change is validated
// against the candidate snapshot before being applied, so an invalid Set
// leaves the store untouched.
func (s *Store) Set(ctx context.Context, key string, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur
	var o overrides
	if s.store != nil {
		if raw, ok, err := s.store.Get(ctx, overridesKey); err == nil && ok {
			_ = json.Unmarshal([]byte(raw), &o)
		}
	}

	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "SIZE":
		r, err := asRange(values)
		if err != nil {
			return err
		}
		next.SizeUSD = r
		o.SizeMin, o.SizeMax = &r.Min, &r.Max
	case "HOLD":
		r, err := asRange(values)
		if err != nil {
			return err
		}
		next.Hold = r
		o.HoldMin, o.HoldMax = &r.Min, &r.Max
	case "COOLDOWN":
		r, err := asRange(values)
		if err != nil {
			return err
		}
		next.Cooldown = r
		o.CooldownMin, o.CooldownMax = &r.Min, &r.Max
	case "TIMEOUT":
		v, err := asScalar(values)
		if err != nil {
			return err
		}
		next.OrderTimeout = time.Duration(v * float64(time.Second))
		o.TimeoutSec = &v
	case "SPREAD":
		v, err := asScalar(values)
		if err != nil {
			return err
		}
		next.SpreadBps = v
		o.SpreadBps = &v
	case "SLIPPAGE":
		v, err := asScalar(values)
		if err != nil {
			return err
		}
		next.SlippageBps = v
		o.SlippageBps = &v
	case "BUFFER":
		v, err := asScalar(values)
		if err != nil {
			return err
		}
		next.CloseBuffer = v
		o.CloseBuffer = &v
	case "REPRICE":
		v, err := asScalar(values)
		if err != nil {
			return err
		}
		next.RepriceEvery = time.Duration(v * float64(time.Second))
		o.RepriceSec = &v
	case "LEVERAGE":
		v, err := asScalar(values)
		if err != nil {
			return err
		}
		next.Leverage = v
		o.Leverage = &v
	case "DRY_RUN", "DRYRUN":
		v, err := asScalar(values)
		if err != nil {
			return err
		}
		b := v != 0
		next.DryRun = b
		o.DryRun = &b
	default:
		return fmt.Errorf("unknown setting %q", key)
	}

	if err := validate(next); err != nil {
		return err
	}
	s.cur = next
	if s.store != nil {
		raw, err := json.Marshal(o)
		if err == nil {
			err = s.store.Set(ctx, overridesKey, string(raw))
		}
		if err != nil {
			s.log.Warn("failed to persist settings override", zap.String("key", key), zap.Error(err))
		}
	}
	s.log.Info("setting updated", zap.String("key", key), zap.Float64s("values", values))
	return nil
}

func validate(snap Snapshot) error {
	if !snap.SizeUSD.valid() {
		return fmt.Errorf("size range invalid: [%v, %v]", snap.SizeUSD.Min, snap.SizeUSD.Max)
	}
	if !snap.Hold.valid() {
		return fmt.Errorf("hold range invalid: [%v, %v]", snap.Hold.Min, snap.Hold.Max)
	}
	if !snap.Cooldown.valid() {
		return fmt.Errorf("cooldown range invalid: [%v, %v]", snap.Cooldown.Min, snap.Cooldown.Max)
	}
	if snap.OrderTimeout <= 0 {
		return fmt.Errorf("order timeout must be positive")
	}
	if snap.SpreadBps < 0 || snap.SpreadBps > 100 {
		return fmt.Errorf("spread offset out of range: %v bps", snap.SpreadBps)
	}
	if snap.SlippageBps <= 0 || snap.SlippageBps > 500 {
		return fmt.Errorf("hedge slippage out of range: %v bps", snap.SlippageBps)
	}
	if snap.CloseBuffer < 0 {
		return fmt.Errorf("close buffer must not be negative")
	}
	if snap.RepriceEvery <= 0 {
		return fmt.Errorf("reprice interval must be positive")
	}
	if snap.Leverage < 1 || snap.Leverage > 100 {
		return fmt.Errorf("leverage out of range: %v", snap.Leverage)
	}
	return nil
}

func asRange(values []float64) (Range, error) {
	if len(values) != 2 {
		return Range{}, fmt.Errorf("expected two values (min max), got %d", len(values))
	}
	r := Range{values[0], values[1]}
	if !r.valid() {
		return Range{}, fmt.Errorf("invalid range [%v, %v]", r.Min, r.Max)
	}
	return r, nil
}

func asScalar(values []float64) (float64, error) {
	if len(values) != 1 {
		return 0, fmt.Errorf("expected one value, got %d", len(values))
	}
	return values[0], nil
}

// ParseValues converts operator-supplied tokens into floats for Set.
func ParseValues(tokens []string) ([]float64, error) {
	out := make([]float64, 0, len(tokens))
	for _, tok := range tokens {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", tok)
		}
		out = append(out, v)
	}
	return out, nil
}
