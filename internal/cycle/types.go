package cycle

import (
	"time"

	"dn-cycle-bot/internal/venue"
)

// Result is how a cycle ended.
type Result string

const (
	ResultCompleted Result = "completed"
	ResultAborted   Result = "aborted" // no fill, nothing to unwind
	ResultFailed    Result = "failed"
)

// Cycle is one maker-entry / taker-hedge / unwind round trip. At most one
// cycle is non-terminal at any time; the controller owns it exclusively.
type Cycle struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time

	// Side is the maker entry direction, locked by the first fill.
	Side       venue.Side
	SizeUSD    float64
	TargetSize float64

	MakerOrderID string
	FilledSize   float64
	HedgedSize   float64
	MakerAvgPx   float64
	TakerAvgPx   float64

	// unwound flips once and never back; the unwind path checks it before
	// sending any closing order.
	unwound bool

	Result   Result
	FailMsg  string
	PnLUSD   float64
	HoldFor  time.Duration
	Cooldown time.Duration
}

// MarkUnwound flips the cycle's unwind flag. It reports false when the
// cycle was already unwound, in which case the caller must not send
// closing orders again.
func (c *Cycle) MarkUnwound() bool {
	if c.unwound {
		return false
	}
	c.unwound = true
	return true
}

func (c *Cycle) Unwound() bool { return c.unwound }

// Terminal reports whether the cycle has reached an end state.
func (c *Cycle) Terminal() bool { return c.Result != "" }
