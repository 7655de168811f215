package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesStarted   Counter
	CyclesCompleted Counter
	CyclesAborted   Counter
	CyclesFailed    Counter
	MakerFills      Counter
	HedgesPlaced    Counter
	HedgesFailed    Counter
	Unwinds         Counter
	PausesEngaged   Counter
	PausesCleared   Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesStarted:   n,
		CyclesCompleted: n,
		CyclesAborted:   n,
		CyclesFailed:    n,
		MakerFills:      n,
		HedgesPlaced:    n,
		HedgesFailed:    n,
		Unwinds:         n,
		PausesEngaged:   n,
		PausesCleared:   n,
	}
}
