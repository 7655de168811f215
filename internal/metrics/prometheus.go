package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dn_cycle_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	cyclesStarted   prometheus.Counter
	cyclesCompleted prometheus.Counter
	cyclesAborted   prometheus.Counter
	cyclesFailed    prometheus.Counter
	makerFills      prometheus.Counter
	hedgesPlaced    prometheus.Counter
	hedgesFailed    prometheus.Counter
	unwinds         prometheus.Counter
	pausesEngaged   prometheus.Counter
	pausesCleared   prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	cyclesStarted := counter("cycles_started_total", "Total number of hedge cycles started.")
	cyclesCompleted := counter("cycles_completed_total", "Total number of hedge cycles completed normally.")
	cyclesAborted := counter("cycles_aborted_total", "Total number of hedge cycles aborted with no fill.")
	cyclesFailed := counter("cycles_failed_total", "Total number of hedge cycles that ended in failure.")
	makerFills := counter("maker_fills_total", "Total number of maker fill events applied.")
	hedgesPlaced := counter("hedges_placed_total", "Total number of hedge orders placed.")
	hedgesFailed := counter("hedges_failed_total", "Total number of hedge operations that exhausted their retry budget.")
	unwinds := counter("unwinds_total", "Total number of position unwinds executed.")
	pausesEngaged := counter("pauses_engaged_total", "Total number of times trading was paused.")
	pausesCleared := counter("pauses_cleared_total", "Total number of times trading was resumed.")

	registry.MustRegister(cyclesStarted, cyclesCompleted, cyclesAborted, cyclesFailed,
		makerFills, hedgesPlaced, hedgesFailed, unwinds, pausesEngaged, pausesCleared)

	m := &Metrics{
		CyclesStarted:   promCounter{cyclesStarted},
		CyclesCompleted: promCounter{cyclesCompleted},
		CyclesAborted:   promCounter{cyclesAborted},
		CyclesFailed:    promCounter{cyclesFailed},
		MakerFills:      promCounter{makerFills},
		HedgesPlaced:    promCounter{hedgesPlaced},
		HedgesFailed:    promCounter{hedgesFailed},
		Unwinds:         promCounter{unwinds},
		PausesEngaged:   promCounter{pausesEngaged},
		PausesCleared:   promCounter{pausesCleared},
	}

	return &Prometheus{
		Metrics:         m,
		registry:        registry,
		cyclesStarted:   cyclesStarted,
		cyclesCompleted: cyclesCompleted,
		cyclesAborted:   cyclesAborted,
		cyclesFailed:    cyclesFailed,
		makerFills:      makerFills,
		hedgesPlaced:    hedgesPlaced,
		hedgesFailed:    hedgesFailed,
		unwinds:         unwinds,
		pausesEngaged:   pausesEngaged,
		pausesCleared:   pausesCleared,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
