package scopez

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const metricsNamespace = "scopez"

// Metrics exposes span lifecycle counters. All methods are safe on a nil *Metrics.
type Metrics struct {
	SpansStarted        prometheus.Counter
	SpansFinished       *prometheus.CounterVec
	OpenSpans           prometheus.Gauge
	TransactionsEmitted prometheus.Counter
	DuplicateFinishes   prometheus.Counter
	OrphanedSpans       prometheus.Counter
	DroppedTrees        prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SpansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "spans_started_total",
			Help:      "Spans and transactions started.",
		}),
		SpansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "spans_finished_total",
			Help:      "Spans and transactions finished, by status.",
		}, []string{"status"}),
		OpenSpans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open_spans",
			Help:      "Spans started and not yet finished.",
		}),
		TransactionsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_emitted_total",
			Help:      "Finished transaction trees handed to emitters.",
		}),
		DuplicateFinishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "duplicate_finish_total",
			Help:      "Finish calls on spans that were already finished.",
		}),
		OrphanedSpans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orphaned_spans_total",
			Help:      "Spans finished after their transaction was emitted.",
		}),
		DroppedTrees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_trees_total",
			Help:      "Trees dropped because the async handler queue was full.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	for _, c := range []prometheus.Collector{
		m.SpansStarted, m.SpansFinished, m.OpenSpans, m.TransactionsEmitted,
		m.DuplicateFinishes, m.OrphanedSpans, m.DroppedTrees,
	} {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) spanStarted() {
	if m == nil {
		return
	}
	m.SpansStarted.Inc()
	m.OpenSpans.Inc()
}

func (m *Metrics) spanFinished(status Status) {
	if m == nil {
		return
	}
	m.SpansFinished.WithLabelValues(string(status)).Inc()
	m.OpenSpans.Dec()
}

func (m *Metrics) duplicateFinish() {
	if m == nil {
		return
	}
	m.DuplicateFinishes.Inc()
}

func (m *Metrics) orphanedSpan() {
	if m == nil {
		return
	}
	m.OrphanedSpans.Inc()
}

func (m *Metrics) transactionEmitted() {
	if m == nil {
		return
	}
	m.TransactionsEmitted.Inc()
}

func (m *Metrics) droppedTree() {
	if m == nil {
		return
	}
	m.DroppedTrees.Inc()
}
