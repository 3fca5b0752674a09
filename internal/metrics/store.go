package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sshsentry"

// Store owns the Prometheus collectors. A nil *Store is valid and records
// nothing, so components can be built without metrics in tests.
type Store struct {
	registry      *prometheus.Registry
	linesRead     *prometheus.CounterVec
	failureEvents prometheus.Counter
	parseErrors   prometheus.Counter
	ignored       prometheus.Counter
	blocks        *prometheus.CounterVec
	blockErrors   prometheus.Counter
	tracked       prometheus.Gauge
	sourceUp      prometheus.Gauge
}

func NewStore() *Store {
	s := &Store{
		registry: prometheus.NewRegistry(),
		linesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_read_total",
			Help:      "Raw log lines read, by source kind.",
		}, []string{"source"}),
		failureEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_events_total",
			Help:      "Authentication failures extracted from the log.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timestamp_errors_total",
			Help:      "Matching lines dropped because the timestamp was unreadable.",
		}),
		ignored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ignored_failures_total",
			Help:      "Failures from whitelisted or already blocked addresses.",
		}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_total",
			Help:      "Addresses blocked, by firewall backend.",
		}, []string{"firewall"}),
		blockErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_errors_total",
			Help:      "Block attempts that failed and will be retried.",
		}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_addresses",
			Help:      "Addresses with failures inside the detection window.",
		}),
		sourceUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_up",
			Help:      "1 while the log source is being read, 0 after it was lost.",
		}),
	}
	s.registry.MustRegister(
		s.linesRead, s.failureEvents, s.parseErrors, s.ignored,
		s.blocks, s.blockErrors, s.tracked, s.sourceUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Store) LineRead(source string) {
	if s != nil {
		s.linesRead.WithLabelValues(source).Inc()
	}
}

func (s *Store) FailureEvent() {
	if s != nil {
		s.failureEvents.Inc()
	}
}

func (s *Store) TimestampError() {
	if s != nil {
		s.parseErrors.Inc()
	}
}

func (s *Store) Ignored() {
	if s != nil {
		s.ignored.Inc()
	}
}

func (s *Store) Blocked(firewall string) {
	if s != nil {
		s.blocks.WithLabelValues(firewall).Inc()
	}
}

func (s *Store) BlockError() {
	if s != nil {
		s.blockErrors.Inc()
	}
}

func (s *Store) SetTracked(n int) {
	if s != nil {
		s.tracked.Set(float64(n))
	}
}

func (s *Store) SetSourceUp(up bool) {
	if s == nil {
		return
	}
	if up {
		s.sourceUp.Set(1)
		return
	}
	s.sourceUp.Set(0)
}
