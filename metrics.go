package layercake

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/augustoroman/layercake/coop"
)

const metricsSubsystem = "layercake"

// Metrics collects per-request prometheus metrics.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
	faults   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer means prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: metricsSubsystem,
				Name:      "requests_total",
				Help:      "Count of handled requests by method and status code.",
			},
			[]string{"method", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: metricsSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Request handling latency in seconds, by view.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"view"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: metricsSubsystem,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being handled.",
			},
		),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: metricsSubsystem,
				Name:      "faults_total",
				Help:      "Count of classified request faults by kind.",
			},
			[]string{"kind"},
		),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.inflight, m.faults} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Stage returns the stage that records the metrics. It supports both modes.
func (m *Metrics) Stage() StageSpec {
	return StageSpec{
		Name: "metrics",
		Sync: func(next HandlerFunc) (Stage, error) {
			return StageFunc(func(ctx context.Context, r *Request) (*Response, error) {
				return m.observe(ctx, r, next)
			}), nil
		},
		Async: func(next AsyncHandlerFunc) (AsyncStage, error) {
			return AsyncStageFunc(func(ctx context.Context, r *Request) *coop.Future[*Response] {
				return coop.Go(ctx, func(ctx context.Context) (*Response, error) {
					return m.observe(ctx, r, next.Await)
				})
			}), nil
		},
	}
}

func (m *Metrics) observe(ctx context.Context, r *Request, next HandlerFunc) (*Response, error) {
	m.inflight.Inc()
	defer m.inflight.Dec()
	start := time_Now()

	resp, err := next(ctx, r)

	view := "unresolved"
	if r.Match != nil {
		view = r.Match.View.Name
	}
	m.duration.WithLabelValues(view).Observe(time_Now().Sub(start).Seconds())
	if fault := r.Fault(); fault != nil {
		kind, _ := KindOf(fault)
		m.faults.WithLabelValues(kind.String()).Inc()
	}
	if err == nil {
		m.requests.WithLabelValues(r.Method, strconv.Itoa(resp.Status)).Inc()
	}
	return resp, err
}
