// Package metrics provides Prometheus metrics export for the orchestrator,
// fed from the event bus and periodic board polls.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/conductor/pkg/bus"
)

// DepthSource supplies queue depths and loop counts for the gauges.
type DepthSource interface {
	QueueDepths(ctx context.Context) (map[string]int, error)
	LoopCounts() map[string]int
}

// Recorder translates bus traffic into Prometheus series.
type Recorder struct {
	registry *prometheus.Registry

	taskEvents       *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	agentText        prometheus.Counter
	routerDropped    prometheus.Counter
	busOverflow      prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	loopCount        *prometheus.GaugeVec

	unsubs []func()
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder builds the collector set on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.taskEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "task_events_total",
		Help:      "Task lifecycle events by topic and role",
	}, []string{"topic", "role"})

	r.providerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conductor",
		Name:      "provider_duration_seconds",
		Help:      "Wall clock time of provider invocations",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"role", "kind"})

	r.agentText = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "agent_text_chunks_total",
		Help:      "Streamed provider output chunks",
	})

	r.routerDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "router_dropped_total",
		Help:      "Produces entries the router could not place",
	})

	r.busOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "bus_overflow_total",
		Help:      "Events dropped from saturated subscriber queues",
	})

	r.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Name:      "queue_depth",
		Help:      "Pending tasks per role",
	}, []string{"role"})

	r.loopCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Name:      "agent_loops",
		Help:      "Running agent loops per role",
	}, []string{"role"})

	r.registry.MustRegister(
		r.taskEvents, r.providerDuration, r.agentText,
		r.routerDropped, r.busOverflow, r.queueDepth, r.loopCount,
	)
	return r
}

// Start subscribes to the bus and begins the gauge refresh loop.
func (r *Recorder) Start(ctx context.Context, eventBus *bus.Bus, source DepthSource, interval time.Duration) {
	r.unsubs = append(r.unsubs,
		eventBus.Subscribe("task.*", func(ev bus.Event) {
			role, _ := ev.Payload["role"].(string)
			r.taskEvents.WithLabelValues(ev.Topic, role).Inc()
		}),
		eventBus.Subscribe(bus.TopicAgentResult, func(ev bus.Event) {
			role, _ := ev.Payload["role"].(string)
			kind, _ := ev.Payload["kind"].(string)
			if ms, ok := asFloat(ev.Payload["duration_ms"]); ok {
				r.providerDuration.WithLabelValues(role, kind).Observe(ms / 1000)
			}
		}),
		eventBus.Subscribe(bus.TopicAgentText, func(ev bus.Event) {
			r.agentText.Inc()
		}),
		eventBus.Subscribe(bus.TopicRouterDropped, func(ev bus.Event) {
			r.routerDropped.Inc()
		}),
		eventBus.Subscribe(bus.TopicBusOverflow, func(ev bus.Event) {
			r.busOverflow.Inc()
		}),
	)

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.refresh(ctx, source, interval)
}

// Stop unsubscribes from the bus and halts the refresh loop.
func (r *Recorder) Stop() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) refresh(ctx context.Context, source DepthSource, interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depths, err := source.QueueDepths(ctx); err == nil {
				r.queueDepth.Reset()
				for role, depth := range depths {
					r.queueDepth.WithLabelValues(role).Set(float64(depth))
				}
			}
			r.loopCount.Reset()
			for role, count := range source.LoopCounts() {
				r.loopCount.WithLabelValues(role).Set(float64(count))
			}
		}
	}
}

// asFloat widens the numeric types a JSON round-trip can produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
