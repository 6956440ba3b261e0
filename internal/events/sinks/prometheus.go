package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulsewatch/scrape-orchestrator/internal/events"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// PrometheusSink exports orchestration metrics via Prometheus. It owns all
// collectors for workers online, command transitions, and session outcomes.
type PrometheusSink struct {
	workersOnline      prometheus.Gauge
	commandTransitions *prometheus.CounterVec
	sessionsRunning    prometheus.Gauge
	sessionsCompleted  *prometheus.CounterVec
	sessionRuntime     *prometheus.HistogramVec
	itemsCollected     prometheus.Counter

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		workersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_workers_online",
			Help: "Current number of online scraper workers.",
		}),
		commandTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_command_transitions_total",
			Help: "Command state transitions partitioned by status.",
		}, []string{"status"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_sessions_running",
			Help: "Current number of in-progress sessions.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_sessions_completed_total",
			Help: "Terminal sessions partitioned by status.",
		}, []string{"status"}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_session_runtime_seconds",
			Help:    "Wall time per terminal session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		itemsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_items_collected_total",
			Help: "Raw items reported by workers across all sessions.",
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.workersOnline,
		s.commandTransitions,
		s.sessionsRunning,
		s.sessionsCompleted,
		s.sessionRuntime,
		s.itemsCollected,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register orchestration collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindWorkerOnline:
		s.workersOnline.Inc()
	case events.KindWorkerOffline:
		s.workersOnline.Dec()
	case events.KindCommandState:
		s.commandTransitions.WithLabelValues(string(evt.CommandStatus)).Inc()
	case events.KindSessionStatus:
		s.handleSessionStatus(evt)
	case events.KindSessionResult:
		if evt.Results != nil {
			s.itemsCollected.Add(float64(evt.Results.ItemsFound))
		}
	}
}

func (s *PrometheusSink) handleSessionStatus(evt events.Event) {
	switch {
	case evt.SessionStatus == orchestrator.SessionInProgress:
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case evt.SessionStatus.Terminal():
		s.sessionsCompleted.WithLabelValues(string(evt.SessionStatus)).Inc()
		if evt.Dur > 0 {
			s.sessionRuntime.WithLabelValues(string(evt.SessionStatus)).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.SessionID) {
			s.sessionsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]struct{})}
}

func (t *sessionTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
