// Package metrics keeps the daemon's Prometheus counters. hive exposes no
// network listener, so the registry is exported to a node-exporter style
// textfile that the daemon rewrites periodically.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hive/pkg/protocol"
)

const namespace = "hive"

// Metrics holds every hive collector. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	reg *prometheus.Registry

	beeTransitions *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	validations    *prometheus.CounterVec
	merges         *prometheus.CounterVec
	waggles        *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	costUSD        prometheus.Counter
	liveBees       *prometheus.GaugeVec
	agentRuntime   prometheus.Histogram
}

// New builds a registry with the hive collectors plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		beeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bee_transitions_total",
			Help: "Bee state transitions by target state.",
		}, []string{"to"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_finished_total",
			Help: "Jobs reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "validations_total",
			Help: "Validation results: pass, skip, or the failure reason.",
		}, []string{"result"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "merges_total",
			Help: "Merge policy executions by policy and result.",
		}, []string{"policy", "result"}),
		waggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "waggles_sent_total",
			Help: "Waggles sent through the bus, by subject.",
		}, []string{"subject"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_tokens_total",
			Help: "Agent tokens consumed, by kind.",
		}, []string{"kind"}),
		costUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_cost_usd_total",
			Help: "Reported agent cost in US dollars.",
		}),
		liveBees: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "live_bees",
			Help: "Bees currently running under each comb.",
		}, []string{"comb_id"}),
		agentRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "agent_runtime_seconds",
			Help:    "Wall-clock duration of agent processes.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
	}
	m.reg.MustRegister(
		m.beeTransitions, m.jobsFinished, m.validations, m.merges, m.waggles,
		m.tokens, m.costUSD, m.liveBees, m.agentRuntime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// BeeTransition counts a bee entering state to.
func (m *Metrics) BeeTransition(to protocol.BeeStatus) {
	if m == nil {
		return
	}
	m.beeTransitions.WithLabelValues(string(to)).Inc()
}

// JobFinished counts a terminal job outcome.
func (m *Metrics) JobFinished(outcome protocol.Outcome) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(string(outcome)).Inc()
}

// Validation counts a validation result label.
func (m *Metrics) Validation(result string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(result).Inc()
}

// Merge counts a merge policy execution.
func (m *Metrics) Merge(policy protocol.MergePolicy, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.merges.WithLabelValues(string(policy), result).Inc()
}

// WaggleSent counts a bus message.
func (m *Metrics) WaggleSent(subject string) {
	if m == nil {
		return
	}
	if subject == "" {
		subject = "none"
	}
	m.waggles.WithLabelValues(subject).Inc()
}

// Cost adds a cost record's tokens and dollars.
func (m *Metrics) Cost(c protocol.CostRecord) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(c.InputTokens))
	m.tokens.WithLabelValues("output").Add(float64(c.OutputTokens))
	m.tokens.WithLabelValues("cache_read").Add(float64(c.CacheReadTokens))
	m.tokens.WithLabelValues("cache_write").Add(float64(c.CacheWriteTokens))
	m.costUSD.Add(c.CostUSD)
}

// LiveBees sets the number of running bees for a comb.
func (m *Metrics) LiveBees(combID string, n int) {
	if m == nil {
		return
	}
	m.liveBees.WithLabelValues(combID).Set(float64(n))
}

// AgentRuntime records how long an agent process ran.
func (m *Metrics) AgentRuntime(d time.Duration) {
	if m == nil {
		return
	}
	m.agentRuntime.Observe(d.Seconds())
}

// WriteTextfile writes the registry in the text exposition format. The
// write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Export rewrites the textfile every interval until ctx is cancelled, then
// writes it one final time.
func (m *Metrics) Export(ctx context.Context, path string, interval time.Duration, log *slog.Logger) {
	if m == nil || path == "" {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.WriteTextfile(path); err != nil {
				log.Warn("final metrics export failed", "path", path, "error", err)
			}
			return
		case <-ticker.C:
			if err := m.WriteTextfile(path); err != nil {
				log.Warn("metrics export failed", "path", path, "error", err)
			}
		}
	}
}
