package conversation

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/coachnote/internal/report"
)

const meterName = "github.com/thebtf/coachnote/internal/conversation"

// Metrics tracks turn statistics locally and through OpenTelemetry counters.
type Metrics struct {
	startTime          time.Time
	recentLatencies    []time.Duration
	latenciesMu        sync.Mutex
	turns              atomic.Int64
	totalLatency       atomic.Int64 // Sum in microseconds
	resolutionFailures atomic.Int64
	reportsGenerated   atomic.Int64
	reportFailures     atomic.Int64
	llmFailures        atomic.Int64
	saveConflicts      atomic.Int64

	turnCounter       metric.Int64Counter
	resolutionCounter metric.Int64Counter
	reportCounter     metric.Int64Counter
	llmFailureCounter metric.Int64Counter
}

// NewMetrics creates a metrics tracker on meter, or the global meter when nil.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{
		recentLatencies: make([]time.Duration, 0, 1000),
		startTime:       time.Now(),
	}

	var err error
	if m.turnCounter, err = meter.Int64Counter("coachnote.turns",
		metric.WithDescription("Turns processed")); err != nil {
		log.Warn().Err(err).Msg("Failed to create turn counter")
	}
	if m.resolutionCounter, err = meter.Int64Counter("coachnote.resolution_failures",
		metric.WithDescription("Turns without a resolvable session")); err != nil {
		log.Warn().Err(err).Msg("Failed to create resolution counter")
	}
	if m.reportCounter, err = meter.Int64Counter("coachnote.reports",
		metric.WithDescription("Report generation attempts by outcome")); err != nil {
		log.Warn().Err(err).Msg("Failed to create report counter")
	}
	if m.llmFailureCounter, err = meter.Int64Counter("coachnote.llm_failures",
		metric.WithDescription("Model call failures by stage and kind")); err != nil {
		log.Warn().Err(err).Msg("Failed to create LLM failure counter")
	}
	return m
}

// RecordTurn records a processed turn.
func (m *Metrics) RecordTurn(ctx context.Context, latency time.Duration) {
	m.turns.Add(1)
	m.totalLatency.Add(latency.Microseconds())
	if m.turnCounter != nil {
		m.turnCounter.Add(ctx, 1)
	}

	m.latenciesMu.Lock()
	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > 1000 {
		m.recentLatencies = m.recentLatencies[len(m.recentLatencies)-1000:]
	}
	m.latenciesMu.Unlock()
}

// RecordResolutionFailure records a turn that found no session.
func (m *Metrics) RecordResolutionFailure(ctx context.Context) {
	m.resolutionFailures.Add(1)
	if m.resolutionCounter != nil {
		m.resolutionCounter.Add(ctx, 1)
	}
}

// RecordReport records a report generation outcome.
func (m *Metrics) RecordReport(ctx context.Context, kind report.FailureKind) {
	outcome := "success"
	if kind != "" {
		m.reportFailures.Add(1)
		outcome = string(kind)
		m.RecordLLMFailure(ctx, "report", kind)
	} else {
		m.reportsGenerated.Add(1)
	}
	if m.reportCounter != nil {
		m.reportCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordLLMFailure records a failed model call.
func (m *Metrics) RecordLLMFailure(ctx context.Context, stage string, kind report.FailureKind) {
	m.llmFailures.Add(1)
	if m.llmFailureCounter != nil {
		m.llmFailureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", string(kind)),
		))
	}
}

// RecordConflict records a turn retried after a revision conflict.
func (m *Metrics) RecordConflict() {
	m.saveConflicts.Add(1)
}

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	Turns              int64         `json:"turns"`
	ResolutionFailures int64         `json:"resolutionFailures"`
	ReportsGenerated   int64         `json:"reportsGenerated"`
	ReportFailures     int64         `json:"reportFailures"`
	LLMFailures        int64         `json:"llmFailures"`
	SaveConflicts      int64         `json:"saveConflicts"`
	AvgLatency         time.Duration `json:"avgLatency"`
	P50Latency         time.Duration `json:"p50Latency"`
	P95Latency         time.Duration `json:"p95Latency"`
	Uptime             time.Duration `json:"uptime"`
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.latenciesMu.Lock()
	defer m.latenciesMu.Unlock()

	turns := m.turns.Load()
	snapshot := MetricsSnapshot{
		Turns:              turns,
		ResolutionFailures: m.resolutionFailures.Load(),
		ReportsGenerated:   m.reportsGenerated.Load(),
		ReportFailures:     m.reportFailures.Load(),
		LLMFailures:        m.llmFailures.Load(),
		SaveConflicts:      m.saveConflicts.Load(),
		Uptime:             time.Since(m.startTime),
	}
	if turns > 0 {
		snapshot.AvgLatency = time.Duration(m.totalLatency.Load()/turns) * time.Microsecond
	}
	if len(m.recentLatencies) > 0 {
		sorted := make([]time.Duration, len(m.recentLatencies))
		copy(sorted, m.recentLatencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snapshot.P50Latency = percentile(sorted, 0.50)
		snapshot.P95Latency = percentile(sorted, 0.95)
	}
	return snapshot
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
