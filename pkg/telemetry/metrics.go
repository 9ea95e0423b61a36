package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for SimForge.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesStarted   *prometheus.CounterVec
	cyclesCompleted *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec

	// Attempt metrics
	attemptsExecuted *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec

	// Generator metrics
	generatorCalls    *prometheus.CounterVec
	generatorDuration *prometheus.HistogramVec
	generatorErrors   *prometheus.CounterVec

	// Selection metrics
	candidatesDropped    *prometheus.CounterVec
	arbitrationFallbacks prometheus.Counter

	// Compile and execute metrics
	compilations      *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	// Policy metrics
	policyChecks *prometheus.CounterVec

	// Scoring metrics
	scoreBands *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeCycles        prometheus.Gauge
	trajectoriesLogged  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_started_total",
				Help:      "Total number of repair cycles started",
			},
			[]string{"experiment"},
		),
		cyclesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_completed_total",
				Help:      "Total number of repair cycles completed",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of repair cycles in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		attemptsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_executed_total",
				Help:      "Total number of repair attempts by furthest stage reached",
			},
			[]string{"stage_reached"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of repair attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),

		generatorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generator_calls_total",
				Help:      "Total number of generator role calls",
			},
			[]string{"role"},
		),
		generatorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generator_call_duration_seconds",
				Help:      "Duration of generator role calls in seconds",
				Buckets:   buckets,
			},
			[]string{"role"},
		),
		generatorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generator_errors_total",
				Help:      "Total number of failed generator role calls",
			},
			[]string{"role"},
		),

		candidatesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_dropped_total",
				Help:      "Total number of generation candidates dropped during selection",
			},
			[]string{"reason"},
		),
		arbitrationFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "arbitration_fallbacks_total",
				Help:      "Total number of arbitrations that fell back to the first candidate",
			},
		),

		compilations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compilations_total",
				Help:      "Total number of plan compilations",
			},
			[]string{"mode", "status"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of script executions",
			},
			[]string{"backend", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of script executions in seconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),

		policyChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_checks_total",
				Help:      "Total number of pre-execution policy checks",
			},
			[]string{"decision"},
		),

		scoreBands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "score_bands_total",
				Help:      "Total number of evaluated scores by band",
			},
			[]string{"band"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeCycles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_cycles",
				Help:      "Current number of active repair cycles",
			},
		),
		trajectoriesLogged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trajectories_logged_total",
				Help:      "Total number of trajectories forwarded to the trajectory logger",
			},
		),
	}

	registry.MustRegister(
		m.cyclesStarted,
		m.cyclesCompleted,
		m.cycleDuration,
		m.attemptsExecuted,
		m.attemptDuration,
		m.generatorCalls,
		m.generatorDuration,
		m.generatorErrors,
		m.candidatesDropped,
		m.arbitrationFallbacks,
		m.compilations,
		m.executions,
		m.executionDuration,
		m.policyChecks,
		m.scoreBands,
		m.errorsByClass,
		m.errorsByCode,
		m.activeCycles,
		m.trajectoriesLogged,
	)

	return m, nil
}

// Cycle Metrics

// RecordCycleStarted increments the counter for started cycles.
func (m *Metrics) RecordCycleStarted(experiment string) {
	if m.cyclesStarted == nil {
		return
	}
	m.cyclesStarted.WithLabelValues(experiment).Inc()
	m.activeCycles.Inc()
}

// RecordCycleCompleted records a completed cycle with its outcome and duration.
func (m *Metrics) RecordCycleCompleted(outcome string, duration time.Duration) {
	if m.cyclesCompleted == nil {
		return
	}
	m.cyclesCompleted.WithLabelValues(outcome).Inc()
	m.cycleDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeCycles.Dec()
}

// Attempt Metrics

// RecordAttempt records one repair attempt with the furthest stage it reached.
func (m *Metrics) RecordAttempt(stageReached, backend string, duration time.Duration) {
	if m.attemptsExecuted == nil {
		return
	}
	m.attemptsExecuted.WithLabelValues(stageReached).Inc()
	m.attemptDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// Generator Metrics

// RecordGeneratorCall records a generator role call with its duration.
func (m *Metrics) RecordGeneratorCall(role string, duration time.Duration) {
	if m.generatorCalls == nil {
		return
	}
	m.generatorCalls.WithLabelValues(role).Inc()
	m.generatorDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordGeneratorError records a failed generator role call.
func (m *Metrics) RecordGeneratorError(role string) {
	if m.generatorErrors == nil {
		return
	}
	m.generatorErrors.WithLabelValues(role).Inc()
}

// Selection Metrics

// RecordCandidateDropped records a dropped generation candidate.
func (m *Metrics) RecordCandidateDropped(reason string) {
	if m.candidatesDropped == nil {
		return
	}
	m.candidatesDropped.WithLabelValues(reason).Inc()
}

// RecordArbitrationFallback records an arbitration that fell back to index 0.
func (m *Metrics) RecordArbitrationFallback() {
	if m.arbitrationFallbacks == nil {
		return
	}
	m.arbitrationFallbacks.Inc()
}

// Compile and Execute Metrics

// RecordCompilation records one plan compilation.
func (m *Metrics) RecordCompilation(mode, status string) {
	if m.compilations == nil {
		return
	}
	m.compilations.WithLabelValues(mode, status).Inc()
}

// RecordExecution records one script execution.
func (m *Metrics) RecordExecution(backend, status string, duration time.Duration) {
	if m.executions == nil {
		return
	}
	m.executions.WithLabelValues(backend, status).Inc()
	m.executionDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// Policy Metrics

// RecordPolicyCheck records a policy check decision (allowed, denied).
func (m *Metrics) RecordPolicyCheck(decision string) {
	if m.policyChecks == nil {
		return
	}
	m.policyChecks.WithLabelValues(decision).Inc()
}

// Scoring Metrics

// RecordScore records an evaluated score band.
func (m *Metrics) RecordScore(band string) {
	if m.scoreBands == nil {
		return
	}
	m.scoreBands.WithLabelValues(band).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// RecordTrajectoryLogged records a trajectory forwarded to the logger.
func (m *Metrics) RecordTrajectoryLogged() {
	if m.trajectoriesLogged == nil {
		return
	}
	m.trajectoriesLogged.Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
