// Package metrics exposes run, phase and gap counters to Prometheus.
package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the collectors. A nil *Recorder records nothing.
type Recorder struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	phases        *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	gaps          *prometheus.CounterVec
	tickAborts    *prometheus.CounterVec
	staleRuns     *prometheus.CounterVec
	lastSuccess   *prometheus.GaugeVec
}

// New registers the collectors on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by terminal status",
		}, []string{"pipeline", "status"}),

		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Elapsed time of finished runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"pipeline"}),

		phases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phases_total",
			Help:      "Phases reaching a terminal state",
		}, []string{"pipeline", "phase", "state"}),

		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent in executed phases",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"pipeline", "phase"}),

		gaps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gaps_recorded_total",
			Help:      "Gap intervals recorded as GAP_DETECTED runs",
		}, []string{"pipeline"}),

		tickAborts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_aborts_total",
			Help:      "Ticks that ended without executing a run",
		}, []string{"pipeline", "reason"}),

		staleRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_runs_total",
			Help:      "RUNNING records finalised FAILED by the janitor",
		}, []string{"pipeline"}),

		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_window_end_seconds",
			Help:      "Unix time of the end of the latest successful window",
		}, []string{"pipeline"}),
	}
}

// RunFinished counts a finished run.
func (r *Recorder) RunFinished(pipeline, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(pipeline, status).Inc()
	r.runDuration.WithLabelValues(pipeline).Observe(elapsed.Seconds())
}

// PhaseFinished counts a phase in a terminal state. Skipped phases carry no
// duration.
func (r *Recorder) PhaseFinished(pipeline, phase, state string, d time.Duration) {
	if r == nil {
		return
	}
	r.phases.WithLabelValues(pipeline, phase, state).Inc()
	if state != "SKIPPED" {
		r.phaseDuration.WithLabelValues(pipeline, phase).Observe(d.Seconds())
	}
}

func (r *Recorder) GapsRecorded(pipeline string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.gaps.WithLabelValues(pipeline).Add(float64(n))
}

func (r *Recorder) TickAborted(pipeline, reason string) {
	if r == nil {
		return
	}
	r.tickAborts.WithLabelValues(pipeline, reason).Inc()
}

func (r *Recorder) StaleRunsMarked(pipeline string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.staleRuns.WithLabelValues(pipeline).Add(float64(n))
}

func (r *Recorder) WindowSucceeded(pipeline string, end time.Time) {
	if r == nil {
		return
	}
	r.lastSuccess.WithLabelValues(pipeline).Set(float64(end.Unix()))
}

// Serve exposes /metrics on address:port until ctx is cancelled.
func Serve(ctx context.Context, address string, port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              net.JoinHostPort(address, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
