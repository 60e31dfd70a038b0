// Package metrics exposes relaxation progress as Prometheus collectors.
//
// A Recorder is an output.Writer: attach it to the engine's event stream
// alongside the JSONL or log writers. Batch nodes rarely run a scrape
// endpoint, so the usual export is WriteTextfile for node_exporter's
// textfile collector.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/3leaps/gorelax/pkg/output"
	"github.com/3leaps/gorelax/pkg/relax"
)

// Recorder collects relaxation metrics into its own registry.
type Recorder struct {
	registry *prometheus.Registry

	runsCreated     *prometheus.CounterVec
	solverFailures  *prometheus.CounterVec
	backupsRestored prometheus.Counter
	status          *prometheus.GaugeVec
	runIndex        prometheus.Gauge
}

// NewRecorder returns a Recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Recorder{
		registry: reg,
		runsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gorelax_runs_created_total",
				Help: "Run directories created, by the task that created them",
			},
			[]string{"task"},
		),
		solverFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gorelax_solver_failures_total",
				Help: "Solver failures that quarantined a run, by failure class",
			},
			[]string{"class"},
		),
		backupsRestored: factory.NewCounter(prometheus.CounterOpts{
			Name: "gorelax_backups_restored_total",
			Help: "Backup files restored into retried runs",
		}),
		status: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gorelax_status",
				Help: "Current relaxation status (1 for the active status, 0 otherwise)",
			},
			[]string{"status"},
		),
		runIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gorelax_run_index",
			Help: "Index of the newest run directory, -1 before setup",
		}),
	}
	for _, s := range []relax.Status{relax.StatusIncomplete, relax.StatusComplete, relax.StatusNotConverging} {
		r.status.WithLabelValues(string(s)).Set(0)
	}
	r.runIndex.Set(-1)
	return r
}

// Registry returns the registry holding the recorder's collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// WriteStatus tracks the active status.
func (r *Recorder) WriteStatus(_ context.Context, rec *output.StatusRecord) error {
	for _, s := range []relax.Status{relax.StatusIncomplete, relax.StatusComplete, relax.StatusNotConverging} {
		v := 0.0
		if string(s) == rec.Status {
			v = 1
		}
		r.status.WithLabelValues(string(s)).Set(v)
	}
	r.runIndex.Set(float64(rec.Runs - 1))
	return nil
}

// WriteRun counts created runs.
func (r *Recorder) WriteRun(_ context.Context, rec *output.RunRecord) error {
	if rec.Phase != output.PhaseCreated {
		return nil
	}
	task := rec.Task
	if task == "" {
		task = "unknown"
	}
	r.runsCreated.WithLabelValues(task).Inc()
	r.runIndex.Set(float64(rec.Index))
	return nil
}

// WriteFailure counts quarantining failures.
func (r *Recorder) WriteFailure(_ context.Context, rec *output.FailureRecord) error {
	r.solverFailures.WithLabelValues(rec.Class).Inc()
	return nil
}

// WriteRestore counts restored backups.
func (r *Recorder) WriteRestore(context.Context, *output.RestoreRecord) error {
	r.backupsRestored.Inc()
	return nil
}

func (r *Recorder) WriteTags(context.Context, *output.TagsRecord) error { return nil }

func (r *Recorder) WriteWarning(context.Context, *output.WarningRecord) error { return nil }

// WriteSummary records the final status.
func (r *Recorder) WriteSummary(ctx context.Context, rec *output.SummaryRecord) error {
	return r.WriteStatus(ctx, &output.StatusRecord{Status: rec.Status, Runs: rec.Runs})
}

func (r *Recorder) Close() error { return nil }

// WriteTextfile writes the registry in the text exposition format to path,
// atomically, for node_exporter's textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}

var _ output.Writer = (*Recorder)(nil)
