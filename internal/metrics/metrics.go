// Package metrics exports the outcome of a run in the Prometheus text format
// for the node exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gitvcl"

// Run summarizes one run
type Run struct {
	Started       time.Time
	Duration      time.Duration
	Success       bool
	Deployed      int
	Written       int
	Deleted       int
	Committed     bool
	PushAttempted bool
	Pushed        bool
}

// Recorder holds the run gauges in a private registry
type Recorder struct {
	registry *prometheus.Registry

	lastRun       prometheus.Gauge
	success       prometheus.Gauge
	duration      prometheus.Gauge
	deployed      prometheus.Gauge
	written       prometheus.Gauge
	deleted       prometheus.Gauge
	commitCreated prometheus.Gauge
	pushAttempted prometheus.Gauge
	pushSuccess   prometheus.Gauge
}

// NewRecorder creates a recorder with all gauges registered
func NewRecorder() *Recorder {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	r := &Recorder{
		registry:      prometheus.NewRegistry(),
		lastRun:       gauge("last_run_timestamp_seconds", "Unix time the last run started"),
		success:       gauge("last_run_success", "1 if the last run completed, 0 if it aborted"),
		duration:      gauge("last_run_duration_seconds", "Duration of the last run in seconds"),
		deployed:      gauge("artifacts_deployed", "Deployed artifacts reported by the control plane"),
		written:       gauge("artifacts_written", "Files written by the last run"),
		deleted:       gauge("artifacts_deleted", "Files deleted by the last run"),
		commitCreated: gauge("commit_created", "1 if the last run created a commit"),
		pushAttempted: gauge("push_attempted", "1 if the last run attempted a push"),
		pushSuccess:   gauge("push_success", "1 if the last run pushed successfully"),
	}

	r.registry.MustRegister(
		r.lastRun, r.success, r.duration,
		r.deployed, r.written, r.deleted,
		r.commitCreated, r.pushAttempted, r.pushSuccess,
	)
	return r
}

// Observe sets every gauge from run
func (r *Recorder) Observe(run Run) {
	r.lastRun.Set(float64(run.Started.Unix()))
	r.success.Set(boolValue(run.Success))
	r.duration.Set(run.Duration.Seconds())
	r.deployed.Set(float64(run.Deployed))
	r.written.Set(float64(run.Written))
	r.deleted.Set(float64(run.Deleted))
	r.commitCreated.Set(boolValue(run.Committed))
	r.pushAttempted.Set(boolValue(run.PushAttempted))
	r.pushSuccess.Set(boolValue(run.Pushed))
}

// Gatherer exposes the registry
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile atomically writes the gauges to path
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
