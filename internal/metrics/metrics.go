// Package metrics records provisioning outcomes with Prometheus collectors.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wifiprov"

// Transport names used as label values.
const (
	TransportBLE    = "ble"
	TransportSoftAP = "softap"
)

// Recorder holds the collectors of one process run.
type Recorder struct {
	registry *prometheus.Registry

	attempts    *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	requests    *prometheus.HistogramVec
	stages      *prometheus.CounterVec
	scanRecords prometheus.Counter
	deviceState prometheus.Gauge
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_attempts_total",
			Help:      "Provisioning attempts by transport.",
		}, []string{"transport"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_outcomes_total",
			Help:      "Provisioning outcomes by transport and outcome.",
		}, []string{"transport", "outcome"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Control-point round trip time by operation and device status.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op", "status"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "softap_stage_results_total",
			Help:      "SoftAP pipeline stage results.",
		}, []string{"stage", "status"}),
		scanRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_records_total",
			Help:      "Distinct access points reported by devices.",
		}),
		deviceState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connection_state",
			Help:      "Last Wi-Fi connection state reported by the device (protocol enum value).",
		}),
	}
	r.registry.MustRegister(r.attempts, r.outcomes, r.requests, r.stages, r.scanRecords, r.deviceState)
	return r
}

// Registry exposes the underlying registry for serving or gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ProvisionStarted(transport string) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(transport).Inc()
}

func (r *Recorder) ProvisionFinished(transport, outcome string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(transport, outcome).Inc()
}

func (r *Recorder) ObserveRequest(op, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(op, status).Observe(d.Seconds())
}

func (r *Recorder) Stage(stage, status string) {
	if r == nil {
		return
	}
	r.stages.WithLabelValues(stage, status).Inc()
}

func (r *Recorder) ScanRecord() {
	if r == nil {
		return
	}
	r.scanRecords.Inc()
}

func (r *Recorder) DeviceState(state uint32) {
	if r == nil {
		return
	}
	r.deviceState.Set(float64(state))
}

// WriteTextfile writes all metrics in the text exposition format, for the
// node exporter textfile collector. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
