package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.ProvisionStarted(TransportBLE)
	r.ProvisionStarted(TransportBLE)
	r.ProvisionFinished(TransportBLE, "connected")
	r.ScanRecord()
	r.DeviceState(4)

	if got := testutil.ToFloat64(r.attempts.WithLabelValues(TransportBLE)); got != 2 {
		t.Errorf("attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.outcomes.WithLabelValues(TransportBLE, "connected")); got != 1 {
		t.Errorf("outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.scanRecords); got != 1 {
		t.Errorf("scanRecords = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.deviceState); got != 4 {
		t.Errorf("deviceState = %v, want 4", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ProvisionStarted(TransportSoftAP)
	r.ProvisionFinished(TransportSoftAP, "failed")
	r.ObserveRequest("get_status", "success", time.Second)
	r.Stage("discover", "done")
	r.ScanRecord()
	r.DeviceState(1)
	if err := r.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("WriteTextfile() on nil recorder error = %v", err)
	}
	if r.Registry() != nil {
		t.Error("Registry() on nil recorder should be nil")
	}
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveRequest("set_config", "success", 120*time.Millisecond)
	r.Stage("configure", "done")

	path := filepath.Join(t.TempDir(), "wifiprov.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading textfile: %v", err)
	}
	for _, want := range []string{
		`wifiprov_request_duration_seconds_count{op="set_config",status="success"} 1`,
		`wifiprov_softap_stage_results_total{stage="configure",status="done"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q", want)
		}
	}
}
