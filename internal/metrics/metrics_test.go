package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Poll(1)
	m.Poll(1)
	m.Failure(1, RequestDevices, FailureDocument)
	m.SetCameras(1, 3)
	m.SetOnline(1, true)
	m.SetServerStats(1, map[string]string{"CPUUsagePercent": "12.5", "Uptime": "3 days"})

	if got := testutil.ToFloat64(m.Polls.WithLabelValues("1")); got != 2 {
		t.Errorf("polls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Failures.WithLabelValues("1", RequestDevices, FailureDocument)); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Cameras.WithLabelValues("1")); got != 3 {
		t.Errorf("cameras = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Online.WithLabelValues("1")); got != 1 {
		t.Errorf("online = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ServerStats.WithLabelValues("1", "CPUUsagePercent")); got != 12.5 {
		t.Errorf("cpu = %v, want 12.5", got)
	}
	if n := testutil.CollectAndCount(m.ServerStats); n != 1 {
		t.Errorf("server stat series = %d, want 1 (non-numeric skipped)", n)
	}

	m.Forget(1)
	if n := testutil.CollectAndCount(m.Cameras); n != 0 {
		t.Errorf("camera series after Forget = %d", n)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Poll(1)
	m.Failure(1, RequestStats, FailureTransport)
	m.SetCameras(1, 1)
	m.SetOnline(1, false)
	m.SetServerStats(1, nil)
	m.Forget(1)
}
