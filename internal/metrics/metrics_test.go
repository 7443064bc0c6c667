package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Tick(OutcomeUnchanged)
	m.DeviceWrite(true, true)
	m.Retry("op", 1, time.Second, errors.New("x"))
	m.SetBusy(true)
	m.SetErrorFlashing(true)
	m.SetVerified("device", true)
	m.Heartbeat(time.Now())
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Tick(OutcomeUnchanged)
	m.Tick(OutcomeUnchanged)
	m.Tick(OutcomeNetwork)
	m.DeviceWrite(true, true)
	m.DeviceWrite(false, false)
	m.Retry("device.write", 1, time.Second, nil)

	if got := testutil.ToFloat64(m.ticks.WithLabelValues(OutcomeUnchanged)); got != 2 {
		t.Errorf("ticks ok: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ticks.WithLabelValues(OutcomeNetwork)); got != 1 {
		t.Errorf("ticks network: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.deviceWrites.WithLabelValues("on", "ok")); got != 1 {
		t.Errorf("writes on/ok: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.deviceWrites.WithLabelValues("off", "failed")); got != 1 {
		t.Errorf("writes off/failed: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("device.write")); got != 1 {
		t.Errorf("retries: got %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m := New()
	m.SetBusy(true)
	m.SetErrorFlashing(true)
	m.SetVerified("calendar", true)
	m.Heartbeat(time.Unix(1700000000, 0))

	if got := testutil.ToFloat64(m.busy); got != 1 {
		t.Errorf("busy: got %v, want 1", got)
	}
	m.SetBusy(false)
	if got := testutil.ToFloat64(m.busy); got != 0 {
		t.Errorf("busy: got %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.errorFlashing); got != 1 {
		t.Errorf("error flash: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.verified.WithLabelValues("calendar")); got != 1 {
		t.Errorf("verified: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.heartbeat); got != 1700000000 {
		t.Errorf("heartbeat: got %v, want 1700000000", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Tick(OutcomeUnchanged)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "busylight_ticks_total") {
		t.Errorf("expected busylight_ticks_total in output, got:\n%s", body)
	}
}
