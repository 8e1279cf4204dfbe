package metrics

import (
	"strings"
	"testing"
)

func TestRenderIncludesCounterAndHistogramSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("slots_job_runs_total", map[string]string{"job": "slot_expiry_sweep", "status": "ok"})
	r.ObserveHistogram("slots_job_duration_ms", 42, map[string]string{"job": "slot_expiry_sweep"})

	out := r.Render()
	if !strings.Contains(out, `slots_job_runs_total{job="slot_expiry_sweep",status="ok"} 1`) {
		t.Fatalf("missing counter sample: %s", out)
	}
	if !strings.Contains(out, `slots_job_duration_ms_count{job="slot_expiry_sweep"} 1`) {
		t.Fatalf("missing histogram count sample: %s", out)
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"kind": "video"}
	r.ObserveHistogram("slots_reserve_attempts", 1, labels)
	r.ObserveHistogram("slots_reserve_attempts", 4, labels)
	r.ObserveHistogram("slots_reserve_attempts", 100, labels)

	out := r.Render()
	for _, want := range []string{
		`slots_reserve_attempts_bucket{kind="video",le="1"} 1`,
		`slots_reserve_attempts_bucket{kind="video",le="5"} 2`,
		`slots_reserve_attempts_bucket{kind="video",le="+Inf"} 3`,
		`slots_reserve_attempts_sum{kind="video"} 105`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestUnregisteredMetricIsIgnored(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("slots_unknown_total", nil)
	r.ObserveHistogram("slots_releases_total", 1, nil)

	out := r.Render()
	if strings.Contains(out, "slots_unknown_total") {
		t.Fatalf("unregistered counter rendered: %s", out)
	}
	if strings.Contains(out, "slots_releases_total_bucket") {
		t.Fatalf("counter accepted a histogram observation: %s", out)
	}
}

func TestLabelValuesAreEscaped(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("slots_notifications_total", map[string]string{"provider": `a"b`, "status": "error"})

	out := r.Render()
	if !strings.Contains(out, `provider="a\"b"`) {
		t.Fatalf("label not escaped: %s", out)
	}
}
