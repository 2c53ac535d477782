package telemetry

import "testing"

func TestCountAccumulatesUntilFlush(t *testing.T) {
	r := New()
	r.Count("missing")
	r.Count("missing")
	r.CountBy("missing", 3)

	s := r.flush()
	if s.counts["missing"] != 5 {
		t.Fatalf("expected 5, got %d", s.counts["missing"])
	}

	s2 := r.flush()
	if len(s2.counts) != 0 {
		t.Fatalf("expected counters reset after flush, got %v", s2.counts)
	}
}

func TestMeterReportsMean(t *testing.T) {
	r := New()
	r.Meter("ready", 1.0)
	r.Meter("ready", 0.5)
	r.Meter("ready", 0.0)

	s := r.flush()
	if got := s.means["ready"]; got != 0.5 {
		t.Fatalf("expected mean 0.5, got %v", got)
	}
}

func TestFlushWithNoSamplesOmitsKey(t *testing.T) {
	r := New()
	s := r.flush()
	if len(s.counts) != 0 || len(s.means) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", s)
	}
}
