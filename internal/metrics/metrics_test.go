package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Started()
	m.MilestoneFired(75)
	m.StorageError("local", "create")
}

func TestCountersRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Started()
	m.Started()
	m.MilestoneFired(75)
	m.CheckIn("good")
	if got := testutil.ToFloat64(m.ChallengesStarted); got != 2 {
		t.Fatalf("started = %v", got)
	}
	if got := testutil.ToFloat64(m.MilestonesFired.WithLabelValues("75")); got != 1 {
		t.Fatalf("fired = %v", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatalf("expected gathered metric families")
	}
}
