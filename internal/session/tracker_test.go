package session

import "testing"

func TestTrackerObserveSupersedes(t *testing.T) {
	tr := NewTracker(100000, 80)
	tr.Observe(10000, 2000)
	tr.Observe(30000, 5000)
	if tr.Used() != 35000 {
		t.Errorf("Used = %d, want the latest exchange only", tr.Used())
	}
	tr.Observe(0, 0)
	if tr.Used() != 35000 {
		t.Errorf("zero observation clobbered the estimate: %d", tr.Used())
	}
}

func TestTrackerUsagePercent(t *testing.T) {
	tr := NewTracker(200000, 80)
	tr.Observe(50000, 10000)
	if got := tr.UsagePercent(); got != 30 {
		t.Errorf("UsagePercent = %d, want 30", got)
	}
}

func TestNeedsCompactionBelowDensity(t *testing.T) {
	// Usage below the point's minimum density never compacts, even
	// though it is also below the ceiling for a different reason.
	tr := NewTracker(100000, 80)
	tr.Observe(25000, 5000) // 30%
	if tr.NeedsCompaction(50) {
		t.Error("compacted below minimum density")
	}
}

func TestNeedsCompactionBetweenDensityAndLimit(t *testing.T) {
	tr := NewTracker(100000, 80)
	tr.Observe(55000, 5000) // 60%
	if tr.NeedsCompaction(50) {
		t.Error("compacted below the configured ceiling")
	}
}

func TestNeedsCompactionAboveLimit(t *testing.T) {
	tr := NewTracker(100000, 80)
	tr.Observe(80000, 5000) // 85%
	if !tr.NeedsCompaction(50) {
		t.Error("did not compact above the ceiling")
	}
	if tr.NeedsCompaction(90) {
		t.Error("compacted below a higher minimum density")
	}
}

func TestNeedsCompactionNoDensity(t *testing.T) {
	tr := NewTracker(100000, 80)
	tr.Observe(80000, 5000)
	if !tr.NeedsCompaction(0) {
		t.Error("ceiling ignored when no density is set")
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(100000, 80)
	tr.Observe(90000, 5000)
	tr.Reset(EstimateTokens("a short summary of everything so far"))
	if tr.UsagePercent() > 1 {
		t.Errorf("UsagePercent after reset = %d", tr.UsagePercent())
	}
	tr.Reset(-5)
	if tr.Used() != 0 {
		t.Errorf("negative reset gave %d", tr.Used())
	}
}

func TestTrackerDefaults(t *testing.T) {
	tr := NewTracker(0, 0)
	tr.Observe(DefaultWindow/2, 0)
	if got := tr.UsagePercent(); got != 50 {
		t.Errorf("UsagePercent = %d, want 50 with default window", got)
	}
	if tr.NeedsCompaction(0) {
		t.Error("compacted at half the default ceiling")
	}
}
