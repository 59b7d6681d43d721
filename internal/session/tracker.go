package session

// Tracker estimates context window occupancy from the token counts
// the adapter reports and decides when compaction points should fire.
type Tracker struct {
	window       int // context window size in tokens
	limitPercent int // configured usage ceiling
	used         int
}

// DefaultWindow is assumed when the model's context size is unknown.
const DefaultWindow = 200000

// NewTracker builds a tracker for a window of the given size with a
// usage ceiling expressed as a percentage.
func NewTracker(window, limitPercent int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if limitPercent <= 0 || limitPercent > 100 {
		limitPercent = 80
	}
	return &Tracker{window: window, limitPercent: limitPercent}
}

// Observe records the token counts of the latest exchange. Input
// tokens already include the accumulated conversation, so the latest
// exchange supersedes earlier observations rather than adding to them.
func (t *Tracker) Observe(tokensIn, tokensOut int) {
	if total := tokensIn + tokensOut; total > 0 {
		t.used = total
	}
}

// Reset replaces the occupancy estimate after compaction with the
// rough size of the surviving summary.
func (t *Tracker) Reset(summaryTokens int) {
	if summaryTokens < 0 {
		summaryTokens = 0
	}
	t.used = summaryTokens
}

// Used returns the current occupancy estimate in tokens.
func (t *Tracker) Used() int { return t.used }

// UsagePercent returns occupancy as a percentage of the window.
func (t *Tracker) UsagePercent() int {
	return t.used * 100 / t.window
}

// NeedsCompaction decides whether a compaction point should fire.
// Usage below the point's own minimum density never compacts; at or
// above it, the configured ceiling decides.
func (t *Tracker) NeedsCompaction(minDensity int) bool {
	usage := t.UsagePercent()
	if minDensity > 0 && usage < minDensity {
		return false
	}
	return usage >= t.limitPercent
}

// EstimateTokens approximates the token footprint of a piece of text.
func EstimateTokens(text string) int {
	return len(text) / 4
}
