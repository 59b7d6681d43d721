// Package detect implements the stall heuristics that decide whether
// an agent has stopped making progress.
package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Reason values identify which heuristic tripped.
const (
	ReasonPhrase     = "reasoning-pattern"
	ReasonIdentical  = "identical-responses"
	ReasonMinimal    = "minimal-response"
	ReasonStopSignal = "stop-signal"
)

// DefaultPhrases are the reasoning fragments that usually precede an
// agent giving up or circling.
var DefaultPhrases = []string{
	"going in circles",
	"same error again",
	"i am stuck",
	"i'm stuck",
	"cannot make progress",
	"tried this before",
	"nothing left to try",
}

const (
	DefaultIdenticalThreshold = 2
	DefaultMinResponseChars   = 100
)

// Config tunes the heuristics. Zero values take the defaults.
type Config struct {
	Phrases            []string
	IdenticalThreshold int
	MinResponseChars   int
	StopSignalPath     string
}

// TurnView is the slice of a turn the detector inspects.
type TurnView struct {
	Response string
	Thinking string
}

// Result is the verdict for one cycle.
type Result struct {
	Stuck    bool
	Reason   string
	Cycle    int
	Evidence string
}

// Check runs the heuristics in fixed order and returns the first that
// trips. The order matters: a reasoning-phrase match names the
// problem better than a byte-comparison ever can, and the stop signal
// comes last so organic stalls are reported as such even when an
// operator has also asked for a stop.
func Check(turns []TurnView, cycle int, cfg Config) Result {
	cfg = withDefaults(cfg)

	if len(turns) > 0 {
		latest := turns[len(turns)-1]

		if phrase := matchPhrase(latest.Thinking, cfg.Phrases); phrase != "" {
			return Result{Stuck: true, Reason: ReasonPhrase, Cycle: cycle,
				Evidence: fmt.Sprintf("reasoning contains %q", phrase)}
		}

		if k := cfg.IdenticalThreshold; len(turns) >= k && identicalTail(turns, k) {
			return Result{Stuck: true, Reason: ReasonIdentical, Cycle: cycle,
				Evidence: fmt.Sprintf("last %d responses are byte-identical", k)}
		}

		if cycle > 1 && len(latest.Response) < cfg.MinResponseChars {
			return Result{Stuck: true, Reason: ReasonMinimal, Cycle: cycle,
				Evidence: fmt.Sprintf("response is %d chars, below %d", len(latest.Response), cfg.MinResponseChars)}
		}
	}

	if cfg.StopSignalPath != "" {
		if detail, found := readStopSignal(cfg.StopSignalPath); found {
			return Result{Stuck: true, Reason: ReasonStopSignal, Cycle: cycle, Evidence: detail}
		}
	}

	return Result{Cycle: cycle}
}

func withDefaults(cfg Config) Config {
	if len(cfg.Phrases) == 0 {
		cfg.Phrases = DefaultPhrases
	}
	if cfg.IdenticalThreshold < 2 {
		cfg.IdenticalThreshold = DefaultIdenticalThreshold
	}
	if cfg.MinResponseChars <= 0 {
		cfg.MinResponseChars = DefaultMinResponseChars
	}
	return cfg
}

func matchPhrase(thinking string, phrases []string) string {
	if thinking == "" {
		return ""
	}
	lower := strings.ToLower(thinking)
	for _, p := range phrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			return p
		}
	}
	return ""
}

func identicalTail(turns []TurnView, k int) bool {
	last := turns[len(turns)-1].Response
	if last == "" {
		return false
	}
	for i := len(turns) - k; i < len(turns); i++ {
		if turns[i].Response != last {
			return false
		}
	}
	return true
}

// readStopSignal reports whether the signal file exists. The file may
// carry a JSON body with a "reason" field; anything else still counts
// as a signal, just without detail.
func readStopSignal(path string) (detail string, found bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	detail = "stop signal file present"
	var body struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(data, &body) == nil && body.Reason != "" {
		detail = "operator stop: " + body.Reason
	}
	return detail, true
}
