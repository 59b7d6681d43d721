package playbook

// StepKind classifies an executable step.
type StepKind int

const (
	StepPrompt StepKind = iota
	StepCommand
	StepVerification
	StepCompaction
	StepCheckpoint
	StepBranch
)

func (k StepKind) String() string {
	switch k {
	case StepPrompt:
		return "prompt"
	case StepCommand:
		return "command"
	case StepVerification:
		return "verification"
	case StepCompaction:
		return "compaction"
	case StepCheckpoint:
		return "checkpoint"
	case StepBranch:
		return "branch"
	}
	return "unknown"
}

// SessionMode controls what happens to conversation state at cycle
// boundaries.
type SessionMode int

const (
	ModeFresh SessionMode = iota
	ModeAccumulate
	ModeCompact
)

func (m SessionMode) String() string {
	switch m {
	case ModeFresh:
		return "fresh"
	case ModeAccumulate:
		return "accumulate"
	case ModeCompact:
		return "compact"
	}
	return "unknown"
}

// VerifyPolicy controls when a verification step injects its findings
// into the next prompt.
type VerifyPolicy int

const (
	VerifyOnError VerifyPolicy = iota
	VerifyAlways
)

// IncludeRef is a parsed INCLUDE argument: a path or glob pattern with
// an optional excerpt selector.
type IncludeRef struct {
	Pattern   string
	StartLine int    // 1-based, 0 when unset
	EndLine   int    // inclusive, 0 when unset
	Regex     string // excerpt regex, empty when unset
}

// BranchBlock holds the steps of an ON_SUCCESS/ON_FAIL pair. Either
// side may be empty; exactly one runs depending on the exit status of
// the command step immediately before the block.
type BranchBlock struct {
	Success []Step
	Failure []Step
	Line    int
}

// Step is one parsed directive in execution order. Parsed steps are
// immutable; the engine renders fresh copies each cycle.
type Step struct {
	Kind    StepKind
	Content string
	Line    int

	Retries    int  // SAY_RETRY / EXEC_RETRY
	StrictExit bool // EXEC_STRICT: nonzero exit aborts the run
	Async      bool // SPAWN
	Await      bool // AWAIT barrier

	Include  *IncludeRef // INCLUDE / INCLUDE_OPT prompts
	Optional bool        // INCLUDE_OPT: missing file is a warning

	MinDensity int // COMPACT threshold override, 0 when unset

	VerifyWhen VerifyPolicy // VERIFY injection policy

	// ElideWithNext marks this step as merged with its successor into
	// a single outgoing turn.
	ElideWithNext bool

	Branch *BranchBlock // StepBranch only
}

// Settings holds the script-level configuration directives.
type Settings struct {
	Name         string
	Model        string
	Adapter      string
	MaxCycles    int
	ContextLimit int // percent of the context window
	Mode         SessionMode
	Lenient      bool

	Prologue string
	Epilogue string
	Header   string
	Footer   string

	Allow []string
	Deny  []string

	OutputFormat string
	OutputPath   string
}

// Script is a fully parsed Playbook.
type Script struct {
	Settings Settings
	Steps    []Step

	// Identity is the workflow name derived from the file name, used
	// for ${PLAYBOOK} expansion in output paths.
	Identity string

	// BaseDir anchors relative INCLUDE paths.
	BaseDir string

	// Warnings collects non-fatal issues found in lenient mode.
	Warnings []string
}
