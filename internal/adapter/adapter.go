// Package adapter abstracts the agent backend the engine talks to.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Handle identifies one live backend conversation. The state field is
// owned by the adapter that issued the handle.
type Handle struct {
	ID    string
	state interface{}
}

// Reply is what comes back from one Send or Compact.
type Reply struct {
	Content   string
	Thinking  string
	Model     string
	TokensIn  int
	TokensOut int
}

// Config parameterizes a new session.
type Config struct {
	SystemPrompt string
}

// Framing optionally wraps a compaction summary with caller text
// before it re-enters the conversation.
type Framing struct {
	Prefix string
	Suffix string
}

// Wrap applies the framing to a summary. Empty framing returns the
// summary unchanged.
func (f Framing) Wrap(summary string) string {
	parts := make([]string, 0, 3)
	if f.Prefix != "" {
		parts = append(parts, f.Prefix)
	}
	parts = append(parts, summary)
	if f.Suffix != "" {
		parts = append(parts, f.Suffix)
	}
	return strings.Join(parts, "\n\n")
}

// Adapter is the backend contract. All calls take a context; Send and
// Compact block until the backend answers or the context is done.
type Adapter interface {
	// StartSession opens a fresh conversation.
	StartSession(ctx context.Context, cfg Config) (*Handle, error)

	// Send delivers one merged outgoing turn and returns the reply.
	Send(ctx context.Context, h *Handle, prompt string) (*Reply, error)

	// Compact asks the backend to condense the conversation into a
	// summary, keeping the preserve items verbatim and wrapping the
	// result with the framing. The conversation continues from the
	// framed summary alone.
	Compact(ctx context.Context, h *Handle, preserve []string, framing Framing) (*Reply, error)

	// Checkpoint exports the backend's conversation state as an
	// opaque blob for later Resume.
	Checkpoint(ctx context.Context, h *Handle) (json.RawMessage, error)

	// Resume reopens a conversation from a Checkpoint blob.
	Resume(ctx context.Context, cfg Config, state json.RawMessage) (*Handle, error)

	// StopSession releases the conversation. The handle is dead after.
	StopSession(ctx context.Context, h *Handle) error
}

// BackendConfig selects and parameterizes a concrete backend.
type BackendConfig struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// New builds a named backend. "agentkit" is the production backend;
// anything else is an error.
func New(name string, cfg BackendConfig) (Adapter, error) {
	switch name {
	case "", "agentkit":
		return NewAgentkit(cfg)
	}
	return nil, fmt.Errorf("unknown adapter %q", name)
}
