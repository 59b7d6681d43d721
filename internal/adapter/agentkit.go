package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/llm"
)

// Agentkit drives a real model through the agentkit provider layer.
// Conversation history lives here; the provider itself is stateless.
type Agentkit struct {
	provider llm.Provider
	model    string
	mu       sync.Mutex
}

// conversation is the per-handle state.
type conversation struct {
	System   string        `json:"system,omitempty"`
	Messages []llm.Message `json:"messages"`
}

// NewAgentkit builds the production backend. The provider is inferred
// from the model name when not given explicitly.
func NewAgentkit(cfg BackendConfig) (*Agentkit, error) {
	providerName := cfg.Provider
	if providerName == "" {
		providerName = llm.InferProviderFromModel(cfg.Model)
	}
	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider:  providerName,
		Model:     cfg.Model,
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("creating provider: %w", err)
	}
	return &Agentkit{provider: provider, model: cfg.Model}, nil
}

func (a *Agentkit) StartSession(ctx context.Context, cfg Config) (*Handle, error) {
	conv := &conversation{System: cfg.SystemPrompt}
	if cfg.SystemPrompt != "" {
		conv.Messages = append(conv.Messages, llm.Message{Role: "system", Content: cfg.SystemPrompt})
	}
	return &Handle{ID: uuid.NewString(), state: conv}, nil
}

func (a *Agentkit) Send(ctx context.Context, h *Handle, prompt string) (*Reply, error) {
	conv, err := a.conv(h)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	conv.Messages = append(conv.Messages, llm.Message{Role: "user", Content: prompt})
	resp, err := a.provider.Chat(ctx, llm.ChatRequest{Messages: conv.Messages})
	if err != nil {
		// The failed user message stays out of history so a retry
		// does not send it twice.
		conv.Messages = conv.Messages[:len(conv.Messages)-1]
		return nil, fmt.Errorf("chat: %w", err)
	}
	conv.Messages = append(conv.Messages, llm.Message{Role: "assistant", Content: resp.Content})

	return &Reply{
		Content:   resp.Content,
		Thinking:  resp.Thinking,
		Model:     resp.Model,
		TokensIn:  resp.InputTokens,
		TokensOut: resp.OutputTokens,
	}, nil
}

// Compact asks the model itself to condense the conversation, then
// restarts history from the framed summary.
func (a *Agentkit) Compact(ctx context.Context, h *Handle, preserve []string, framing Framing) (*Reply, error) {
	conv, err := a.conv(h)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	request := compactionPrompt(preserve)
	messages := append(append([]llm.Message{}, conv.Messages...),
		llm.Message{Role: "user", Content: request})
	resp, err := a.provider.Chat(ctx, llm.ChatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("compaction chat: %w", err)
	}

	summary := framing.Wrap(resp.Content)
	fresh := []llm.Message{}
	if conv.System != "" {
		fresh = append(fresh, llm.Message{Role: "system", Content: conv.System})
	}
	fresh = append(fresh, llm.Message{
		Role:    "user",
		Content: "Summary of the conversation so far:\n\n" + summary,
	}, llm.Message{
		Role:    "assistant",
		Content: "Understood. Continuing from that summary.",
	})
	conv.Messages = fresh

	return &Reply{
		Content:   summary,
		Thinking:  resp.Thinking,
		Model:     resp.Model,
		TokensIn:  resp.InputTokens,
		TokensOut: resp.OutputTokens,
	}, nil
}

func compactionPrompt(preserve []string) string {
	var b strings.Builder
	b.WriteString("Summarize this conversation so far into a compact briefing ")
	b.WriteString("that lets you continue the work without the full history. ")
	b.WriteString("Keep concrete file names, commands, decisions, and unresolved problems.")
	if len(preserve) > 0 {
		b.WriteString("\n\nReproduce the following verbatim in the summary:\n")
		for _, p := range preserve {
			b.WriteString("\n")
			b.WriteString(p)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (a *Agentkit) Checkpoint(ctx context.Context, h *Handle) (json.RawMessage, error) {
	conv, err := a.conv(h)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.Marshal(conv)
}

func (a *Agentkit) Resume(ctx context.Context, cfg Config, state json.RawMessage) (*Handle, error) {
	var conv conversation
	if err := json.Unmarshal(state, &conv); err != nil {
		return nil, fmt.Errorf("restoring conversation: %w", err)
	}
	return &Handle{ID: uuid.NewString(), state: &conv}, nil
}

func (a *Agentkit) StopSession(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.state = nil
	return nil
}

func (a *Agentkit) conv(h *Handle) (*conversation, error) {
	if h == nil || h.state == nil {
		return nil, fmt.Errorf("session is not open")
	}
	conv, ok := h.state.(*conversation)
	if !ok {
		return nil, fmt.Errorf("handle belongs to a different adapter")
	}
	return conv, nil
}
