package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Scripted is a deterministic in-memory backend for tests. Each Send
// consumes the next scripted reply; going past the script is an
// error so a test never silently loops.
type Scripted struct {
	mu       sync.Mutex
	replies  []Reply
	index    int
	calls    []string
	starts   int
	stops    int
	compacts int

	// FailAt makes the Nth Send (1-based) return an error instead of
	// a reply. Zero disables it.
	FailAt int

	// Summary is returned by Compact.
	Summary string
}

// NewScripted builds a scripted backend that answers with the given
// replies in order.
func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies, Summary: "scripted summary"}
}

func (s *Scripted) StartSession(ctx context.Context, cfg Config) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return &Handle{ID: fmt.Sprintf("scripted-%d", s.starts), state: s}, nil
}

func (s *Scripted) Send(ctx context.Context, h *Handle, prompt string) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, prompt)
	n := len(s.calls)
	if s.FailAt > 0 && n == s.FailAt {
		return nil, fmt.Errorf("scripted failure at send %d", n)
	}
	if s.index >= len(s.replies) {
		return nil, fmt.Errorf("script exhausted at send %d", n)
	}
	reply := s.replies[s.index]
	s.index++
	return &reply, nil
}

func (s *Scripted) Compact(ctx context.Context, h *Handle, preserve []string, framing Framing) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compacts++
	content := s.Summary
	for _, p := range preserve {
		content += "\n" + p
	}
	content = framing.Wrap(content)
	return &Reply{Content: content, Model: "scripted", TokensOut: len(content) / 4}, nil
}

func (s *Scripted) Checkpoint(ctx context.Context, h *Handle) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(map[string]int{"sent": len(s.calls)})
}

func (s *Scripted) Resume(ctx context.Context, cfg Config, state json.RawMessage) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return &Handle{ID: fmt.Sprintf("scripted-%d", s.starts), state: s}, nil
}

func (s *Scripted) StopSession(ctx context.Context, h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

// Calls returns every prompt sent so far, in order.
func (s *Scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.calls...)
}

// Sessions reports how many sessions were started and stopped.
func (s *Scripted) Sessions() (started, stopped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// Compactions reports how many Compact calls were made.
func (s *Scripted) Compactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compacts
}
