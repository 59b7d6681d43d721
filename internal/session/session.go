// Package session provides the conversation log, its JSONL
// persistence, and the context usage tracker.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status constants for sessions.
const (
	StatusRunning     = "running"
	StatusComplete    = "complete"
	StatusStuck       = "stuck"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// Event types for the session log.
const (
	EventSystem      = "system"       // engine lifecycle notes
	EventPrompt      = "prompt"       // rendered text sent to the agent
	EventResponse    = "response"     // agent reply
	EventExec        = "exec"         // shell command result
	EventVerify      = "verify"       // verifier outcome
	EventCompact     = "compact"      // history replaced by a summary
	EventCompactSkip = "compact_skip" // compaction point evaluated and skipped
	EventCheckpoint  = "checkpoint"   // durable checkpoint written
	EventStuck       = "stuck"        // stall heuristic tripped
	EventWarning     = "warning"      // non-fatal render or parse issue
)

// Turn is one prompt/response exchange as the engine tracks it. A
// Summary turn is the condensed stand-in left behind by compaction.
type Turn struct {
	Cycle     int       `json:"cycle"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Thinking  string    `json:"thinking,omitempty"`
	Model     string    `json:"model,omitempty"`
	TokensIn  int       `json:"tokens_in,omitempty"`
	TokensOut int       `json:"tokens_out,omitempty"`
	Summary   bool      `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a single entry in the session log.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Cycle int `json:"cycle,omitempty"`
	Step  int `json:"step,omitempty"`
	Line  int `json:"line,omitempty"`

	Content string `json:"content,omitempty"`
	Detail  string `json:"detail,omitempty"`

	Model     string `json:"model,omitempty"`
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`

	ExitCode   int    `json:"exit_code,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Err        string `json:"error,omitempty"`
}

// Session is one Playbook run's forensic record.
type Session struct {
	ID        string    `json:"id"`
	Playbook  string    `json:"playbook"`
	Model     string    `json:"model,omitempty"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Events    []Event   `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	seq uint64
	mu  sync.Mutex
}

// AddEvent appends an event with automatic sequencing.
func (s *Session) AddEvent(event Event) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event.Seq = s.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.Events = append(s.Events, event)
	s.UpdatedAt = time.Now()
	return event.Seq
}

// Store is the interface for session persistence.
type Store interface {
	Save(sess *Session) error
	Load(id string) (*Session, error)
}

// Manager creates and updates sessions against a Store.
type Manager struct {
	store Store
	mu    sync.Mutex
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Create starts a new session record for a playbook run.
func (m *Manager) Create(playbook, model string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Playbook:  playbook,
		Model:     model,
		Status:    StatusRunning,
		Events:    []Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Update persists the session's current state.
func (m *Manager) Update(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess.UpdatedAt = time.Now()
	return m.store.Save(sess)
}

// Get retrieves a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	return m.store.Load(id)
}

// JSONL record types for the streaming file format.
const (
	RecordTypeHeader = "header"
	RecordTypeEvent  = "event"
	RecordTypeFooter = "footer"
)

// JSONLRecord wraps one JSONL line with type discrimination. Header
// and footer fields whose names an Event also uses carry distinct
// JSON keys; a shared key would shadow the embedded event's field on
// both marshal and unmarshal.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Header fields
	ID        string    `json:"id,omitempty"`
	Playbook  string    `json:"playbook,omitempty"`
	Model     string    `json:"session_model,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Event fields
	*Event `json:",omitempty"`

	// Footer fields
	Status    string    `json:"status,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"run_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// FileStore persists sessions as JSONL files, one per session.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the on-disk location of a session's log.
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Save writes the full session: header line, one line per event, and
// a footer with the final state.
func (s *FileStore) Save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	f, err := os.Create(s.Path(sess.ID))
	if err != nil {
		return fmt.Errorf("creating session file: %w", err)
	}
	defer f.Close()

	header := JSONLRecord{
		RecordType: RecordTypeHeader,
		ID:         sess.ID,
		Playbook:   sess.Playbook,
		Model:      sess.Model,
		CreatedAt:  sess.CreatedAt,
	}
	if err := writeLine(f, header); err != nil {
		return err
	}

	for i := range sess.Events {
		record := JSONLRecord{RecordType: RecordTypeEvent, Event: &sess.Events[i]}
		if err := writeLine(f, record); err != nil {
			return err
		}
	}

	footer := JSONLRecord{
		RecordType: RecordTypeFooter,
		Status:     sess.Status,
		Result:     sess.Result,
		Error:      sess.Error,
		UpdatedAt:  sess.UpdatedAt,
	}
	return writeLine(f, footer)
}

func writeLine(f *os.File, record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Load reads a session log back.
func (s *FileStore) Load(id string) (*Session, error) {
	return LoadFile(s.Path(id))
}

// LoadFile parses a session JSONL file at an arbitrary path.
func LoadFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sess := &Session{Events: []Event{}}

	// bufio.Reader rather than Scanner: prompt lines can exceed any
	// fixed token limit.
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if perr := parseLine(bytes.TrimSpace(line), sess); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading session log: %w", err)
		}
	}

	if len(sess.Events) > 0 {
		sess.seq = sess.Events[len(sess.Events)-1].Seq
	}
	return sess, nil
}

func parseLine(line []byte, sess *Session) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("parsing session log line: %w", err)
	}
	switch record.RecordType {
	case RecordTypeHeader:
		sess.ID = record.ID
		sess.Playbook = record.Playbook
		sess.Model = record.Model
		sess.CreatedAt = record.CreatedAt
	case RecordTypeEvent:
		if record.Event != nil {
			sess.Events = append(sess.Events, *record.Event)
		}
	case RecordTypeFooter:
		sess.Status = record.Status
		sess.Result = record.Result
		sess.Error = record.Error
		sess.UpdatedAt = record.UpdatedAt
	}
	return nil
}
