// Package checkpoint persists enough run state to resume a Playbook
// in a fresh process at the next un-executed step.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vinayprograms/parley/internal/session"
)

// FormatVersion guards against loading records written by an
// incompatible build.
const FormatVersion = 1

// Record is the durable snapshot written at a checkpoint step or on
// interruption.
type Record struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
	Status  string `json:"status"` // session.Status* value at save time
	Message string `json:"message,omitempty"`

	Playbook  string `json:"playbook"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`

	// Resume position: the cycle and the index of the next
	// un-executed unit within it.
	Cycle     int `json:"cycle"`
	StepIndex int `json:"step_index"`

	Mode string `json:"mode"` // session mode in effect

	// Adapter continuity. The blob is opaque to us.
	AdapterSession string          `json:"adapter_session,omitempty"`
	AdapterBlob    json.RawMessage `json:"adapter_blob,omitempty"`

	UsedTokens  int `json:"used_tokens"`
	Compactions int `json:"compactions"`

	History []session.Turn `json:"history,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// Store reads and writes checkpoint records under one directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the on-disk location for a named checkpoint of a
// playbook.
func (s *Store) Path(playbook, name string) string {
	return filepath.Join(s.dir, playbook+"-"+name+".json")
}

// Save writes the record atomically: a temp file in the same
// directory, flushed, then renamed over the target. A crash mid-save
// leaves the previous checkpoint intact.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Version = FormatVersion
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	target := s.Path(rec.Playbook, rec.Name)
	tmp, err := os.CreateTemp(s.dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

// Load reads a named checkpoint back.
func (s *Store) Load(playbook, name string) (*Record, error) {
	return LoadFile(s.Path(playbook, name))
}

// LoadFile reads a checkpoint record at an arbitrary path.
func LoadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}
	if rec.Version != FormatVersion {
		return nil, fmt.Errorf("checkpoint format version %d is not supported", rec.Version)
	}
	return &rec, nil
}

// Latest returns the most recently saved checkpoint for a playbook,
// or an error when none exist.
func (s *Store) Latest(playbook string) (*Record, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, playbook+"-*.json"))
	if err != nil {
		return nil, err
	}
	var latest *Record
	for _, path := range matches {
		rec, err := LoadFile(path)
		if err != nil {
			continue
		}
		if latest == nil || rec.SavedAt.After(latest.SavedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no checkpoints found for %q", playbook)
	}
	return latest, nil
}
