package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunState is the durable record the running pipeline keeps next to the
// database. The supervisor reads it out-of-band to judge liveness; the
// pipeline rewrites it on every progress event.
type RunState struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	LastEvent time.Time `json:"last_event"`
	Succeeded []string  `json:"succeeded,omitempty"`
	Failed    []string  `json:"failed,omitempty"`
	Escalated []string  `json:"escalated,omitempty"`
	Restarts  int       `json:"restarts"`
}

// Terminal reports whether the recorded status means no pipeline is running.
func (s *RunState) Terminal() bool {
	switch s.Status {
	case "completed", "failed", "stopped":
		return true
	}
	return false
}

// Touch stamps the last-event time.
func (s *RunState) Touch(now time.Time) {
	s.LastEvent = now.UTC()
}

// Save writes the state atomically via a temp file rename.
func (s *RunState) Save(path string) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".runstate-*")
	if err != nil {
		return fmt.Errorf("runstate: temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("runstate: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("runstate: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("runstate: rename: %w", err)
	}
	return nil
}

// LoadRunState reads a run-state file. A missing file returns (nil, nil):
// no pipeline has run here.
func LoadRunState(path string) (*RunState, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runstate: read %s: %w", path, err)
	}
	var s RunState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("runstate: decode %s: %w", path, err)
	}
	return &s, nil
}
