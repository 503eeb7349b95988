package phase

import (
	"encoding/json"
	"time"
)

// GateResult is the outcome of evaluating one gate.
type GateResult struct {
	Gate   string `json:"gate"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// HistoryEntry records one phase's occupancy of a run. CompletedAt is nil
// while the phase is current.
type HistoryEntry struct {
	Phase       string       `json:"phase"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	GateResults []GateResult `json:"gateResults"`
}

// OpenEntry returns a history entry for a phase that just started.
func OpenEntry(phaseName string) HistoryEntry {
	return HistoryEntry{
		Phase:       phaseName,
		StartedAt:   time.Now().UTC(),
		GateResults: []GateResult{},
	}
}

// RunConfig is the JSON blob stored on a pipeline run: the concept text plus
// the phase history.
type RunConfig struct {
	Concept      string         `json:"concept"`
	PhaseHistory []HistoryEntry `json:"phaseHistory"`
}

// EncodeRunConfig serializes the run config blob.
func EncodeRunConfig(cfg RunConfig) string {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// DecodeRunConfig parses a run config blob. It accepts the current object
// format and the legacy top-level history array; anything else decodes to an
// empty config rather than an error.
func DecodeRunConfig(blob string) RunConfig {
	if blob == "" {
		return RunConfig{}
	}

	var cfg RunConfig
	if err := json.Unmarshal([]byte(blob), &cfg); err == nil {
		return cfg
	}

	var legacy []HistoryEntry
	if err := json.Unmarshal([]byte(blob), &legacy); err == nil {
		return RunConfig{PhaseHistory: legacy}
	}

	return RunConfig{}
}

// CompletedPhases returns the phases whose history entries are closed, in
// order.
func (c RunConfig) CompletedPhases() []string {
	var done []string
	for _, e := range c.PhaseHistory {
		if e.CompletedAt != nil {
			done = append(done, e.Phase)
		}
	}
	return done
}
