package store

import "time"

// Run status values. StatusRunning is the only entry state; the others are
// terminal or suspended.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Requirement type values.
const (
	RequirementFunctional    = "functional"
	RequirementNonFunctional = "non_functional"
)

// Requirement priority values (MoSCoW).
const (
	PriorityMust   = "must"
	PriorityShould = "should"
	PriorityCould  = "could"
	PriorityWont   = "wont"
)

// Requirement status values.
const (
	RequirementActive  = "active"
	RequirementDone    = "done"
	RequirementDropped = "dropped"
)

// Canonical artifact types gate checks refer to.
const (
	ArtifactProductBrief           = "product-brief"
	ArtifactPRD                    = "prd"
	ArtifactArchitecture           = "architecture"
	ArtifactStories                = "stories"
	ArtifactImplementationComplete = "implementation-complete"
	ArtifactDeltaDocument          = "delta-document"
)

// PipelineRun is one end-to-end execution of the methodology for a single
// concept. ParentRunID is nil for primary runs and set for amendment runs;
// the store enforces that a parent is completed before a child is created.
type PipelineRun struct {
	ID           string  `gorm:"primaryKey" json:"id"`
	Methodology  string  `json:"methodology"`
	CurrentPhase string  `json:"current_phase"`
	Status       string  `gorm:"index" json:"status"`
	ParentRunID  *string `gorm:"index" json:"parent_run_id,omitempty"`

	// Config is a JSON blob holding the concept text and phase history.
	Config string `json:"config"`

	// TokenUsageBlob is a JSON aggregate snapshot updated on phase
	// transitions; authoritative accounting lives in the token_usages table.
	TokenUsageBlob string `gorm:"column:token_usage" json:"token_usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Decision is an append-mostly record of a choice made during a phase.
// SupersededBy is set at most once and always points at a decision in a
// child amendment run whose (phase, category, key) triple matches.
type Decision struct {
	ID            string  `gorm:"primaryKey" json:"id"`
	PipelineRunID string  `gorm:"index:idx_decisions_run;index:idx_decisions_run_phase" json:"pipeline_run_id"`
	Phase         string  `gorm:"index:idx_decisions_run_phase" json:"phase"`
	Category      string  `json:"category"`
	Key           string  `json:"key"`
	Value         string  `json:"value"`
	Rationale     string  `json:"rationale,omitempty"`
	SupersededBy  *string `gorm:"index" json:"superseded_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Requirement is a functional or non-functional requirement extracted during
// planning.
type Requirement struct {
	ID            string `gorm:"primaryKey" json:"id"`
	PipelineRunID string `gorm:"index" json:"pipeline_run_id"`
	Source        string `json:"source"`
	Type          string `json:"type"`
	Description   string `json:"description"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`

	CreatedAt time.Time `json:"created_at"`
}

// Constraint records a restriction the solution must respect.
type Constraint struct {
	ID            string `gorm:"primaryKey" json:"id"`
	PipelineRunID string `gorm:"index" json:"pipeline_run_id"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	Source        string `json:"source"`

	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a phase output. Entry and exit gates look artifacts up by
// (pipeline_run_id, phase, type). Path may be a logical URI into the store;
// when it is, Content holds the artifact body so later phases can read it
// back without touching the filesystem.
type Artifact struct {
	ID            string `gorm:"primaryKey" json:"id"`
	PipelineRunID string `gorm:"index:idx_artifacts_run_phase_type" json:"pipeline_run_id"`
	Phase         string `gorm:"index:idx_artifacts_run_phase_type" json:"phase"`
	Type          string `gorm:"index:idx_artifacts_run_phase_type" json:"type"`
	Path          string `json:"path"`
	Content       []byte `json:"-"`
	ContentHash   string `json:"content_hash,omitempty"`
	Summary       string `json:"summary,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TokenUsage is an append-only accounting row, aggregated on read.
type TokenUsage struct {
	ID            uint    `gorm:"primaryKey;autoIncrement" json:"-"`
	PipelineRunID string  `gorm:"index" json:"pipeline_run_id"`
	Phase         string  `json:"phase"`
	Agent         string  `json:"agent"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	Cost          float64 `json:"cost"`

	CreatedAt time.Time `json:"created_at"`
}

// TokenUsageSummary is one aggregated (phase, agent) row.
type TokenUsageSummary struct {
	Phase        string  `json:"phase"`
	Agent        string  `json:"agent"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// TokenTotals aggregates usage across an entire run.
type TokenTotals struct {
	InputTokens  int64   `json:"input"`
	OutputTokens int64   `json:"output"`
	CostUSD      float64 `json:"cost_usd"`
}
