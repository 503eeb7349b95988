// Package store implements the Decision Store: the durable, single-writer
// home of pipeline runs, per-phase decisions, requirements, constraints,
// artifacts, token-usage records, and amendment supersession links.
//
// The store is an embedded SQLite database accessed through GORM. Writes are
// serialized by the driver; reads after a confirmed write observe the write.
// All mutation of persistent entities goes through this package; the
// orchestrators never touch the database directly.
package store

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the GORM connection. Construct with Open; Close releases the
// underlying handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// migrations. Foreign keys are enforced.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	if err := db.AutoMigrate(
		&PipelineRun{},
		&Decision{},
		&Requirement{},
		&Constraint{},
		&Artifact{},
		&TokenUsage{},
	); err != nil {
		return nil, fmt.Errorf("store: migrating %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRunInput describes a new pipeline run.
type CreateRunInput struct {
	Methodology string
	StartPhase  string
	ParentRunID *string
	Config      string
}

// CreatePipelineRun creates a run with status running and returns its id.
// When ParentRunID is set the parent must exist and be completed.
func (s *Store) CreatePipelineRun(ctx context.Context, in CreateRunInput) (string, error) {
	if in.ParentRunID != nil {
		parent, err := s.GetPipelineRun(ctx, *in.ParentRunID)
		if err != nil {
			return "", fmt.Errorf("store: create run: parent %s: %w", *in.ParentRunID, err)
		}
		if parent.Status != StatusCompleted {
			return "", fmt.Errorf("store: create run: parent %s has status %q: %w",
				parent.ID, parent.Status, ErrParentNotCompleted)
		}
	}

	run := PipelineRun{
		ID:           "run-" + uuid.NewString(),
		Methodology:  in.Methodology,
		CurrentPhase: in.StartPhase,
		Status:       StatusRunning,
		ParentRunID:  in.ParentRunID,
		Config:       in.Config,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return "", wrap("create run", err)
	}
	return run.ID, nil
}

// GetPipelineRun returns the run with the given id.
func (s *Store) GetPipelineRun(ctx context.Context, id string) (*PipelineRun, error) {
	var run PipelineRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, wrap(fmt.Sprintf("get run %s", id), err)
	}
	return &run, nil
}

// LatestRun returns the most recently created run, or ErrNotFound.
func (s *Store) LatestRun(ctx context.Context) (*PipelineRun, error) {
	var run PipelineRun
	// rowid breaks created_at ties for runs created within the same tick.
	err := s.db.WithContext(ctx).Order("created_at DESC, rowid DESC").First(&run).Error
	if err != nil {
		return nil, wrap("latest run", err)
	}
	return &run, nil
}

// RunPatch enumerates the mutable fields of a run. Nil fields are untouched.
type RunPatch struct {
	CurrentPhase *string
	Status       *string
	Config       *string
	TokenUsage   *string
}

// UpdatePipelineRun applies patch to the run. An empty patch is a no-op.
func (s *Store) UpdatePipelineRun(ctx context.Context, id string, patch RunPatch) error {
	updates := map[string]any{}
	if patch.CurrentPhase != nil {
		updates["current_phase"] = *patch.CurrentPhase
	}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.Config != nil {
		updates["config"] = *patch.Config
	}
	if patch.TokenUsage != nil {
		updates["token_usage"] = *patch.TokenUsage
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&PipelineRun{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return wrap(fmt.Sprintf("update run %s", id), res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: update run %s: %w", id, ErrNotFound)
	}
	return nil
}

// DecisionInput describes a decision to persist.
type DecisionInput struct {
	PipelineRunID string
	Phase         string
	Category      string
	Key           string
	Value         string
	Rationale     string
}

// CreateDecision appends a decision and returns its id.
func (s *Store) CreateDecision(ctx context.Context, in DecisionInput) (string, error) {
	d := Decision{
		ID:            "dec-" + uuid.NewString(),
		PipelineRunID: in.PipelineRunID,
		Phase:         in.Phase,
		Category:      in.Category,
		Key:           in.Key,
		Value:         in.Value,
		Rationale:     in.Rationale,
	}
	if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
		return "", wrap("create decision", err)
	}
	return d.ID, nil
}

// GetDecisionByKey returns the newest decision matching (run, phase, key).
func (s *Store) GetDecisionByKey(ctx context.Context, runID, phase, key string) (*Decision, error) {
	var d Decision
	err := s.db.WithContext(ctx).
		Where("pipeline_run_id = ? AND phase = ? AND key = ?", runID, phase, key).
		Order("created_at DESC, rowid DESC").
		First(&d).Error
	if err != nil {
		return nil, wrap(fmt.Sprintf("get decision %s/%s", phase, key), err)
	}
	return &d, nil
}

// GetDecisionsByPhase returns every decision recorded for phase across all runs.
func (s *Store) GetDecisionsByPhase(ctx context.Context, phase string) ([]Decision, error) {
	var out []Decision
	err := s.db.WithContext(ctx).
		Where("phase = ?", phase).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrap(fmt.Sprintf("decisions by phase %s", phase), err)
	}
	return out, nil
}

// GetDecisionsByPhaseForRun returns a single run's decisions for phase.
func (s *Store) GetDecisionsByPhaseForRun(ctx context.Context, runID, phase string) ([]Decision, error) {
	var out []Decision
	err := s.db.WithContext(ctx).
		Where("pipeline_run_id = ? AND phase = ?", runID, phase).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrap(fmt.Sprintf("decisions for run %s phase %s", runID, phase), err)
	}
	return out, nil
}

// UpdateDecision replaces a decision's value and rationale.
func (s *Store) UpdateDecision(ctx context.Context, id, value, rationale string) error {
	res := s.db.WithContext(ctx).Model(&Decision{}).Where("id = ?", id).
		Updates(map[string]any{"value": value, "rationale": rationale})
	if res.Error != nil {
		return wrap(fmt.Sprintf("update decision %s", id), res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: update decision %s: %w", id, ErrNotFound)
	}
	return nil
}

// SupersedeDecision marks originalID as superseded by supersedingID.
// Superseding an already-superseded decision returns ErrAlreadySuperseded;
// a decision never supersedes one in its own run (ErrSameRunSupersede).
// Both errors are recoverable; callers iterating rows must carry on.
func (s *Store) SupersedeDecision(ctx context.Context, originalID, supersedingID string) error {
	original, err := s.getDecision(ctx, originalID)
	if err != nil {
		return err
	}
	superseding, err := s.getDecision(ctx, supersedingID)
	if err != nil {
		return err
	}

	if original.SupersededBy != nil {
		return fmt.Errorf("store: supersede %s: %w", originalID, ErrAlreadySuperseded)
	}
	if original.PipelineRunID == superseding.PipelineRunID {
		return fmt.Errorf("store: supersede %s by %s: %w", originalID, supersedingID, ErrSameRunSupersede)
	}

	res := s.db.WithContext(ctx).Model(&Decision{}).
		Where("id = ? AND superseded_by IS NULL", originalID).
		Update("superseded_by", supersedingID)
	if res.Error != nil {
		return wrap(fmt.Sprintf("supersede %s", originalID), res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost a race with a concurrent supersession.
		return fmt.Errorf("store: supersede %s: %w", originalID, ErrAlreadySuperseded)
	}
	return nil
}

func (s *Store) getDecision(ctx context.Context, id string) (*Decision, error) {
	var d Decision
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, wrap(fmt.Sprintf("get decision %s", id), err)
	}
	return &d, nil
}

// DecisionFilter narrows GetActiveDecisions. Zero-valued fields are ignored.
type DecisionFilter struct {
	PipelineRunID string
	Phase         string
	Category      string
	Key           string
}

// GetActiveDecisions returns decisions with no supersession link matching
// filter. This is the canonical read for phase runners and context handlers:
// amendments transparently hide superseded state.
func (s *Store) GetActiveDecisions(ctx context.Context, filter DecisionFilter) ([]Decision, error) {
	q := s.db.WithContext(ctx).Where("superseded_by IS NULL")
	if filter.PipelineRunID != "" {
		q = q.Where("pipeline_run_id = ?", filter.PipelineRunID)
	}
	if filter.Phase != "" {
		q = q.Where("phase = ?", filter.Phase)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Key != "" {
		q = q.Where("key = ?", filter.Key)
	}

	var out []Decision
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, wrap("active decisions", err)
	}
	return out, nil
}

// LoadParentRunDecisions returns all non-superseded decisions owned by
// parentRunID. The amendment context handler snapshots this set.
func (s *Store) LoadParentRunDecisions(ctx context.Context, parentRunID string) ([]Decision, error) {
	return s.GetActiveDecisions(ctx, DecisionFilter{PipelineRunID: parentRunID})
}

// RequirementInput describes a requirement to persist.
type RequirementInput struct {
	PipelineRunID string
	Source        string
	Type          string
	Description   string
	Priority      string
}

// CreateRequirement appends an active requirement and returns its id.
func (s *Store) CreateRequirement(ctx context.Context, in RequirementInput) (string, error) {
	r := Requirement{
		ID:            "req-" + uuid.NewString(),
		PipelineRunID: in.PipelineRunID,
		Source:        in.Source,
		Type:          in.Type,
		Description:   in.Description,
		Priority:      in.Priority,
		Status:        RequirementActive,
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return "", wrap("create requirement", err)
	}
	return r.ID, nil
}

// GetRequirementsByRun returns a run's requirements in creation order.
func (s *Store) GetRequirementsByRun(ctx context.Context, runID string) ([]Requirement, error) {
	var out []Requirement
	err := s.db.WithContext(ctx).
		Where("pipeline_run_id = ?", runID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrap(fmt.Sprintf("requirements for run %s", runID), err)
	}
	return out, nil
}

// ConstraintInput describes a constraint to persist.
type ConstraintInput struct {
	PipelineRunID string
	Category      string
	Description   string
	Source        string
}

// CreateConstraint appends a constraint and returns its id.
func (s *Store) CreateConstraint(ctx context.Context, in ConstraintInput) (string, error) {
	c := Constraint{
		ID:            "con-" + uuid.NewString(),
		PipelineRunID: in.PipelineRunID,
		Category:      in.Category,
		Description:   in.Description,
		Source:        in.Source,
	}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return "", wrap("create constraint", err)
	}
	return c.ID, nil
}

// GetConstraintsByRun returns a run's constraints in creation order.
func (s *Store) GetConstraintsByRun(ctx context.Context, runID string) ([]Constraint, error) {
	var out []Constraint
	err := s.db.WithContext(ctx).
		Where("pipeline_run_id = ?", runID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrap(fmt.Sprintf("constraints for run %s", runID), err)
	}
	return out, nil
}

// ArtifactInput describes an artifact registration. When Content is
// non-empty its xxhash is recorded as the content hash.
type ArtifactInput struct {
	PipelineRunID string
	Phase         string
	Type          string
	Path          string
	Content       []byte
	Summary       string
}

// RegisterArtifact records a phase artifact and returns its id.
func (s *Store) RegisterArtifact(ctx context.Context, in ArtifactInput) (string, error) {
	a := Artifact{
		ID:            "art-" + uuid.NewString(),
		PipelineRunID: in.PipelineRunID,
		Phase:         in.Phase,
		Type:          in.Type,
		Path:          in.Path,
		Summary:       in.Summary,
	}
	if len(in.Content) > 0 {
		a.Content = in.Content
		sum := xxhash.Sum64(in.Content)
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(sum >> (56 - 8*i))
		}
		a.ContentHash = hex.EncodeToString(buf[:])
	}
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		return "", wrap("register artifact", err)
	}
	return a.ID, nil
}

// GetArtifactByTypeForRun returns the newest artifact of the given type for
// the run. This lookup is the basis of exit-gate checks.
func (s *Store) GetArtifactByTypeForRun(ctx context.Context, runID, artifactType string) (*Artifact, error) {
	var a Artifact
	err := s.db.WithContext(ctx).
		Where("pipeline_run_id = ? AND type = ?", runID, artifactType).
		Order("created_at DESC, rowid DESC").
		First(&a).Error
	if err != nil {
		return nil, wrap(fmt.Sprintf("artifact %s for run %s", artifactType, runID), err)
	}
	return &a, nil
}

// GetArtifactsByRun returns all of a run's artifacts in creation order.
func (s *Store) GetArtifactsByRun(ctx context.Context, runID string) ([]Artifact, error) {
	var out []Artifact
	err := s.db.WithContext(ctx).
		Where("pipeline_run_id = ?", runID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrap(fmt.Sprintf("artifacts for run %s", runID), err)
	}
	return out, nil
}

// AddTokenUsage appends an accounting row.
func (s *Store) AddTokenUsage(ctx context.Context, row TokenUsage) error {
	row.ID = 0
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrap("add token usage", err)
	}
	return nil
}

// GetTokenUsageSummary aggregates a run's token usage by (phase, agent) and
// returns the per-pair rows plus run totals.
func (s *Store) GetTokenUsageSummary(ctx context.Context, runID string) ([]TokenUsageSummary, TokenTotals, error) {
	var rows []TokenUsageSummary
	err := s.db.WithContext(ctx).Model(&TokenUsage{}).
		Select("phase, agent, SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens, SUM(cost) AS cost").
		Where("pipeline_run_id = ?", runID).
		Group("phase, agent").
		Order("phase, agent").
		Scan(&rows).Error
	if err != nil {
		return nil, TokenTotals{}, wrap(fmt.Sprintf("token summary for run %s", runID), err)
	}

	var totals TokenTotals
	for _, r := range rows {
		totals.InputTokens += r.InputTokens
		totals.OutputTokens += r.OutputTokens
		totals.CostUSD += r.Cost
	}
	return rows, totals, nil
}

// DecisionCount returns the number of decisions owned by the run.
func (s *Store) DecisionCount(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Decision{}).
		Where("pipeline_run_id = ?", runID).Count(&n).Error
	if err != nil {
		return 0, wrap(fmt.Sprintf("decision count for run %s", runID), err)
	}
	return n, nil
}

// StoryCount returns the number of story decisions owned by the run.
func (s *Store) StoryCount(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Decision{}).
		Where("pipeline_run_id = ? AND category = ?", runID, "story").Count(&n).Error
	if err != nil {
		return 0, wrap(fmt.Sprintf("story count for run %s", runID), err)
	}
	return n, nil
}
