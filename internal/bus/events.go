package bus

// Pipeline lifecycle event names.
const (
	EventPipelineStart     = "pipeline:start"
	EventPipelineComplete  = "pipeline:complete"
	EventPipelineHeartbeat = "pipeline:heartbeat"
)

// Story lifecycle event names.
const (
	EventStoryPhase      = "story:phase"
	EventStoryDone       = "story:done"
	EventStoryEscalation = "story:escalation"
	EventStoryWarn       = "story:warn"
	EventStoryLog        = "story:log"
	EventStoryStall      = "story:stall"
)

// Worktree lifecycle event names.
const (
	EventWorktreeCreated  = "worktree:created"
	EventWorktreeMerged   = "worktree:merged"
	EventWorktreeConflict = "worktree:conflict"
	EventWorktreeRemoved  = "worktree:removed"
	EventTaskReady        = "task:ready"
)

// Orchestrator state event names.
const (
	EventStoryEscalated       = "orchestrator:story-escalated"
	EventOrchestratorComplete = "orchestrator:complete"
)

// Supervisor event names.
const (
	EventSupervisorKill    = "supervisor:kill"
	EventSupervisorRestart = "supervisor:restart"
	EventSupervisorAbort   = "supervisor:abort"
	EventSupervisorSummary = "supervisor:summary"
)

// Dispatch lifecycle event names.
const (
	EventDispatchStart = "dispatch:start"
	EventDispatchDone  = "dispatch:done"
)

// PipelinePayload accompanies pipeline:start and pipeline:complete.
type PipelinePayload struct {
	RunID  string `json:"run_id"`
	Phase  string `json:"phase,omitempty"`
	Status string `json:"status,omitempty"`
}

// HeartbeatPayload accompanies pipeline:heartbeat.
type HeartbeatPayload struct {
	RunID string `json:"run_id"`
}

// StoryPayload accompanies the story:* events.
type StoryPayload struct {
	RunID        string `json:"run_id"`
	StoryKey     string `json:"story_key"`
	Phase        string `json:"phase,omitempty"`
	Verdict      string `json:"verdict,omitempty"`
	ReviewCycles int    `json:"review_cycles,omitempty"`
	Message      string `json:"message,omitempty"`
}

// WorktreePayload accompanies the worktree:* events and task:ready.
type WorktreePayload struct {
	StoryKey string `json:"story_key"`
	TaskID   string `json:"task_id,omitempty"`
	Path     string `json:"path,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StoryEscalatedPayload accompanies orchestrator:story-escalated.
type StoryEscalatedPayload struct {
	RunID       string `json:"run_id"`
	StoryKey    string `json:"story_key"`
	LastVerdict string `json:"last_verdict"`
	Reason      string `json:"reason,omitempty"`
}

// OrchestratorCompletePayload accompanies orchestrator:complete.
type OrchestratorCompletePayload struct {
	RunID     string   `json:"run_id"`
	Total     int      `json:"total"`
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	Escalated []string `json:"escalated"`
}

// SupervisorKillPayload accompanies supervisor:kill.
type SupervisorKillPayload struct {
	RunID            string `json:"run_id"`
	Reason           string `json:"reason"`
	StalenessSeconds int64  `json:"staleness_seconds"`
	PIDs             []int  `json:"pids"`
}

// SupervisorRestartPayload accompanies supervisor:restart. Attempt is 1-based.
type SupervisorRestartPayload struct {
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

// SupervisorAbortPayload accompanies supervisor:abort.
type SupervisorAbortPayload struct {
	RunID    string `json:"run_id"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// SupervisorSummaryPayload accompanies supervisor:summary.
type SupervisorSummaryPayload struct {
	RunID          string   `json:"run_id"`
	Succeeded      []string `json:"succeeded"`
	Failed         []string `json:"failed"`
	Escalated      []string `json:"escalated"`
	ElapsedSeconds int64    `json:"elapsed_seconds"`
	Restarts       int      `json:"restarts"`
}

// DispatchPayload accompanies dispatch:start and dispatch:done.
type DispatchPayload struct {
	ID         string `json:"id"`
	TaskType   string `json:"task_type"`
	Agent      string `json:"agent"`
	RunID      string `json:"run_id,omitempty"`
	StoryKey   string `json:"story_key,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}
