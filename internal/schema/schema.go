// Package schema defines the result payloads sub-agents return and the
// decoders that validate and normalize them.
//
// The three implementation-phase schemas share a result enum. Decoding
// enforces enum membership and silently repairs the issues count on code
// review results so it always equals the issue list length.
package schema

import (
	"encoding/json"
	"fmt"
)

// Shared result enum.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Code review verdicts.
const (
	VerdictShipIt           = "SHIP_IT"
	VerdictNeedsMinorFixes  = "NEEDS_MINOR_FIXES"
	VerdictNeedsMajorRework = "NEEDS_MAJOR_REWORK"
)

// Dev story test outcomes.
const (
	TestsPass = "pass"
	TestsFail = "fail"
)

// Task types the implementation orchestrator dispatches. Dispatches with
// other task types carry freeform JSON and skip schema validation.
const (
	TaskCreateStory = "create-story"
	TaskDevStory    = "dev-story"
	TaskCodeReview  = "code-review"
	TaskFix         = "fix"
)

// Validation error codes.
const (
	CodeUnknownResult  = "unknown_result"
	CodeUnknownVerdict = "unknown_verdict"
	CodeUnknownTests   = "unknown_tests"
	CodeBadPayload     = "bad_payload"
)

// ValidationError reports a schema violation that auto-correction could not
// repair. Code is one of the Code* constants.
type ValidationError struct {
	Code  string
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: %s: field %q has value %q", e.Code, e.Field, e.Value)
}

// TokenUsage is the accounting block sub-agents attach to every result.
type TokenUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// CreateStoryResult is the payload of a create-story dispatch. StoryFile is
// empty when the agent produced no file; the orchestrator escalates on that.
type CreateStoryResult struct {
	Result     string     `json:"result"`
	StoryFile  string     `json:"story_file,omitempty"`
	StoryKey   string     `json:"story_key"`
	StoryTitle string     `json:"story_title"`
	TokenUsage TokenUsage `json:"tokenUsage"`
}

// DevStoryResult is the payload of a dev-story or fix dispatch.
type DevStoryResult struct {
	Result        string     `json:"result"`
	ACMet         []string   `json:"ac_met"`
	ACFailures    []string   `json:"ac_failures"`
	FilesModified []string   `json:"files_modified"`
	Tests         string     `json:"tests"`
	TokenUsage    TokenUsage `json:"tokenUsage"`
}

// Issue is one finding in a code review.
type Issue struct {
	Severity string `json:"severity"`
	File     string `json:"file"`
	Desc     string `json:"desc"`
}

// CodeReviewResult is the payload of a code-review dispatch. After decoding,
// Issues always equals len(IssueList).
type CodeReviewResult struct {
	Verdict    string     `json:"verdict"`
	Issues     int        `json:"issues"`
	IssueList  []Issue    `json:"issue_list"`
	TokenUsage TokenUsage `json:"tokenUsage"`
}

// DecodeCreateStory decodes and validates a create-story payload.
func DecodeCreateStory(raw json.RawMessage) (CreateStoryResult, error) {
	var r CreateStoryResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return CreateStoryResult{}, &ValidationError{Code: CodeBadPayload, Field: ".", Value: truncate(raw)}
	}
	if err := checkResult(r.Result); err != nil {
		return CreateStoryResult{}, err
	}
	return r, nil
}

// DecodeDevStory decodes and validates a dev-story or fix payload.
func DecodeDevStory(raw json.RawMessage) (DevStoryResult, error) {
	var r DevStoryResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return DevStoryResult{}, &ValidationError{Code: CodeBadPayload, Field: ".", Value: truncate(raw)}
	}
	if err := checkResult(r.Result); err != nil {
		return DevStoryResult{}, err
	}
	switch r.Tests {
	case TestsPass, TestsFail, "":
	default:
		return DevStoryResult{}, &ValidationError{Code: CodeUnknownTests, Field: "tests", Value: r.Tests}
	}
	return r, nil
}

// DecodeCodeReview decodes and validates a code-review payload, rewriting
// the issues count to match the issue list length.
func DecodeCodeReview(raw json.RawMessage) (CodeReviewResult, error) {
	var r CodeReviewResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return CodeReviewResult{}, &ValidationError{Code: CodeBadPayload, Field: ".", Value: truncate(raw)}
	}
	switch r.Verdict {
	case VerdictShipIt, VerdictNeedsMinorFixes, VerdictNeedsMajorRework:
	default:
		return CodeReviewResult{}, &ValidationError{Code: CodeUnknownVerdict, Field: "verdict", Value: r.Verdict}
	}
	r.Issues = len(r.IssueList)
	return r, nil
}

// Normalize validates raw against the schema for taskType and returns the
// normalized payload. Task types without a schema pass through unchanged.
func Normalize(taskType string, raw json.RawMessage) (json.RawMessage, error) {
	switch taskType {
	case TaskCreateStory:
		r, err := DecodeCreateStory(raw)
		if err != nil {
			return nil, err
		}
		return json.Marshal(r)
	case TaskDevStory, TaskFix:
		r, err := DecodeDevStory(raw)
		if err != nil {
			return nil, err
		}
		return json.Marshal(r)
	case TaskCodeReview:
		r, err := DecodeCodeReview(raw)
		if err != nil {
			return nil, err
		}
		return json.Marshal(r)
	default:
		return raw, nil
	}
}

func checkResult(v string) error {
	switch v {
	case ResultSuccess, ResultFailed:
		return nil
	default:
		return &ValidationError{Code: CodeUnknownResult, Field: "result", Value: v}
	}
}

func truncate(raw json.RawMessage) string {
	const max = 120
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
