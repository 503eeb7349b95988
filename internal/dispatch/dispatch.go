// Package dispatch runs sub-agent tasks: it assembles the prompt, spawns the
// agent, extracts and validates the JSON result, and records token usage.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/substratehq/substrate/internal/agent"
	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/jsonutil"
	"github.com/substratehq/substrate/internal/prompt"
	"github.com/substratehq/substrate/internal/schema"
	"github.com/substratehq/substrate/internal/store"
)

// Dispatch outcome states.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrShutdown is returned by Dispatch after Shutdown has been called.
var ErrShutdown = errors.New("dispatcher is shut down")

// retryBackoff is the base delay between dispatch attempts. Rate-limited
// results wait for the reported reset instead, capped at maxRateLimitWait.
var retryBackoff = 2 * time.Second

const maxRateLimitWait = 5 * time.Minute

// outputTailBytes bounds how much stderr is attached to a failed result.
const outputTailBytes = 2048

// Request describes one sub-agent task.
type Request struct {
	// TaskType selects the result schema and is echoed in events.
	TaskType string

	// Prompt, when non-empty, is used verbatim and skips assembly.
	Prompt string

	// Template and Sections feed the prompt assembler. An empty Template
	// lays the sections out in order under markdown headings.
	Template string
	Sections []prompt.Section

	// Agent overrides the default agent name. Model overrides the default
	// model.
	Agent string
	Model string

	// WorkDir is the working directory for the agent subprocess.
	WorkDir string

	// RunID, Phase and StoryKey attribute token usage and events.
	RunID    string
	Phase    string
	StoryKey string
}

// TokenEstimate is the ceil(bytes/4) estimate for prompt and output.
type TokenEstimate struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Result is the terminal outcome of a dispatch.
type Result struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	ExitCode      int             `json:"exit_code"`
	Output        string          `json:"output"`
	Parsed        json.RawMessage `json:"parsed,omitempty"`
	ParseError    error           `json:"-"`
	Duration      time.Duration   `json:"duration"`
	TokenEstimate TokenEstimate   `json:"token_estimate"`
}

// Handle tracks an in-flight dispatch. Result blocks until completion.
type Handle struct {
	// ID is the dispatch identifier, unique per process.
	ID string

	done   chan struct{}
	result Result
	cancel context.CancelFunc
}

// Done returns a channel closed when the dispatch reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result blocks until the dispatch finishes and returns its outcome.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

// Cancel signals the dispatch to stop. The result settles as cancelled.
func (h *Handle) Cancel() { h.cancel() }

// Dispatcher runs agent tasks with bounded parallelism and per-dispatch
// retries. Safe for concurrent use.
type Dispatcher struct {
	registry *agent.Registry
	cfg      config.DispatchConfig
	st       *store.Store
	events   *bus.Bus
	logger   *log.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*Handle
	running map[string]*Handle
	closed  bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStore enables token-usage accounting through st.
func WithStore(st *store.Store) Option {
	return func(d *Dispatcher) { d.st = st }
}

// WithBus enables dispatch lifecycle events on b.
func WithBus(b *bus.Bus) Option {
	return func(d *Dispatcher) { d.events = b }
}

// WithLogger sets the logger. Nil means silent.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a Dispatcher using agents from registry. MaxParallel from cfg
// bounds concurrency; values below 1 are treated as 1.
func New(registry *agent.Registry, cfg config.DispatchConfig, opts ...Option) *Dispatcher {
	maxParallel := cfg.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	d := &Dispatcher{
		registry: registry,
		cfg:      cfg,
		sem:      make(chan struct{}, maxParallel),
		pending:  make(map[string]*Handle),
		running:  make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch assembles the prompt for req and starts the agent task. It
// returns immediately with a handle; the work proceeds in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Handle, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrShutdown
	}
	d.mu.Unlock()

	agentName := req.Agent
	if agentName == "" {
		agentName = d.cfg.Agent
	}
	ag, err := d.registry.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", req.TaskType, err)
	}

	promptText := req.Prompt
	if promptText == "" {
		tmpl := req.Template
		if tmpl == "" {
			tmpl = prompt.JoinSections(req.Sections)
		}
		assembled, err := prompt.Assemble(tmpl, req.Sections, d.cfg.TokenCeiling)
		if err != nil {
			return nil, fmt.Errorf("dispatch %s: %w", req.TaskType, err)
		}
		if assembled.Truncated && d.logger != nil {
			d.logger.Warn("prompt truncated to fit token ceiling",
				"task_type", req.TaskType,
				"tokens", assembled.TokenCount,
				"ceiling", d.cfg.TokenCeiling,
			)
		}
		promptText = assembled.Prompt
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout := d.cfg.DispatchTimeout(); timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	h := &Handle{
		ID:     "dsp-" + uuid.NewString(),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	d.mu.Lock()
	d.pending[h.ID] = h
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(runCtx, h, ag, req, promptText)

	return h, nil
}

// Pending returns the IDs of dispatches waiting for a slot, sorted.
func (d *Dispatcher) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := lo.Keys(d.pending)
	sort.Strings(ids)
	return ids
}

// Running returns the IDs of dispatches currently executing, sorted.
func (d *Dispatcher) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := lo.Keys(d.running)
	sort.Strings(ids)
	return ids
}

// Shutdown cancels all outstanding dispatches and waits for them to settle,
// bounded by ctx. Subsequent Dispatch calls fail with ErrShutdown.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	handles := make([]*Handle, 0, len(d.pending)+len(d.running))
	for _, h := range d.pending {
		handles = append(handles, h)
	}
	for _, h := range d.running {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	settled := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(settled)
	}()

	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) run(ctx context.Context, h *Handle, ag agent.Agent, req Request, promptText string) {
	defer d.wg.Done()
	defer h.cancel()

	start := time.Now()

	// Wait for a parallelism slot.
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		d.finish(h, req, ag.Name(), Result{
			ID:       h.ID,
			Status:   StatusCancelled,
			ExitCode: -1,
			Duration: time.Since(start),
		})
		return
	}

	d.mu.Lock()
	delete(d.pending, h.ID)
	d.running[h.ID] = h
	d.mu.Unlock()

	d.emit(bus.EventDispatchStart, bus.DispatchPayload{
		ID:       h.ID,
		TaskType: req.TaskType,
		Agent:    ag.Name(),
		RunID:    req.RunID,
		StoryKey: req.StoryKey,
	})
	if d.logger != nil {
		d.logger.Debug("dispatch start", "id", h.ID, "task_type", req.TaskType, "agent", ag.Name())
	}

	result := d.attempt(ctx, h, ag, req, promptText)
	result.Duration = time.Since(start)
	result.TokenEstimate.Input = prompt.EstimateTokens(promptText)
	result.TokenEstimate.Output = prompt.EstimateTokens(result.Output)

	d.recordUsage(req, ag.Name(), result)
	d.finish(h, req, ag.Name(), result)
}

// attempt runs the agent with up to MaxRetries retries on spawn failure or
// non-zero exit. Parse and validation failures are terminal.
func (d *Dispatcher) attempt(ctx context.Context, h *Handle, ag agent.Agent, req Request, promptText string) Result {
	opts := agent.RunOpts{
		Prompt:  promptText,
		Model:   req.Model,
		WorkDir: req.WorkDir,
	}
	if opts.Model == "" {
		opts.Model = d.cfg.Model
	}

	var lastErr error
	var lastRun *agent.RunResult

	for try := 0; try <= d.cfg.MaxRetries; try++ {
		if ctx.Err() != nil {
			return Result{ID: h.ID, Status: StatusCancelled, ExitCode: -1}
		}
		if try > 0 {
			wait := retryBackoff
			if lastRun != nil && lastRun.WasRateLimited() && lastRun.RateLimit.ResetAfter > 0 {
				wait = lastRun.RateLimit.ResetAfter
				if wait > maxRateLimitWait {
					wait = maxRateLimitWait
				}
			}
			if d.logger != nil {
				d.logger.Warn("retrying dispatch", "id", h.ID, "attempt", try, "wait", wait)
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Result{ID: h.ID, Status: StatusCancelled, ExitCode: -1}
			}
		}

		res, err := ag.Run(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return Result{ID: h.ID, Status: StatusCancelled, ExitCode: -1}
			}
			lastErr = err
			lastRun = nil
			continue
		}
		lastRun = res
		if res.ExitCode != 0 {
			lastErr = fmt.Errorf("agent %s exited with code %d", ag.Name(), res.ExitCode)
			continue
		}

		return d.parse(h.ID, req.TaskType, res)
	}

	r := Result{ID: h.ID, Status: StatusFailed, ExitCode: -1, ParseError: lastErr}
	if lastRun != nil {
		r.ExitCode = lastRun.ExitCode
		r.Output = lastRun.Stdout + tail(lastRun.Stderr)
	} else if lastErr != nil {
		r.Output = lastErr.Error()
	}
	return r
}

// parse extracts the JSON payload from stdout and validates it against the
// task type's schema. Schema auto-corrections are applied silently.
func (d *Dispatcher) parse(id, taskType string, res *agent.RunResult) Result {
	r := Result{
		ID:       id,
		Status:   StatusCompleted,
		ExitCode: res.ExitCode,
		Output:   res.Stdout,
	}

	raw, err := jsonutil.Extract(res.Stdout)
	if err != nil {
		r.Status = StatusFailed
		r.ParseError = err
		r.Output = res.Stdout + tail(res.Stderr)
		return r
	}

	normalized, err := schema.Normalize(taskType, raw)
	if err != nil {
		r.Status = StatusFailed
		r.ParseError = err
		return r
	}

	r.Parsed = normalized
	return r
}

// recordUsage appends one TokenUsage row per dispatch. Accounting failures
// are logged, not surfaced: the dispatch result stands on its own.
func (d *Dispatcher) recordUsage(req Request, agentName string, result Result) {
	if d.st == nil || req.RunID == "" {
		return
	}
	err := d.st.AddTokenUsage(context.Background(), store.TokenUsage{
		PipelineRunID: req.RunID,
		Phase:         req.Phase,
		Agent:         agentName,
		InputTokens:   int64(result.TokenEstimate.Input),
		OutputTokens:  int64(result.TokenEstimate.Output),
	})
	if err != nil && d.logger != nil {
		d.logger.Warn("recording token usage failed", "id", result.ID, "error", err)
	}
}

func (d *Dispatcher) finish(h *Handle, req Request, agentName string, result Result) {
	d.mu.Lock()
	delete(d.pending, h.ID)
	delete(d.running, h.ID)
	d.mu.Unlock()

	h.result = result
	close(h.done)

	d.emit(bus.EventDispatchDone, bus.DispatchPayload{
		ID:         h.ID,
		TaskType:   req.TaskType,
		Agent:      agentName,
		RunID:      req.RunID,
		StoryKey:   req.StoryKey,
		Status:     result.Status,
		DurationMS: result.Duration.Milliseconds(),
	})
	if d.logger != nil {
		d.logger.Debug("dispatch done",
			"id", h.ID,
			"task_type", req.TaskType,
			"status", result.Status,
			"duration", result.Duration,
		)
	}
}

func (d *Dispatcher) emit(name string, payload any) {
	if d.events != nil {
		d.events.Emit(name, payload)
	}
}

func tail(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > outputTailBytes {
		s = s[len(s)-outputTailBytes:]
	}
	return "\n" + s
}
