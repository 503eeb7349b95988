// Package agent provides adapters for external AI coding agents invoked as
// subprocesses, plus a registry for looking them up by name.
package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// agentNameRe validates agent names: alphanumeric characters and hyphens only.
var agentNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

// ErrNotFound is returned by Registry.Get when no agent with the requested
// name has been registered.
var ErrNotFound = errors.New("agent not found")

// ErrDuplicateName is returned by Registry.Register when an agent with the
// same name is already present in the registry.
var ErrDuplicateName = errors.New("agent already registered")

// ErrInvalidName is returned by Registry.Register when the agent name is
// empty or contains invalid characters.
var ErrInvalidName = errors.New("invalid agent name")

// Agent abstracts an external coding agent behind a common contract for
// prompt execution and rate-limit detection.
type Agent interface {
	// Name returns the agent's identifier (e.g., "claude"). The name must be
	// lowercase and contain only alphanumeric characters and hyphens.
	Name() string

	// Run executes a prompt using the agent and returns the result. The
	// context is used for cancellation and timeout; on cancellation the
	// entire process tree is terminated, not only the direct child.
	Run(ctx context.Context, opts RunOpts) (*RunResult, error)

	// CheckPrerequisites verifies that the agent's CLI tool is installed
	// and accessible. Returns an error describing what is missing.
	CheckPrerequisites() error

	// ParseRateLimit examines agent output for rate-limit signals. Returns
	// rate-limit info and true if a rate limit was detected.
	ParseRateLimit(output string) (*RateLimitInfo, bool)
}

// Config holds per-agent settings from the [agents.<name>] configuration
// section.
type Config struct {
	// Command is the CLI executable name.
	Command string

	// Model is the model identifier passed through to the CLI.
	Model string

	// Args are extra arguments placed before the prompt.
	Args []string

	// AllowedTools is a comma-separated list of tools the agent may invoke.
	AllowedTools string
}

// Registry stores named agent instances for lookup. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent to the registry under its Name(). Returns
// ErrInvalidName if the agent is nil or has an invalid name, and
// ErrDuplicateName when the name is already taken.
func (r *Registry) Register(a Agent) error {
	if a == nil {
		return fmt.Errorf("register agent: %w", ErrInvalidName)
	}
	name := a.Name()
	if name == "" || !agentNameRe.MatchString(name) {
		return fmt.Errorf("register agent %q: %w", name, ErrInvalidName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("register agent %q: %w", name, ErrDuplicateName)
	}
	r.agents[name] = a
	return nil
}

// Get returns the agent registered under the given name. Returns ErrNotFound
// if no agent with that name is registered.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("get agent %q: %w", name, ErrNotFound)
	}
	return a, nil
}

// List returns the names of all registered agents, sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if an agent with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}
