package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/substratehq/substrate/internal/agent"
	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/dispatch"
	"github.com/substratehq/substrate/internal/logging"
	"github.com/substratehq/substrate/internal/monitor"
	"github.com/substratehq/substrate/internal/pack"
	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/runner"
	"github.com/substratehq/substrate/internal/store"
)

// shutdownGrace bounds dispatcher draining on runtime close.
const shutdownGrace = 30 * time.Second

// runtime bundles the long-lived collaborators a pipeline command wires up.
type runtime struct {
	cfg        *config.Config
	store      *store.Store
	mon        *monitor.Monitor
	bus        *bus.Bus
	registry   *agent.Registry
	dispatcher *dispatch.Dispatcher
	pack       *pack.Pack
	logger     *log.Logger

	monSub bus.Subscription
}

// loadConfig resolves substrate.toml from --config or by walking up from the
// working directory.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		path, err = config.Find(cwd)
		if err != nil {
			return nil, err
		}
	}
	if path == "" {
		return nil, usagef("no %s found; run `auto init` first", config.FileName)
	}
	return config.Load(path)
}

// openRuntime loads config and opens every pipeline collaborator. packName
// overrides the configured methodology pack when non-empty; events switches
// stdout to the NDJSON event stream.
func openRuntime(packName string, events bool) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StatePath(), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	b := bus.New()
	if events {
		b.OnAll(bus.NDJSONWriter(os.Stdout))
	}

	mon, err := monitor.Open(cfg.MonitorPath())
	if err != nil {
		st.Close()
		return nil, err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		mon.Close()
		st.Close()
		return nil, err
	}

	d := dispatch.New(registry, cfg.Dispatch,
		dispatch.WithStore(st),
		dispatch.WithBus(b),
		dispatch.WithLogger(logging.New("dispatch")),
	)

	if packName == "" {
		packName = cfg.Project.Pack
	}
	pk, err := pack.Load(packName, cfg.Project.PackDir)
	if err != nil {
		mon.Close()
		st.Close()
		return nil, err
	}

	rt := &runtime{
		cfg:        cfg,
		store:      st,
		mon:        mon,
		bus:        b,
		registry:   registry,
		dispatcher: d,
		pack:       pk,
		logger:     logging.New("pipeline"),
	}
	rt.monSub = mon.Attach(b)
	return rt, nil
}

// Close drains the dispatcher and releases every handle.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rt.dispatcher.Shutdown(ctx); err != nil {
		rt.logger.Warn("dispatcher shutdown", "err", err)
	}
	rt.bus.Off(rt.monSub)
	if err := rt.mon.Close(); err != nil {
		rt.logger.Warn("closing monitor", "err", err)
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing store", "err", err)
	}
}

// orchestrator builds the phase orchestrator with the built-in sequence,
// extended by any extra artifact gates the pack manifest declares.
func (rt *runtime) orchestrator() (*phase.Orchestrator, error) {
	orch := phase.New(rt.store,
		phase.WithBus(rt.bus),
		phase.WithLogger(logging.New("phase")),
		phase.WithMethodology(rt.pack.Name()),
	)
	packGates := rt.pack.Gates()
	for _, def := range phase.Builtin() {
		for _, artifactType := range packGates[def.Name] {
			def.ExitGates = append(def.ExitGates, phase.RequireArtifact(artifactType))
		}
		if err := orch.RegisterPhase(def); err != nil {
			return nil, err
		}
	}
	return orch, nil
}

// runnerDeps assembles the collaborators phase runners consume. contexter is
// nil for primary runs.
func (rt *runtime) runnerDeps(contexter runner.Contexter) runner.Deps {
	return runner.Deps{
		Store:      rt.store,
		Dispatcher: rt.dispatcher,
		Bus:        rt.bus,
		Pack:       rt.pack,
		Logger:     logging.New("runner"),
		Context:    contexter,
	}
}

// buildRegistry instantiates every configured agent. A bare config still gets
// the default claude agent so dispatches have somewhere to go.
func buildRegistry(cfg *config.Config) (*agent.Registry, error) {
	registry := agent.NewRegistry()
	logger := logging.New("agent")

	for name, ac := range cfg.Agents {
		spec := agent.Config{
			Command:      ac.Command,
			Model:        ac.Model,
			Args:         ac.Args,
			AllowedTools: ac.AllowedTools,
		}
		var a agent.Agent
		if name == "claude" {
			a = agent.NewClaudeAgent(spec, logger)
		} else {
			a = agent.NewCommandAgent(name, spec, logger)
		}
		if err := registry.Register(a); err != nil {
			return nil, fmt.Errorf("registering agent %q: %w", name, err)
		}
	}

	if !registry.Has(cfg.Dispatch.Agent) && cfg.Dispatch.Agent == "claude" {
		if err := registry.Register(agent.NewClaudeAgent(agent.Config{Model: cfg.Dispatch.Model}, logger)); err != nil {
			return nil, err
		}
	}
	if !registry.Has(cfg.Dispatch.Agent) {
		return nil, usagef("default agent %q has no [agents.%s] section", cfg.Dispatch.Agent, cfg.Dispatch.Agent)
	}
	return registry, nil
}
