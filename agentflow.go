// Package agentflow wires the workflow engine, the tool registry, the
// agentic loop and thread memory into one runtime. Most applications:
//  1. create an AgentFlow with New (or FromConfig)
//  2. register tools, executors and agents
//  3. execute workflow definitions or call agents directly
//
// Every component keeps its own package (engine, tool, agent, memory) and
// can be used standalone; this package only saves the wiring.
package agentflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/config"
	"github.com/hupe1980/agentflow/engine"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/runstore"
	"github.com/hupe1980/agentflow/tool"
	"github.com/hupe1980/agentflow/tool/mcptool"
	"github.com/hupe1980/agentflow/workflow"
)

// Options configures an AgentFlow. Unset components get in-memory
// defaults.
type Options struct {
	EngineConfig engine.Config

	Registry *tool.Registry
	Memory   *memory.Manager
	RunStore runstore.Store

	Logger logging.Logger
}

// AgentFlow is the façade over engine, registry and memory.
type AgentFlow struct {
	opts     Options
	registry *tool.Registry
	memory   *memory.Manager
	engine   *engine.Engine
	provider model.Provider

	mu     sync.RWMutex
	agents map[string]*agent.Agent

	closers []io.Closer
}

// New creates an AgentFlow.
func New(optFns ...func(o *Options)) *AgentFlow {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry(func(o *tool.RegistryOptions) { o.Logger = opts.Logger })
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewManager(memory.NewInMemoryStorage(), func(o *memory.Options) { o.Logger = opts.Logger })
	}

	eng := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Registry = opts.Registry
		o.RunStore = opts.RunStore
		o.Logger = opts.Logger
	})

	return &AgentFlow{
		opts:     opts,
		registry: opts.Registry,
		memory:   opts.Memory,
		engine:   eng,
		agents:   make(map[string]*agent.Agent),
	}
}

// FromConfig builds an AgentFlow from a runtime configuration: logger,
// memory storage, run store, model provider, MCP tools and the declared
// agents. Close releases everything it opened.
func FromConfig(ctx context.Context, cfg *config.Config, logOut io.Writer) (*AgentFlow, error) {
	logger := cfg.NewLogger(logOut)

	provider, err := cfg.NewProvider(ctx)
	if err != nil {
		return nil, err
	}

	var closers []io.Closer
	fail := func(err error) (*AgentFlow, error) {
		closeAll(closers)
		return nil, err
	}

	storage, err := cfg.OpenMemoryStorage(logger)
	if err != nil {
		return fail(fmt.Errorf("open memory storage: %w", err))
	}
	closers = append(closers, storage)

	store, err := cfg.OpenRunStore(ctx)
	if err != nil {
		return fail(fmt.Errorf("open run store: %w", err))
	}
	if store != nil {
		closers = append(closers, store)
	}

	registry := tool.NewRegistry(func(o *tool.RegistryOptions) { o.Logger = logger })
	for _, srv := range cfg.MCPServers {
		client, err := mcptool.ConnectStdio(ctx, srv.Command, srv.Args, srv.Env...)
		if err != nil {
			return fail(fmt.Errorf("mcp server %s: %w", srv.Name, err))
		}
		closers = append(closers, client)

		prefix := srv.Prefix
		if prefix == "" {
			prefix = srv.Name
		}
		tools, err := mcptool.Load(ctx, client, func(o *mcptool.Options) {
			o.Prefix = prefix
			o.Category = srv.Name
		})
		if err != nil {
			return fail(fmt.Errorf("mcp server %s: %w", srv.Name, err))
		}
		if err := registry.Register(tools...); err != nil {
			return fail(err)
		}
		logger.Info("agentflow.mcp.loaded", "server", srv.Name, "tools", len(tools))
	}

	f := New(func(o *Options) {
		o.EngineConfig = cfg.EngineConfig()
		o.Registry = registry
		o.Memory = cfg.NewMemoryManager(storage, provider, logger)
		o.RunStore = store
		o.Logger = logger
	})
	f.closers = closers
	f.provider = provider

	for _, ac := range cfg.Agents {
		f.NewAgent(ac.Name, provider, func(o *agent.Options) {
			if ac.Instructions != "" {
				o.Instructions = agent.NewInstructionFromText(ac.Instructions)
			}
			o.Tools = ac.Tools
			o.MaxSteps = ac.MaxSteps
		})
	}

	return f, nil
}

// Registry returns the tool registry.
func (f *AgentFlow) Registry() *tool.Registry { return f.registry }

// Memory returns the memory manager.
func (f *AgentFlow) Memory() *memory.Manager { return f.memory }

// Engine returns the workflow engine.
func (f *AgentFlow) Engine() *engine.Engine { return f.engine }

// Provider returns the model provider built by FromConfig (nil for New).
func (f *AgentFlow) Provider() model.Provider { return f.provider }

// RunStore returns the run store (may be nil).
func (f *AgentFlow) RunStore() runstore.Store { return f.opts.RunStore }

// RegisterTool adds tools to the registry. It fails once a workflow or
// agent has executed a tool.
func (f *AgentFlow) RegisterTool(tools ...tool.Tool) error {
	return f.registry.Register(tools...)
}

// RegisterExecutor makes fn available to steps with Run == name.
func (f *AgentFlow) RegisterExecutor(name string, fn workflow.StepFunc) {
	f.engine.RegisterExecutor(name, fn)
}

// NewAgent creates an agent bound to the shared registry, memory and
// logger and registers it for agent steps under id.
func (f *AgentFlow) NewAgent(id string, provider model.Provider, optFns ...func(o *agent.Options)) *agent.Agent {
	fns := append([]func(o *agent.Options){func(o *agent.Options) {
		o.Registry = f.registry
		o.Memory = f.memory
		o.Logger = f.opts.Logger
	}}, optFns...)

	a := agent.NewAgent(id, provider, fns...)

	f.mu.Lock()
	f.agents[id] = a
	f.mu.Unlock()

	f.engine.RegisterAgent(id, a)
	return a
}

// Agent returns a registered agent.
func (f *AgentFlow) Agent(id string) (*agent.Agent, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.agents[id]
	return a, ok
}

// Generate runs a registered agent once.
func (f *AgentFlow) Generate(ctx context.Context, agentID, input string, optFns ...func(o *agent.RunOptions)) (*agent.Response, error) {
	a, ok := f.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("agent %q is not registered", agentID)
	}
	return a.Generate(ctx, input, optFns...)
}

// Execute runs a workflow definition.
func (f *AgentFlow) Execute(ctx context.Context, def *workflow.Definition, input map[string]any, optFns ...func(c *engine.Config)) (*engine.Result, error) {
	return f.engine.Execute(ctx, def, input, optFns...)
}

// ExecuteFile loads a YAML or JSON workflow document and runs it.
func (f *AgentFlow) ExecuteFile(ctx context.Context, path string, input map[string]any, optFns ...func(c *engine.Config)) (*engine.Result, error) {
	def, err := workflow.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return f.engine.Execute(ctx, def, input, optFns...)
}

// Close releases the resources opened by FromConfig.
func (f *AgentFlow) Close() error {
	return closeAll(f.closers)
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
