// Package logging provides a minimal logging interface and adapters for agentflow.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, agents, tools and the memory manager use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - AgentFlowLogger with run scoped attributes and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(func(o *engine.Options) { o.Logger = logger })
//
// Message keys are dotted event names ("tool.execute.start",
// "engine.step.failed") followed by slog style key/value pairs.
package logging
