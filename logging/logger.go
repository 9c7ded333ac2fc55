// Package logging provides a tiny abstraction over slog so downstream code can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers AgentFlowLogger, a slog backed Logger with
// contextual cloning helpers (component, workflow, run) and domain specific
// helpers for tools, model calls, workflow runs and individual steps.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case insensitive level name into a LogLevel.
// Unknown names map to LogLevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger defines the minimal logging interface used across agentflow.
// Arguments after msg are slog style key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// AgentFlowLogger wraps slog.Logger adding contextual cloning helpers and
// domain convenience methods. With* methods return modified copies.
type AgentFlowLogger struct {
	logger     *slog.Logger
	level      LogLevel
	context    map[string]any
	component  string
	workflowID string
	runID      string
}

// LoggerConfig configures construction of an AgentFlowLogger.
type LoggerConfig struct {
	Level       LogLevel
	Format      string // json or text
	Output      io.Writer
	AddSource   bool
	Component   string
	CustomAttrs map[string]any
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout, CustomAttrs: map[string]any{}}
}

// NewLogger builds an AgentFlowLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *AgentFlowLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	l := &AgentFlowLogger{logger: slog.New(handler), level: cfg.Level, context: map[string]any{}, component: cfg.Component}
	for k, v := range cfg.CustomAttrs {
		l.context[k] = v
	}

	return l
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *AgentFlowLogger) clone() *AgentFlowLogger {
	nl := *l
	nl.context = make(map[string]any, len(l.context))
	for k, v := range l.context {
		nl.context[k] = v
	}
	return &nl
}

// WithContext adds a key/value attribute that will be attached to every log entry.
func (l *AgentFlowLogger) WithContext(key string, value any) *AgentFlowLogger {
	nl := l.clone()
	nl.context[key] = value
	return nl
}

// WithComponent sets the logical component (engine, agent, memory, etc.).
func (l *AgentFlowLogger) WithComponent(c string) *AgentFlowLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithRun attaches workflow and run identifiers.
func (l *AgentFlowLogger) WithRun(workflowID, runID string) *AgentFlowLogger {
	nl := l.clone()
	nl.workflowID = workflowID
	nl.runID = runID
	return nl
}

func (l *AgentFlowLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.context)+3)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.workflowID != "" {
		attrs = append(attrs, slog.String("workflow_id", l.workflowID))
	}
	if l.runID != "" {
		attrs = append(attrs, slog.String("run_id", l.runID))
	}
	for k, v := range l.context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

// argsToAttrs converts slog style key/value pairs. A dangling key is kept
// under "!BADKEY" the same way slog reports it.
func argsToAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2+1)
	for i := 0; i < len(args); {
		switch k := args[i].(type) {
		case slog.Attr:
			attrs = append(attrs, k)
			i++
		case string:
			if i+1 >= len(args) {
				attrs = append(attrs, slog.Any("!BADKEY", k))
				i++
				continue
			}
			attrs = append(attrs, slog.Any(k, args[i+1]))
			i += 2
		default:
			attrs = append(attrs, slog.Any("!BADKEY", k))
			i++
		}
	}
	return attrs
}

func (l *AgentFlowLogger) log(level slog.Level, minLevel LogLevel, msg string, args ...any) {
	if l.level > minLevel {
		return
	}
	attrs := append(l.buildAttrs(), argsToAttrs(args)...)
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Debug logs at debug level.
func (l *AgentFlowLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *AgentFlowLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *AgentFlowLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *AgentFlowLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, LogLevelError, msg, args...)
}

// ErrorWithStack logs an error plus a runtime stack snapshot.
func (l *AgentFlowLogger) ErrorWithStack(err error, msg string, args ...any) {
	if l.level > LogLevelError {
		return
	}
	attrs := append(l.buildAttrs(), argsToAttrs(args)...)
	attrs = append(attrs, slog.String("error", err.Error()), slog.String("error_type", fmt.Sprintf("%T", err)))
	stack := make([]byte, 4096)
	n := runtime.Stack(stack, false)
	attrs = append(attrs, slog.String("stack_trace", string(stack[:n])))
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func (l *AgentFlowLogger) outcome(attrs []slog.Attr, success bool, err error, okMsg, failMsg string) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	level, msg := slog.LevelInfo, okMsg
	if !success {
		level, msg = slog.LevelError, failMsg
	}
	if (level == slog.LevelInfo && l.level > LogLevelInfo) || l.level > LogLevelError {
		return
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogToolCall records execution details for a tool invocation.
func (l *AgentFlowLogger) LogToolCall(tool string, dur time.Duration, success bool, err error) {
	attrs := append(l.buildAttrs(), slog.String("tool_name", tool), slog.Duration("duration", dur), slog.Bool("success", success))
	l.outcome(attrs, success, err, "tool.execute.completed", "tool.execute.failed")
}

// LogLLMCall records model call latency, token usage and success.
func (l *AgentFlowLogger) LogLLMCall(model string, tokens int, dur time.Duration, success bool, err error) {
	attrs := append(l.buildAttrs(),
		slog.String("model", model),
		slog.Int("token_count", tokens),
		slog.Duration("duration", dur),
		slog.Bool("success", success),
	)
	l.outcome(attrs, success, err, "llm.call.completed", "llm.call.failed")
}

// LogWorkflowExecution records aggregate workflow run metrics.
func (l *AgentFlowLogger) LogWorkflowExecution(workflow string, steps int, dur time.Duration, success bool, err error) {
	attrs := append(l.buildAttrs(),
		slog.String("workflow", workflow),
		slog.Int("step_count", steps),
		slog.Duration("duration", dur),
		slog.Bool("success", success),
	)
	l.outcome(attrs, success, err, "workflow.execution.completed", "workflow.execution.failed")
}

// LogStep records the terminal state of a single workflow step.
func (l *AgentFlowLogger) LogStep(stepID, stepType, state string, dur time.Duration, err error) {
	attrs := append(l.buildAttrs(),
		slog.String("step_id", stepID),
		slog.String("step_type", stepType),
		slog.String("state", state),
		slog.Duration("duration", dur),
	)
	l.outcome(attrs, err == nil, err, "workflow.step.finished", "workflow.step.failed")
}

// StartTimer returns a closure that logs the elapsed duration when invoked.
func (l *AgentFlowLogger) StartTimer(op string) func() {
	start := time.Now()
	return func() { l.Info("operation.completed", "operation", op, "duration", time.Since(start)) }
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// NewSlogLogger creates a new AgentFlowLogger with the specified configuration.
func NewSlogLogger(level LogLevel, format string, addSource bool) *AgentFlowLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	if format != "" {
		cfg.Format = format
	}
	cfg.AddSource = addSource
	return NewLogger(cfg)
}
