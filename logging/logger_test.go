package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Interface compliance (compile-time assertions)
var (
	_ Logger = (*AgentFlowLogger)(nil)
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = NoOpLogger{}
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestAgentFlowLogger_KeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf}).
		WithComponent("engine").
		WithRun("wf-1", "run-1")

	l.Info("engine.step.start", "step_id", "s1", "attempt", 1)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "engine.step.start", lines[0]["msg"])
	assert.Equal(t, "engine", lines[0]["component"])
	assert.Equal(t, "wf-1", lines[0]["workflow_id"])
	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "s1", lines[0]["step_id"])
	assert.EqualValues(t, 1, lines[0]["attempt"])
}

func TestAgentFlowLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "json", Output: &buf})

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept")

	lines := decodeLines(t, &buf)
	assert.Len(t, lines, 2)
}

func TestAgentFlowLogger_WithContextIsolation(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})
	child := base.WithContext("agent_id", "a1")

	base.Info("base")
	child.Info("child")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "agent_id")
	assert.Equal(t, "a1", lines[1]["agent_id"])
}

func TestAgentFlowLogger_DomainHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})

	l.LogToolCall("calculator", time.Millisecond, true, nil)
	l.LogStep("s1", "tool", "failed", time.Millisecond, errors.New("boom"))
	l.LogWorkflowExecution("wf", 3, time.Second, true, nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "tool.execute.completed", lines[0]["msg"])
	assert.Equal(t, "calculator", lines[0]["tool_name"])
	assert.Equal(t, "workflow.step.failed", lines[1]["msg"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
	assert.Equal(t, "workflow.execution.completed", lines[2]["msg"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"INFO", LogLevelInfo},
		{"warning", LogLevelWarn},
		{" error ", LogLevelError},
		{"bogus", LogLevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}
