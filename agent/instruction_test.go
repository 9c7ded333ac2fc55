package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstruction(t *testing.T) {
	data := map[string]any{
		"agent":  map[string]any{"id": "a1", "name": "Helper"},
		"memory": map[string]any{"goals": []string{"ship"}},
		"input":  "hi",
	}

	tests := []struct {
		name string
		in   Instruction
		want string
	}{
		{"static", NewInstructionFromText("Be brief."), "Be brief."},
		{"template", NewInstructionFromText("I am {{.agent.name}}; user said {{.input}}"), "I am Helper; user said hi"},
		{"func", NewInstructionFromFunc(func(_ context.Context, d map[string]any) (string, error) {
			return "dynamic " + d["input"].(string), nil
		}), "dynamic hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Resolve(context.Background(), data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, NewInstructionFromText("x").IsStatic())
	assert.False(t, NewInstructionFromFunc(nil).IsStatic())
}

func TestInstruction_TemplateError(t *testing.T) {
	_, err := NewInstructionFromText("{{.broken").Resolve(context.Background(), nil)
	assert.Error(t, err)
}
