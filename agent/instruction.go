package agent

import (
	"context"

	"github.com/hupe1980/agentflow/internal/util"
)

// InstructionProvider supplies instruction text at runtime.
type InstructionProvider interface {
	Instruction(ctx context.Context, data map[string]any) (string, error)
}

// InstructionFunc adapts an ordinary function to InstructionProvider.
type InstructionFunc func(ctx context.Context, data map[string]any) (string, error)

// Instruction implements InstructionProvider.
func (f InstructionFunc) Instruction(ctx context.Context, data map[string]any) (string, error) {
	return f(ctx, data)
}

// Instruction is either a text/template string or a dynamic provider.
//
// Templates see:
//
//	.agent   {id, name}
//	.memory  {facts, goals, user_info, context}
//	.input   the current user input
type Instruction struct {
	text     string
	provider InstructionProvider
}

// NewInstructionFromText creates an Instruction from a template string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p InstructionProvider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(ctx context.Context, data map[string]any) (string, error)) Instruction {
	return Instruction{provider: InstructionFunc(f)}
}

// IsStatic returns true if the instruction is backed by a template string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text, rendering the template or invoking
// the provider.
func (i Instruction) Resolve(ctx context.Context, data map[string]any) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(ctx, data)
	}
	return util.RenderTemplate(i.text, data)
}
