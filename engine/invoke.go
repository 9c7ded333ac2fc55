package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/tool"
	"github.com/hupe1980/agentflow/workflow"
)

// runAgent renders the agent input and runs the agent. Running out of steps
// is recoverable: the partial answer becomes the output and a warning is
// recorded.
func (r *run) runAgent(ctx context.Context, s *workflow.Step, data map[string]any) (any, error) {
	spec := s.Agent
	a := r.agents[spec.Agent]

	input, err := r.agentInput(spec, data)
	if err != nil {
		return nil, err
	}
	threadID, err := util.RenderTemplate(spec.ThreadID, data)
	if err != nil {
		return nil, fmt.Errorf("thread_id: %w", err)
	}
	resourceID, err := util.RenderTemplate(spec.ResourceID, data)
	if err != nil {
		return nil, fmt.Errorf("resource_id: %w", err)
	}

	resp, err := a.Generate(ctx, input, func(o *agent.RunOptions) {
		o.RunID = r.rc.RunID
		if threadID != "" {
			o.ThreadID = threadID
		}
		if resourceID != "" {
			o.ResourceID = resourceID
		}
		if spec.MaxSteps > 0 {
			o.MaxSteps = spec.MaxSteps
		}
	})
	if err != nil {
		if errors.Is(err, agent.ErrMaxStepsExceeded) && resp != nil {
			r.rc.AddWarning(core.Warning{StepID: s.ID, Code: string(agent.CodeMaxStepsExceeded), Message: err.Error()})
			r.rc.LogWarn("engine.agent.max_steps", "step_id", s.ID, "agent", spec.Agent, "steps", resp.Steps)
			return resp.Output(), nil
		}
		return nil, err
	}
	return resp.Output(), nil
}

func (r *run) agentInput(spec *workflow.AgentSpec, data map[string]any) (string, error) {
	if spec.Input == "" {
		b, err := json.Marshal(r.rc.Input())
		if err != nil {
			return "", fmt.Errorf("encode agent input: %w", err)
		}
		return string(b), nil
	}
	input, err := util.RenderTemplate(spec.Input, data)
	if err != nil {
		return "", fmt.Errorf("agent input: %w", err)
	}
	return input, nil
}

// runTool resolves the params and invokes the tool through the registry.
func (r *run) runTool(ctx context.Context, s *workflow.Step, data map[string]any) (any, error) {
	params, err := r.resolveParams(ctx, s.Tool.Params, data)
	if err != nil {
		return nil, err
	}
	return r.e.registry.Execute(ctx, s.Tool.Tool, params, func(o *tool.ExecuteOptions) {
		o.CallID = s.ID
		o.RunID = r.rc.RunID
	})
}

func (r *run) resolveParams(ctx context.Context, params map[string]any, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := r.resolveValue(ctx, v, data)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// resolveValue: "=expr" is a jq expression, a string containing "{{" is a
// template, anything else is taken literally.
func (r *run) resolveValue(ctx context.Context, v any, data map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		switch {
		case strings.HasPrefix(t, "="):
			return r.eval(ctx, strings.TrimPrefix(t, "="), data)
		case strings.Contains(t, "{{"):
			return util.RenderTemplate(t, data)
		}
		return t, nil
	case map[string]any:
		return r.resolveParams(ctx, t, data)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			resolved, err := r.resolveValue(ctx, e, data)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	}
	return v, nil
}
