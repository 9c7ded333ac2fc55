package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/agentflow/internal/util"
)

// Plan is a validated, compiled Definition.
type Plan struct {
	Definition *Definition

	// Order lists top-level step ids topologically, ties broken by
	// declaration order.
	Order []string

	deps  map[string][]string // top-level id -> top-level dependencies
	steps map[string]*Step    // every step id, nested included
	top   map[string]string   // step id -> top-level ancestor id
	exprs map[string]*Expr
	paths map[string]*Expr
	// output mapping alias -> step id writing it
	aliases map[string]string
}

// Validate checks def without keeping the plan.
func Validate(def *Definition) error {
	_, err := Compile(def)
	return err
}

// Compile validates def and builds its execution plan.
//
// It rejects duplicate ids and output aliases, ids that are not
// identifiers, loops without max_iterations, missing payloads, unknown
// references, expressions or templates that do not compile, and dependency
// cycles.
func Compile(def *Definition) (*Plan, error) {
	if def == nil {
		return nil, &Error{Code: CodeInvalidDefinition, Message: "definition is nil"}
	}
	if def.ID == "" {
		return nil, invalid("", "", "workflow id is required")
	}
	if len(def.Steps) == 0 {
		return nil, invalid(def.ID, "", "workflow has no steps")
	}
	if def.Timeout < 0 {
		return nil, invalid(def.ID, "", "timeout must not be negative")
	}
	if def.InputSchema != nil {
		if _, err := util.CompileSchema(def.InputSchema); err != nil {
			return nil, &Error{Code: CodeInvalidDefinition, WorkflowID: def.ID, Message: "invalid input_schema", Cause: err}
		}
	}

	p := &Plan{
		Definition: def,
		deps:       make(map[string][]string, len(def.Steps)),
		steps:      make(map[string]*Step),
		top:        make(map[string]string),
		exprs:      make(map[string]*Expr),
		paths:      make(map[string]*Expr),
		aliases:    make(map[string]string),
	}

	// ids and structure
	for i := range def.Steps {
		root := &def.Steps[i]
		var err error
		root.Walk(func(s *Step) bool {
			if s.ID == "" {
				err = invalid(def.ID, "", "step id is required (child of %q)", root.ID)
				return false
			}
			if !isIdent(s.ID) {
				err = invalid(def.ID, s.ID, "step id %q must start with a letter or underscore and contain only letters, digits and underscores", s.ID)
				return false
			}
			if _, dup := p.steps[s.ID]; dup {
				err = &Error{Code: CodeDuplicateStepID, WorkflowID: def.ID, StepID: s.ID}
				return false
			}
			p.steps[s.ID] = s
			p.top[s.ID] = root.ID
			if err = p.checkStep(s); err != nil {
				return false
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	// dependencies
	for i := range def.Steps {
		root := &def.Steps[i]
		if err := p.collectDeps(root); err != nil {
			return nil, err
		}
	}

	if err := p.order(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Plan) checkStep(s *Step) error {
	wf := p.Definition.ID
	kind := s.Kind()
	if !kind.Valid() {
		return invalid(wf, s.ID, "unknown step type %q", s.Type)
	}
	if s.Timeout < 0 {
		return invalid(wf, s.ID, "timeout must not be negative")
	}
	if r := s.Retry; r != nil && (r.MaxAttempts < 0 || r.BackoffMultiplier < 0 || r.InitialBackoff < 0 || r.MaxBackoff < 0) {
		return invalid(wf, s.ID, "retry policy values must not be negative")
	}

	switch kind {
	case StepSimple, StepConditional:
		if s.Run == "" && s.Func == nil {
			return invalid(wf, s.ID, "%s step needs run or func", kind)
		}
		if kind == StepConditional && s.Condition == "" {
			return invalid(wf, s.ID, "conditional step needs a condition")
		}
	case StepParallel:
		if s.Parallel == nil || len(s.Parallel.Steps) == 0 {
			return invalid(wf, s.ID, "parallel step needs child steps")
		}
		if s.Parallel.Concurrency < 0 {
			return invalid(wf, s.ID, "parallel concurrency must not be negative")
		}
	case StepLoop:
		if s.Loop == nil || s.Loop.Body == nil {
			return invalid(wf, s.ID, "loop step needs a body")
		}
		if s.Loop.MaxIterations <= 0 {
			return &Error{Code: CodeMissingMaxIterations, WorkflowID: wf, StepID: s.ID}
		}
		for _, src := range []string{s.Loop.While, s.Loop.Until, s.Loop.ForEach} {
			if err := p.compileExpr(s.ID, src); err != nil {
				return err
			}
		}
	case StepAgent:
		if s.Agent == nil || s.Agent.Agent == "" {
			return invalid(wf, s.ID, "agent step needs an agent name")
		}
		if s.Agent.MaxSteps < 0 {
			return invalid(wf, s.ID, "agent max_steps must not be negative")
		}
		for _, tpl := range []string{s.Agent.Input, s.Agent.ThreadID, s.Agent.ResourceID} {
			if err := util.CheckTemplate(tpl); err != nil {
				return &Error{Code: CodeInvalidDefinition, WorkflowID: wf, StepID: s.ID, Message: "invalid template", Cause: err}
			}
		}
	case StepTool:
		if s.Tool == nil || s.Tool.Tool == "" {
			return invalid(wf, s.ID, "tool step needs a tool name")
		}
		var err error
		walkStrings(s.Tool.Params, func(v string) {
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(v, "="):
				err = p.compileExpr(s.ID, strings.TrimPrefix(v, "="))
			case strings.Contains(v, "{{"):
				if terr := util.CheckTemplate(v); terr != nil {
					err = &Error{Code: CodeInvalidDefinition, WorkflowID: wf, StepID: s.ID, Message: "invalid template", Cause: terr}
				}
			}
		})
		if err != nil {
			return err
		}
	}

	if err := p.compileExpr(s.ID, s.Condition); err != nil {
		return err
	}

	for _, m := range s.OutputMappings {
		if m.Alias == "" {
			return invalid(wf, s.ID, "output mapping %q needs an alias", m.Path)
		}
		if owner, dup := p.aliases[m.Alias]; dup {
			return invalid(wf, s.ID, "output alias %q is already written by step %q", m.Alias, owner)
		}
		p.aliases[m.Alias] = s.ID
		if _, ok := p.paths[m.Path]; ok {
			continue
		}
		e, err := OutputPath(m.Path)
		if err != nil {
			return &Error{Code: CodeInvalidDefinition, WorkflowID: wf, StepID: s.ID, Message: "invalid output path", Cause: err}
		}
		p.paths[m.Path] = e
	}
	return nil
}

func (p *Plan) compileExpr(stepID, src string) error {
	if src == "" {
		return nil
	}
	if _, ok := p.exprs[src]; ok {
		return nil
	}
	e, err := CompileExpr(src)
	if err != nil {
		return &Error{Code: CodeInvalidDefinition, WorkflowID: p.Definition.ID, StepID: stepID, Message: "invalid expression", Cause: err}
	}
	p.exprs[src] = e
	return nil
}

// stepRefs lists the step ids referenced by s itself (not its children).
func stepRefs(s *Step) []string {
	var refs []string
	add := func(text string) { refs = append(refs, References(text)...) }

	add(s.Condition)
	if s.Loop != nil {
		add(s.Loop.While)
		add(s.Loop.Until)
		add(s.Loop.ForEach)
	}
	if s.Agent != nil {
		add(s.Agent.Input)
		add(s.Agent.ThreadID)
		add(s.Agent.ResourceID)
	}
	if s.Tool != nil {
		walkStrings(s.Tool.Params, func(v string) {
			if strings.HasPrefix(v, "=") || strings.Contains(v, "{{") {
				add(v)
			}
		})
	}
	return refs
}

func (p *Plan) collectDeps(root *Step) error {
	wf := p.Definition.ID
	own := map[string]struct{}{}
	root.Walk(func(s *Step) bool {
		own[s.ID] = struct{}{}
		return true
	})

	seen := map[string]struct{}{}
	var deps []string
	var err error

	root.Walk(func(s *Step) bool {
		check := func(ref string, explicit bool) bool {
			if _, ok := p.steps[ref]; !ok {
				err = invalid(wf, s.ID, "reference to unknown step %q", ref)
				return false
			}
			if _, ok := own[ref]; ok {
				what := "references"
				if explicit {
					what = "depends on"
				}
				err = invalid(wf, s.ID, "step %s %q inside its own subtree", what, ref)
				return false
			}
			dep := p.top[ref]
			if _, dup := seen[dep]; !dup {
				seen[dep] = struct{}{}
				deps = append(deps, dep)
			}
			return true
		}
		for _, ref := range s.DependsOn {
			if !check(ref, true) {
				return false
			}
		}
		for _, ref := range stepRefs(s) {
			if !check(ref, false) {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	p.deps[root.ID] = deps
	return nil
}

// order computes a stable topological order (Kahn, smallest declaration
// index first) and reports a cycle when one exists.
func (p *Plan) order() error {
	steps := p.Definition.Steps
	index := make(map[string]int, len(steps))
	for i := range steps {
		index[steps[i].ID] = i
	}

	indeg := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for i := range steps {
		id := steps[i].ID
		indeg[id] = len(p.deps[id])
		for _, d := range p.deps[id] {
			dependents[d] = append(dependents[d], id)
		}
	}

	var ready []string
	for i := range steps {
		if indeg[steps[i].ID] == 0 {
			ready = append(ready, steps[i].ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return index[ready[a]] < index[ready[b]] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(steps) {
		return &Error{Code: CodeCycleDetected, WorkflowID: p.Definition.ID, Cycle: p.findCycle()}
	}
	p.Order = order
	return nil
}

func (p *Plan) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, d := range p.deps[id] {
			switch color[d] {
			case grey:
				for i, s := range stack {
					if s == d {
						cycle = append(append([]string(nil), stack[i:]...), d)
						return true
					}
				}
			case white:
				if visit(d) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for i := range p.Definition.Steps {
		id := p.Definition.Steps[i].ID
		if color[id] == white && visit(id) {
			break
		}
	}
	return cycle
}

// Step returns any step (nested included) by id.
func (p *Plan) Step(id string) (*Step, bool) {
	s, ok := p.steps[id]
	return s, ok
}

// Dependencies returns the top-level dependencies of a top-level step.
func (p *Plan) Dependencies(id string) []string {
	return append([]string(nil), p.deps[id]...)
}

// TopLevel returns the top-level ancestor of a step.
func (p *Plan) TopLevel(id string) string { return p.top[id] }

// Expr returns the compiled form of an expression, compiling on a miss.
func (p *Plan) Expr(src string) (*Expr, error) {
	if e, ok := p.exprs[src]; ok {
		return e, nil
	}
	return CompileExpr(src)
}

// Path returns the compiled form of an output mapping path.
func (p *Plan) Path(path string) (*Expr, error) {
	if e, ok := p.paths[path]; ok {
		return e, nil
	}
	return OutputPath(path)
}

// Describe renders a one-line summary per top-level step in plan order.
func (p *Plan) Describe() string {
	var b strings.Builder
	for i, id := range p.Order {
		s := p.steps[id]
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, id, s.Kind())
		if deps := p.deps[id]; len(deps) > 0 {
			fmt.Fprintf(&b, " <- %s", strings.Join(deps, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkStrings(t[k], fn)
		}
	case []any:
		for _, e := range t {
			walkStrings(e, fn)
		}
	}
}
