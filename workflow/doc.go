// Package workflow defines workflow documents and turns them into
// validated execution plans.
//
// A Definition is a list of steps. Each step is one of simple, conditional,
// parallel, loop, agent or tool. Step ids are identifiers, so every step can
// be referenced as steps.<id>. A loop step's condition is checked before
// every iteration. Dependencies come from depends_on and from
// every steps.<id> reference found in conditions, loop expressions, agent
// input templates and tool parameters. Compile rejects duplicate ids,
// cycles, loops without max_iterations and expressions that do not compile,
// and produces a Plan with a stable topological order.
//
// Expressions are jq (github.com/itchyny/gojq) evaluated against
//
//	{"input": {...}, "steps": {"<id>": {"output": ..., "state": "..."}}, "vars": {...}, "loop": {...}}
//
// Documents are read from YAML or JSON:
//
//	id: triage
//	steps:
//	  - id: classify
//	    agent: {agent: classifier, input: "{{.input.text}}"}
//	  - id: escalate
//	    condition: steps.classify.output.content == "urgent"
//	    tool: {tool: page_oncall, params: {summary: "=.input.text"}}
package workflow
