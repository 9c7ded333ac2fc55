// Package engine executes workflow definitions.
//
// Execute compiles a workflow.Definition, validates the input against its
// input_schema and then runs the top-level steps in plan order. A step
// starts once every dependency is completed or skipped and a concurrency
// slot (Config.MaxConcurrency) is free. Step outputs land in a
// core.RunContext, where every key is written exactly once.
//
// When a required step fails, no further step starts. Steps already
// running drain, and Execute returns a *workflow.Error together with the
// partial Result. Failures of optional steps are recorded in Result.Steps,
// and their dependents are skipped.
//
// Lifecycle hooks (before/after workflow, before/after step, on_error) are
// registered on a CallbackManager. Runs are persisted to a runstore.Store
// when one is configured.
package engine
