// Package core provides the foundational value types shared by the agentflow
// runtime. It defines:
//
//   - Messages and roles exchanged with language models and stored in memory threads
//   - Tool calls, tool definitions and the ToolChoice policy
//   - WorkingMemory (facts, goals, user info, context) with merge semantics
//   - RunContext, the write-once per execution map of step outputs
//   - ToolContext, the scoped handle passed to tool implementations
//   - StepLimiter, a bounded step counter
//
// Higher level packages (tool, memory, agent, engine) depend on core; core
// imports none of them.
package core
