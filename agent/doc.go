// Package agent implements the bounded agentic loop: an Agent sends the
// conversation to a model.Provider, executes the tool calls the model asks
// for through a tool.Registry, feeds the results back and repeats until the
// model answers without tool calls or the step budget is exhausted.
//
// Conversation state lives in a memory.Manager thread. Each Generate call
// recalls relevant history before the first model call and appends the full
// exchange (user turn, tool-call turns, tool results, final answer) when it
// returns.
//
//	a := agent.NewAgent("support", provider, func(o *agent.Options) {
//		o.Instructions = agent.NewInstructionFromText("You help {{.memory.user_info.name}}.")
//		o.Registry = registry
//		o.Tools = []string{"lookup_order"}
//		o.Memory = manager
//		o.ThreadID = "t-42"
//		o.ResourceID = "user-7"
//	})
//	resp, err := a.Generate(ctx, "where is my order?")
package agent
