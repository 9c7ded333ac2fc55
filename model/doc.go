// Package model defines the provider-agnostic contract for interacting with
// language models inside agentflow.
//
// Core goals:
//   - One Provider interface covering plain generation, function calling,
//     streaming and embeddings
//   - Tool calls and tool definitions expressed with core types so agents stay
//     decoupled from vendor SDKs
//   - Lightweight scripted mocking for tests (MockProvider)
//
// Vendor adapters live in sub packages (openai, anthropic, gemini).
package model
