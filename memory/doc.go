// Package memory implements thread-based conversational memory.
//
// A Thread is owned by exactly one resource (user, tenant, ...) and holds an
// append-only message log plus a structured core.WorkingMemory. The Manager
// layers the recall policy on top of a pluggable Storage backend:
//
//   - the last k_recent messages in chronological order
//   - plus, when a VectorStore and an Embedder are configured, the top
//     k_semantic messages most similar to the query
//
// Results are deduplicated by message id and returned in thread order.
// Without a VectorStore recall degrades to the recent window and never
// errors.
//
// Backends: InMemoryStorage (process local) and BadgerStorage (embedded
// key/value store). VectorStore implementations live in memory/vecstore or
// can be provided by the caller.
package memory
