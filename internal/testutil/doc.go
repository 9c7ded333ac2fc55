// Package testutil contains helper builders used across tests to reduce
// boilerplate when seeding conversation threads and assembling workflow
// definitions. They are not intended for production usage.
package testutil
