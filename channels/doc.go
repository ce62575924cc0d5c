// Package channels provides bounded message queues with timed
// blocking semantics.
//
// A Channel carries Messages between any number of concurrent senders
// and receivers, in order, up to a fixed capacity. Every blocking
// operation takes an optional timeout: nil blocks indefinitely, zero
// makes a single attempt, and a negative value is rejected before any
// wait. Channels can be terminated to refuse further sends, reset for
// reuse, serialized to an opaque identity blob, and re-attached from
// that blob anywhere in the process.
//
// Ownership boundary: queue discipline, termination, and identity live
// here; conversation framing and the end-of-transmission protocol live
// in package fli, and byte budgets in package memory.
package channels
