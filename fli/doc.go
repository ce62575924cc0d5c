// Package fli layers file-like streaming conversations over channels.
//
// A descriptor (FLI) names up to two coordination channels: a main
// channel where conversations are announced and a manager channel
// holding lendable stream channels. A sender opens a handle, writes a
// sequence of messages, and closes; the close transmits an
// end-of-transmission marker the receiver observes as the end of the
// stream. One sender and one receiver converse over a stream channel
// at a time, so writes never interleave between conversations.
//
// Handles resolve their stream channel four ways: an explicit channel
// supplied by the caller, the main channel used directly, the main
// channel in buffered (coalescing) mode, or a stream borrowed from the
// manager and returned when the conversation ends. Every blocking
// operation takes the optional-timeout convention: nil blocks
// indefinitely, zero attempts once, negative is rejected up front.
//
// Ownership boundary: conversation framing, handle state, and the
// error taxonomy live here; queue discipline lives in package channels
// and byte budgets in package memory.
package fli
