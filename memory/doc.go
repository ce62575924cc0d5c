// Package memory owns pooled byte allocation for channel payloads.
//
// A Pool is a named byte budget; allocations come back as refcounted
// Blocks that return their bytes to the budget on the last release.
// Ownership boundary: byte accounting and block lifetime live here;
// message queueing lives in package channels and conversation framing
// in package fli.
package memory
