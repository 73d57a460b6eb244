// Package session owns connection-level defaults shared by the relay and its
// clients.
//
// Ownership boundary:
// - dial/read/write deadlines
// - retry/backoff primitives
//
// Framing lives in package frame; session never inspects payload bytes.
package session
