// Package relay owns the broker between notifiers and observers.
//
// Ownership boundary:
// - the observer and notifier listeners
// - the subject table of pending registrations
// - match-and-forward routing
//
// A registration is one observer connection awaiting exactly one frame. A
// publish takes every registration pending under its subject at that
// instant, forwards the frame to each, and closes them. Registrations that
// arrive after the take wait for the next publish.
//
// Lifecycle of one registration:
// - registered -> sent | send-failed | connection-closed
//
// Connection handling runs on a bounded worker group; held observer
// connections are capped separately by Config.MaxPending.
package relay
