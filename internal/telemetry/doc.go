// Package telemetry implements the SSE telemetry hub.
//
// The hub fans out command, constraint and pump status events to every
// subscriber, keeps a bounded replay buffer for reconnection with
// Last-Event-ID, and emits heartbeats while at least one client is attached.
package telemetry
