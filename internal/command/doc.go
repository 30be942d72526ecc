// Package command implements the dosing orchestrator.
//
// The orchestrator validates requests, narrows doses and rates through the
// constraint resolver, builds queue commands, enqueues them and hands back a
// Submission whose result resolves once the pump answered. Every request and
// every result is written to the audit sink and published to telemetry.
package command
