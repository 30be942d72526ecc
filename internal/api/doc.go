// Package api serves the versioned JSON control surface of the pump
// controller: pump inventory, dosing commands, queue control, constraint
// inspection, treatment history and the SSE telemetry stream. Every
// response uses the {result, data, code, message, correlationId} envelope.
package api
