// Package audit implements the append-only audit trail of the pump control core.
//
// Every enacted or rejected pump command, every constraint contributor failure and
// every control API action is written as one JSON line with user, pump, parameters,
// outcome and timestamp. The file is rotated by size.
//
// Sink is the diagnostics port used by the resolver and the command queue; it is
// fire-and-forget and never blocks dosing on disk errors.
package audit
