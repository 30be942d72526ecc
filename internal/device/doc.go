// Package device implements the pump manager.
//
// The manager keeps an inventory of registered pump drivers with their
// hardware description and last known status, tracks the active pump, and
// routes driver calls from the command queue to it.
package device
