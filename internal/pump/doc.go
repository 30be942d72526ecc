// Package pump defines the southbound pump driver contract and the outcome record
// produced by every physical pump action.
//
// Drivers implement vendor-specific link protocols (Bluetooth, serial) behind the
// Driver interface. The command queue treats a driver as opaque and blocking: every
// call takes a context and returns only when the pump confirmed, rejected or timed
// out the request.
//
// Driver failures are normalized to a small set of codes (INVALID_RANGE, BUSY,
// UNAVAILABLE, TIMEOUT, INTERNAL) so callers never branch on vendor wording.
package pump
