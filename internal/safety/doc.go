// Package safety provides the constraint contributors that guard every dose:
// the pump's hardware envelope, the user's configured maxima, age-group hard
// limits and the basal multipliers of the active profile.
//
// Register wires them into a resolver in that order.
package safety
