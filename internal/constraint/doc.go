// Package constraint narrows proposed doses and rates through an ordered chain of
// safety contributors.
//
// A Constraint starts at a requested value and can only become more restrictive:
// a Maximum constraint only moves down, a Minimum constraint only moves up. Every
// accepted proposal is recorded with the contributor that made it and a reason, so
// the final value always comes with an audit trail.
//
// Contributors register with a Resolver for the quantity kinds they care about.
// Resolve runs them in registration order; a contributor that panics or returns an
// error is reported to the diagnostics sink and skipped, and whatever it narrowed
// before failing is kept.
package constraint
