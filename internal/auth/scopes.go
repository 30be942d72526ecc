package auth

import (
	"fmt"
	"slices"
)

// Scopes name the pump actions a token may perform.
const (
	ScopeRead      = "pump:read"
	ScopeTelemetry = "pump:telemetry"
	ScopeBasal     = "pump:basal"
	ScopeSMB       = "pump:smb"
	ScopeBolus     = "pump:bolus"
	ScopeAdmin     = "pump:admin"
)

// Roles.
const (
	RoleViewer   = "viewer"
	RoleLoop     = "loop"
	RoleOperator = "operator"
)

// roleScopes is the most a role may be granted. A loop client adjusts basal
// and delivers SMBs; manual boluses and pump administration need an operator.
var roleScopes = map[string][]string{
	RoleViewer:   {ScopeRead, ScopeTelemetry},
	RoleLoop:     {ScopeRead, ScopeTelemetry, ScopeBasal, ScopeSMB},
	RoleOperator: {ScopeRead, ScopeTelemetry, ScopeBasal, ScopeSMB, ScopeBolus, ScopeAdmin},
}

var allScopes = []string{ScopeRead, ScopeTelemetry, ScopeBasal, ScopeSMB, ScopeBolus, ScopeAdmin}

// Roles returns the known role names.
func Roles() []string {
	return []string{RoleViewer, RoleLoop, RoleOperator}
}

// RoleScopes returns the scopes role grants.
func RoleScopes(role string) ([]string, bool) {
	scopes, ok := roleScopes[role]
	return slices.Clone(scopes), ok
}

// grant returns the scopes a token holds. Roles set the ceiling; a token that
// lists scopes only receives those, and only if a role allows them.
func grant(roles, requested []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: no role", ErrInvalidToken)
	}
	var ceiling []string
	for _, role := range roles {
		scopes, ok := roleScopes[role]
		if !ok {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
		}
		ceiling = append(ceiling, scopes...)
	}
	if len(requested) == 0 {
		return ordered(ceiling), nil
	}

	var out []string
	for _, scope := range requested {
		if !slices.Contains(allScopes, scope) {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidToken, scope)
		}
		if !slices.Contains(ceiling, scope) {
			return nil, fmt.Errorf("%w: scope %q exceeds roles %v", ErrInvalidToken, scope, roles)
		}
		out = append(out, scope)
	}
	return ordered(out), nil
}

// ordered dedups scopes into their canonical order.
func ordered(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range allScopes {
		if slices.Contains(scopes, s) {
			out = append(out, s)
		}
	}
	return out
}
