// Package auth implements bearer token authentication for the control API.
//
// Tokens are JWTs signed with HS256 (shared secret) or RS256 (PEM public key)
// and must carry an expiry. Each pump action needs its own scope:
// pump:read, pump:telemetry, pump:basal, pump:smb, pump:bolus and pump:admin.
// The token's roles cap what it may hold. Viewers only read. Loop clients
// also set temp basals and deliver SMBs. Operators may do everything,
// including manual boluses and pump administration.
package auth
