package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pump-control/pcc/internal/audit"
)

// staticVerifier maps tokens to claims.
type staticVerifier map[string]*Claims

func (s staticVerifier) VerifyToken(token string) (*Claims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("token verification failed")
}

func claimsForRole(subject, role string) *Claims {
	scopes, _ := RoleScopes(role)
	return &Claims{Subject: subject, Roles: []string{role}, Scopes: scopes}
}

func testVerifier() staticVerifier {
	return staticVerifier{
		"viewer-token":   claimsForRole("user-123", RoleViewer),
		"loop-token":     claimsForRole("loop-7", RoleLoop),
		"operator-token": claimsForRole("nurse-456", RoleOperator),
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		wantErr    bool
		wantToken  string
	}{
		{name: "valid bearer token", authHeader: "Bearer test-token", wantToken: "test-token"},
		{name: "missing authorization header", wantErr: true},
		{name: "basic scheme", authHeader: "Basic test-token", wantErr: true},
		{name: "no space", authHeader: "Bearertest-token", wantErr: true},
		{name: "empty token", authHeader: "Bearer  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			token, err := bearerToken(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, token)
		})
	}
}

func TestRequireGatesPumpActions(t *testing.T) {
	mem := &audit.Memory{}
	m := NewMiddleware(testVerifier(), mem, zaptest.NewLogger(t))
	assert.True(t, m.Enabled())

	tests := []struct {
		name       string
		scope      string
		token      string
		wantStatus int
		wantCode   string
		wantUser   string
	}{
		{"missing token", ScopeRead, "", http.StatusUnauthorized, "UNAUTHORIZED", "unauthenticated"},
		{"invalid token", ScopeRead, "bogus", http.StatusUnauthorized, "UNAUTHORIZED", "unauthenticated"},
		{"viewer reads", ScopeRead, "viewer-token", http.StatusNoContent, "", "user-123"},
		{"viewer sets temp basal", ScopeBasal, "viewer-token", http.StatusForbidden, "FORBIDDEN", "user-123"},
		{"loop delivers smb", ScopeSMB, "loop-token", http.StatusNoContent, "", "loop-7"},
		{"loop boluses", ScopeBolus, "loop-token", http.StatusForbidden, "FORBIDDEN", "loop-7"},
		{"loop selects pump", ScopeAdmin, "loop-token", http.StatusForbidden, "FORBIDDEN", "loop-7"},
		{"operator boluses", ScopeBolus, "operator-token", http.StatusNoContent, "", "nurse-456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser string
			var gotClaims *Claims
			handler := m.Require(tt.scope)(func(w http.ResponseWriter, r *http.Request) {
				gotClaims = ClaimsFromContext(r.Context())
				gotUser = audit.UserFromContext(r.Context())
				w.WriteHeader(http.StatusNoContent)
			})

			before := len(mem.Events())
			req := httptest.NewRequest(http.MethodPost, "/api/v1/action", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode == "" {
				require.NotNil(t, gotClaims)
				assert.Equal(t, tt.wantUser, gotUser)
				assert.Len(t, mem.Events(), before)
				return
			}

			assert.Nil(t, gotClaims)
			body := decodeError(t, rec)
			assert.Equal(t, "error", body["result"])
			assert.Equal(t, tt.wantCode, body["code"])
			assert.NotEmpty(t, body["correlationId"])

			events := mem.Events()
			require.Len(t, events, before+1)
			e := events[before]
			assert.Equal(t, audit.TypeAccess, e.Type)
			assert.Equal(t, tt.wantUser, e.User)
			assert.Equal(t, "DENIED", e.Outcome)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, "POST /api/v1/action", e.Action)
			assert.Equal(t, tt.scope, e.Params["scope"])
		})
	}
}

func TestRequireUsesRequestCorrelationID(t *testing.T) {
	mem := &audit.Memory{}
	m := NewMiddleware(testVerifier(), mem, zaptest.NewLogger(t))
	handler := m.Require(ScopeAdmin)(func(http.ResponseWriter, *http.Request) {})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pumps/select", nil)
	req.Header.Set("Authorization", "Bearer viewer-token")
	req = req.WithContext(audit.WithCorrelationID(req.Context(), "corr-42"))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "corr-42", decodeError(t, rec)["correlationId"])
	require.Len(t, mem.Events(), 1)
	assert.Equal(t, "corr-42", mem.Events()[0].CorrelationID)
}

func TestRequireDisabled(t *testing.T) {
	m := NewMiddleware(nil, nil, zaptest.NewLogger(t))
	assert.False(t, m.Enabled())

	var claims *Claims
	var user string
	handler := m.Require(ScopeBolus)(func(w http.ResponseWriter, r *http.Request) {
		claims = ClaimsFromContext(r.Context())
		user = audit.UserFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/api/v1/bolus", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, claims)
	assert.Equal(t, "anonymous", claims.Subject)
	assert.Equal(t, "anonymous", user)
	for _, s := range []string{ScopeRead, ScopeTelemetry, ScopeBasal, ScopeSMB, ScopeBolus, ScopeAdmin} {
		assert.True(t, claims.Allows(s), s)
	}
}

func TestClaimsAllowsNil(t *testing.T) {
	var c *Claims
	assert.False(t, c.Allows(ScopeRead))
	assert.Nil(t, ClaimsFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
