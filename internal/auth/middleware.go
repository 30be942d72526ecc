package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/audit"
)

type claimsKey struct{}

// unauthenticated is the audit user of a request without a valid token.
const unauthenticated = "unauthenticated"

// anonymous acts for every request when authentication is disabled.
var anonymous = Claims{
	Subject: "anonymous",
	Roles:   []string{RoleOperator},
	Scopes:  roleScopes[RoleOperator],
}

// Middleware authenticates API requests and gates them by pump scope.
// Refusals are written to the audit sink.
type Middleware struct {
	verifier TokenVerifier
	audit    audit.Sink
	logger   *zap.Logger
}

// NewMiddleware creates the auth middleware. A nil verifier disables
// authentication: every request acts as an anonymous operator.
func NewMiddleware(verifier TokenVerifier, sink audit.Sink, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if verifier == nil {
		logger.Warn("authentication disabled, all requests run as anonymous operator")
	}
	return &Middleware{verifier: verifier, audit: sink, logger: logger.Named("auth")}
}

// Enabled reports whether tokens are verified.
func (m *Middleware) Enabled() bool {
	return m.verifier != nil
}

// Require authenticates the request and lets it through only when the token
// grants scope. The subject becomes the audit user of everything downstream.
func (m *Middleware) Require(scope string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, err := m.authenticate(r)
			if err != nil {
				m.deny(w, r, unauthenticated, scope, http.StatusUnauthorized, "UNAUTHORIZED", err)
				return
			}
			if !claims.Allows(scope) {
				m.deny(w, r, claims.Subject, scope, http.StatusForbidden, "FORBIDDEN",
					errors.New("insufficient permissions"))
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			ctx = audit.WithUser(ctx, claims.Subject)
			next(w, r.WithContext(ctx))
		}
	}
}

func (m *Middleware) authenticate(r *http.Request) (*Claims, error) {
	if m.verifier == nil {
		c := anonymous
		return &c, nil
	}
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	return m.verifier.VerifyToken(token)
}

func (m *Middleware) deny(w http.ResponseWriter, r *http.Request, subject, scope string, status int, code string, err error) {
	m.logger.Info("request denied",
		zap.String("path", r.URL.Path),
		zap.String("subject", subject),
		zap.String("scope", scope),
		zap.Error(err))
	m.audit.Record(r.Context(), audit.Event{
		Type:    audit.TypeAccess,
		User:    subject,
		Source:  "auth",
		Action:  r.Method + " " + r.URL.Path,
		Params:  map[string]interface{}{"scope": scope},
		Outcome: "DENIED",
		Code:    code,
		Message: err.Error(),
	})

	message := "Authentication required"
	if status == http.StatusForbidden {
		message = "Insufficient permissions"
	}
	writeError(r.Context(), w, status, code, message, map[string]interface{}{"required": scope})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("invalid Authorization header format")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

// ClaimsFromContext returns the claims Require stored, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

// writeError writes the API error envelope.
func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, details interface{}) {
	id := audit.CorrelationIDFromContext(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"result":        "error",
		"code":          code,
		"message":       message,
		"details":       details,
		"correlationId": id,
	})
}
