package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/w3z4y4/mcp-gateway/internal/auth"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/service"
)

type contextKeyAuth string

const (
	// AdminPrincipalKey is the context key for the authenticated admin.
	AdminPrincipalKey contextKeyAuth = "admin_principal"
)

// deniedMessage is shown for every gateway denial. The machine-readable
// reason distinguishes the broad category and nothing finer.
const deniedMessage = "Access denied"

// DecisionResolver decides whether a gateway request may proceed.
type DecisionResolver interface {
	Resolve(r *http.Request) auth.Decision
}

// GatewayAuth returns an HTTP middleware that runs the auth resolver on every
// gateway request. Allowed requests carry the decision in their context so
// the proxy can bind sessions and attribute statistics. Denied requests get
// a 403 and never reach the backend.
func GatewayAuth(resolver DecisionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := resolver.Resolve(r)
			if !d.Allowed {
				writeAuthError(w, http.StatusForbidden, d.Code, deniedMessage)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithDecision(r.Context(), d)))
		})
	}
}

// AdminAuth returns an HTTP middleware that requires a valid admin JWT in the
// Authorization header. On success the principal is attached to the request
// context.
func AdminAuth(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED",
					"Authentication required. Provide a Bearer token.")
				return
			}
			p, err := authSvc.ValidateJWT(r.Context(), strings.TrimPrefix(header, "Bearer "))
			switch {
			case errors.Is(err, service.ErrTokenExpired):
				writeAuthError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Token expired")
				return
			case errors.Is(err, service.ErrNoSecret):
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Admin API is not configured")
				return
			case err != nil:
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), AdminPrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdmin extracts the authenticated admin from the context. Returns nil
// if no admin is present.
func GetAdmin(ctx context.Context) *service.AdminPrincipal {
	if p, ok := ctx.Value(AdminPrincipalKey).(*service.AdminPrincipal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.NewErrorResponse(status, reason, message))
}
