package middleware

import (
	"net/http"
	"strings"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/model"
)

// RequireScope admits callers holding any of the given scopes. It must run
// after Auth.
func RequireScope(anyOf ...string) func(http.Handler) http.Handler {
	want := strings.Join(anyOf, " or ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.FromContext(r.Context())
			if p == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			for _, scope := range anyOf {
				if auth.Allows(p, scope) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions. Required scope: "+want)
		})
	}
}

// RequireRead guards balances, history, task status and downloads.
func RequireRead() func(http.Handler) http.Handler {
	return RequireScope(model.ScopeRead)
}

// RequireVerify guards anything that spends credits.
func RequireVerify() func(http.Handler) http.Handler {
	return RequireScope(model.ScopeVerify)
}

// RequireAdmin guards operator endpoints.
func RequireAdmin() func(http.Handler) http.Handler {
	return RequireScope(model.ScopeAdmin)
}
