package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hazyhaar/employee-mcp/pkg/kit"
)

type claimsKey struct{}

// ClaimsFromContext returns the claims stored by Require, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Require rejects requests without a valid access token with 401 and a
// WWW-Authenticate challenge pointing at the protected resource metadata.
// Accepted requests carry the claims and subject on their context.
func (a *Authorizer) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.ExtractClaims(r)
		if err != nil {
			challenge := fmt.Sprintf(`Bearer resource_metadata="%s"`, a.resourceMetadataURL())
			if !errors.Is(err, ErrNoToken) {
				challenge += `, error="invalid_token"`
				a.logger.Warn("rejected token", "path", r.URL.Path, "error", err)
			}
			w.Header().Set("WWW-Authenticate", challenge)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":             "unauthorized",
				"error_description": err.Error(),
			})
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = kit.WithUserID(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
