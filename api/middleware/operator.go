package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/angelmondragon/payment-reconciler/api/responses"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

// OperatorToken guards internal endpoints with a static bearer token. An
// empty configured token closes the routes entirely.
func OperatorToken(expected string, logg *logger.Logger) func(http.Handler) http.Handler {
	expected = strings.TrimSpace(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "operator endpoints disabled"))
				return
			}
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid operator token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
