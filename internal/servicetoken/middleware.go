package servicetoken

import (
	"context"
	"net/http"
	"strings"
)

type callerContextKey struct{}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, found := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// ContextWithCaller stores the verified caller on ctx.
func ContextWithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, c)
}

// CallerFromContext returns the caller stored by Require.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerContextKey{}).(Caller)
	return c, ok
}

// Require verifies the bearer token before calling next and passes the caller
// through the request context. reject writes the failure response; status is
// 500 when v is nil and 401 otherwise.
func Require(v *Verifier, reject func(w http.ResponseWriter, status int, msg string), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v == nil {
			reject(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token, ok := BearerToken(r)
		if !ok {
			reject(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		caller, err := v.Verify(token)
		if err != nil {
			reject(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), caller)))
	})
}
