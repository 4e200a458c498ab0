package httpapi

import (
	"context"
	"net/http"
	"strings"

	"runcore/internal/apierrors"
)

type subjectKey struct{}

// authMiddleware enforces bearer-token authentication on every route it
// wraps, returning 401 on failure per spec.md §6. A nil Authenticator is
// accepted only for local development/testing and treats every caller as an
// anonymous subject; production wiring must always supply one.
func authMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				ctx := context.WithValue(r.Context(), subjectKey{}, "anonymous")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
				writeError(w, apierrors.New(apierrors.KindUnauthenticated, "missing bearer token"))
				return
			}

			subject, err := auth.Authenticate(r)
			if err != nil {
				writeError(w, apierrors.Wrap(apierrors.KindUnauthenticated, "invalid credentials", err))
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func subjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}
