package pairing

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const pairingContextKey contextKey = "pairing"

// FromContext retrieves the authenticated Pairing from the request context.
func FromContext(ctx context.Context) *Pairing {
	p, _ := ctx.Value(pairingContextKey).(*Pairing)
	return p
}

// Middleware returns an HTTP middleware that checks bearer tokens against
// the pairing store. The token comes from "Authorization: Bearer twp_...".
// Paths in skipPaths bypass auth; a trailing "*" makes an entry a prefix
// match.
func Middleware(store *Store, skipPaths []string) func(http.Handler) http.Handler {
	skipExact := make(map[string]bool, len(skipPaths))
	var skipPrefix []string
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "*") {
			skipPrefix = append(skipPrefix, strings.TrimSuffix(p, "*"))
			continue
		}
		skipExact[p] = true
	}

	shouldSkip := func(path string) bool {
		if skipExact[path] {
			return true
		}
		for _, p := range skipPrefix {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shouldSkip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"authentication required","code":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			p, err := store.Validate(token)
			if err != nil {
				if strings.Contains(err.Error(), "expired") {
					http.Error(w, `{"error":"pairing token expired","code":"forbidden"}`, http.StatusForbidden)
					return
				}
				http.Error(w, `{"error":"invalid pairing token","code":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), pairingContextKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
