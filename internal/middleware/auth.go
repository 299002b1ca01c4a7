package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const (
	ProjectKey contextKey = "project"
)

// APIKeyAuth validates the API key from the Authorization header. keys
// maps project ID to its key. Probe and metrics paths are open.
func APIKeyAuth(keys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			// Support both "Bearer <key>" and "<key>" formats
			apiKey := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if apiKey == "" {
				http.Error(w, "invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			// constant-time comparison
			project := ""
			for p, key := range keys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					project = p
					break
				}
			}
			if project == "" {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ProjectKey, project)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func openPath(p string) bool {
	switch p {
	case "/health", "/ready", "/live", "/metrics":
		return true
	}
	return false
}

// ProjectFromContext extracts the authenticated project from context
func ProjectFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(ProjectKey).(string); ok {
		return p
	}
	return ""
}

// RequireProject rejects requests whose {project} URL parameter is not the
// authenticated project. It must be mounted inside the chi route that
// declares {project}. Without auth in front it only validates the format.
func RequireProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urlProject := chi.URLParam(r, "project")
		if err := ValidateProjectID(urlProject); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if auth := ProjectFromContext(r.Context()); auth != "" && auth != urlProject {
			http.Error(w, "project mismatch", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
