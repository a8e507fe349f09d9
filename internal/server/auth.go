package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/brisktest/brisk/internal/store"
	"github.com/brisktest/brisk/pkg/model"
)

const ctxKeyProject ctxKey = "project"

// ProjectFromContext extracts the authenticated project from request context.
func ProjectFromContext(ctx context.Context) *model.Project {
	if p, ok := ctx.Value(ctxKeyProject).(*model.Project); ok {
		return p
	}
	return nil
}

// projectAuthMiddleware resolves the project token on project-scoped routes.
// Tokens arrive in the X-Project-Token header or as a bearer token.
func projectAuthMiddleware(st store.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			token := extractProjectToken(r)
			if token == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "project token required",
				})
				return
			}

			project, err := st.GetProjectByToken(r.Context(), token)
			if err != nil {
				logger.Error("project token lookup failed", "error", err)
				respondError(w, reqID, http.StatusInternalServerError,
					model.NewInternalError("authentication error"))
				return
			}
			if project == nil {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "unknown project token",
				})
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyProject, project)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractProjectToken(r *http.Request) string {
	if token := r.Header.Get("X-Project-Token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
