package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"clinic-scheduler/internal/auth"
)

type ctxKey string

const ServiceKey ctxKey = "svc"

// skip auth for these
var open = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// Auth requires a valid service token in Authorization: Bearer <jwt>.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "no token")
				return
			}

			claims, err := auth.ParseToken(raw, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "bad token")
				return
			}

			ctx := context.WithValue(r.Context(), ServiceKey, claims.Service)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Service returns the authenticated caller, or "" on open routes.
func Service(ctx context.Context) string {
	s, _ := ctx.Value(ServiceKey).(string)
	return s
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ERROR", "message": msg})
}
