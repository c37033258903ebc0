package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/oraxen/licensing/internal/auth"
	"github.com/oraxen/licensing/internal/store"
)

const sessionCookieName = "oraxen_session"

// RequireSession validates the bearer token or session cookie and populates
// the request context with the caller's identity. This is a JSON API; a
// missing or bad token gets 401, never a redirect.
func RequireSession(sessions *store.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				if cookie, err := r.Cookie(sessionCookieName); err == nil {
					token = cookie.Value
				}
			}
			if token == "" {
				unauthorized(w)
				return
			}

			sess, err := sessions.GetByToken(token)
			if err != nil || sess == nil {
				unauthorized(w)
				return
			}

			identity := auth.Identity{
				UserID:    sess.UserID,
				Email:     sess.Email,
				SessionID: sess.ID,
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}
