package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/doublegate/FlowForge-sub002/pkg/identity"
)

// NewAuthMiddleware verifies the handshake credential before the WebSocket
// upgrade. A missing or invalid credential is a terminal rejection: no
// connection or room state exists yet, and the client must reconnect with a
// fresh credential.
func NewAuthMiddleware(logger *slog.Logger, verifier identity.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong
			// with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			credential := extractCredential(r)
			if credential == "" {
				logger.Warn("No credential attached to request", slog.String("ip", reqMeta.IP))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}

			id, err := verifier.Verify(credential)
			if err != nil {
				logger.Warn("Invalid credential presented",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.UserID = id.UserID
			reqMeta.DisplayName = id.DisplayName
			next.ServeHTTP(w, r)
		})
	}
}

// extractCredential looks for the token in the places browser WebSocket
// clients can actually put one: the Authorization header, a "token" query
// parameter, or the session cookie.
func extractCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("session-token"); err == nil {
		return cookie.Value
	}
	return ""
}
