package auth

import (
	"net/http"
	"strings"
)

// CookieName is the cookie the web app stores the session token in.
const CookieName = "auction_token"

// TokenFromRequest extracts the bearer credential from an upgrade request.
// Priority order: query parameter, Authorization header, cookie.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}

	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	if cookie, err := r.Cookie(CookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}

	return ""
}
