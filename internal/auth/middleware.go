package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CookieName is the HttpOnly cookie that carries the session token.
const CookieName = "session_token"

// contextKey is an unexported type used for context keys in this package.
//
// WHY A CUSTOM TYPE FOR CONTEXT KEYS?
// context.WithValue uses any as the key type. Using a package-private type
// prevents collisions: only THIS package can create a key of type contextKey,
// so only this package can read or write identities in the context.
type contextKey string

const identityKey contextKey = "identity"

var errNoSession = errors.New("auth: no session token")

// RequireAuth is the session guard for API routes.
//
// It validates the session token and stores the caller's Identity in the
// request context. When the token is missing, malformed, expired or tampered
// with, deny writes the 401 response and the wrapped handler never runs, so
// nothing behind it touches the store.
//
// deny lets each route keep its own unauthorized payload ([] for a list,
// {} for a create). A nil deny writes a generic JSON error.
func RequireAuth(tokens *TokenService, deny http.HandlerFunc) func(http.Handler) http.Handler {
	if deny == nil {
		deny = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}` + "\n"))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := identityFromRequest(r, tokens)
			if err != nil {
				deny(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequirePage guards browser pages. Instead of a bare 401 it redirects to the
// sign-in page and remembers where the user was going in ?callbackUrl=.
func RequirePage(tokens *TokenService, signInPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := identityFromRequest(r, tokens)
			if err != nil {
				target := signInPath + "?callbackUrl=" + url.QueryEscape(r.URL.RequestURI())
				http.Redirect(w, r, target, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// OptionalAuth attaches the identity when a valid token is present but never
// blocks the request. Used by the session endpoint and the sign-in pages.
func OptionalAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, err := identityFromRequest(r, tokens); err == nil {
				r = r.WithContext(WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext retrieves the authenticated caller.
//
// Returns (nil, false) if the request is anonymous.
//
// Usage in handlers:
//
//	id, ok := auth.IdentityFromContext(r.Context())
//	if !ok {
//	    // anonymous user
//	}
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil && id.UserID != ""
}

// SetSessionCookie stores the token in an HttpOnly cookie that expires with it.
//
// HttpOnly = JavaScript cannot read this cookie (XSS protection).
// SameSite=Lax = sent on top-level navigations but not cross-site POSTs.
func SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie tells the browser to drop the session cookie.
//
// Since sessions are stateless, the token itself stays valid until it
// expires; without the cookie the browser simply stops sending it.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// identityFromRequest reads the token from the session cookie, or from an
// "Authorization: Bearer" header for non-browser clients, and validates it.
func identityFromRequest(r *http.Request, tokens *TokenService) (*Identity, error) {
	raw := ""
	if cookie, err := r.Cookie(CookieName); err == nil {
		raw = cookie.Value
	} else if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if raw == "" {
		return nil, errNoSession
	}

	return tokens.Validate(raw)
}
