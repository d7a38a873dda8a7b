package handler

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/xid"

	"github.com/sakif/tasklist/internal/apperror"
	"github.com/sakif/tasklist/internal/auth"
	"github.com/sakif/tasklist/internal/model"
	"github.com/sakif/tasklist/internal/service"
)

const (
	stateCookieName = "oauth_state"
	stateCookieTTL  = 10 * time.Minute

	defaultAfterSignIn = "/tasks"
	signInPage         = "/login"

	errCredentialsSignIn = "CredentialsSignin"
	errOAuthCallback     = "OAuthCallback"
)

// Authenticator is what the auth handlers need from the business layer.
// *service.AuthService implements it.
type Authenticator interface {
	Register(ctx context.Context, name, email, password string) (*model.User, error)
	Authenticate(ctx context.Context, email, password string) (*model.User, error)
	AuthenticateWithProvider(ctx context.Context, id auth.ProviderIdentity) (*model.User, error)
	ProviderSignInFailed(provider model.Provider, err error)
	IssueSession(user *model.User) (*service.Session, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// OAuthProvider runs the redirect half and the code-exchange half of an
// authorization code flow. *auth.GoogleProvider implements it.
type OAuthProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*auth.ProviderIdentity, error)
}

// AuthHandler manages sign-up, both sign-in flows and the session cookie.
//
// HANDLER RESPONSIBILITIES:
//   - HandleRegister            → create a credentials account
//   - HandleCredentialsSignIn   → email + password, JSON or HTML form
//   - HandleGoogleSignIn        → redirect the browser to Google
//   - HandleGoogleCallback      → receive the code, find-or-create the user
//   - HandleSignOut             → clear the session cookie
//   - HandleSession             → who is signed in, if anyone
//
// google is nil when Google sign-in is not configured.
type AuthHandler struct {
	auth         Authenticator
	google       OAuthProvider
	validate     *validator.Validate
	cookieSecure bool
	logger       *slog.Logger
}

// NewAuthHandler creates an AuthHandler. Pass a nil google to disable the
// federated flow; its routes then answer 404.
func NewAuthHandler(authn Authenticator, google OAuthProvider, cookieSecure bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:         authn,
		google:       google,
		validate:     newValidator(),
		cookieSecure: cookieSecure,
		logger:       logger,
	}
}

// registerRequest is the expected JSON body for POST /register.
//
// The tags are a first line of defence; AuthService.Register applies the
// same rules again after trimming whitespace.
type registerRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// credentialsRequest is the body of a password sign-in, JSON or form-encoded.
type credentialsRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required"`
	CallbackURL string `json:"callbackUrl"`
}

// sessionUser is the public part of a user returned to the browser.
type sessionUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// sessionResponse is the body of GET /auth/session and of a JSON sign-in.
type sessionResponse struct {
	User    sessionUser `json:"user"`
	Expires string      `json:"expires"`
}

// HandleRegister creates a credentials account.
//
// HTTP: POST /register
// Request body: {"name": "Ada", "email": "ada@example.com", "password": "secret1"}
// Response: 201 {"message": "User registered successfully"}
//
// Validation failures and a taken email both answer 400 with a bare
// {"message": ...}; the sign-up page shows that message as-is.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req, h.validate); err != nil {
		h.writeRegisterError(w, err)
		return
	}

	if _, err := h.auth.Register(r.Context(), req.Name, req.Email, req.Password); err != nil {
		h.writeRegisterError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, MessageResponse{Message: "User registered successfully"})
}

func (h *AuthHandler) writeRegisterError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) &&
		(errors.Is(err, apperror.ErrValidation) || errors.Is(err, apperror.ErrConflict)) {
		writeJSON(w, http.StatusBadRequest, MessageResponse{Message: appErr.Message})
		return
	}

	h.logger.Error("registration failed", slog.String("error", err.Error()))
	writeError(w, err)
}

// HandleCredentialsSignIn verifies an email + password pair and sets the
// session cookie.
//
// HTTP: POST /auth/callback/credentials
//
// TWO CALLERS:
//   - API clients send JSON and get JSON back: 200 {"user": ..., "expires": ...}
//     or 401 on failure.
//   - The HTML sign-in form posts application/x-www-form-urlencoded and gets
//     a 303 redirect: to callbackUrl (or /tasks) on success, back to
//     /login?error=CredentialsSignin on failure.
func (h *AuthHandler) HandleCredentialsSignIn(w http.ResponseWriter, r *http.Request) {
	jsonMode := isJSON(r)

	req, err := h.readCredentials(w, r, jsonMode)
	if err != nil {
		h.credentialsFailed(w, r, jsonMode, req.CallbackURL, err)
		return
	}

	user, err := h.auth.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.credentialsFailed(w, r, jsonMode, req.CallbackURL, err)
		return
	}

	session, err := h.startSession(w, user)
	if err != nil {
		h.logger.Error("issuing session failed",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
		if jsonMode {
			writeError(w, err)
			return
		}
		redirectSignInError(w, r, errCredentialsSignIn, req.CallbackURL)
		return
	}

	if jsonMode {
		writeJSON(w, http.StatusOK, newSessionResponse(user, session.ExpiresAt))
		return
	}
	http.Redirect(w, r, safeRedirect(req.CallbackURL), http.StatusSeeOther)
}

func (h *AuthHandler) readCredentials(w http.ResponseWriter, r *http.Request, jsonMode bool) (credentialsRequest, error) {
	var req credentialsRequest
	if jsonMode {
		if err := decodeJSON(w, r, &req, h.validate); err != nil {
			return req, err
		}
		return req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return req, apperror.ValidationFailed("", "invalid form body")
	}
	req.Email = r.PostForm.Get("email")
	req.Password = r.PostForm.Get("password")
	req.CallbackURL = r.PostForm.Get("callbackUrl")

	return req, validateStruct(h.validate, &req)
}

// credentialsFailed answers a failed password sign-in. Malformed input and
// wrong credentials look the same to the caller.
func (h *AuthHandler) credentialsFailed(w http.ResponseWriter, r *http.Request, jsonMode bool, callbackURL string, err error) {
	if !errors.Is(err, apperror.ErrUnauthorized) && !errors.Is(err, apperror.ErrValidation) {
		h.logger.Error("credentials sign-in failed", slog.String("error", err.Error()))
		if jsonMode {
			writeError(w, err)
			return
		}
		redirectSignInError(w, r, errCredentialsSignIn, callbackURL)
		return
	}

	if jsonMode {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error:   errCredentialsSignIn,
			Message: apperror.InvalidCredentials().Message,
		})
		return
	}
	redirectSignInError(w, r, errCredentialsSignIn, callbackURL)
}

// HandleGoogleSignIn redirects the user to Google's authorization page.
//
// HTTP: GET /auth/signin/google
//
// CSRF PROTECTION VIA STATE:
// We generate a random state string and store it in a short-lived cookie.
// When Google calls back, HandleGoogleCallback verifies the state matches,
// proving the flow was started here and not by a third-party page.
func (h *AuthHandler) HandleGoogleSignIn(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Google sign-in is not configured",
		})
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int(stateCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.google.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGoogleCallback completes the Google sign-in.
//
// HTTP: GET /auth/callback/google?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code for a verified Google identity
//  3. Find-or-create the account by email
//  4. Issue the session cookie
//  5. Redirect to /tasks
//
// Every failure lands on /login?error=OAuthCallback.
func (h *AuthHandler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Google sign-in is not configured",
		})
		return
	}

	fail := func(err error) {
		h.auth.ProviderSignInFailed(model.ProviderGoogle, err)
		redirectSignInError(w, r, errOAuthCallback, "")
	}

	// --- Step 1: Validate CSRF state ---
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" {
		fail(errors.New("missing state cookie"))
		return
	}
	h.clearStateCookie(w)

	query := r.URL.Query()
	if query.Get("state") != stateCookie.Value {
		fail(errors.New("state mismatch"))
		return
	}

	// The user pressed "cancel" on Google's consent screen.
	if errParam := query.Get("error"); errParam != "" {
		fail(errors.New("provider returned error: " + errParam))
		return
	}

	code := query.Get("code")
	if code == "" {
		fail(errors.New("missing authorization code"))
		return
	}

	// --- Step 2: Exchange code for identity ---
	identity, err := h.google.Exchange(r.Context(), code)
	if err != nil {
		fail(err)
		return
	}
	identity.Provider = model.ProviderGoogle

	// --- Step 3: Find-or-create ---
	user, err := h.auth.AuthenticateWithProvider(r.Context(), *identity)
	if err != nil {
		h.logger.Error("federated sign-in failed", slog.String("error", err.Error()))
		redirectSignInError(w, r, errOAuthCallback, "")
		return
	}

	// --- Step 4: Session cookie ---
	if _, err := h.startSession(w, user); err != nil {
		h.logger.Error("issuing session failed",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
		redirectSignInError(w, r, errOAuthCallback, "")
		return
	}

	// --- Step 5: Into the app ---
	http.Redirect(w, r, defaultAfterSignIn, http.StatusSeeOther)
}

// HandleSignOut clears the session cookie.
//
// HTTP: POST /auth/signout
//
// Sessions are stateless, so "signing out" means deleting the cookie. The
// token stays technically valid until it expires, but the browser no longer
// sends it.
func (h *AuthHandler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w, h.cookieSecure)

	// the sign-out button on /tasks is a plain HTML form
	if hasMediaType(r, "application/x-www-form-urlencoded") {
		http.Redirect(w, r, signInPage, http.StatusSeeOther)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "signed out"})
}

// HandleSession returns the signed-in user, or {} for an anonymous caller.
//
// HTTP: GET /auth/session (behind auth.OptionalAuth)
// Response: {"user": {"id": "...", "name": "...", "email": "..."}, "expires": "2026-..."}
func (h *AuthHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	user, err := h.auth.GetUser(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			// a valid token for an account that no longer exists
			writeJSON(w, http.StatusOK, struct{}{})
			return
		}
		h.logger.Error("loading session user failed",
			slog.String("userID", id.UserID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionResponse(user, id.ExpiresAt))
}

func (h *AuthHandler) startSession(w http.ResponseWriter, user *model.User) (*service.Session, error) {
	session, err := h.auth.IssueSession(user)
	if err != nil {
		return nil, err
	}
	auth.SetSessionCookie(w, session.Token, session.ExpiresAt, h.cookieSecure)
	return session, nil
}

func (h *AuthHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func newSessionResponse(user *model.User, expiresAt time.Time) sessionResponse {
	return sessionResponse{
		User: sessionUser{
			ID:    user.ID,
			Name:  user.Name,
			Email: user.Email,
		},
		Expires: expiresAt.UTC().Format(time.RFC3339),
	}
}

// isJSON reports whether the request body is JSON.
func isJSON(r *http.Request) bool {
	return hasMediaType(r, "application/json")
}

func hasMediaType(r *http.Request, want string) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == want
}

// redirectSignInError sends the browser back to the sign-in page with an
// error code the page knows how to display.
func redirectSignInError(w http.ResponseWriter, r *http.Request, code, callbackURL string) {
	q := url.Values{}
	q.Set("error", code)
	if callbackURL != "" && safeRedirect(callbackURL) == callbackURL {
		q.Set("callbackUrl", callbackURL)
	}
	http.Redirect(w, r, signInPage+"?"+q.Encode(), http.StatusSeeOther)
}

// safeRedirect returns target if it is a path on this site, else /tasks.
//
// OPEN REDIRECTS:
// callbackUrl comes from the client. Accepting "https://evil.example" or the
// scheme-relative "//evil.example" would let a crafted sign-in link bounce
// the user to another site, so only plain local paths are honoured.
func safeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") ||
		strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return defaultAfterSignIn
	}

	u, err := url.Parse(target)
	if err != nil || u.IsAbs() || u.Host != "" {
		return defaultAfterSignIn
	}
	return target
}
