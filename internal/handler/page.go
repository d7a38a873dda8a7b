// Package handler contains the HTTP request handlers.
//
// WHAT IS A HANDLER?
// In Go, an HTTP handler is anything that implements the http.Handler interface:
//
//	type Handler interface {
//	    ServeHTTP(ResponseWriter, *Request)
//	}
//
// Or more commonly, a function with the right signature (http.HandlerFunc).
// Chi's router accepts these directly.
//
// HANDLER RESPONSIBILITIES:
// 1. Parse the incoming HTTP request (query params, body, cookies)
// 2. Call the service layer
// 3. Write the HTTP response (status code, headers, body)
//
// Handlers do NOT contain business rules. They depend on small interfaces
// (Authenticator, TaskManager, Pinger) that the service and store types
// satisfy, which keeps this package testable with fakes.
package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/sakif/tasklist/internal/auth"
)

//go:embed templates/*.html
var templateFS embed.FS

// signInErrors turns the ?error= codes set by the auth handlers into text.
var signInErrors = map[string]string{
	errCredentialsSignIn: "Invalid email or password.",
	errOAuthCallback:     "Google sign-in failed. Please try again.",
}

// PageHandler serves the three browser pages: sign-in, sign-up and the task
// list. It holds parsed templates so we don't re-parse them on every request.
//
// TEMPLATE COMPOSITION:
// base.html defines the page skeleton with a {{template "content" .}}
// placeholder; every page file fills it with {{define "content"}}. Each page
// is parsed together with base.html into its own set, because three files
// all defining "content" cannot share one set.
type PageHandler struct {
	pages         map[string]*template.Template
	tasks         TaskManager
	googleEnabled bool
	logger        *slog.Logger
}

// NewPageHandler parses the embedded templates.
func NewPageHandler(tasks TaskManager, googleEnabled bool, logger *slog.Logger) (*PageHandler, error) {
	pages := make(map[string]*template.Template)
	for _, name := range []string{"login", "signup", "tasks"} {
		tmpl, err := template.ParseFS(templateFS, "templates/base.html", "templates/"+name+".html")
		if err != nil {
			return nil, err
		}
		pages[name] = tmpl
	}

	return &PageHandler{
		pages:         pages,
		tasks:         tasks,
		googleEnabled: googleEnabled,
		logger:        logger,
	}, nil
}

// HandleRoot sends visitors to their task list. RequirePage on /tasks
// forwards anonymous ones to /login.
//
// HTTP: GET /
func (h *PageHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, defaultAfterSignIn, http.StatusFound)
}

// HandleLogin renders the sign-in form.
//
// HTTP: GET /login?callbackUrl=/tasks&error=CredentialsSignin
//
// Already signed-in visitors skip straight to where they were going.
func (h *PageHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	callbackURL := safeRedirect(r.URL.Query().Get("callbackUrl"))
	if _, ok := auth.IdentityFromContext(r.Context()); ok {
		http.Redirect(w, r, callbackURL, http.StatusSeeOther)
		return
	}

	h.render(w, "login", map[string]any{
		"Title":         "Sign in",
		"CallbackURL":   callbackURL,
		"Error":         signInErrors[r.URL.Query().Get("error")],
		"GoogleEnabled": h.googleEnabled,
	})
}

// HandleSignup renders the registration form. The form posts JSON to
// /register from a small script and then moves on to /login.
//
// HTTP: GET /signup
func (h *PageHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.IdentityFromContext(r.Context()); ok {
		http.Redirect(w, r, defaultAfterSignIn, http.StatusSeeOther)
		return
	}

	h.render(w, "signup", map[string]any{
		"Title":         "Create account",
		"GoogleEnabled": h.googleEnabled,
	})
}

// HandleTasks renders the signed-in user's task list with its counts.
//
// HTTP: GET /tasks (behind auth.RequirePage)
func (h *PageHandler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, signInPage, http.StatusSeeOther)
		return
	}

	dash, err := h.tasks.Dashboard(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("loading task page failed",
			slog.String("userID", id.UserID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.render(w, "tasks", map[string]any{
		"Title":     "My tasks",
		"Name":      id.Name,
		"Email":     id.Email,
		"Dashboard": dash,
	})
}

// render executes a page into a buffer first, so a template error can still
// produce a clean 500 instead of half a page.
func (h *PageHandler) render(w http.ResponseWriter, page string, data map[string]any) {
	var buf bytes.Buffer
	if err := h.pages[page].ExecuteTemplate(&buf, "base", data); err != nil {
		h.logger.Error("failed to render template",
			slog.String("page", page),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
