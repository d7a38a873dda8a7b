package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/tasklist/internal/auth"
	"github.com/sakif/tasklist/internal/model"
	"github.com/sakif/tasklist/internal/service"
)

// TaskManager is what the task handlers need from the business layer.
// *service.TaskService implements it.
type TaskManager interface {
	List(ctx context.Context, userID string) ([]model.Task, error)
	Create(ctx context.Context, userID, title string) (*model.Task, error)
	Update(ctx context.Context, userID, taskID string, patch service.TaskPatch) (*model.Task, error)
	Delete(ctx context.Context, userID, taskID string) error
	Dashboard(ctx context.Context, userID string) (*service.Dashboard, error)
}

// TodoHandler handles the per-user task list API.
//
// Every route sits behind auth.RequireAuth, so the caller's identity is
// always in the request context. The handlers read the user id from there
// and hand it to the service explicitly; nothing is looked up implicitly.
type TodoHandler struct {
	tasks    TaskManager
	validate *validator.Validate
	logger   *slog.Logger
}

// NewTodoHandler creates a TodoHandler.
func NewTodoHandler(tasks TaskManager, logger *slog.Logger) *TodoHandler {
	return &TodoHandler{
		tasks:    tasks,
		validate: newValidator(),
		logger:   logger,
	}
}

// createTodoRequest is the body of POST /todos.
// Title rules (non-blank, length) live in the service.
type createTodoRequest struct {
	Title string `json:"title"`
}

// updateTodoRequest is the body of PUT /todos.
//
// POINTER FIELDS:
// *bool and *string tell "not sent" (nil) apart from false or "". The
// service leaves nil fields unchanged.
type updateTodoRequest struct {
	ID        string  `json:"id" validate:"required"`
	Completed *bool   `json:"completed"`
	Title     *string `json:"title"`
}

// deleteTodoRequest is the body of DELETE /todos.
type deleteTodoRequest struct {
	ID string `json:"id" validate:"required"`
}

// UNAUTHENTICATED PAYLOADS:
// The browser client treats the 401 body as data, so each route keeps the
// shape it would normally return. These are passed to auth.RequireAuth.

// DenyList answers 401 with an empty list.
func DenyList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusUnauthorized, []model.Task{})
}

// DenyObject answers 401 with an empty object.
func DenyObject(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusUnauthorized, struct{}{})
}

// DenyError answers 401 with {"error": "Unauthorized"}.
func DenyError(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

// HandleList returns the caller's tasks, newest first.
//
// HTTP: GET /todos
// Response: 200 [{"id": "...", "title": "...", "completed": false, ...}]
func (h *TodoHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		DenyList(w, r)
		return
	}

	tasks, err := h.tasks.List(r.Context(), id.UserID)
	if err != nil {
		h.logFailure("listing tasks", id.UserID, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tasks)
}

// HandleCreate adds a task to the caller's list.
//
// HTTP: POST /todos
// Request body: {"title": "Buy milk"}
// Response: 201 with the created task
func (h *TodoHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		DenyObject(w, r)
		return
	}

	var req createTodoRequest
	if err := decodeJSON(w, r, &req, nil); err != nil {
		writeError(w, err)
		return
	}

	task, err := h.tasks.Create(r.Context(), id.UserID, req.Title)
	if err != nil {
		h.logFailure("creating task", id.UserID, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

// HandleUpdate changes a task's completed flag, its title, or both.
//
// HTTP: PUT /todos
// Request body: {"id": "...", "completed": true} or {"id": "...", "title": "..."}
// Response: 200 {"success": true}
//
// Unknown ids answer 404, tasks owned by someone else 403.
func (h *TodoHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		DenyError(w, r)
		return
	}

	var req updateTodoRequest
	if err := decodeJSON(w, r, &req, h.validate); err != nil {
		writeError(w, err)
		return
	}

	patch := service.TaskPatch{Title: req.Title, Completed: req.Completed}
	if _, err := h.tasks.Update(r.Context(), id.UserID, req.ID, patch); err != nil {
		h.logFailure("updating task", id.UserID, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// HandleDelete removes a task.
//
// HTTP: DELETE /todos
// Request body: {"id": "..."}
// Response: 200 {"success": true}
func (h *TodoHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		DenyError(w, r)
		return
	}

	var req deleteTodoRequest
	if err := decodeJSON(w, r, &req, h.validate); err != nil {
		writeError(w, err)
		return
	}

	if err := h.tasks.Delete(r.Context(), id.UserID, req.ID); err != nil {
		h.logFailure("deleting task", id.UserID, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// HandleDashboard returns the caller's counts and full list in one response.
//
// HTTP: GET /dashboard
// Response: 200 {"total": 2, "completed": 1, "pending": 1, "todos": [...]}
func (h *TodoHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		DenyError(w, r)
		return
	}

	dash, err := h.tasks.Dashboard(r.Context(), id.UserID)
	if err != nil {
		h.logFailure("loading dashboard", id.UserID, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dash)
}

// logFailure logs errors that will become a 5xx. Client mistakes
// (validation, not found, forbidden) are already logged by the request
// logger with their status code.
func (h *TodoHandler) logFailure(action, userID string, err error) {
	if status, _ := classify(err); status < http.StatusInternalServerError {
		return
	}
	h.logger.Error(action+" failed",
		slog.String("userID", userID),
		slog.String("error", err.Error()),
	)
}
