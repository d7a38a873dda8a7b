package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/tasklist/internal/apperror"
	"github.com/sakif/tasklist/internal/auth"
	"github.com/sakif/tasklist/internal/handler"
	"github.com/sakif/tasklist/internal/model"
	"github.com/sakif/tasklist/internal/service"
)

// MockTaskManager records what the handler passed and returns canned values.
type MockTaskManager struct {
	Tasks []model.Task
	Err   error

	UserID string
	TaskID string
	Title  string
	Patch  service.TaskPatch
	Calls  int
}

func (m *MockTaskManager) List(_ context.Context, userID string) ([]model.Task, error) {
	m.Calls++
	m.UserID = userID
	return m.Tasks, m.Err
}

func (m *MockTaskManager) Create(_ context.Context, userID, title string) (*model.Task, error) {
	m.Calls++
	m.UserID, m.Title = userID, title
	if m.Err != nil {
		return nil, m.Err
	}
	return &model.Task{ID: "t1", Title: title, UserID: userID}, nil
}

func (m *MockTaskManager) Update(_ context.Context, userID, taskID string, patch service.TaskPatch) (*model.Task, error) {
	m.Calls++
	m.UserID, m.TaskID, m.Patch = userID, taskID, patch
	if m.Err != nil {
		return nil, m.Err
	}
	return &model.Task{ID: taskID, UserID: userID}, nil
}

func (m *MockTaskManager) Delete(_ context.Context, userID, taskID string) error {
	m.Calls++
	m.UserID, m.TaskID = userID, taskID
	return m.Err
}

func (m *MockTaskManager) Dashboard(_ context.Context, userID string) (*service.Dashboard, error) {
	m.Calls++
	m.UserID = userID
	if m.Err != nil {
		return nil, m.Err
	}
	stats := model.TaskStats{Total: len(m.Tasks)}
	for _, t := range m.Tasks {
		if t.Completed {
			stats.Completed++
		}
	}
	stats.Pending = stats.Total - stats.Completed
	return &service.Dashboard{TaskStats: stats, Todos: m.Tasks}, nil
}

// asUser attaches an identity the way auth.RequireAuth would.
func asUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UserID: userID}))
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/todos", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// ============================================================================
// Unauthenticated payloads
// ============================================================================

func TestTodoHandler_NoIdentity(t *testing.T) {
	tasks := &MockTaskManager{}
	h := handler.NewTodoHandler(tasks, testLogger())

	tests := []struct {
		name   string
		method string
		serve  http.HandlerFunc
		want   string
	}{
		{"list", http.MethodGet, h.HandleList, "[]"},
		{"create", http.MethodPost, h.HandleCreate, "{}"},
		{"update", http.MethodPut, h.HandleUpdate, `{"error":"Unauthorized"}`},
		{"delete", http.MethodDelete, h.HandleDelete, `{"error":"Unauthorized"}`},
		{"dashboard", http.MethodGet, h.HandleDashboard, `{"error":"Unauthorized"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.serve(rr, jsonRequest(tt.method, `{"id":"t1","title":"x"}`))

			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.JSONEq(t, tt.want, rr.Body.String())
		})
	}
	assert.Zero(t, tasks.Calls, "the service must not be reached")
}

func TestDenyHelpers(t *testing.T) {
	rr := httptest.NewRecorder()
	handler.DenyList(rr, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	rr = httptest.NewRecorder()
	handler.DenyObject(rr, nil)
	assert.JSONEq(t, "{}", rr.Body.String())
}

// ============================================================================
// GET /todos
// ============================================================================

func TestTodoHandler_HandleList(t *testing.T) {
	t.Run("returns the caller's tasks", func(t *testing.T) {
		tasks := &MockTaskManager{Tasks: []model.Task{
			{ID: "t2", Title: "B", UserID: "u1"},
			{ID: "t1", Title: "A", UserID: "u1", Completed: true},
		}}
		h := handler.NewTodoHandler(tasks, testLogger())

		rr := httptest.NewRecorder()
		h.HandleList(rr, asUser(httptest.NewRequest(http.MethodGet, "/todos", nil), "u1"))

		require.Equal(t, http.StatusOK, rr.Code)
		var got []model.Task
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
		assert.Len(t, got, 2)
		assert.Equal(t, "t2", got[0].ID)
		assert.Equal(t, "u1", tasks.UserID)
	})

	t.Run("empty list is [] not null", func(t *testing.T) {
		h := handler.NewTodoHandler(&MockTaskManager{Tasks: []model.Task{}}, testLogger())

		rr := httptest.NewRecorder()
		h.HandleList(rr, asUser(httptest.NewRequest(http.MethodGet, "/todos", nil), "u1"))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, "[]", rr.Body.String())
	})

	t.Run("store failure", func(t *testing.T) {
		h := handler.NewTodoHandler(&MockTaskManager{Err: errors.New("database is locked")}, testLogger())

		rr := httptest.NewRecorder()
		h.HandleList(rr, asUser(httptest.NewRequest(http.MethodGet, "/todos", nil), "u1"))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "locked")
	})
}

// ============================================================================
// POST /todos
// ============================================================================

func TestTodoHandler_HandleCreate(t *testing.T) {
	t.Run("valid title", func(t *testing.T) {
		tasks := &MockTaskManager{}
		h := handler.NewTodoHandler(tasks, testLogger())

		rr := httptest.NewRecorder()
		h.HandleCreate(rr, asUser(jsonRequest(http.MethodPost, `{"title":"Buy milk"}`), "u1"))

		require.Equal(t, http.StatusCreated, rr.Code)
		var got model.Task
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
		assert.Equal(t, "t1", got.ID)
		assert.Equal(t, "Buy milk", got.Title)
		assert.False(t, got.Completed)
		assert.Equal(t, "u1", tasks.UserID)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tasks := &MockTaskManager{}
		h := handler.NewTodoHandler(tasks, testLogger())

		rr := httptest.NewRecorder()
		h.HandleCreate(rr, asUser(jsonRequest(http.MethodPost, `{"title":`), "u1"))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Zero(t, tasks.Calls)
	})

	t.Run("service rejects title", func(t *testing.T) {
		tasks := &MockTaskManager{Err: apperror.ValidationFailed("title", "Title is required")}
		h := handler.NewTodoHandler(tasks, testLogger())

		rr := httptest.NewRecorder()
		h.HandleCreate(rr, asUser(jsonRequest(http.MethodPost, `{"title":"   "}`), "u1"))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		var body handler.ErrorResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, "validation_error", body.Error)
		assert.Equal(t, "Title is required", body.Message)
	})
}

// ============================================================================
// PUT /todos
// ============================================================================

func TestTodoHandler_HandleUpdate(t *testing.T) {
	t.Run("toggle completed", func(t *testing.T) {
		tasks := &MockTaskManager{}
		h := handler.NewTodoHandler(tasks, testLogger())

		rr := httptest.NewRecorder()
		h.HandleUpdate(rr, asUser(jsonRequest(http.MethodPut, `{"id":"t1","completed":true}`), "u1"))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"success":true}`, rr.Body.String())
		assert.Equal(t, "t1", tasks.TaskID)
		require.NotNil(t, tasks.Patch.Completed)
		assert.True(t, *tasks.Patch.Completed)
		assert.Nil(t, tasks.Patch.Title)
	})

	t.Run("rename", func(t *testing.T) {
		tasks := &MockTaskManager{}
		h := handler.NewTodoHandler(tasks, testLogger())

		rr := httptest.NewRecorder()
		h.HandleUpdate(rr, asUser(jsonRequest(http.MethodPut, `{"id":"t1","title":"New"}`), "u1"))

		assert.Equal(t, http.StatusOK, rr.Code)
		require.NotNil(t, tasks.Patch.Title)
		assert.Equal(t, "New", *tasks.Patch.Title)
		assert.Nil(t, tasks.Patch.Completed)
	})

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"missing id", `{"completed":true}`, nil, http.StatusBadRequest},
		{"unknown task", `{"id":"nope","completed":true}`, apperror.NotFound("task", "nope"), http.StatusNotFound},
		{"someone else's task", `{"id":"t9","completed":true}`, apperror.Forbidden("no"), http.StatusForbidden},
		{"nothing to change", `{"id":"t1"}`, apperror.ValidationFailed("", "nothing to update"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handler.NewTodoHandler(&MockTaskManager{Err: tt.err}, testLogger())

			rr := httptest.NewRecorder()
			h.HandleUpdate(rr, asUser(jsonRequest(http.MethodPut, tt.body), "u1"))

			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

// ============================================================================
// DELETE /todos
// ============================================================================

func TestTodoHandler_HandleDelete(t *testing.T) {
	t.Run("own task", func(t *testing.T) {
		tasks := &MockTaskManager{}
		h := handler.NewTodoHandler(tasks, testLogger())

		rr := httptest.NewRecorder()
		h.HandleDelete(rr, asUser(jsonRequest(http.MethodDelete, `{"id":"t1"}`), "u1"))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"success":true}`, rr.Body.String())
		assert.Equal(t, "u1", tasks.UserID)
		assert.Equal(t, "t1", tasks.TaskID)
	})

	t.Run("foreign task", func(t *testing.T) {
		h := handler.NewTodoHandler(&MockTaskManager{Err: apperror.Forbidden("no")}, testLogger())

		rr := httptest.NewRecorder()
		h.HandleDelete(rr, asUser(jsonRequest(http.MethodDelete, `{"id":"t9"}`), "u1"))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("missing id", func(t *testing.T) {
		tasks := &MockTaskManager{}
		h := handler.NewTodoHandler(tasks, testLogger())

		rr := httptest.NewRecorder()
		h.HandleDelete(rr, asUser(jsonRequest(http.MethodDelete, `{}`), "u1"))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Zero(t, tasks.Calls)
	})
}

// ============================================================================
// GET /dashboard
// ============================================================================

func TestTodoHandler_HandleDashboard(t *testing.T) {
	tasks := &MockTaskManager{Tasks: []model.Task{
		{ID: "t1", Title: "A", Completed: true},
		{ID: "t2", Title: "B"},
	}}
	h := handler.NewTodoHandler(tasks, testLogger())

	rr := httptest.NewRecorder()
	h.HandleDashboard(rr, asUser(httptest.NewRequest(http.MethodGet, "/dashboard", nil), "u1"))

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 1, body["completed"])
	assert.EqualValues(t, 1, body["pending"])
	assert.Len(t, body["todos"], 2)
}
