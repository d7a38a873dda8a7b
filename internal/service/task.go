// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, enforces rules, orchestrates
//	Repository (Data layer)  → reads/writes to the database
//
// THE DEPENDENCY CHAIN:
//
//	server.New creates:  DB → Repository → Service → Handler
//	At runtime:          Handler calls Service calls Repository calls DB
//
// Services take repository interfaces, never *sqlite.DB, so the tests in
// this package run against in-memory fakes.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sakif/tasklist/internal/apperror"
	"github.com/sakif/tasklist/internal/metrics"
	"github.com/sakif/tasklist/internal/model"
	"github.com/sakif/tasklist/internal/repository"
)

// MaxTitleLength caps a task title, counted in characters.
const MaxTitleLength = 500

// Task operations reported to metrics.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// TaskService handles the per-user todo list.
//
// OWNERSHIP:
// Every method takes the caller's userID explicitly. Reads are filtered by
// it; mutations first load the task and refuse to touch it unless it belongs
// to the caller:
//   - task does not exist         → apperror.ErrNotFound  (404)
//   - task belongs to someone else → apperror.ErrForbidden (403)
//
// The store's UPDATE and DELETE are additionally scoped by (id, user_id).
type TaskService struct {
	repo    repository.TaskRepository
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewTaskService creates a new TaskService.
func NewTaskService(repo repository.TaskRepository, recorder metrics.Recorder, logger *slog.Logger) *TaskService {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &TaskService{
		repo:    repo,
		metrics: recorder,
		logger:  logger,
	}
}

// TaskPatch is a partial update. nil fields are left unchanged; at least
// one must be set.
type TaskPatch struct {
	Title     *string
	Completed *bool
}

// Dashboard is the list plus its aggregate counts, returned in one call.
// TaskStats is embedded so its fields sit at the top level of the JSON.
type Dashboard struct {
	model.TaskStats
	Todos []model.Task `json:"todos"`
}

// List returns the caller's tasks, newest first. Never nil.
func (s *TaskService) List(ctx context.Context, userID string) ([]model.Task, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated()
	}

	tasks, err := s.repo.ListTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/task: listing tasks: %w", err)
	}
	if tasks == nil {
		tasks = []model.Task{}
	}

	return tasks, nil
}

// Create adds a new, incomplete task to the caller's list.
func (s *TaskService) Create(ctx context.Context, userID, title string) (*model.Task, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated()
	}

	title, err := normalizeTitle(title)
	if err != nil {
		return nil, err
	}

	task := &model.Task{
		UserID: userID,
		Title:  title,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("service/task: creating task: %w", err)
	}

	s.metrics.RecordTaskOperation(OpCreate)
	s.logger.Info("task created",
		slog.String("taskID", task.ID),
		slog.String("userID", userID),
	)

	return task, nil
}

// Update applies patch to one of the caller's tasks and returns the result.
func (s *TaskService) Update(ctx context.Context, userID, taskID string, patch TaskPatch) (*model.Task, error) {
	if patch.Title == nil && patch.Completed == nil {
		return nil, apperror.ValidationFailed("", "nothing to update: provide title or completed")
	}

	task, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		title, err := normalizeTitle(*patch.Title)
		if err != nil {
			return nil, err
		}
		task.Title = title
	}
	if patch.Completed != nil {
		task.Completed = *patch.Completed
	}

	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("service/task: updating task %s: %w", taskID, err)
	}

	s.metrics.RecordTaskOperation(OpUpdate)
	s.logger.Info("task updated",
		slog.String("taskID", taskID),
		slog.String("userID", userID),
	)

	return task, nil
}

// SetCompleted marks one of the caller's tasks done or not done.
func (s *TaskService) SetCompleted(ctx context.Context, userID, taskID string, completed bool) (*model.Task, error) {
	return s.Update(ctx, userID, taskID, TaskPatch{Completed: &completed})
}

// Rename changes the title of one of the caller's tasks.
func (s *TaskService) Rename(ctx context.Context, userID, taskID, title string) (*model.Task, error) {
	return s.Update(ctx, userID, taskID, TaskPatch{Title: &title})
}

// Delete removes one of the caller's tasks. Other users' lists are untouched.
func (s *TaskService) Delete(ctx context.Context, userID, taskID string) error {
	if _, err := s.owned(ctx, userID, taskID); err != nil {
		return err
	}

	if err := s.repo.DeleteTask(ctx, taskID, userID); err != nil {
		return fmt.Errorf("service/task: deleting task %s: %w", taskID, err)
	}

	s.metrics.RecordTaskOperation(OpDelete)
	s.logger.Info("task deleted",
		slog.String("taskID", taskID),
		slog.String("userID", userID),
	)

	return nil
}

// Stats returns total, completed and pending counts for the caller.
func (s *TaskService) Stats(ctx context.Context, userID string) (model.TaskStats, error) {
	if userID == "" {
		return model.TaskStats{}, apperror.Unauthenticated()
	}

	stats, err := s.repo.CountTasks(ctx, userID)
	if err != nil {
		return model.TaskStats{}, fmt.Errorf("service/task: counting tasks: %w", err)
	}

	return stats, nil
}

// Dashboard returns the caller's counts together with the full list.
//
// The counts are derived from the list itself rather than a second query, so
// the two can never disagree.
func (s *TaskService) Dashboard(ctx context.Context, userID string) (*Dashboard, error) {
	tasks, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	var stats model.TaskStats
	for _, t := range tasks {
		stats.Total++
		if t.Completed {
			stats.Completed++
		}
	}
	stats.Pending = stats.Total - stats.Completed

	return &Dashboard{TaskStats: stats, Todos: tasks}, nil
}

// owned loads taskID and checks that userID owns it.
func (s *TaskService) owned(ctx context.Context, userID, taskID string) (*model.Task, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated()
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, apperror.ValidationFailed("id", "task ID is required")
	}

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("service/task: getting task %s: %w", taskID, err)
	}

	if task.UserID != userID {
		s.logger.Warn("task access denied",
			slog.String("taskID", taskID),
			slog.String("userID", userID),
		)
		return nil, apperror.Forbidden("you do not have permission to modify this task")
	}

	return task, nil
}

// normalizeTitle trims whitespace and enforces the title rules.
func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", apperror.ValidationFailed("title", "Title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", apperror.ValidationFailed("title",
			fmt.Sprintf("Title must be %d characters or less", MaxTitleLength))
	}
	return title, nil
}
