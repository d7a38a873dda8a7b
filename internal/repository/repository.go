// Package repository defines the storage contracts the services depend on.
//
// Services only see these interfaces, never the concrete SQLite type, so the
// service tests can swap in hand-written fakes.
package repository

import (
	"context"

	"github.com/sakif/tasklist/internal/model"
)

// UserRepository persists user accounts.
//
// The store enforces email uniqueness itself: CreateUser returns an error
// wrapping apperror.ErrConflict when the email is already taken, even if two
// registrations race past the service's existence check.
type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	Ping(ctx context.Context) error
}

// TaskRepository persists tasks. Every method that reads or writes more than
// a single known row is scoped by the owner's user id.
type TaskRepository interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// ListTasks returns the user's tasks, newest first.
	ListTasks(ctx context.Context, userID string) ([]model.Task, error)
	// UpdateTask writes title and completed for the row matching
	// (task.ID, task.UserID).
	UpdateTask(ctx context.Context, task *model.Task) error
	DeleteTask(ctx context.Context, id, userID string) error
	CountTasks(ctx context.Context, userID string) (model.TaskStats, error)
}
