package model

import "time"

// Task is a single entry on a user's todo list.
//
// UserID is set once at creation and never changes. Every store query that
// touches a task filters on it, which is what keeps one user's list invisible
// to everybody else.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskStats aggregates a user's list. Pending is always Total - Completed.
type TaskStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
}
