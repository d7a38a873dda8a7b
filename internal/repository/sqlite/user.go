package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/tasklist/internal/apperror"
	"github.com/sakif/tasklist/internal/model"
	"github.com/sakif/tasklist/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, name, email, password_hash, provider, created_at, updated_at`

// CreateUser inserts a new user and fills in ID and timestamps.
//
// UNIQUENESS IS THE DATABASE'S JOB:
// The service checks for an existing email first, but two concurrent
// registrations can both pass that check. The UNIQUE constraint on
// users.email rejects the second INSERT, and we translate that into the
// same DuplicateEmail error the service would have returned.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	user.ID = xid.New().String()
	ts := now()
	user.CreatedAt = ts
	user.UpdatedAt = ts
	if user.Provider == "" {
		user.Provider = model.ProviderCredentials
	}

	// Federated accounts have no password: store NULL, not "".
	var hash sql.NullString
	if user.PasswordHash != "" {
		hash = sql.NullString{String: user.PasswordHash, Valid: true}
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Name,
		user.Email,
		hash,
		string(user.Provider),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.DuplicateEmail()
		}
		return fmt.Errorf("sqlite: inserting user: %w", err)
	}

	return nil
}

// GetUserByEmail looks up a user by exact email.
// Returns apperror.ErrNotFound if no user has that email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", email)
		}
		return nil, fmt.Errorf("sqlite: getting user by email: %w", err)
	}
	return u, nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}
	return u, nil
}

// scanUser reads one users row. password_hash is nullable, so it goes
// through sql.NullString before landing in the model's plain string.
func scanUser(row *sql.Row) (*model.User, error) {
	var (
		u        model.User
		hash     sql.NullString
		provider string
	)
	if err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&hash,
		&provider,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	u.PasswordHash = hash.String
	u.Provider = model.Provider(provider)
	return &u, nil
}
