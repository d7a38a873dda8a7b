// Package model defines the data structures used throughout the application.
// In Go, we use structs to represent our data — similar to classes in other languages,
// but without inheritance. Go favours composition over inheritance.
package model

import "time"

// Provider tags the sign-in method that created a user account.
type Provider string

const (
	ProviderCredentials Provider = "credentials"
	ProviderGoogle      Provider = "google"
)

// User represents a registered account.
//
// Accounts come from two places: the registration form (credentials) and the
// first Google sign-in for an email we have never seen. The email column is
// UNIQUE in the database, so one email maps to exactly one account no matter
// which path created it.
//
// WHY PasswordHash string (not *string)?
// Federated accounts have no password. We keep the zero value "" for them and
// map it to NULL at the storage boundary. `json:"-"` keeps the hash out of
// every API response, even if a handler serialises the whole struct by mistake.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Provider     Provider  `json:"provider"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasPassword reports whether the account can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}
