// Package service — authentication business logic.
//
// AuthService is the Authenticator. It sits between the HTTP handlers and the
// repository/auth utilities:
//
//	AuthHandler (HTTP) → AuthService (business rules) → UserRepository (DB)
//	                   ↘ TokenService (JWT), PasswordService (bcrypt)
//
// KEY RESPONSIBILITIES:
//   - Register credential accounts (validate, hash, store)
//   - Verify email + password without revealing which emails exist
//   - Find-or-create accounts from a verified Google identity
//   - Issue and validate session tokens
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/tasklist/internal/apperror"
	"github.com/sakif/tasklist/internal/auth"
	"github.com/sakif/tasklist/internal/metrics"
	"github.com/sakif/tasklist/internal/model"
	"github.com/sakif/tasklist/internal/repository"
)

// Registration limits.
const (
	MinNameLength     = 2
	MaxNameLength     = 100
	MinPasswordLength = 6
)

// AuthService handles the authentication business logic.
//
// DEPENDENCIES (injected via NewAuthService):
//   - users      repository.UserRepository  → read/write user records
//   - tokens     *auth.TokenService         → generate/validate JWTs
//   - passwords  *auth.PasswordService      → bcrypt hashing
//   - metrics    metrics.Recorder           → sign-in counters
//   - logger     *slog.Logger               → structured logging
type AuthService struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	validate  *validator.Validate
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewAuthService creates an AuthService with all required dependencies.
// Call this in server.go when wiring the dependency graph.
func NewAuthService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *AuthService {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &AuthService{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		metrics:   recorder,
		logger:    logger,
	}
}

// Session is an issued session token and the moment it stops being valid.
// The handler turns it into a cookie; the service never touches HTTP.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Register creates a credentials account.
//
// The handler validates the request body first, but every caller gets the
// same rules here: name at least 2 characters, a well-formed email, and a
// password of 6 characters up to bcrypt's 72-byte limit.
//
// Two checks guard the unique email. The lookup below gives the friendly
// error in the common case; the UNIQUE constraint in the store catches two
// registrations racing past the lookup, and the store reports that as the
// same DuplicateEmail error.
func (s *AuthService) Register(ctx context.Context, name, email, password string) (*model.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	if err := s.validateRegistration(name, email, password); err != nil {
		return nil, err
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil, apperror.DuplicateEmail()
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/auth: checking existing email: %w", err)
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: hashing password: %w", err)
	}

	user := &model.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Provider:     model.ProviderCredentials,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.DuplicateEmail()
		}
		return nil, fmt.Errorf("service/auth: creating user: %w", err)
	}

	s.metrics.RecordRegistration()
	s.logger.Info("user registered",
		slog.String("userID", user.ID),
		slog.String("provider", string(user.Provider)),
	)

	return user, nil
}

// Authenticate verifies an email + password pair.
//
// ACCOUNT ENUMERATION:
// An unknown email, a Google-only account with no password and a wrong
// password all return the identical InvalidCredentials error. For the first
// two we still run a bcrypt comparison against a dummy hash, so the response
// takes the same time whether or not the account exists.
func (s *AuthService) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	email = strings.TrimSpace(email)
	provider := string(model.ProviderCredentials)

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.passwords.VerifyDummy(password)
			s.metrics.RecordSignIn(provider, metrics.OutcomeFailure)
			return nil, apperror.InvalidCredentials()
		}
		return nil, fmt.Errorf("service/auth: looking up user: %w", err)
	}

	if !user.HasPassword() {
		s.passwords.VerifyDummy(password)
		s.metrics.RecordSignIn(provider, metrics.OutcomeFailure)
		return nil, apperror.InvalidCredentials()
	}

	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) {
			// A corrupt stored hash is our problem, not the caller's. Log it
			// and still answer with the generic error.
			s.logger.Error("stored password hash is unusable",
				slog.String("userID", user.ID),
				slog.String("error", err.Error()),
			)
		}
		s.metrics.RecordSignIn(provider, metrics.OutcomeFailure)
		return nil, apperror.InvalidCredentials()
	}

	s.metrics.RecordSignIn(provider, metrics.OutcomeSuccess)
	s.logger.Info("user signed in", slog.String("userID", user.ID), slog.String("provider", provider))

	return user, nil
}

// AuthenticateWithProvider signs in a user vouched for by a federated
// provider. There is no password check: the provider already verified them.
//
// FIND-OR-CREATE BY EMAIL:
//   - Email known     → return that account unchanged, whichever way it was created
//   - Email unknown   → create an account with no password hash
//   - Lost a race     → another request created it between our lookup and
//     insert; the UNIQUE constraint rejects ours, so read theirs back
//
// Calling this any number of times for one email yields exactly one account.
func (s *AuthService) AuthenticateWithProvider(ctx context.Context, id auth.ProviderIdentity) (*model.User, error) {
	email := strings.TrimSpace(id.Email)
	if email == "" {
		s.metrics.RecordSignIn(string(id.Provider), metrics.OutcomeFailure)
		return nil, apperror.ValidationFailed("email", "provider did not supply an email address")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		// existing account
	case errors.Is(err, apperror.ErrNotFound):
		user, err = s.createFederatedUser(ctx, id.Provider, email, id.Name)
		if err != nil {
			s.metrics.RecordSignIn(string(id.Provider), metrics.OutcomeFailure)
			return nil, err
		}
	default:
		s.metrics.RecordSignIn(string(id.Provider), metrics.OutcomeFailure)
		return nil, fmt.Errorf("service/auth: looking up user: %w", err)
	}

	s.metrics.RecordSignIn(string(id.Provider), metrics.OutcomeSuccess)
	s.logger.Info("user signed in",
		slog.String("userID", user.ID),
		slog.String("provider", string(id.Provider)),
	)

	return user, nil
}

func (s *AuthService) createFederatedUser(ctx context.Context, provider model.Provider, email, name string) (*model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}

	user := &model.User{
		Name:     name,
		Email:    email,
		Provider: provider,
	}
	err := s.users.CreateUser(ctx, user)
	if err == nil {
		s.logger.Info("user registered",
			slog.String("userID", user.ID),
			slog.String("provider", string(provider)),
		)
		return user, nil
	}

	if errors.Is(err, apperror.ErrConflict) {
		existing, getErr := s.users.GetUserByEmail(ctx, email)
		if getErr != nil {
			return nil, fmt.Errorf("service/auth: re-reading user after conflict: %w", getErr)
		}
		return existing, nil
	}

	return nil, fmt.Errorf("service/auth: creating federated user: %w", err)
}

// ProviderSignInFailed records a federated sign-in that failed before an
// identity was obtained (state mismatch, code exchange, unverified email).
func (s *AuthService) ProviderSignInFailed(provider model.Provider, err error) {
	s.metrics.RecordSignIn(string(provider), metrics.OutcomeFailure)
	s.logger.Warn("federated sign-in failed",
		slog.String("provider", string(provider)),
		slog.String("error", err.Error()),
	)
}

// IssueSession creates a signed session token for user.
func (s *AuthService) IssueSession(user *model.User) (*Session, error) {
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("service/auth: cannot issue a session without a user")
	}

	token, expiresAt, err := s.tokens.Generate(user.ID, user.Name, user.Email)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for user %s: %w", user.ID, err)
	}

	return &Session{Token: token, ExpiresAt: expiresAt}, nil
}

// ValidateSession checks a raw session token. Missing, malformed, expired and
// tampered tokens all come back as the same Unauthenticated error.
func (s *AuthService) ValidateSession(raw string) (*auth.Identity, error) {
	if raw == "" {
		return nil, apperror.Unauthenticated()
	}
	id, err := s.tokens.Validate(raw)
	if err != nil {
		return nil, apperror.Unauthenticated()
	}
	return id, nil
}

// GetUser loads the account behind a session.
func (s *AuthService) GetUser(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, apperror.ValidationFailed("id", "user ID is required")
	}

	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: getting user %s: %w", id, err)
	}

	return user, nil
}

func (s *AuthService) validateRegistration(name, email, password string) error {
	if n := utf8.RuneCountInString(name); n < MinNameLength {
		return apperror.ValidationFailed("name",
			fmt.Sprintf("Name must be at least %d characters", MinNameLength))
	} else if n > MaxNameLength {
		return apperror.ValidationFailed("name",
			fmt.Sprintf("Name must be %d characters or less", MaxNameLength))
	}

	if err := s.validate.Var(email, "required,email"); err != nil {
		return apperror.ValidationFailed("email", "Invalid email address")
	}

	if utf8.RuneCountInString(password) < MinPasswordLength {
		return apperror.ValidationFailed("password",
			fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	if len(password) > auth.MaxPasswordBytes {
		return apperror.ValidationFailed("password",
			fmt.Sprintf("Password must be at most %d bytes", auth.MaxPasswordBytes))
	}

	return nil
}
