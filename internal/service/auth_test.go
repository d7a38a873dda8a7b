package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sakif/tasklist/internal/apperror"
	"github.com/sakif/tasklist/internal/auth"
	"github.com/sakif/tasklist/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory implementation of repository.UserRepository.
// Like the real store it enforces unique emails, so the service's
// duplicate handling is exercised end to end.
type fakeUserRepo struct {
	mu      sync.Mutex
	users   map[string]*model.User // keyed by internal ID
	byEmail map[string]*model.User
	nextID  int
	creates int

	// set to a non-nil error to simulate a database failure
	createErr error
	getErr    error

	// beforeCreate runs inside CreateUser before the uniqueness check, to
	// simulate a competing request that wins the race.
	beforeCreate func(f *fakeUserRepo)
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users:   make(map[string]*model.User),
		byEmail: make(map[string]*model.User),
	}
}

func (f *fakeUserRepo) insert(user *model.User) {
	f.nextID++
	user.ID = fmt.Sprintf("user-%d", f.nextID)
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	if user.Provider == "" {
		user.Provider = model.ProviderCredentials
	}
	stored := *user
	f.users[user.ID] = &stored
	f.byEmail[user.Email] = &stored
}

func (f *fakeUserRepo) CreateUser(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	if f.beforeCreate != nil {
		hook := f.beforeCreate
		f.beforeCreate = nil
		hook(f)
	}
	if _, taken := f.byEmail[user.Email]; taken {
		return apperror.DuplicateEmail()
	}
	f.creates++
	f.insert(user)
	return nil
}

func (f *fakeUserRepo) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.byEmail[email]
	if !ok {
		return nil, apperror.NotFound("user", email)
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) GetUserByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) Ping(context.Context) error { return nil }

// fakeRecorder counts what the services report.
type fakeRecorder struct {
	mu      sync.Mutex
	signIns map[string]int // "provider/outcome"
	regs    int
	taskOps map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{signIns: map[string]int{}, taskOps: map[string]int{}}
}

func (r *fakeRecorder) RecordRequest(string, string, int, time.Duration) {}

func (r *fakeRecorder) RecordSignIn(provider, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signIns[provider+"/"+outcome]++
}

func (r *fakeRecorder) RecordRegistration() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs++
}

func (r *fakeRecorder) RecordTaskOperation(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskOps[op]++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestAuthService returns an AuthService wired with fake dependencies.
func newTestAuthService(t *testing.T, repo *fakeUserRepo) (*AuthService, *fakeRecorder) {
	t.Helper()

	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	// Cost 4 is bcrypt minimum — makes tests fast
	ps := auth.NewPasswordServiceForTest(4)

	rec := newFakeRecorder()
	return NewAuthService(repo, ts, ps, rec, testLogger()), rec
}

// =========================================================================
// Register TESTS
// =========================================================================

func TestRegister_ThenAuthenticate(t *testing.T) {
	repo := newFakeUserRepo()
	svc, rec := newTestAuthService(t, repo)

	user, err := svc.Register(context.Background(), "  Ada  ", " ada@example.com ", "secret1")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.ID == "" {
		t.Fatal("Register() returned a user without an ID")
	}
	if user.Name != "Ada" || user.Email != "ada@example.com" {
		t.Errorf("Register() did not trim input: name=%q email=%q", user.Name, user.Email)
	}
	if user.PasswordHash == "" || user.PasswordHash == "secret1" {
		t.Error("Register() must store a hash, never the plaintext")
	}
	if user.Provider != model.ProviderCredentials {
		t.Errorf("Provider = %q, want %q", user.Provider, model.ProviderCredentials)
	}
	if rec.regs != 1 {
		t.Errorf("registrations recorded = %d, want 1", rec.regs)
	}

	signedIn, err := svc.Authenticate(context.Background(), "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("Authenticate() after Register error = %v", err)
	}
	if signedIn.ID != user.ID {
		t.Errorf("Authenticate() ID = %q, want %q", signedIn.ID, user.ID)
	}
	if rec.signIns["credentials/success"] != 1 {
		t.Errorf("credential successes = %d, want 1", rec.signIns["credentials/success"])
	}
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name      string
		userName  string
		email     string
		password  string
		wantField string
	}{
		{"short name", "A", "a@example.com", "secret1", "name"},
		{"whitespace name", "   ", "a@example.com", "secret1", "name"},
		{"bad email", "Ada", "not-an-email", "secret1", "email"},
		{"empty email", "Ada", "", "secret1", "email"},
		{"short password", "Ada", "a@example.com", "12345", "password"},
		{"password over 72 bytes", "Ada", "a@example.com", string(make([]byte, 73)), "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeUserRepo()
			svc, _ := newTestAuthService(t, repo)

			_, err := svc.Register(context.Background(), tt.userName, tt.email, tt.password)
			if !errors.Is(err, apperror.ErrValidation) {
				t.Fatalf("Register() error = %v, want ErrValidation", err)
			}
			var appErr *apperror.AppError
			if errors.As(err, &appErr) && appErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.wantField)
			}
			if repo.creates != 0 {
				t.Error("invalid registration must not reach the store")
			}
		})
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	repo := newFakeUserRepo()
	svc, _ := newTestAuthService(t, repo)

	if _, err := svc.Register(context.Background(), "Ada", "ada@example.com", "secret1"); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	_, err := svc.Register(context.Background(), "Other Ada", "ada@example.com", "another1")
	if !errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("second Register() error = %v, want ErrConflict", err)
	}
	if err.Error() != "User already exists" {
		t.Errorf("message = %q, want %q", err.Error(), "User already exists")
	}
	if repo.creates != 1 {
		t.Errorf("creates = %d, want exactly 1", repo.creates)
	}
}

func TestRegister_DuplicateCaughtByStore(t *testing.T) {
	repo := newFakeUserRepo()
	svc, _ := newTestAuthService(t, repo)

	// A competing registration lands between our lookup and our insert.
	repo.beforeCreate = func(f *fakeUserRepo) {
		f.insert(&model.User{Name: "Winner", Email: "race@example.com", PasswordHash: "x"})
	}

	_, err := svc.Register(context.Background(), "Loser", "race@example.com", "secret1")
	if !errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("Register() error = %v, want ErrConflict", err)
	}
}

func TestRegister_StoreFailure(t *testing.T) {
	repo := newFakeUserRepo()
	repo.createErr = errors.New("disk full")
	svc, _ := newTestAuthService(t, repo)

	_, err := svc.Register(context.Background(), "Ada", "ada@example.com", "secret1")
	if err == nil {
		t.Fatal("Register() should surface store failures")
	}
	if errors.Is(err, apperror.ErrConflict) || errors.Is(err, apperror.ErrValidation) {
		t.Errorf("store failure misclassified: %v", err)
	}
}

// =========================================================================
// Authenticate TESTS
// =========================================================================

func TestAuthenticate_FailuresAreIndistinguishable(t *testing.T) {
	repo := newFakeUserRepo()
	svc, rec := newTestAuthService(t, repo)

	if _, err := svc.Register(context.Background(), "Ada", "ada@example.com", "secret1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// A Google-only account: exists, but has no password.
	repo.insert(&model.User{Name: "Grace", Email: "grace@example.com", Provider: model.ProviderGoogle})

	cases := []struct {
		name     string
		email    string
		password string
	}{
		{"unknown email", "nobody@example.com", "secret1"},
		{"wrong password", "ada@example.com", "wrong-password"},
		{"federated account", "grace@example.com", "secret1"},
	}

	var messages []string
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authenticate(context.Background(), tc.email, tc.password)
			if !errors.Is(err, apperror.ErrUnauthorized) {
				t.Fatalf("Authenticate() error = %v, want ErrUnauthorized", err)
			}
			messages = append(messages, err.Error())
		})
	}

	for _, m := range messages {
		if m != messages[0] {
			t.Errorf("failure messages differ: %q vs %q", m, messages[0])
		}
	}
	if rec.signIns["credentials/failure"] != len(cases) {
		t.Errorf("credential failures = %d, want %d", rec.signIns["credentials/failure"], len(cases))
	}
}

func TestAuthenticate_CorruptHashIsGenericFailure(t *testing.T) {
	repo := newFakeUserRepo()
	repo.insert(&model.User{Name: "Bad", Email: "bad@example.com", PasswordHash: "not-bcrypt"})
	svc, _ := newTestAuthService(t, repo)

	_, err := svc.Authenticate(context.Background(), "bad@example.com", "whatever")
	if !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("Authenticate() error = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_StoreFailure(t *testing.T) {
	repo := newFakeUserRepo()
	repo.getErr = errors.New("connection refused")
	svc, _ := newTestAuthService(t, repo)

	_, err := svc.Authenticate(context.Background(), "ada@example.com", "secret1")
	if err == nil || errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("Authenticate() error = %v, want a non-auth store error", err)
	}
}

// =========================================================================
// AuthenticateWithProvider TESTS
// =========================================================================

func TestAuthenticateWithProvider_CreatesOnce(t *testing.T) {
	repo := newFakeUserRepo()
	svc, rec := newTestAuthService(t, repo)

	id := auth.ProviderIdentity{Provider: model.ProviderGoogle, Subject: "g-1", Email: "grace@example.com", Name: "Grace"}

	first, err := svc.AuthenticateWithProvider(context.Background(), id)
	if err != nil {
		t.Fatalf("first AuthenticateWithProvider() error = %v", err)
	}
	second, err := svc.AuthenticateWithProvider(context.Background(), id)
	if err != nil {
		t.Fatalf("second AuthenticateWithProvider() error = %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("IDs differ: %q vs %q", first.ID, second.ID)
	}
	if repo.creates != 1 {
		t.Errorf("creates = %d, want exactly 1", repo.creates)
	}
	if first.HasPassword() {
		t.Error("federated account must not have a password hash")
	}
	if first.Provider != model.ProviderGoogle {
		t.Errorf("Provider = %q, want %q", first.Provider, model.ProviderGoogle)
	}
	if rec.signIns["google/success"] != 2 {
		t.Errorf("google successes = %d, want 2", rec.signIns["google/success"])
	}
}

func TestAuthenticateWithProvider_ExistingCredentialAccountUnchanged(t *testing.T) {
	repo := newFakeUserRepo()
	svc, _ := newTestAuthService(t, repo)

	registered, err := svc.Register(context.Background(), "Ada", "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	user, err := svc.AuthenticateWithProvider(context.Background(),
		auth.ProviderIdentity{Provider: model.ProviderGoogle, Email: "ada@example.com", Name: "Ada G."})
	if err != nil {
		t.Fatalf("AuthenticateWithProvider() error = %v", err)
	}

	if user.ID != registered.ID {
		t.Errorf("ID = %q, want existing %q", user.ID, registered.ID)
	}
	if user.Provider != model.ProviderCredentials || user.Name != "Ada" {
		t.Errorf("existing account was modified: %+v", user)
	}

	// The password still works afterwards.
	if _, err := svc.Authenticate(context.Background(), "ada@example.com", "secret1"); err != nil {
		t.Errorf("password sign-in broken after federated sign-in: %v", err)
	}
}

func TestAuthenticateWithProvider_LostRaceReadsWinner(t *testing.T) {
	repo := newFakeUserRepo()
	svc, _ := newTestAuthService(t, repo)

	repo.beforeCreate = func(f *fakeUserRepo) {
		f.insert(&model.User{Name: "Winner", Email: "race@example.com", Provider: model.ProviderGoogle})
	}

	user, err := svc.AuthenticateWithProvider(context.Background(),
		auth.ProviderIdentity{Provider: model.ProviderGoogle, Email: "race@example.com"})
	if err != nil {
		t.Fatalf("AuthenticateWithProvider() error = %v", err)
	}
	if user.Name != "Winner" {
		t.Errorf("Name = %q, want the winning record", user.Name)
	}
	if len(repo.byEmail) != 1 {
		t.Errorf("users = %d, want 1", len(repo.byEmail))
	}
}

func TestAuthenticateWithProvider_NameFallsBackToEmail(t *testing.T) {
	repo := newFakeUserRepo()
	svc, _ := newTestAuthService(t, repo)

	user, err := svc.AuthenticateWithProvider(context.Background(),
		auth.ProviderIdentity{Provider: model.ProviderGoogle, Email: "lin@example.com"})
	if err != nil {
		t.Fatalf("AuthenticateWithProvider() error = %v", err)
	}
	if user.Name != "lin" {
		t.Errorf("Name = %q, want %q", user.Name, "lin")
	}
}

func TestAuthenticateWithProvider_MissingEmail(t *testing.T) {
	repo := newFakeUserRepo()
	svc, rec := newTestAuthService(t, repo)

	_, err := svc.AuthenticateWithProvider(context.Background(), auth.ProviderIdentity{Provider: model.ProviderGoogle})
	if !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
	if rec.signIns["google/failure"] != 1 {
		t.Error("failure should be recorded")
	}
}

// =========================================================================
// SESSION TESTS
// =========================================================================

func TestIssueAndValidateSession(t *testing.T) {
	repo := newFakeUserRepo()
	svc, _ := newTestAuthService(t, repo)

	user := &model.User{ID: "user-42", Name: "Ada", Email: "ada@example.com"}
	session, err := svc.IssueSession(user)
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}
	if session.Token == "" {
		t.Fatal("IssueSession() returned an empty token")
	}
	if !session.ExpiresAt.After(time.Now()) {
		t.Error("ExpiresAt should be in the future")
	}

	id, err := svc.ValidateSession(session.Token)
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if id.UserID != "user-42" || id.Email != "ada@example.com" || id.Name != "Ada" {
		t.Errorf("ValidateSession() identity = %+v", id)
	}
}

func TestIssueSession_NoUser(t *testing.T) {
	svc, _ := newTestAuthService(t, newFakeUserRepo())

	if _, err := svc.IssueSession(nil); err == nil {
		t.Error("IssueSession(nil) should fail")
	}
	if _, err := svc.IssueSession(&model.User{}); err == nil {
		t.Error("IssueSession() without an ID should fail")
	}
}

func TestValidateSession_Rejects(t *testing.T) {
	svc, _ := newTestAuthService(t, newFakeUserRepo())

	for _, raw := range []string{"", "garbage", "a.b.c"} {
		_, err := svc.ValidateSession(raw)
		if !errors.Is(err, apperror.ErrUnauthorized) {
			t.Errorf("ValidateSession(%q) error = %v, want ErrUnauthorized", raw, err)
		}
	}
}

// =========================================================================
// GetUser TESTS
// =========================================================================

func TestGetUser(t *testing.T) {
	repo := newFakeUserRepo()
	svc, _ := newTestAuthService(t, repo)

	registered, _ := svc.Register(context.Background(), "Ada", "ada@example.com", "secret1")

	found, err := svc.GetUser(context.Background(), registered.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if found.Email != "ada@example.com" {
		t.Errorf("Email = %q", found.Email)
	}

	if _, err := svc.GetUser(context.Background(), ""); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("GetUser(\"\") error = %v, want ErrValidation", err)
	}
	if _, err := svc.GetUser(context.Background(), "missing"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetUser(missing) error = %v, want ErrNotFound", err)
	}
}
