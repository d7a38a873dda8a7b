// Package auth provides session tokens, password hashing, Google sign-in and
// the session guard middleware for the task list API.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. The user signs in with email + password, or through Google
//  2. The server issues a signed JWT and stores it in an HttpOnly cookie
//  3. On every protected request the middleware reads the cookie, validates
//     the JWT and puts the caller's identity in the request context
//  4. Handlers pass that identity explicitly to the services
//
// WHY JWT?
// JWT (JSON Web Token) is stateless — the server doesn't need to store session
// data. All the information needed (userID, expiry) is inside the signed token.
// The signature ensures nobody can tamper with it without the secret key.
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: algorithm + token type → {"alg":"HS256","typ":"JWT"}
//	- Payload: claims (data) → {"sub":"userID","exp":1234567890}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
//
// The server can verify the signature without any DB lookup — just the secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "tasklist"

	// DefaultSessionTTL is used when no lifetime is configured.
	DefaultSessionTTL = 24 * time.Hour
)

// TokenService handles JWT creation and validation.
//
// It holds the HMAC secret key used to sign and verify tokens and the fixed
// lifetime every issued session gets.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a TokenService with the given secret and session
// lifetime. A zero ttl falls back to DefaultSessionTTL.
// The secret should be at least 32 bytes of random data in production.
// Example: TASKLIST_AUTH_JWTSECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns the lifetime of issued tokens. Handlers use it for cookie Max-Age.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Identity is what a valid session token proves about its bearer.
type Identity struct {
	UserID    string
	Name      string
	Email     string
	ExpiresAt time.Time
}

// claims is the JWT payload. It embeds jwt.RegisteredClaims which includes
// standard fields like Issuer, Subject, ExpiresAt, IssuedAt.
//
// We use "sub" (Subject) to store the internal user ID. Name and email ride
// along so the session endpoint can answer without a store lookup.
type claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Generate creates and signs a new session token for the given user.
// It returns the signed token and the moment it stops being valid.
//
// Signing algorithm: HS256 (HMAC-SHA256)
// - Symmetric: same key for signing and verifying
// - Fast and simple — good for single-server deployments
func (s *TokenService) Generate(userID, name, email string) (string, time.Time, error) {
	return s.generate(userID, name, email, s.ttl)
}

// GenerateWithDuration creates a token with a custom expiry duration.
// Used in tests to mint already-expired tokens.
func (s *TokenService) GenerateWithDuration(userID string, d time.Duration) (string, error) {
	token, _, err := s.generate(userID, "", "", d)
	return token, err
}

func (s *TokenService) generate(userID, name, email string, d time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("auth: cannot issue a token without a user ID")
	}

	now := s.now()
	expiresAt := now.Add(d)

	c := claims{
		Name:  name,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, expiresAt, nil
}

// Validate parses and verifies a JWT string and returns the identity it
// carries.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid (wasn't tampered with)
//   - Token is not expired (ExpiresAt is in the future)
//   - Issuer matches "tasklist" (prevents tokens from other apps)
//   - Algorithm is HS256 (prevents algorithm confusion attacks)
func (s *TokenService) Validate(tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, errors.New("auth: empty token")
	}

	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth: token expired")
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if c.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}

	return &Identity{
		UserID:    c.Subject,
		Name:      c.Name,
		Email:     c.Email,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}
