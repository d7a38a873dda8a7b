package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/sakif/tasklist/internal/model"
)

const defaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// ErrUnverifiedEmail is returned when Google cannot vouch for the email
// address. Accounts are keyed by email, so an unverified one is never trusted.
var ErrUnverifiedEmail = errors.New("auth: provider email is not verified")

// ProviderIdentity is a verified assertion from a federated identity provider.
// It is the only input the federated sign-in path needs.
type ProviderIdentity struct {
	Provider model.Provider
	Subject  string // provider's stable user id
	Email    string
	Name     string
}

// GoogleConfig holds the OAuth client registration.
//
// AuthURL, TokenURL and UserInfoURL default to Google's production endpoints;
// tests point them at an httptest server.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// Enabled reports whether enough is configured to run the flow.
func (c GoogleConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// googleUserInfo is the portion of the OpenID Connect userinfo response we use.
type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// GoogleProvider wraps golang.org/x/oauth2 for the Google Authorization Code flow.
//
// OAUTH 2.0 AUTHORIZATION CODE FLOW:
//  1. Redirect the user to Google's authorization endpoint with our ClientID.
//  2. The user approves (or denies) the request on Google.
//  3. Google redirects back to RedirectURL with a short-lived "code".
//  4. We exchange the code for an access token (server-to-server call).
//  5. We call the userinfo endpoint with that token to learn who signed in.
type GoogleProvider struct {
	config      *oauth2.Config
	userInfoURL string
}

// NewGoogleProvider creates a GoogleProvider.
//
// Scopes requested: "openid", "email", "profile" — enough for the email
// (our account key) and the display name.
func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	endpoint := endpoints.Google
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = defaultGoogleUserInfoURL
	}

	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     endpoint,
		},
		userInfoURL: userInfoURL,
	}
}

// AuthURL returns the URL to redirect the user to for authorization.
//
// STATE PARAMETER:
// The state is a random string we generate and store in a cookie before
// redirecting. When Google calls back, we verify the returned state matches
// our cookie. This stops CSRF attacks where an attacker tricks your browser
// into completing an OAuth flow for their account.
func (p *GoogleProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange completes the OAuth flow: trades the authorization code for a
// verified identity.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*ProviderIdentity, error) {
	oauthToken, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}

	// oauth2.Config.Client returns an *http.Client that automatically adds
	// the "Authorization: Bearer <token>" header to every request.
	client := p.config.Client(ctx, oauthToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: building userinfo request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: calling Google userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: Google userinfo returned status %d", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("auth: decoding Google userinfo: %w", err)
	}

	if info.Sub == "" {
		return nil, fmt.Errorf("auth: Google returned an empty subject")
	}
	email := strings.TrimSpace(info.Email)
	if email == "" || !info.EmailVerified {
		return nil, ErrUnverifiedEmail
	}

	return &ProviderIdentity{
		Provider: model.ProviderGoogle,
		Subject:  info.Sub,
		Email:    email,
		Name:     strings.TrimSpace(info.Name),
	}, nil
}
