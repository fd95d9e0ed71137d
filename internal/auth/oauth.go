// Package auth handles Google OAuth token refresh and credential extraction.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// NetworkError marks a refresh failure caused by the transport rather than
// the credential. The account stays valid.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("token refresh network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TokenInvalidError marks a refresh rejected by the OAuth server. The
// credential is unusable until re-authentication.
type TokenInvalidError struct {
	Code    string
	Message string
}

func (e *TokenInvalidError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("token refresh rejected (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("token refresh rejected (%s)", e.Code)
}

// RefreshResult is a freshly minted access token.
type RefreshResult struct {
	AccessToken      string
	ExpiresIn        int
	ProjectID        string
	ManagedProjectID string
}

// RefreshParts is the decoded form of a composite refresh token. Tokens
// exported from the Antigravity editor carry the project ids appended with
// '|' separators.
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts splits a composite "refreshToken|projectId|managedProjectId"
// value. Plain refresh tokens pass through unchanged.
func ParseRefreshParts(composite string) RefreshParts {
	parts := strings.Split(composite, "|")
	out := RefreshParts{RefreshToken: parts[0]}
	if len(parts) > 1 {
		out.ProjectID = parts[1]
	}
	if len(parts) > 2 {
		out.ManagedProjectID = parts[2]
	}
	return out
}

// Refresher exchanges refresh tokens for access tokens against the Google
// OAuth token endpoint.
type Refresher struct {
	httpClient *http.Client
	tokenURL   string
}

// NewRefresher creates a Refresher against the standard Google endpoint.
func NewRefresher() *Refresher {
	return &Refresher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenURL:   config.OAuth.TokenURL,
	}
}

// NewRefresherWithURL creates a Refresher against a custom token endpoint.
func NewRefresherWithURL(tokenURL string) *Refresher {
	r := NewRefresher()
	r.tokenURL = tokenURL
	return r
}

// RefreshAccessToken performs the refresh_token grant. The composite form of
// the refresh token is accepted; embedded project ids are returned alongside
// the token.
func (r *Refresher) RefreshAccessToken(ctx context.Context, compositeRefreshToken string) (*RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefreshToken)

	form := url.Values{}
	form.Set("client_id", config.OAuth.ClientID)
	form.Set("client_secret", config.OAuth.ClientSecret)
	form.Set("refresh_token", parts.RefreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		if resp.StatusCode >= 500 {
			return nil, &NetworkError{Err: fmt.Errorf("oauth server returned %d", resp.StatusCode)}
		}
		code := oauthErr.Error
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return nil, &TokenInvalidError{Code: code, Message: oauthErr.ErrorDescription}
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, &TokenInvalidError{Code: "empty_token", Message: "token endpoint returned no access_token"}
	}

	return &RefreshResult{
		AccessToken:      token.AccessToken,
		ExpiresIn:        token.ExpiresIn,
		ProjectID:        parts.ProjectID,
		ManagedProjectID: parts.ManagedProjectID,
	}, nil
}

// GetUserEmail looks up the email for an access token.
func (r *Refresher) GetUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuth.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	return info.Email, nil
}

// permanentFailureMarkers identify 401 bodies that mean the credential is
// gone for good, not just stale.
var permanentFailureMarkers = []string{
	"invalid_grant",
	"token has been expired or revoked",
	"token has been revoked",
	"account has been deleted",
	"bad request",
}

// IsPermanentAuthFailure reports whether an upstream auth error body
// indicates a dead credential.
func IsPermanentAuthFailure(body string) bool {
	return utils.ContainsAny(strings.ToLower(body), permanentFailureMarkers)
}
