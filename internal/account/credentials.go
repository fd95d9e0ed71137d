package account

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelix/antigravity-relay/internal/auth"
	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// RefreshFunc exchanges a (composite) refresh token for an access token.
type RefreshFunc func(ctx context.Context, refreshToken string) (*auth.RefreshResult, error)

// DBReadFunc reads the credential stored by the Antigravity editor.
type DBReadFunc func(dbPath string) (*auth.AuthStatus, error)

type cachedToken struct {
	token       string
	extractedAt int64 // unix ms
}

// Credentials resolves access tokens for accounts, caching them per email
// with a TTL so hot request paths skip the refresh round-trip.
type Credentials struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttlMs   int64
	cache   map[string]*cachedToken
	refresh RefreshFunc
	readDB  DBReadFunc
}

// NewCredentials creates a credential resolver. refresh and readDB may be
// overridden for tests; nil selects the production implementations.
func NewCredentials(clk clock.Clock, ttlMs int64, refresh RefreshFunc, readDB DBReadFunc) *Credentials {
	if refresh == nil {
		refresher := auth.NewRefresher()
		refresh = refresher.RefreshAccessToken
	}
	if readDB == nil {
		readDB = auth.ReadAuthStatus
	}
	return &Credentials{
		clock:   clk,
		ttlMs:   ttlMs,
		cache:   make(map[string]*cachedToken),
		refresh: refresh,
		readDB:  readDB,
	}
}

// TokenFor returns a usable access token for the account, from cache when
// fresh. Refresh failures are typed: *auth.NetworkError is transient,
// *auth.TokenInvalidError means the credential is dead.
func (c *Credentials) TokenFor(ctx context.Context, a *Account) (string, error) {
	now := c.clock.Now().UnixMilli()

	c.mu.Lock()
	if entry, ok := c.cache[a.Email]; ok && now-entry.extractedAt < c.ttlMs {
		token := entry.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	token, err := c.freshToken(ctx, a)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[a.Email] = &cachedToken{token: token, extractedAt: c.clock.Now().UnixMilli()}
	c.mu.Unlock()

	return token, nil
}

func (c *Credentials) freshToken(ctx context.Context, a *Account) (string, error) {
	switch a.Source {
	case SourceOAuth:
		result, err := c.refresh(ctx, a.RefreshToken)
		if err != nil {
			return "", err
		}
		utils.Debug("[Credentials] Refreshed token for %s", utils.MaskEmail(a.Email))
		return result.AccessToken, nil

	case SourceManual:
		if a.APIKey == "" {
			return "", &auth.TokenInvalidError{Code: "missing_key", Message: "manual account has no api key"}
		}
		return a.APIKey, nil

	case SourceLegacyDB:
		status, err := c.readDB(a.DBPath)
		if err != nil {
			return "", &auth.TokenInvalidError{Code: "legacy_db", Message: err.Error()}
		}
		return status.APIKey, nil

	default:
		return "", fmt.Errorf("unknown account source %q", a.Source)
	}
}

// ClearCache drops the cached token for one email.
func (c *Credentials) ClearCache(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, email)
}

// ClearAll drops every cached token.
func (c *Credentials) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cachedToken)
}
