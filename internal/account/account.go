// Package account manages the pool of Google accounts behind the relay:
// persistence, credential caching, rate-limit bookkeeping and selection.
package account

// Account sources.
const (
	SourceOAuth    = "oauth"
	SourceManual   = "manual"
	SourceLegacyDB = "legacy-db"
)

// RateLimitInfo records a per-model rate limit on an account.
type RateLimitInfo struct {
	IsRateLimited bool   `json:"isRateLimited"`
	ResetTime     int64  `json:"resetTime,omitempty"` // unix ms
	Reason        string `json:"reason,omitempty"`
}

// Account is one upstream Google account. Email is the identity key.
type Account struct {
	Email        string `json:"email"`
	Source       string `json:"source"`
	RefreshToken string `json:"refreshToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DBPath       string `json:"dbPath,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`

	Enabled       bool   `json:"enabled"`
	IsInvalid     bool   `json:"isInvalid,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
	InvalidAt     int64  `json:"invalidAt,omitempty"` // unix ms

	// ModelRateLimits is keyed by model name.
	ModelRateLimits map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`

	LastUsed int64 `json:"lastUsed,omitempty"` // unix ms
}

// Limit returns the rate-limit record for a model, or nil.
func (a *Account) Limit(model string) *RateLimitInfo {
	if a.ModelRateLimits == nil {
		return nil
	}
	return a.ModelRateLimits[model]
}

// SetLimit records a rate limit for a model.
func (a *Account) SetLimit(model string, info *RateLimitInfo) {
	if a.ModelRateLimits == nil {
		a.ModelRateLimits = make(map[string]*RateLimitInfo)
	}
	a.ModelRateLimits[model] = info
}

// ClearLimit removes the rate-limit record for a model.
func (a *Account) ClearLimit(model string) {
	delete(a.ModelRateLimits, model)
}

// persistedState is the accounts file layout.
type persistedState struct {
	Accounts    []*Account `json:"accounts"`
	ActiveIndex int        `json:"activeIndex"`
}
