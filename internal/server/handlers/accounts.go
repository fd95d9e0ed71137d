package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/cloudcode"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// AccountsHandler serves the account admin endpoints.
type AccountsHandler struct {
	accounts *account.Manager
	cfg      *config.Config
}

// NewAccountsHandler creates an AccountsHandler.
func NewAccountsHandler(accounts *account.Manager, cfg *config.Config) *AccountsHandler {
	return &AccountsHandler{accounts: accounts, cfg: cfg}
}

type accountView struct {
	Email         string                            `json:"email"`
	Source        string                            `json:"source"`
	Enabled       bool                              `json:"enabled"`
	Invalid       bool                              `json:"invalid"`
	InvalidReason string                            `json:"invalidReason,omitempty"`
	RateLimits    map[string]*account.RateLimitInfo `json:"rateLimits,omitempty"`
	LastUsed      int64                             `json:"lastUsed,omitempty"`
}

// List returns the pool with masked emails omitted; this is a local admin
// surface, the full email is shown.
func (h *AccountsHandler) List(c *gin.Context) {
	accounts := h.accounts.Accounts()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{
			Email:         a.Email,
			Source:        a.Source,
			Enabled:       a.Enabled,
			Invalid:       a.IsInvalid,
			InvalidReason: a.InvalidReason,
			RateLimits:    a.ModelRateLimits,
			LastUsed:      a.LastUsed,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views, "strategy": h.accounts.StrategyName()})
}

// SetEnabled toggles an account. Body: {"enabled": bool}.
func (h *AccountsHandler) SetEnabled(c *gin.Context) {
	email := c.Param("email")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid body: "+err.Error())
		return
	}
	if err := h.accounts.SetEnabled(email, body.Enabled); err != nil {
		sendError(c, http.StatusNotFound, "not_found_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Delete removes an account from the pool.
func (h *AccountsHandler) Delete(c *gin.Context) {
	email := c.Param("email")
	if err := h.accounts.Remove(email); err != nil {
		sendError(c, http.StatusNotFound, "not_found_error", err.Error())
		return
	}
	utils.Info("[API] Removed account %s", utils.MaskEmail(email))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ResetLimits clears every rate limit in the pool.
func (h *AccountsHandler) ResetLimits(c *gin.Context) {
	h.accounts.ResetAllLimits()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AccountLimits reports live per-model quota for every usable account.
func (h *AccountsHandler) AccountLimits(c *gin.Context) {
	ctx := c.Request.Context()
	out := make(map[string]interface{})

	for _, a := range h.accounts.Accounts() {
		masked := utils.MaskEmail(a.Email)
		if !a.Enabled || a.IsInvalid {
			out[masked] = gin.H{"available": false, "reason": a.InvalidReason}
			continue
		}
		token, err := h.accounts.TokenFor(ctx, a)
		if err != nil {
			out[masked] = gin.H{"available": false, "reason": err.Error()}
			continue
		}
		quotas, err := cloudcode.GetModelQuotas(ctx, token, a.ProjectID, h.cfg.Endpoints)
		if err != nil {
			out[masked] = gin.H{"available": false, "reason": err.Error()}
			continue
		}
		out[masked] = gin.H{"available": true, "quotas": quotas}
	}
	c.JSON(http.StatusOK, out)
}

// RefreshTokenHandler serves POST /refresh-token.
type RefreshTokenHandler struct {
	accounts *account.Manager
}

// NewRefreshTokenHandler creates a RefreshTokenHandler.
func NewRefreshTokenHandler(accounts *account.Manager) *RefreshTokenHandler {
	return &RefreshTokenHandler{accounts: accounts}
}

// RefreshToken drops every cached token so the next request refreshes.
func (h *RefreshTokenHandler) RefreshToken(c *gin.Context) {
	for _, a := range h.accounts.Accounts() {
		h.accounts.ClearTokenCache(a.Email)
	}
	utils.Info("[API] Token caches cleared")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Token caches cleared"})
}
