package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/config"
)

// HealthHandler serves GET /health.
type HealthHandler struct {
	accounts *account.Manager
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(accounts *account.Manager) *HealthHandler {
	return &HealthHandler{accounts: accounts}
}

// Health reports relay status and a pool summary.
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.accounts.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  config.Version,
		"strategy": h.accounts.StrategyName(),
		"accounts": status,
	})
}
