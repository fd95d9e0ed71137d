package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/cloudcode"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	accounts *account.Manager
	cfg      *config.Config
}

// NewModelsHandler creates a ModelsHandler.
func NewModelsHandler(accounts *account.Manager, cfg *config.Config) *ModelsHandler {
	return &ModelsHandler{accounts: accounts, cfg: cfg}
}

// ListModels fetches the upstream model list using any usable account.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	sel := h.accounts.Select("")
	if sel.Account == nil {
		sendError(c, http.StatusServiceUnavailable, "overloaded_error", "No usable accounts")
		return
	}

	token, err := h.accounts.TokenFor(ctx, sel.Account)
	if err != nil {
		utils.Error("[API] Token for model list failed: %v", err)
		sendError(c, http.StatusServiceUnavailable, "overloaded_error", "Could not authenticate any account")
		return
	}

	list, err := cloudcode.ListModels(ctx, token, h.cfg.Endpoints)
	if err != nil {
		utils.Error("[API] Model list failed: %v", err)
		sendError(c, http.StatusBadGateway, "api_error", "Failed to fetch models from upstream")
		return
	}
	c.JSON(http.StatusOK, list)
}
