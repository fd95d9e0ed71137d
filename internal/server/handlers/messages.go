// Package handlers implements the HTTP endpoints of the relay.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/cloudcode"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/format"
	"github.com/kestrelix/antigravity-relay/internal/server/sse"
	"github.com/kestrelix/antigravity-relay/internal/utils"
	"github.com/kestrelix/antigravity-relay/pkg/anthropic"
)

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	accounts   *account.Manager
	dispatcher *cloudcode.Dispatcher
	cfg        *config.Config
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(accounts *account.Manager, dispatcher *cloudcode.Dispatcher, cfg *config.Config) *MessagesHandler {
	return &MessagesHandler{accounts: accounts, dispatcher: dispatcher, cfg: cfg}
}

// Messages handles POST /v1/messages, Anthropic Messages API compatible.
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}

	if len(req.Messages) == 0 {
		sendError(c, http.StatusBadRequest, "invalid_request_error", "messages is required and must be a non-empty array")
		return
	}
	if req.Model == "" {
		sendError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	// When every account is limited for this model, clear the slate once
	// and let the dispatcher re-discover the real state.
	if h.accounts.Count() > 0 && h.accounts.AllRateLimited(req.Model) {
		utils.Warn("[API] All accounts rate limited for %s, resetting for optimistic retry", req.Model)
		h.accounts.ResetAllLimits()
	}

	utils.Info("[API] Request for model %s, stream=%t", req.Model, req.Stream)

	dispatchReq := &cloudcode.Request{
		Model:     req.Model,
		Payload:   format.ConvertAnthropicToGoogle(&req),
		SessionID: cloudcode.DeriveSessionID(req.Messages),
	}

	if req.Stream {
		h.streaming(c, dispatchReq)
	} else {
		h.buffered(c, dispatchReq)
	}
}

func (h *MessagesHandler) buffered(c *gin.Context, req *cloudcode.Request) {
	resp, err := h.dispatcher.Send(c.Request.Context(), req)
	if err != nil {
		utils.Error("[API] Request failed: %v", err)
		status, errType, msg := classifyError(err)
		sendError(c, status, errType, msg)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *MessagesHandler) streaming(c *gin.Context, req *cloudcode.Request) {
	ctx := c.Request.Context()

	// The attempt only commits once the first event arrives, so errors
	// before that still get a proper JSON status.
	stream, err := h.dispatcher.Stream(ctx, req)
	if err != nil {
		utils.Error("[API] Stream failed before first event: %v", err)
		status, errType, msg := classifyError(err)
		sendError(c, status, errType, msg)
		return
	}
	defer stream.Close()

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	writer.SetHeaders()
	writer.Flush()

	if err := writer.WriteEvent(stream.First.Type, stream.First); err != nil {
		utils.Error("[API] Error writing first SSE event: %v", err)
		return
	}

	// Forward every event to closure; the streamer stops on its own when
	// the request context is cancelled. Errs is only consulted afterwards,
	// so buffered tail events are never dropped.
	for event := range stream.Events {
		if err := writer.WriteEvent(event.Type, event); err != nil {
			utils.Error("[API] Error writing SSE event: %v", err)
			return
		}
	}
	if err := <-stream.Errs; err != nil && ctx.Err() == nil {
		utils.Error("[API] Mid-stream error: %v", err)
		_, errType, msg := classifyError(err)
		writer.WriteError(errType, msg)
	}
}

// CountTokens answers POST /v1/messages/count_tokens with an estimate.
// Upstream has no token counting API; clients only use this for display.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"input_tokens": 0})
}

func classifyError(err error) (int, string, string) {
	var de *cloudcode.DispatchError
	if errors.As(err, &de) {
		return de.HTTPStatus(), de.AnthropicErrorType(), de.Message
	}
	return http.StatusInternalServerError, "api_error", err.Error()
}

func sendError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, anthropic.NewErrorResponse(errType, message))
}
