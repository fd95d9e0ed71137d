package cloudcode

import (
	"github.com/google/uuid"

	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/format"
)

// BuildPayload wraps a converted request in the Cloud Code envelope.
func BuildPayload(projectID, model string, req *format.GoogleRequest, sessionID string) map[string]interface{} {
	request := req.ToMap()
	if sessionID != "" {
		request["sessionId"] = sessionID
	}
	return map[string]interface{}{
		"project":     projectID,
		"model":       model,
		"request":     request,
		"userAgent":   config.UserAgentProduct,
		"requestType": config.RequestType,
		"requestId":   config.RequestType + "-" + uuid.NewString(),
	}
}

// BuildHeaders returns the headers for an authenticated Cloud Code call.
// accept defaults to application/json; SSE callers pass text/event-stream.
func BuildHeaders(accessToken, model, accept string) map[string]string {
	if accept == "" {
		accept = "application/json"
	}
	headers := config.BaseHeaders()
	headers["Authorization"] = "Bearer " + accessToken
	headers["Content-Type"] = "application/json"
	headers["Accept"] = accept
	if config.GetModelFamily(model) == config.ModelFamilyClaude && config.IsThinkingModel(model) {
		headers["anthropic-beta"] = config.InterleavedThinkingBeta
	}
	return headers
}
