package cloudcode

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"

	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/format"
	"github.com/kestrelix/antigravity-relay/internal/utils"
	"github.com/kestrelix/antigravity-relay/pkg/anthropic"
)

// SSEEvent is one Anthropic-format stream event.
type SSEEvent struct {
	Type         string                      `json:"type"`
	Index        int                         `json:"index,omitempty"`
	Message      *anthropic.MessagesResponse `json:"message,omitempty"`
	ContentBlock *anthropic.ContentBlock     `json:"content_block,omitempty"`
	Delta        map[string]interface{}      `json:"delta,omitempty"`
	Usage        *anthropic.Usage            `json:"usage,omitempty"`
}

// StreamSSEResponse transcodes a Google SSE stream to Anthropic stream
// events. Events arrive on the first channel; a terminal failure, if any,
// on the second. Both close when the stream ends or ctx is cancelled.
func StreamSSEResponse(ctx context.Context, reader io.Reader, originalModel string) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		send := func(ev *SSEEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		messageID := "msg_" + generateHexID(16)
		hasEmittedStart := false
		blockIndex := 0
		currentBlockType := ""
		currentThinkingSignature := ""
		inputTokens := 0
		outputTokens := 0
		cacheReadTokens := 0
		stopReason := ""
		cache := format.GetGlobalSignatureCache()

		// Flushes the pending thinking signature as a signature_delta and
		// closes the open block. Returns false on cancellation.
		closeCurrentBlock := func() bool {
			if currentBlockType == "thinking" && currentThinkingSignature != "" {
				if !send(&SSEEvent{
					Type:  "content_block_delta",
					Index: blockIndex,
					Delta: map[string]interface{}{
						"type":      "signature_delta",
						"signature": currentThinkingSignature,
					},
				}) {
					return false
				}
				currentThinkingSignature = ""
			}
			if currentBlockType != "" {
				if !send(&SSEEvent{Type: "content_block_stop", Index: blockIndex}) {
					return false
				}
				blockIndex++
			}
			return true
		}

		scanner := bufio.NewScanner(reader)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if jsonText == "" {
				continue
			}

			var data format.GoogleResponse
			if err := json.Unmarshal([]byte(jsonText), &data); err != nil {
				utils.Warn("[CloudCode] SSE parse error: %v", err)
				continue
			}

			candidates := data.Candidates
			usage := data.UsageMetadata
			if data.Response != nil {
				candidates = data.Response.Candidates
				usage = data.Response.UsageMetadata
			}

			if usage != nil {
				inputTokens = maxInt(inputTokens, usage.PromptTokenCount)
				outputTokens = maxInt(outputTokens, usage.CandidatesTokenCount)
				cacheReadTokens = maxInt(cacheReadTokens, usage.CachedContentTokenCount)
			}

			if len(candidates) == 0 {
				continue
			}
			candidate := candidates[0]
			if candidate.Content == nil {
				if candidate.FinishReason != "" && stopReason == "" {
					stopReason = mapStreamFinishReason(candidate.FinishReason)
				}
				continue
			}
			parts := candidate.Content.Parts

			if !hasEmittedStart && len(parts) > 0 {
				hasEmittedStart = true
				if !send(&SSEEvent{
					Type: "message_start",
					Message: &anthropic.MessagesResponse{
						ID:      messageID,
						Type:    "message",
						Role:    "assistant",
						Content: []anthropic.ContentBlock{},
						Model:   originalModel,
						Usage: &anthropic.Usage{
							InputTokens:          maxInt(inputTokens-cacheReadTokens, 0),
							CacheReadInputTokens: cacheReadTokens,
						},
					},
				}) {
					return
				}
			}

			for _, part := range parts {
				switch {
				case part.Thought:
					if currentBlockType != "thinking" {
						if !closeCurrentBlock() {
							return
						}
						currentBlockType = "thinking"
						currentThinkingSignature = ""
						if !send(&SSEEvent{
							Type:         "content_block_start",
							Index:        blockIndex,
							ContentBlock: &anthropic.ContentBlock{Type: "thinking"},
						}) {
							return
						}
					}
					if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
						currentThinkingSignature = part.ThoughtSignature
						cache.CacheThinkingSignature(part.ThoughtSignature, originalModel)
					}
					if !send(&SSEEvent{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]interface{}{
							"type":     "thinking_delta",
							"thinking": part.Text,
						},
					}) {
						return
					}

				case part.Text != "":
					if currentBlockType != "text" {
						if !closeCurrentBlock() {
							return
						}
						currentBlockType = "text"
						if !send(&SSEEvent{
							Type:         "content_block_start",
							Index:        blockIndex,
							ContentBlock: &anthropic.ContentBlock{Type: "text"},
						}) {
							return
						}
					}
					if !send(&SSEEvent{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]interface{}{
							"type": "text_delta",
							"text": part.Text,
						},
					}) {
						return
					}

				case part.FunctionCall != nil:
					if !closeCurrentBlock() {
						return
					}
					currentBlockType = "tool_use"
					stopReason = "tool_use"

					toolID := part.FunctionCall.ID
					if toolID == "" {
						toolID = "toolu_" + generateHexID(12)
					}
					block := &anthropic.ContentBlock{
						Type: "tool_use",
						ID:   toolID,
						Name: part.FunctionCall.Name,
					}
					if sig := part.ThoughtSignature; sig != "" && len(sig) >= config.MinSignatureLength {
						block.ThoughtSignature = sig
						cache.CacheSignature(toolID, sig)
					}
					if !send(&SSEEvent{Type: "content_block_start", Index: blockIndex, ContentBlock: block}) {
						return
					}
					argsJSON, _ := json.Marshal(part.FunctionCall.Args)
					if !send(&SSEEvent{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]interface{}{
							"type":         "input_json_delta",
							"partial_json": string(argsJSON),
						},
					}) {
						return
					}

				case part.InlineData != nil:
					if !closeCurrentBlock() {
						return
					}
					if !send(&SSEEvent{
						Type:  "content_block_start",
						Index: blockIndex,
						ContentBlock: &anthropic.ContentBlock{
							Type: "image",
							Source: &anthropic.ImageSource{
								Type:      "base64",
								MediaType: part.InlineData.MimeType,
								Data:      part.InlineData.Data,
							},
						},
					}) {
						return
					}
					if !send(&SSEEvent{Type: "content_block_stop", Index: blockIndex}) {
						return
					}
					blockIndex++
					currentBlockType = ""
				}
			}

			if candidate.FinishReason != "" && stopReason == "" {
				stopReason = mapStreamFinishReason(candidate.FinishReason)
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}

		if !hasEmittedStart {
			utils.Warn("[CloudCode] No content parts received from upstream")
			errs <- newDispatchError(KindEmptyResponse, "no content parts received from API")
			return
		}

		if !closeCurrentBlock() {
			return
		}

		if stopReason == "" {
			stopReason = "end_turn"
		}
		if !send(&SSEEvent{
			Type: "message_delta",
			Delta: map[string]interface{}{
				"stop_reason":   stopReason,
				"stop_sequence": nil,
			},
			Usage: &anthropic.Usage{
				OutputTokens:         outputTokens,
				CacheReadInputTokens: cacheReadTokens,
			},
		}) {
			return
		}
		send(&SSEEvent{Type: "message_stop"})
	}()

	return events, errs
}

func mapStreamFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func generateHexID(length int) string {
	bytes := make([]byte, length)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
