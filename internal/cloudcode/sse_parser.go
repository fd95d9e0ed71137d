package cloudcode

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/format"
	"github.com/kestrelix/antigravity-relay/internal/utils"
	"github.com/kestrelix/antigravity-relay/pkg/anthropic"
)

// ParseJSONResponse decodes a buffered generateContent response into
// Anthropic format. Used for non-streaming requests to non-thinking models,
// which the upstream answers as plain JSON.
func ParseJSONResponse(reader io.Reader, originalModel string) (*anthropic.MessagesResponse, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var resp format.GoogleResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := format.ConvertGoogleToAnthropic(&resp, originalModel)
	if len(out.Content) == 0 {
		return nil, newDispatchError(KindEmptyResponse, "no content received from API")
	}
	return out, nil
}

// ParseSSEResponse consumes a Google SSE stream to completion and returns
// the accumulated response in Anthropic format. Used for non-streaming
// requests to thinking models, which the upstream serves over SSE.
func ParseSSEResponse(reader io.Reader, originalModel string) (*anthropic.MessagesResponse, error) {
	cache := format.GetGlobalSignatureCache()

	out := &anthropic.MessagesResponse{
		ID:    "msg_" + generateHexID(16),
		Type:  "message",
		Role:  "assistant",
		Model: originalModel,
	}

	var thinkingText, thinkingSignature, textAccum strings.Builder
	inputTokens := 0
	outputTokens := 0
	cacheReadTokens := 0
	stopReason := ""

	flushThinking := func() {
		if thinkingText.Len() == 0 {
			return
		}
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type:      "thinking",
			Thinking:  thinkingText.String(),
			Signature: thinkingSignature.String(),
		})
		thinkingText.Reset()
		thinkingSignature.Reset()
	}
	flushText := func() {
		if textAccum.Len() == 0 {
			return
		}
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type: "text",
			Text: textAccum.String(),
		})
		textAccum.Reset()
	}

	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
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

		for _, part := range candidate.Content.Parts {
			switch {
			case part.Thought:
				flushText()
				thinkingText.WriteString(part.Text)
				if sig := part.ThoughtSignature; sig != "" && len(sig) >= config.MinSignatureLength {
					thinkingSignature.Reset()
					thinkingSignature.WriteString(sig)
					cache.CacheThinkingSignature(sig, originalModel)
				}

			case part.Text != "":
				flushThinking()
				textAccum.WriteString(part.Text)

			case part.FunctionCall != nil:
				flushThinking()
				flushText()
				stopReason = "tool_use"

				toolID := part.FunctionCall.ID
				if toolID == "" {
					toolID = "toolu_" + generateHexID(12)
				}
				input, err := json.Marshal(part.FunctionCall.Args)
				if err != nil || part.FunctionCall.Args == nil {
					input = []byte("{}")
				}
				block := anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    toolID,
					Name:  part.FunctionCall.Name,
					Input: input,
				}
				if sig := part.ThoughtSignature; sig != "" && len(sig) >= config.MinSignatureLength {
					block.ThoughtSignature = sig
					cache.CacheSignature(toolID, sig)
				}
				out.Content = append(out.Content, block)

			case part.InlineData != nil:
				flushThinking()
				flushText()
				out.Content = append(out.Content, anthropic.ContentBlock{
					Type: "image",
					Source: &anthropic.ImageSource{
						Type:      "base64",
						MediaType: part.InlineData.MimeType,
						Data:      part.InlineData.Data,
					},
				})
			}
		}

		if candidate.FinishReason != "" && stopReason == "" {
			stopReason = mapStreamFinishReason(candidate.FinishReason)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	flushThinking()
	flushText()

	if len(out.Content) == 0 {
		return nil, newDispatchError(KindEmptyResponse, "no content received from API")
	}

	if stopReason == "" {
		stopReason = "end_turn"
	}
	out.StopReason = stopReason
	out.Usage = &anthropic.Usage{
		InputTokens:          maxInt(inputTokens-cacheReadTokens, 0),
		OutputTokens:         outputTokens,
		CacheReadInputTokens: cacheReadTokens,
	}
	return out, nil
}
