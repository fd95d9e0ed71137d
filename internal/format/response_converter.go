package format

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/kestrelix/antigravity-relay/pkg/anthropic"
)

// ConvertGoogleToAnthropic converts a buffered Google response to an
// Anthropic Messages response. Signatures observed on the way through are
// recorded in the global cache for replay in later turns.
func ConvertGoogleToAnthropic(resp *GoogleResponse, model string) *anthropic.MessagesResponse {
	candidates, usage := unwrapResponse(resp)
	cache := GetGlobalSignatureCache()

	out := &anthropic.MessagesResponse{
		ID:    "msg_" + randomHex(12),
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}

	stopReason := "end_turn"
	hasToolUse := false

	for _, candidate := range candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				hasToolUse = true
				id := part.FunctionCall.ID
				if id == "" {
					id = "toolu_" + randomHex(12)
				}
				input, err := json.Marshal(part.FunctionCall.Args)
				if err != nil || part.FunctionCall.Args == nil {
					input = []byte("{}")
				}
				block := anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    id,
					Name:  part.FunctionCall.Name,
					Input: input,
				}
				if part.ThoughtSignature != "" {
					block.ThoughtSignature = part.ThoughtSignature
					cache.CacheSignature(id, part.ThoughtSignature)
				}
				out.Content = append(out.Content, block)

			case part.Thought:
				block := anthropic.ContentBlock{
					Type:      "thinking",
					Thinking:  part.Text,
					Signature: part.ThoughtSignature,
				}
				if part.ThoughtSignature != "" {
					cache.CacheThinkingSignature(part.ThoughtSignature, model)
				}
				out.Content = append(out.Content, block)

			case part.Text != "":
				out.Content = append(out.Content, anthropic.ContentBlock{
					Type: "text",
					Text: part.Text,
				})
			}
		}
		if candidate.FinishReason != "" {
			stopReason = mapFinishReason(candidate.FinishReason)
		}
	}

	if hasToolUse {
		stopReason = "tool_use"
	}
	out.StopReason = stopReason
	out.Usage = convertUsage(usage)
	return out
}

func unwrapResponse(resp *GoogleResponse) ([]Candidate, *UsageMetadata) {
	if resp == nil {
		return nil, nil
	}
	if resp.Response != nil {
		return resp.Response.Candidates, resp.Response.UsageMetadata
	}
	return resp.Candidates, resp.UsageMetadata
}

func convertUsage(meta *UsageMetadata) *anthropic.Usage {
	if meta == nil {
		return &anthropic.Usage{}
	}
	// promptTokenCount includes cache reads; Anthropic reports them apart.
	inputTokens := meta.PromptTokenCount - meta.CachedContentTokenCount
	if inputTokens < 0 {
		inputTokens = 0
	}
	return &anthropic.Usage{
		InputTokens:          inputTokens,
		OutputTokens:         meta.CandidatesTokenCount,
		CacheReadInputTokens: meta.CachedContentTokenCount,
	}
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "refusal"
	case "MALFORMED_FUNCTION_CALL":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%024x", 0)
	}
	return hex.EncodeToString(buf)
}
