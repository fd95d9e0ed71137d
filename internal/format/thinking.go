package format

import (
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// CleanCacheControl strips cache_control from every block. Cloud Code
// rejects the field with "Extra inputs are not permitted".
func CleanCacheControl(messages []Message) []Message {
	cleaned := make([]Message, 0, len(messages))
	removed := 0

	for _, msg := range messages {
		blocks := make([]ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.CacheControl != nil {
				block.CacheControl = nil
				removed++
			}
			blocks = append(blocks, block)
		}
		cleaned = append(cleaned, Message{Role: msg.Role, Content: blocks})
	}

	if removed > 0 {
		utils.Debug("[Format] Removed cache_control from %d block(s)", removed)
	}
	return cleaned
}

func isThinkingBlock(block ContentBlock) bool {
	return block.Type == "thinking" ||
		block.Type == "redacted_thinking" ||
		block.Thinking != "" ||
		block.Thought
}

func hasValidSignature(block ContentBlock) bool {
	sig := block.Signature
	if block.Thought {
		sig = block.ThoughtSignature
	}
	return sig != "" && len(sig) >= config.MinSignatureLength
}

// HasGeminiHistory reports whether the conversation contains Gemini-style
// turns, which carry thoughtSignature on tool_use blocks.
func HasGeminiHistory(messages []Message) bool {
	for _, msg := range messages {
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.ThoughtSignature != "" {
				return true
			}
		}
	}
	return false
}

// HasUnsignedThinkingBlocks reports whether any assistant turn carries a
// thinking block that will be dropped for lack of a signature.
func HasUnsignedThinkingBlocks(messages []Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" && msg.Role != "model" {
			continue
		}
		for _, block := range msg.Content {
			if isThinkingBlock(block) && !hasValidSignature(block) {
				return true
			}
		}
	}
	return false
}

func sanitizeThinkingBlock(block ContentBlock) ContentBlock {
	switch block.Type {
	case "thinking":
		return ContentBlock{Type: "thinking", Thinking: block.Thinking, Signature: block.Signature}
	case "redacted_thinking":
		return ContentBlock{Type: "redacted_thinking", Data: block.Data}
	}
	return block
}

// RestoreThinkingSignatures keeps only signed thinking blocks, sanitized to
// the fields the API accepts.
func RestoreThinkingSignatures(content []ContentBlock) []ContentBlock {
	filtered := make([]ContentBlock, 0, len(content))
	for _, block := range content {
		if block.Type != "thinking" {
			filtered = append(filtered, block)
			continue
		}
		if block.Signature != "" && len(block.Signature) >= config.MinSignatureLength {
			filtered = append(filtered, sanitizeThinkingBlock(block))
		}
	}
	if len(filtered) < len(content) {
		utils.Debug("[Format] Dropped %d unsigned thinking block(s)", len(content)-len(filtered))
	}
	return filtered
}

// RemoveTrailingThinkingBlocks drops unsigned thinking blocks from the tail
// of an assistant message.
func RemoveTrailingThinkingBlocks(content []ContentBlock) []ContentBlock {
	end := len(content)
	for i := len(content) - 1; i >= 0; i-- {
		if !isThinkingBlock(content[i]) {
			break
		}
		if hasValidSignature(content[i]) {
			break
		}
		end = i
	}
	return content[:end]
}

// ReorderAssistantContent orders blocks as thinking, then text, then
// tool_use. The API requires thinking first and tool_use immediately before
// the following tool_result. Empty text blocks are dropped.
func ReorderAssistantContent(content []ContentBlock) []ContentBlock {
	if len(content) <= 1 {
		if len(content) == 1 && (content[0].Type == "thinking" || content[0].Type == "redacted_thinking") {
			return []ContentBlock{sanitizeThinkingBlock(content[0])}
		}
		return content
	}

	var thinking, text, toolUse []ContentBlock
	for _, block := range content {
		switch block.Type {
		case "thinking", "redacted_thinking":
			thinking = append(thinking, sanitizeThinkingBlock(block))
		case "tool_use":
			toolUse = append(toolUse, ContentBlock{
				Type:             "tool_use",
				ID:               block.ID,
				Name:             block.Name,
				Input:            block.Input,
				ThoughtSignature: block.ThoughtSignature,
			})
		case "text":
			if block.Text != "" {
				text = append(text, ContentBlock{Type: "text", Text: block.Text})
			}
		default:
			text = append(text, block)
		}
	}

	out := make([]ContentBlock, 0, len(thinking)+len(text)+len(toolUse))
	out = append(out, thinking...)
	out = append(out, text...)
	out = append(out, toolUse...)
	return out
}

type conversationState struct {
	inToolLoop       bool
	interruptedTool  bool
	turnHasThinking  bool
	toolResultCount  int
	lastAssistantIdx int
}

func analyzeConversation(messages []Message) conversationState {
	state := conversationState{lastAssistantIdx: -1}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" || messages[i].Role == "model" {
			state.lastAssistantIdx = i
			break
		}
	}
	if state.lastAssistantIdx == -1 {
		return state
	}

	last := messages[state.lastAssistantIdx]
	hasToolUse := false
	for _, block := range last.Content {
		if block.Type == "tool_use" {
			hasToolUse = true
		}
		if isThinkingBlock(block) && hasValidSignature(block) {
			state.turnHasThinking = true
		}
	}

	plainUserAfter := false
	for i := state.lastAssistantIdx + 1; i < len(messages); i++ {
		hasResult := false
		for _, block := range messages[i].Content {
			if block.Type == "tool_result" {
				hasResult = true
			}
		}
		if hasResult {
			state.toolResultCount++
		} else if messages[i].Role == "user" {
			plainUserAfter = true
		}
	}

	state.inToolLoop = hasToolUse && state.toolResultCount > 0
	state.interruptedTool = hasToolUse && state.toolResultCount == 0 && plainUserAfter
	return state
}

// NeedsThinkingRecovery reports whether the conversation is inside a tool
// loop (or interrupted tool call) with no valid thinking left, which the
// upstream rejects for thinking models.
func NeedsThinkingRecovery(messages []Message) bool {
	state := analyzeConversation(messages)
	if !state.inToolLoop && !state.interruptedTool {
		return false
	}
	return !state.turnHasThinking
}

// CloseToolLoopForThinking strips invalid thinking blocks and injects
// synthetic turns so the model starts a fresh turn instead of failing
// signature validation.
func CloseToolLoopForThinking(messages []Message, targetFamily string) []Message {
	state := analyzeConversation(messages)
	if !state.inToolLoop && !state.interruptedTool {
		return messages
	}

	modified := stripInvalidThinking(messages, targetFamily)

	if state.interruptedTool {
		insertIdx := state.lastAssistantIdx + 1
		synthetic := Message{
			Role:    "assistant",
			Content: []ContentBlock{{Type: "text", Text: "[Tool call was interrupted.]"}},
		}
		out := make([]Message, 0, len(modified)+1)
		out = append(out, modified[:insertIdx]...)
		out = append(out, synthetic)
		out = append(out, modified[insertIdx:]...)
		utils.Debug("[Format] Thinking recovery applied for interrupted tool")
		return out
	}

	modified = append(modified,
		Message{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: "[Tool execution completed.]"}}},
		Message{Role: "user", Content: []ContentBlock{{Type: "text", Text: "[Continue]"}}},
	)
	utils.Debug("[Format] Thinking recovery applied for tool loop")
	return modified
}

func stripInvalidThinking(messages []Message, targetFamily string) []Message {
	cache := GetGlobalSignatureCache()
	stripped := 0
	out := make([]Message, 0, len(messages))

	for _, msg := range messages {
		filtered := make([]ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if !isThinkingBlock(block) {
				filtered = append(filtered, block)
				continue
			}
			if !hasValidSignature(block) {
				stripped++
				continue
			}
			// Gemini validates signatures strictly; drop unknown or
			// cross-family ones. Claude validates its own.
			if targetFamily == "gemini" {
				sig := block.Signature
				if block.Thought {
					sig = block.ThoughtSignature
				}
				family := cache.GetCachedSignatureFamily(sig)
				if family == "" || family != targetFamily {
					stripped++
					continue
				}
			}
			filtered = append(filtered, block)
		}
		if len(filtered) == 0 {
			// Claude models reject empty text parts.
			filtered = []ContentBlock{{Type: "text", Text: "."}}
		}
		out = append(out, Message{Role: msg.Role, Content: filtered})
	}

	if stripped > 0 {
		utils.Debug("[Format] Stripped %d invalid thinking block(s)", stripped)
	}
	return out
}
