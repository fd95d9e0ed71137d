package format

import (
	"encoding/json"
	"strings"

	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
	"github.com/kestrelix/antigravity-relay/pkg/anthropic"
)

const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."

// ConvertAnthropicToGoogle converts an Anthropic Messages request to the
// Google Generative AI format.
func ConvertAnthropicToGoogle(req *anthropic.MessagesRequest) *GoogleRequest {
	messages := CleanCacheControl(convertAnthropicMessages(req.Messages))

	family := config.GetModelFamily(req.Model)
	isClaude := family == config.ModelFamilyClaude
	isGemini := family == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(req.Model)

	out := &GoogleRequest{
		Contents:         make([]GoogleContent, 0, len(messages)),
		GenerationConfig: &GenerationConfig{},
	}

	if parts := systemParts(req.System); len(parts) > 0 {
		out.SystemInstruction = &GoogleContent{Parts: parts}
	}

	if isClaude && isThinking && len(req.Tools) > 0 {
		appendSystemHint(out, interleavedThinkingHint)
	}

	if isThinking && NeedsThinkingRecovery(messages) {
		switch {
		case isGemini:
			messages = CloseToolLoopForThinking(messages, "gemini")
		case isClaude && (HasGeminiHistory(messages) || HasUnsignedThinkingBlocks(messages)):
			messages = CloseToolLoopForThinking(messages, "claude")
		}
	}

	for _, msg := range messages {
		content := msg.Content
		if (msg.Role == "assistant" || msg.Role == "model") && len(content) > 0 {
			content = RestoreThinkingSignatures(content)
			content = RemoveTrailingThinkingBlocks(content)
			content = ReorderAssistantContent(content)
		}

		parts := ConvertContentToParts(content, isClaude, isGemini)
		if len(parts) == 0 {
			// Cloud Code requires at least one part per content entry.
			parts = []GooglePart{{Text: "."}}
		}
		out.Contents = append(out.Contents, GoogleContent{
			Role:  ConvertRole(msg.Role),
			Parts: parts,
		})
	}

	if isClaude {
		out.Contents = dropUnsignedThoughtParts(out.Contents)
	}

	applyGenerationConfig(out.GenerationConfig, req)
	applyThinkingConfig(out.GenerationConfig, req, isClaude, isGemini, isThinking)
	applyTools(out, req, isClaude)

	if isGemini && out.GenerationConfig.MaxOutputTokens > config.GeminiMaxOutputTokens {
		out.GenerationConfig.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	return out
}

func systemParts(system interface{}) []GooglePart {
	var parts []GooglePart
	switch s := system.(type) {
	case string:
		if s != "" {
			parts = append(parts, GooglePart{Text: s})
		}
	case []interface{}:
		for _, block := range s {
			blockMap, ok := block.(map[string]interface{})
			if !ok || blockMap["type"] != "text" {
				continue
			}
			if text, ok := blockMap["text"].(string); ok && text != "" {
				parts = append(parts, GooglePart{Text: text})
			}
		}
	}
	return parts
}

func appendSystemHint(out *GoogleRequest, hint string) {
	if out.SystemInstruction == nil {
		out.SystemInstruction = &GoogleContent{Parts: []GooglePart{{Text: hint}}}
		return
	}
	parts := out.SystemInstruction.Parts
	if len(parts) > 0 && parts[len(parts)-1].Text != "" {
		parts[len(parts)-1].Text += "\n\n" + hint
		out.SystemInstruction.Parts = parts
		return
	}
	out.SystemInstruction.Parts = append(parts, GooglePart{Text: hint})
}

func applyGenerationConfig(gc *GenerationConfig, req *anthropic.MessagesRequest) {
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = req.MaxTokens
	}
	gc.Temperature = req.Temperature
	gc.TopP = req.TopP
	gc.TopK = req.TopK
	if len(req.StopSequences) > 0 {
		gc.StopSequences = req.StopSequences
	}
}

func applyThinkingConfig(gc *GenerationConfig, req *anthropic.MessagesRequest, isClaude, isGemini, isThinking bool) {
	if !isThinking {
		return
	}

	if isClaude {
		tc := &ThinkingConfig{IncludeThoughts: true}
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			tc.ThinkingBudget = req.Thinking.BudgetTokens
			// The API requires max_tokens to exceed the thinking budget.
			if gc.MaxOutputTokens > 0 && gc.MaxOutputTokens <= tc.ThinkingBudget {
				adjusted := tc.ThinkingBudget + 8192
				utils.Warn("[Format] max_tokens (%d) <= thinking budget (%d), raising to %d",
					gc.MaxOutputTokens, tc.ThinkingBudget, adjusted)
				gc.MaxOutputTokens = adjusted
			}
		}
		gc.ThinkingConfig = tc
		return
	}

	if isGemini {
		budget := 16000
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			budget = req.Thinking.BudgetTokens
		}
		gc.ThinkingConfig = &ThinkingConfig{
			IncludeThoughtsGemini: true,
			ThinkingBudgetGemini:  budget,
		}
	}
}

func applyTools(out *GoogleRequest, req *anthropic.MessagesRequest, isClaude bool) {
	if len(req.Tools) == 0 {
		return
	}

	decls := make([]FunctionDeclaration, 0, len(req.Tools))
	for _, tool := range req.Tools {
		var schema map[string]interface{}
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				utils.Warn("[Format] Bad tool schema for %s: %v", tool.Name, err)
				schema = map[string]interface{}{"type": "object"}
			}
		}
		decls = append(decls, FunctionDeclaration{
			Name:        cleanToolName(tool.Name),
			Description: tool.Description,
			Parameters:  CleanSchema(SanitizeSchema(schema)),
		})
	}

	out.Tools = []GoogleTool{{FunctionDeclarations: decls}}
	if isClaude {
		out.ToolConfig = &ToolConfig{
			FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
		}
	}
}

func dropUnsignedThoughtParts(contents []GoogleContent) []GoogleContent {
	out := make([]GoogleContent, 0, len(contents))
	for _, content := range contents {
		parts := make([]GooglePart, 0, len(content.Parts))
		for _, part := range content.Parts {
			if part.Thought && (part.ThoughtSignature == "" || len(part.ThoughtSignature) < config.MinSignatureLength) {
				continue
			}
			parts = append(parts, part)
		}
		out = append(out, GoogleContent{Role: content.Role, Parts: parts})
	}
	return out
}

func cleanToolName(name string) string {
	if name == "" {
		return "tool"
	}
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}

func convertAnthropicMessages(messages []anthropic.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, Message{
			Role:    msg.Role,
			Content: convertAnthropicContent(msg.Content),
		})
	}
	return out
}

func convertAnthropicContent(content interface{}) []ContentBlock {
	switch c := content.(type) {
	case string:
		return []ContentBlock{{Type: "text", Text: c}}
	case []interface{}:
		out := make([]ContentBlock, 0, len(c))
		for _, item := range c {
			if blockMap, ok := item.(map[string]interface{}); ok {
				out = append(out, blockFromMap(blockMap))
			}
		}
		return out
	case []anthropic.ContentBlock:
		out := make([]ContentBlock, 0, len(c))
		for _, item := range c {
			block := ContentBlock{
				Type:             item.Type,
				Text:             item.Text,
				Thinking:         item.Thinking,
				Signature:        item.Signature,
				ThoughtSignature: item.ThoughtSignature,
				ID:               item.ID,
				Name:             item.Name,
				ToolUseID:        item.ToolUseID,
				Content:          item.Content,
				CacheControl:     item.CacheControl,
			}
			if len(item.Input) > 0 {
				var input map[string]interface{}
				if err := json.Unmarshal(item.Input, &input); err == nil {
					block.Input = input
				}
			}
			if item.Source != nil {
				block.Source = &ImageSource{
					Type:      item.Source.Type,
					MediaType: item.Source.MediaType,
					Data:      item.Source.Data,
					URL:       item.Source.URL,
				}
			}
			out = append(out, block)
		}
		return out
	default:
		return nil
	}
}

func blockFromMap(m map[string]interface{}) ContentBlock {
	block := ContentBlock{}
	block.Type, _ = m["type"].(string)
	block.Text, _ = m["text"].(string)
	block.Thinking, _ = m["thinking"].(string)
	block.Signature, _ = m["signature"].(string)
	block.ThoughtSignature, _ = m["thoughtSignature"].(string)
	block.Thought, _ = m["thought"].(bool)
	block.ID, _ = m["id"].(string)
	block.Name, _ = m["name"].(string)
	block.ToolUseID, _ = m["tool_use_id"].(string)
	block.Data, _ = m["data"].(string)
	if input, ok := m["input"].(map[string]interface{}); ok {
		block.Input = input
	}
	if content := m["content"]; content != nil {
		block.Content = content
	}
	if cc := m["cache_control"]; cc != nil {
		block.CacheControl = cc
	}
	if sourceMap, ok := m["source"].(map[string]interface{}); ok {
		source := &ImageSource{}
		source.Type, _ = sourceMap["type"].(string)
		source.MediaType, _ = sourceMap["media_type"].(string)
		source.Data, _ = sourceMap["data"].(string)
		source.URL, _ = sourceMap["url"].(string)
		block.Source = source
	}
	return block
}
