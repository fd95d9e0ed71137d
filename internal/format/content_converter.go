package format

import (
	"strings"

	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// ConvertRole maps an Anthropic role to a Google role.
func ConvertRole(role string) string {
	if role == "assistant" || role == "model" {
		return "model"
	}
	return "user"
}

// ConvertContentToParts converts message content blocks to Google parts.
// Images inside tool results are deferred to the end of the parts list,
// which is where Cloud Code expects them.
func ConvertContentToParts(content []ContentBlock, isClaudeModel, isGeminiModel bool) []GooglePart {
	parts := make([]GooglePart, 0, len(content))
	var deferredImages []GooglePart
	cache := GetGlobalSignatureCache()

	for _, block := range content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image", "document":
			if block.Source == nil {
				continue
			}
			if block.Source.Type == "base64" {
				parts = append(parts, GooglePart{InlineData: &InlineData{
					MimeType: block.Source.MediaType,
					Data:     block.Source.Data,
				}})
			} else if block.Source.Type == "url" {
				mimeType := block.Source.MediaType
				if mimeType == "" {
					if block.Type == "document" {
						mimeType = "application/pdf"
					} else {
						mimeType = "image/jpeg"
					}
				}
				parts = append(parts, GooglePart{FileData: &FileData{
					MimeType: mimeType,
					FileURI:  block.Source.URL,
				}})
			}

		case "tool_use":
			call := &FunctionCall{Name: block.Name, Args: block.Input}
			if isClaudeModel && block.ID != "" {
				call.ID = block.ID
			}
			part := GooglePart{FunctionCall: call}

			if isGeminiModel {
				// Gemini requires a thoughtSignature on every tool call.
				// Clients strip the field, so fall back to the cache, then
				// to the validator-skip sentinel.
				signature := block.ThoughtSignature
				if signature == "" && block.ID != "" {
					signature = cache.GetCachedSignature(block.ID)
					if signature != "" {
						utils.Debug("[Format] Restored signature from cache for %s", block.ID)
					}
				}
				if signature == "" {
					signature = config.GeminiSkipSignature
				}
				part.ThoughtSignature = signature
			}
			parts = append(parts, part)

		case "tool_result":
			result, images := convertToolResult(block)
			response := &FunctionResponse{
				Name:     orDefault(block.ToolUseID, "unknown"),
				Response: map[string]interface{}{"result": result},
			}
			if isClaudeModel && block.ToolUseID != "" {
				response.ID = block.ToolUseID
			}
			parts = append(parts, GooglePart{FunctionResponse: response})
			deferredImages = append(deferredImages, images...)

		case "thinking":
			if block.Signature == "" || len(block.Signature) < config.MinSignatureLength {
				continue
			}
			if isGeminiModel {
				family := cache.GetCachedSignatureFamily(block.Signature)
				// Cross-family or unknown-origin signatures fail Gemini's
				// validator; drop the block.
				if family != "gemini" {
					utils.Debug("[Format] Dropping thinking block with %s signature origin",
						orDefault(family, "unknown"))
					continue
				}
			}
			parts = append(parts, GooglePart{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})
		}
	}

	return append(parts, deferredImages...)
}

func convertToolResult(block ContentBlock) (string, []GooglePart) {
	var texts []string
	var images []GooglePart

	collect := func(itemType string, text string, source map[string]interface{}) {
		switch itemType {
		case "text":
			if text != "" {
				texts = append(texts, text)
			}
		case "image":
			if source != nil && source["type"] == "base64" {
				mimeType, _ := source["media_type"].(string)
				data, _ := source["data"].(string)
				images = append(images, GooglePart{InlineData: &InlineData{MimeType: mimeType, Data: data}})
			}
		}
	}

	switch c := block.Content.(type) {
	case string:
		return c, nil
	case []interface{}:
		for _, item := range c {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			itemType, _ := itemMap["type"].(string)
			text, _ := itemMap["text"].(string)
			source, _ := itemMap["source"].(map[string]interface{})
			collect(itemType, text, source)
		}
	case []ContentBlock:
		for _, item := range c {
			if item.Type == "image" && item.Source != nil && item.Source.Type == "base64" {
				images = append(images, GooglePart{InlineData: &InlineData{
					MimeType: item.Source.MediaType,
					Data:     item.Source.Data,
				}})
			} else if item.Type == "text" {
				texts = append(texts, item.Text)
			}
		}
	}

	if len(texts) > 0 {
		return strings.Join(texts, "\n"), images
	}
	if len(images) > 0 {
		return "Image attached", images
	}
	return "", images
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
