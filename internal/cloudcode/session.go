package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/kestrelix/antigravity-relay/pkg/anthropic"
)

// DeriveSessionID derives a stable session ID from the first user text in
// the conversation, so retries and continuations of the same chat hash to
// the same upstream session. Falls back to a random ID.
func DeriveSessionID(messages []anthropic.Message) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		if text := firstText(msg.Content); text != "" {
			sum := sha256.Sum256([]byte(text))
			return hex.EncodeToString(sum[:])[:32]
		}
	}
	return uuid.NewString()
}

func firstText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		for _, item := range c {
			blockMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if blockMap["type"] == "text" {
				if text, ok := blockMap["text"].(string); ok && text != "" {
					return text
				}
			}
		}
	case []anthropic.ContentBlock:
		for _, block := range c {
			if block.Type == "text" && block.Text != "" {
				return block.Text
			}
		}
	}
	return ""
}
