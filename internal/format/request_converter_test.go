package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/pkg/anthropic"
)

func floatPtr(f float64) *float64 { return &f }

func TestConvertBasicTextConversation(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-2.5-pro",
		MaxTokens: 1024,
		System:    "You are helpful.",
		Messages: []anthropic.Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
			{Role: "user", Content: "bye"},
		},
	}

	out := ConvertAnthropicToGoogle(req)

	require.NotNil(t, out.SystemInstruction)
	require.Equal(t, "You are helpful.", out.SystemInstruction.Parts[0].Text)

	require.Len(t, out.Contents, 3)
	require.Equal(t, "user", out.Contents[0].Role)
	require.Equal(t, "model", out.Contents[1].Role)
	require.Equal(t, "user", out.Contents[2].Role)
	require.Equal(t, "hi there", out.Contents[1].Parts[0].Text)

	require.Equal(t, 1024, out.GenerationConfig.MaxOutputTokens)
	require.Nil(t, out.GenerationConfig.ThinkingConfig)
}

func TestConvertSystemBlockList(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "gemini-2.5-pro",
		System: []interface{}{
			map[string]interface{}{"type": "text", "text": "first"},
			map[string]interface{}{"type": "text", "text": "second"},
		},
		Messages: []anthropic.Message{{Role: "user", Content: "hi"}},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.SystemInstruction.Parts, 2)
	require.Equal(t, "first", out.SystemInstruction.Parts[0].Text)
	require.Equal(t, "second", out.SystemInstruction.Parts[1].Text)
}

func TestConvertSamplingParameters(t *testing.T) {
	topK := 40
	req := &anthropic.MessagesRequest{
		Model:         "gemini-2.5-pro",
		MaxTokens:     512,
		Temperature:   floatPtr(0.7),
		TopP:          floatPtr(0.9),
		TopK:          &topK,
		StopSequences: []string{"STOP"},
		Messages:      []anthropic.Message{{Role: "user", Content: "hi"}},
	}

	gc := ConvertAnthropicToGoogle(req).GenerationConfig
	require.Equal(t, 512, gc.MaxOutputTokens)
	require.Equal(t, 0.7, *gc.Temperature)
	require.Equal(t, 0.9, *gc.TopP)
	require.Equal(t, 40, *gc.TopK)
	require.Equal(t, []string{"STOP"}, gc.StopSequences)
}

func TestConvertEmptyContentGetsPlaceholder(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:    "gemini-2.5-pro",
		Messages: []anthropic.Message{{Role: "user", Content: []interface{}{}}},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.Contents, 1)
	require.Equal(t, ".", out.Contents[0].Parts[0].Text)
}

func TestConvertClaudeThinkingConfig(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-opus-4-6-thinking",
		MaxTokens: 8000,
		Thinking:  &anthropic.Thinking{Type: "enabled", BudgetTokens: 4000},
		Messages:  []anthropic.Message{{Role: "user", Content: "hi"}},
	}

	gc := ConvertAnthropicToGoogle(req).GenerationConfig
	require.NotNil(t, gc.ThinkingConfig)
	require.True(t, gc.ThinkingConfig.IncludeThoughts)
	require.Equal(t, 4000, gc.ThinkingConfig.ThinkingBudget)
	require.False(t, gc.ThinkingConfig.IncludeThoughtsGemini)
	require.Equal(t, 8000, gc.MaxOutputTokens)
}

func TestConvertClaudeThinkingBudgetRaisesMaxTokens(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-opus-4-6-thinking",
		MaxTokens: 1000,
		Thinking:  &anthropic.Thinking{Type: "enabled", BudgetTokens: 2000},
		Messages:  []anthropic.Message{{Role: "user", Content: "hi"}},
	}

	gc := ConvertAnthropicToGoogle(req).GenerationConfig
	require.Equal(t, 2000+8192, gc.MaxOutputTokens)
}

func TestConvertGeminiThinkingConfig(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-pro-high",
		MaxTokens: 4096,
		Messages:  []anthropic.Message{{Role: "user", Content: "hi"}},
	}

	gc := ConvertAnthropicToGoogle(req).GenerationConfig
	require.NotNil(t, gc.ThinkingConfig)
	require.True(t, gc.ThinkingConfig.IncludeThoughtsGemini)
	require.Equal(t, 16000, gc.ThinkingConfig.ThinkingBudgetGemini)
	require.False(t, gc.ThinkingConfig.IncludeThoughts)
}

func TestConvertGeminiMaxTokensCapped(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-flash",
		MaxTokens: 64000,
		Messages:  []anthropic.Message{{Role: "user", Content: "hi"}},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Equal(t, config.GeminiMaxOutputTokens, out.GenerationConfig.MaxOutputTokens)
}

func TestConvertToolsClaude(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "claude-sonnet-4-5",
		Tools: []anthropic.Tool{{
			Name:        "get weather!",
			Description: "Fetch weather",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string","minLength":1}},"required":["city"]}`),
		}},
		Messages: []anthropic.Message{{Role: "user", Content: "hi"}},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.Tools, 1)
	decls := out.Tools[0].FunctionDeclarations
	require.Len(t, decls, 1)
	require.Equal(t, "get_weather_", decls[0].Name)

	city := decls[0].Parameters["properties"].(map[string]interface{})["city"].(map[string]interface{})
	require.Equal(t, "STRING", city["type"])
	require.NotContains(t, city, "minLength")

	require.NotNil(t, out.ToolConfig)
	require.Equal(t, "VALIDATED", out.ToolConfig.FunctionCallingConfig.Mode)
}

func TestConvertToolsGeminiHasNoToolConfig(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "gemini-3-flash",
		Tools: []anthropic.Tool{{
			Name:        "lookup",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		Messages: []anthropic.Message{{Role: "user", Content: "hi"}},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.Tools, 1)
	require.Nil(t, out.ToolConfig)
}

func TestConvertClaudeThinkingWithToolsAppendsHint(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:  "claude-opus-4-6-thinking",
		System: "Base prompt.",
		Tools: []anthropic.Tool{{
			Name:        "lookup",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		Messages: []anthropic.Message{{Role: "user", Content: "hi"}},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.SystemInstruction.Parts, 1)
	text := out.SystemInstruction.Parts[0].Text
	require.True(t, strings.HasPrefix(text, "Base prompt."))
	require.Contains(t, text, "Interleaved thinking is enabled")
}

func TestConvertAssistantBlocksReordered(t *testing.T) {
	sig := strings.Repeat("s", 64)
	req := &anthropic.MessagesRequest{
		Model: "claude-opus-4-6-thinking",
		Messages: []anthropic.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "calling a tool"},
				map[string]interface{}{"type": "thinking", "thinking": "let me think", "signature": sig},
				map[string]interface{}{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": map[string]interface{}{}},
			}},
			{Role: "user", Content: []interface{}{
				map[string]interface{}{"type": "tool_result", "tool_use_id": "toolu_1", "content": "result"},
			}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	parts := out.Contents[1].Parts
	require.Len(t, parts, 3)
	require.True(t, parts[0].Thought)
	require.Equal(t, "let me think", parts[0].Text)
	require.Equal(t, "calling a tool", parts[1].Text)
	require.NotNil(t, parts[2].FunctionCall)
}

func TestConvertClaudeDropsUnsignedThoughtParts(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "claude-opus-4-6-thinking",
		Messages: []anthropic.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: []interface{}{
				map[string]interface{}{"type": "thinking", "thinking": "unsigned", "signature": "short"},
				map[string]interface{}{"type": "text", "text": "visible"},
			}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	parts := out.Contents[1].Parts
	require.Len(t, parts, 1)
	require.Equal(t, "visible", parts[0].Text)
	require.False(t, parts[0].Thought)
}

func TestConvertCacheControlStripped(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "gemini-2.5-pro",
		Messages: []anthropic.Message{
			{Role: "user", Content: []interface{}{
				map[string]interface{}{
					"type":          "text",
					"text":          "cached prompt",
					"cache_control": map[string]interface{}{"type": "ephemeral"},
				},
			}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	data, err := json.Marshal(out)
	require.NoError(t, err)
	require.NotContains(t, string(data), "cache_control")
	require.Equal(t, "cached prompt", out.Contents[0].Parts[0].Text)
}
