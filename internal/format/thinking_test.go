package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var validSig = strings.Repeat("v", 64)

func TestCleanCacheControl(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{
			{Type: "text", Text: "hi", CacheControl: map[string]interface{}{"type": "ephemeral"}},
			{Type: "text", Text: "plain"},
		}},
	}

	cleaned := CleanCacheControl(messages)
	require.Nil(t, cleaned[0].Content[0].CacheControl)
	require.Equal(t, "hi", cleaned[0].Content[0].Text)
	// Input is not mutated.
	require.NotNil(t, messages[0].Content[0].CacheControl)
}

func TestRemoveTrailingThinkingBlocks(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: "answer"},
		{Type: "thinking", Thinking: "afterthought"},
	}
	trimmed := RemoveTrailingThinkingBlocks(content)
	require.Len(t, trimmed, 1)
	require.Equal(t, "answer", trimmed[0].Text)

	// Signed trailing thinking stays.
	signed := []ContentBlock{
		{Type: "text", Text: "answer"},
		{Type: "thinking", Thinking: "kept", Signature: validSig},
	}
	require.Len(t, RemoveTrailingThinkingBlocks(signed), 2)
}

func TestRestoreThinkingSignaturesFiltersUnsigned(t *testing.T) {
	content := []ContentBlock{
		{Type: "thinking", Thinking: "unsigned"},
		{Type: "thinking", Thinking: "signed", Signature: validSig, CacheControl: "x"},
		{Type: "text", Text: "body"},
	}

	out := RestoreThinkingSignatures(content)
	require.Len(t, out, 2)
	require.Equal(t, "signed", out[0].Thinking)
	// Sanitized to the fields the API accepts.
	require.Nil(t, out[0].CacheControl)
	require.Equal(t, "body", out[1].Text)
}

func TestReorderAssistantContent(t *testing.T) {
	content := []ContentBlock{
		{Type: "tool_use", ID: "toolu_1", Name: "lookup"},
		{Type: "text", Text: ""},
		{Type: "text", Text: "calling"},
		{Type: "thinking", Thinking: "first", Signature: validSig},
	}

	out := ReorderAssistantContent(content)
	require.Len(t, out, 3)
	require.Equal(t, "thinking", out[0].Type)
	require.Equal(t, "text", out[1].Type)
	require.Equal(t, "calling", out[1].Text)
	require.Equal(t, "tool_use", out[2].Type)
}

func TestHasUnsignedThinkingBlocks(t *testing.T) {
	require.False(t, HasUnsignedThinkingBlocks([]Message{
		{Role: "assistant", Content: []ContentBlock{{Type: "thinking", Thinking: "t", Signature: validSig}}},
	}))
	require.True(t, HasUnsignedThinkingBlocks([]Message{
		{Role: "assistant", Content: []ContentBlock{{Type: "thinking", Thinking: "t"}}},
	}))
	// User-side blocks never count.
	require.False(t, HasUnsignedThinkingBlocks([]Message{
		{Role: "user", Content: []ContentBlock{{Type: "thinking", Thinking: "t"}}},
	}))
}

func TestHasGeminiHistory(t *testing.T) {
	require.True(t, HasGeminiHistory([]Message{
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "1", ThoughtSignature: "sig"}}},
	}))
	require.False(t, HasGeminiHistory([]Message{
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "1"}}},
	}))
}

func toolLoopMessages(withThinking bool) []Message {
	assistant := []ContentBlock{
		{Type: "tool_use", ID: "toolu_1", Name: "lookup"},
	}
	if withThinking {
		assistant = append([]ContentBlock{{Type: "thinking", Thinking: "t", Signature: validSig}}, assistant...)
	}
	return []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "question"}}},
		{Role: "assistant", Content: assistant},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "toolu_1", Content: "result"}}},
	}
}

func TestNeedsThinkingRecovery(t *testing.T) {
	require.True(t, NeedsThinkingRecovery(toolLoopMessages(false)))
	require.False(t, NeedsThinkingRecovery(toolLoopMessages(true)))

	// A plain conversation outside any tool loop needs nothing.
	require.False(t, NeedsThinkingRecovery([]Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "hi"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: "hello"}}},
	}))
}

func TestCloseToolLoopAppendsSyntheticTurns(t *testing.T) {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
	messages := toolLoopMessages(false)

	out := CloseToolLoopForThinking(messages, "claude")
	require.Len(t, out, 5)

	closing := out[3]
	require.Equal(t, "assistant", closing.Role)
	require.Equal(t, "[Tool execution completed.]", closing.Content[0].Text)
	require.Equal(t, "user", out[4].Role)
	require.Equal(t, "[Continue]", out[4].Content[0].Text)
}

func TestCloseToolLoopInterruptedToolCall(t *testing.T) {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "question"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "toolu_1", Name: "lookup"}}},
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "never mind, do this instead"}}},
	}

	out := CloseToolLoopForThinking(messages, "claude")
	require.Len(t, out, 4)

	synthetic := out[2]
	require.Equal(t, "assistant", synthetic.Role)
	require.Equal(t, "[Tool call was interrupted.]", synthetic.Content[0].Text)
	require.Equal(t, "never mind, do this instead", out[3].Content[0].Text)
}

func TestCloseToolLoopStripsForeignThinkingForGemini(t *testing.T) {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
	cache := GetGlobalSignatureCache()
	claudeSig := strings.Repeat("c", 64)
	cache.CacheThinkingSignature(claudeSig, "claude-opus-4-6-thinking")
	defer cache.ClearThinkingSignatureCache()

	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "question"}}},
		{Role: "assistant", Content: []ContentBlock{
			{Type: "thinking", Thinking: "claude thought", Signature: claudeSig},
			{Type: "tool_use", ID: "toolu_1", Name: "lookup"},
		}},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "toolu_1", Content: "r"}}},
	}

	out := CloseToolLoopForThinking(messages, "gemini")
	// The claude-signed thinking block cannot survive a gemini turn.
	for _, msg := range out {
		for _, block := range msg.Content {
			require.NotEqual(t, "thinking", block.Type)
		}
	}
}
