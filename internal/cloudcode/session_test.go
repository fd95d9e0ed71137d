package cloudcode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelix/antigravity-relay/pkg/anthropic"
)

func TestDeriveSessionIDStable(t *testing.T) {
	messages := []anthropic.Message{
		{Role: "user", Content: "hello world"},
		{Role: "assistant", Content: "hi"},
	}

	first := DeriveSessionID(messages)
	second := DeriveSessionID(messages)
	require.Equal(t, first, second)
	require.Len(t, first, 32)
	require.Regexp(t, "^[0-9a-f]{32}$", first)
}

func TestDeriveSessionIDIgnoresLaterTurns(t *testing.T) {
	base := []anthropic.Message{{Role: "user", Content: "hello world"}}
	longer := append(base,
		anthropic.Message{Role: "assistant", Content: "hi"},
		anthropic.Message{Role: "user", Content: "follow-up"},
	)
	require.Equal(t, DeriveSessionID(base), DeriveSessionID(longer))
}

func TestDeriveSessionIDSkipsNonUserMessages(t *testing.T) {
	messages := []anthropic.Message{
		{Role: "assistant", Content: "preamble"},
		{Role: "user", Content: "real question"},
	}
	direct := []anthropic.Message{{Role: "user", Content: "real question"}}
	require.Equal(t, DeriveSessionID(direct), DeriveSessionID(messages))
}

func TestDeriveSessionIDBlockContent(t *testing.T) {
	asBlocks := []anthropic.Message{{
		Role: "user",
		Content: []interface{}{
			map[string]interface{}{"type": "image", "source": map[string]interface{}{}},
			map[string]interface{}{"type": "text", "text": "hello world"},
		},
	}}
	asString := []anthropic.Message{{Role: "user", Content: "hello world"}}
	require.Equal(t, DeriveSessionID(asString), DeriveSessionID(asBlocks))

	typed := []anthropic.Message{{
		Role: "user",
		Content: []anthropic.ContentBlock{
			{Type: "text", Text: "hello world"},
		},
	}}
	require.Equal(t, DeriveSessionID(asString), DeriveSessionID(typed))
}

func TestDeriveSessionIDFallsBackToRandom(t *testing.T) {
	messages := []anthropic.Message{{Role: "assistant", Content: "no user turn"}}
	first := DeriveSessionID(messages)
	second := DeriveSessionID(messages)
	require.NotEqual(t, first, second)
	require.NotEmpty(t, first)
}
