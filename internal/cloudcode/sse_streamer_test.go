package cloudcode

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, body, model string) []*SSEEvent {
	t.Helper()
	events, errs := StreamSSEResponse(context.Background(), strings.NewReader(body), model)

	var out []*SSEEvent
	for ev := range events {
		out = append(out, ev)
	}
	require.NoError(t, <-errs)
	return out
}

func eventTypes(events []*SSEEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestStreamTextEventSequence(t *testing.T) {
	body := sseBody(
		`{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}],"usageMetadata":{"promptTokenCount":12}}`,
		`{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":4}}`,
	)

	events := collectEvents(t, body, "claude-sonnet-4-5")
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	start := events[0]
	require.Equal(t, "claude-sonnet-4-5", start.Message.Model)
	require.Equal(t, 12, start.Message.Usage.InputTokens)

	require.Equal(t, "text", events[1].ContentBlock.Type)
	require.Equal(t, "Hel", events[2].Delta["text"])
	require.Equal(t, "lo", events[3].Delta["text"])

	delta := events[5]
	require.Equal(t, "end_turn", delta.Delta["stop_reason"])
	require.Equal(t, 4, delta.Usage.OutputTokens)
}

func TestStreamThinkingSignatureFlushedOnTransition(t *testing.T) {
	sig := strings.Repeat("x", 64)
	body := sseBody(
		`{"candidates":[{"content":{"parts":[{"text":"hmm","thought":true,"thoughtSignature":"`+sig+`"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"answer"}]},"finishReason":"STOP"}]}`,
	)

	events := collectEvents(t, body, "gemini-3-pro-high")
	require.Equal(t, []string{
		"message_start",
		"content_block_start", // thinking
		"content_block_delta", // thinking_delta
		"content_block_delta", // signature_delta
		"content_block_stop",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	require.Equal(t, "thinking", events[1].ContentBlock.Type)
	require.Equal(t, "thinking_delta", events[2].Delta["type"])
	require.Equal(t, "hmm", events[2].Delta["thinking"])
	require.Equal(t, "signature_delta", events[3].Delta["type"])
	require.Equal(t, sig, events[3].Delta["signature"])

	// Block indexes advance across the transition.
	require.Equal(t, 0, events[1].Index)
	require.Equal(t, 1, events[5].Index)
}

func TestStreamToolUseEvents(t *testing.T) {
	body := sseBody(
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":"go"}}}]},"finishReason":"STOP"}]}`,
	)

	events := collectEvents(t, body, "gemini-3-flash")
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	block := events[1].ContentBlock
	require.Equal(t, "tool_use", block.Type)
	require.Equal(t, "lookup", block.Name)
	require.True(t, strings.HasPrefix(block.ID, "toolu_"))

	require.Equal(t, "input_json_delta", events[2].Delta["type"])
	require.JSONEq(t, `{"q":"go"}`, events[2].Delta["partial_json"].(string))

	require.Equal(t, "tool_use", events[4].Delta["stop_reason"])
}

func TestStreamEmptyUpstreamReportsError(t *testing.T) {
	events, errs := StreamSSEResponse(context.Background(), strings.NewReader(""), "m")

	for range events {
		t.Fatal("no events expected from an empty stream")
	}
	err := <-errs
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	require.Equal(t, KindEmptyResponse, de.Kind)
}

func TestStreamStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// Unbuffered consumption: cancel after the first event and stop reading.
	body := sseBody(
		`{"candidates":[{"content":{"parts":[{"text":"`+strings.Repeat("a", 1000)+`"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"more"}]},"finishReason":"STOP"}]}`,
	)

	events, errs := StreamSSEResponse(ctx, strings.NewReader(body), "m")
	<-events
	cancel()

	// The goroutine must terminate and close both channels.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				if _, open := <-errs; open {
					t.Fatal("errs should close without a value on cancellation")
				}
				return
			}
		case <-deadline:
			t.Fatal("stream goroutine did not exit after cancellation")
		}
	}
}

func TestStreamMessageStartWaitsForContent(t *testing.T) {
	// Usage-only frames before the first content part must not emit
	// message_start on their own.
	body := sseBody(
		`{"usageMetadata":{"promptTokenCount":42}}`,
		`{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":42,"candidatesTokenCount":1}}`,
	)

	events := collectEvents(t, body, "m")
	require.Equal(t, "message_start", events[0].Type)
	require.Equal(t, 42, events[0].Message.Usage.InputTokens)
}
