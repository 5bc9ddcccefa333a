package inspector

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSSELine(t *testing.T) {
	event, data, ok := ParseSSELine("data: hello")
	assert.True(t, ok)
	assert.Equal(t, "hello", data)
	assert.Equal(t, "", event)

	event, _, ok = ParseSSELine("event: content_block_start")
	assert.True(t, ok)
	assert.Equal(t, "content_block_start", event)

	_, _, ok = ParseSSELine(": this is a comment")
	assert.False(t, ok)

	_, _, ok = ParseSSELine("")
	assert.False(t, ok)
}

func TestCaptureTruncatesAtCeiling(t *testing.T) {
	c := &Capture{}
	big := bytes.Repeat([]byte("a"), captureCeiling+1024)
	n, err := c.Write(big)
	require.NoError(t, err)
	assert.Equal(t, len(big), n)
	assert.LessOrEqual(t, len(c.Bytes()), captureCeiling+len(truncationMarker))
	assert.Contains(t, string(c.Bytes()), "[truncated]")
}

func TestChatReducerAccumulatesContentAndToolCalls(t *testing.T) {
	r := NewChatReducer()
	r.Reduce("", []byte(`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"He"}}]}`))
	r.Reduce("", []byte(`{"choices":[{"index":0,"delta":{"content":"llo"}}]}`))
	r.Reduce("", []byte(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"c"}}]}}]}`))
	r.Reduce("", []byte(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ity\":\"nyc\"}"}}]}}],"finish_reason":"tool_calls"}`))
	r.Reduce("", []byte(`{"choices":[{"index":0,"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":5,"completion_tokens":3}}`))

	snapshot, usage := r.Snapshot()
	assert.Equal(t, 5, usage.InputTokens)
	assert.Equal(t, 3, usage.OutputTokens)
	choices := snapshot["choices"].([]any)
	require.Len(t, choices, 1)
	choice := choices[0].(map[string]any)
	message := choice["message"].(map[string]any)
	assert.Equal(t, "Hello", message["content"])
	tc := message["tool_calls"].([]any)[0].(map[string]any)
	fn := tc["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.Equal(t, `{"city":"nyc"}`, fn["arguments"])
}

func TestMessagesReducerAccumulatesTextAndToolUse(t *testing.T) {
	r := NewMessagesReducer()
	r.Reduce("message_start", []byte(`{"message":{"id":"msg_1","model":"claude-3","usage":{"input_tokens":4}}}`))
	r.Reduce("content_block_start", []byte(`{"index":0,"content_block":{"type":"text"}}`))
	r.Reduce("content_block_delta", []byte(`{"index":0,"delta":{"type":"text_delta","text":"hi "}}`))
	r.Reduce("content_block_delta", []byte(`{"index":0,"delta":{"type":"text_delta","text":"there"}}`))
	r.Reduce("content_block_start", []byte(`{"index":1,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`))
	r.Reduce("content_block_delta", []byte(`{"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`))
	r.Reduce("content_block_delta", []byte(`{"index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`))
	r.Reduce("message_delta", []byte(`{"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`))

	snapshot, usage := r.Snapshot()
	assert.Equal(t, 4, usage.InputTokens)
	assert.Equal(t, 7, usage.OutputTokens)
	assert.Equal(t, "tool_use", snapshot["stop_reason"])
	content := snapshot["content"].([]any)
	require.Len(t, content, 2)
	textBlock := content[0].(map[string]any)
	assert.Equal(t, "hi there", textBlock["text"])
	toolBlock := content[1].(map[string]any)
	assert.Equal(t, map[string]any{"q": "x"}, toolBlock["input"])
}

func TestGeminiReducerMergesPerCandidate(t *testing.T) {
	r := NewGeminiReducer()
	r.Reduce("", []byte(`{"candidates":[{"index":0,"content":{"parts":[{"text":"Hel"}]}}]}`))
	r.Reduce("", []byte(`{"candidates":[{"index":0,"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":1}}`))

	snapshot, usage := r.Snapshot()
	assert.Equal(t, 2, usage.InputTokens)
	candidates := snapshot["candidates"].([]any)
	require.Len(t, candidates, 1)
	cand := candidates[0].(map[string]any)
	assert.Equal(t, "STOP", cand["finishReason"])
	parts := cand["content"].(map[string]any)["parts"].([]any)
	assert.Equal(t, "Hello", parts[0].(map[string]any)["text"])
}

func TestOAuthReducerRemapsUsageShape(t *testing.T) {
	r := NewOAuthReducer()
	r.Reduce("text_delta", []byte(`{"contentIndex":0,"text":"hi"}`))
	r.Reduce("done", []byte(`{"usage":{"input":3,"output":2,"cacheRead":1,"cacheWrite":0,"totalTokens":6}}`))

	snapshot, usage := r.Snapshot()
	assert.Equal(t, 3, usage.InputTokens)
	assert.True(t, snapshot["done"].(bool))
	usageMap := snapshot["usage"].(map[string]any)
	assert.Equal(t, 3, usageMap["input_tokens"])
	assert.Equal(t, 1, usageMap["cached_tokens"])
}

func TestResponsesReducerBuildsOutputItems(t *testing.T) {
	r := NewResponsesReducer()
	r.Reduce("response.created", []byte(`{"response":{"id":"resp_1","model":"gpt-4o","status":"in_progress"}}`))
	r.Reduce("response.output_item.added", []byte(`{"output_index":0,"item":{"type":"message"}}`))
	r.Reduce("response.output_text.delta", []byte(`{"output_index":0,"content_index":0,"delta":"hi"}`))
	r.Reduce("response.output_item.done", []byte(`{"output_index":0,"item":{"type":"message"}}`))
	r.Reduce("response.completed", []byte(`{"response":{"status":"completed","usage":{"input_tokens":3,"output_tokens":2}}}`))

	snapshot, usage := r.Snapshot()
	assert.Equal(t, "completed", snapshot["status"])
	assert.Equal(t, 3, usage.InputTokens)
	output := snapshot["output"].([]any)
	require.Len(t, output, 1)
}

func TestRunStreamTeesAndStopsAtDoneSentinel(t *testing.T) {
	sse := "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"
	var out bytes.Buffer
	snapshot, _, err := RunStream(context.Background(), NewChatReducer(), strings.NewReader(sse), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "data: {")
	choices := snapshot["choices"].([]any)
	require.Len(t, choices, 1)
}
