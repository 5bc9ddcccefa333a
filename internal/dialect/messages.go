package dialect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// Messages implements plexus.Transformer for the Anthropic Messages API,
// grounded on the teacher's internal/provider/anthropic/translate.go.
// Canonical (chat-shaped) <-> Anthropic field mapping:
//
//   - chat "system" message      <-> Anthropic top-level "system"
//   - chat "tool" message        <-> Anthropic user message with a
//     tool_result content block
//   - chat assistant tool_calls  <-> Anthropic tool_use content blocks
//   - chat finish_reason         <-> Anthropic stop_reason
type Messages struct{}

func (Messages) Parse(raw []byte) (map[string]any, error) {
	body, err := parseJSON(raw)
	if err != nil {
		return nil, err
	}
	return anthropicToCanonical(raw, body)
}

func (Messages) TransformRequest(body map[string]any) (map[string]any, error) {
	return canonicalToAnthropicRequest(body)
}

func (Messages) TransformResponse(raw []byte) (map[string]any, plexus.Usage, error) {
	canonical, usage, err := anthropicResponseToCanonical(raw)
	if err != nil {
		return nil, plexus.Usage{}, err
	}
	return canonical, usage, nil
}

func (Messages) Endpoint(body map[string]any) string { return "/messages" }

// CanonicalResponseToAnthropic converts a canonical chat-shaped response (the
// shape TransformResponse always produces, regardless of which dialect the
// provider actually spoke on the wire) back into an Anthropic Messages
// response body. internal/server calls this when the client's incoming
// dialect is "messages" but the dispatched target was not, so the client
// still receives the shape it asked for.
func CanonicalResponseToAnthropic(canonical map[string]any) map[string]any {
	choices, _ := canonical["choices"].([]any)
	var message map[string]any
	var finishReason string
	if len(choices) > 0 {
		if c, ok := choices[0].(map[string]any); ok {
			message, _ = c["message"].(map[string]any)
			finishReason, _ = c["finish_reason"].(string)
		}
	}

	var content []any
	if text, ok := message["content"].(string); ok && text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	if toolCalls, ok := message["tool_calls"].([]any); ok {
		for _, raw := range toolCalls {
			tc, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tc["function"].(map[string]any)
			var args any
			if argsRaw, ok := fn["arguments"].(string); ok {
				_ = json.Unmarshal([]byte(argsRaw), &args)
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    tc["id"],
				"name":  fn["name"],
				"input": args,
			})
		}
	}

	usage, _ := canonical["usage"].(map[string]any)
	out := map[string]any{
		"id":          canonical["id"],
		"type":        "message",
		"role":        "assistant",
		"model":       canonical["model"],
		"content":     content,
		"stop_reason": mapCanonicalStopReason(finishReason),
		"usage": map[string]any{
			"input_tokens":  usage["prompt_tokens"],
			"output_tokens": usage["completion_tokens"],
		},
	}
	return out
}

func mapCanonicalStopReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}

// canonicalToAnthropicRequest converts a canonical (chat-shaped) request
// body into an Anthropic Messages request body. Mirrors the teacher's
// translateRequest, generalized from a typed gateway.ChatRequest to an
// opaque map since the canonical shape here has no fixed Go struct.
func canonicalToAnthropicRequest(body map[string]any) (map[string]any, error) {
	out := map[string]any{
		"model":      body["model"],
		"max_tokens": 4096,
	}
	if mt, ok := body["max_tokens"]; ok {
		out["max_tokens"] = mt
	}
	for _, passthroughKey := range []string{"temperature", "top_p", "stream", "tools", "stop_sequences"} {
		if v, ok := body[passthroughKey]; ok {
			out[passthroughKey] = v
		}
	}

	messages, _ := body["messages"].([]any)
	var outMessages []any
	for _, raw := range messages {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		switch role {
		case "system":
			out["system"] = m["content"]
		case "user", "assistant":
			outMessages = append(outMessages, map[string]any{"role": role, "content": m["content"]})
		case "tool":
			toolCallID, _ := m["tool_call_id"].(string)
			outMessages = append(outMessages, map[string]any{
				"role": "user",
				"content": []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": toolCallID,
					"content":     m["content"],
				}},
			})
		}
	}
	out["messages"] = outMessages
	return out, nil
}

// anthropicResponseToCanonical converts a raw Anthropic Messages response
// into a canonical chat-shaped response plus extracted usage. Mirrors the
// teacher's translateResponse.
func anthropicResponseToCanonical(data []byte) (map[string]any, plexus.Usage, error) {
	result := gjson.ParseBytes(data)
	if !result.Exists() {
		return nil, plexus.Usage{}, fmt.Errorf("%w: empty anthropic response", plexus.ErrTransformFailed)
	}

	stopReason := mapAnthropicStopReason(result.Get("stop_reason").String())

	var contentText strings.Builder
	var toolCalls []any
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		}
		return true
	})

	message := map[string]any{"role": "assistant"}
	if contentText.Len() > 0 {
		message["content"] = contentText.String()
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage plexus.Usage
	if u := result.Get("usage"); u.Exists() {
		usage = plexus.Usage{
			InputTokens:      int(u.Get("input_tokens").Int()),
			OutputTokens:     int(u.Get("output_tokens").Int()),
			CachedTokens:     int(u.Get("cache_read_input_tokens").Int()),
			CacheWriteTokens: int(u.Get("cache_creation_input_tokens").Int()),
		}
	}

	canonical := map[string]any{
		"id":      result.Get("id").String(),
		"object":  "chat.completion",
		"model":   result.Get("model").String(),
		"choices": []any{map[string]any{"index": 0, "message": message, "finish_reason": stopReason}},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
		},
	}
	return canonical, usage, nil
}

// anthropicToCanonical converts a raw Anthropic Messages request body into
// the canonical chat shape -- the inverse direction of
// canonicalToAnthropicRequest, needed when "messages" is the incoming
// dialect rather than the target.
func anthropicToCanonical(raw []byte, body map[string]any) (map[string]any, error) {
	result := gjson.ParseBytes(raw)

	out := map[string]any{"model": body["model"]}
	for _, k := range []string{"temperature", "top_p", "stream", "tools"} {
		if v, ok := body[k]; ok {
			out[k] = v
		}
	}
	if mt, ok := body["max_tokens"]; ok {
		out["max_tokens"] = mt
	}

	var messages []any
	if sys := result.Get("system"); sys.Exists() {
		messages = append(messages, map[string]any{"role": "system", "content": sys.Value()})
	}
	result.Get("messages").ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		content := m.Get("content")
		if content.IsArray() {
			var toolResultHandled bool
			content.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "tool_result" {
					var raw any
					_ = json.Unmarshal([]byte(block.Get("content").Raw), &raw)
					messages = append(messages, map[string]any{
						"role":         "tool",
						"tool_call_id": block.Get("tool_use_id").String(),
						"content":      raw,
					})
					toolResultHandled = true
				}
				return true
			})
			if toolResultHandled {
				return true
			}
		}
		messages = append(messages, map[string]any{"role": role, "content": content.Value()})
		return true
	})
	out["messages"] = messages
	return out, nil
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
