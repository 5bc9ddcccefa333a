package dialect

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// Gemini implements plexus.Transformer for the Google Gemini
// generateContent API, grounded on the teacher's
// internal/provider/gemini/translate.go.
type Gemini struct{}

func (Gemini) Parse(raw []byte) (map[string]any, error) {
	body, err := parseJSON(raw)
	if err != nil {
		return nil, err
	}
	return geminiToCanonical(raw, body)
}

func (Gemini) TransformRequest(body map[string]any) (map[string]any, error) {
	return canonicalToGeminiRequest(body), nil
}

func (Gemini) TransformResponse(raw []byte) (map[string]any, plexus.Usage, error) {
	model, _ := gjson.GetBytes(raw, "model").Value().(string)
	return geminiResponseToCanonical(raw, model)
}

// Endpoint for Gemini depends on body["model"] and body["stream"], per
// §6.1's ":modelWithAction" path segment; the dispatcher's base URL
// resolution appends this to the provider's base URL as usual.
func (Gemini) Endpoint(body map[string]any) string {
	model, _ := body["model"].(string)
	action := "generateContent"
	if stream, _ := body["stream"].(bool); stream {
		action = "streamGenerateContent"
	}
	return "/models/" + model + ":" + action
}

func canonicalToGeminiRequest(body map[string]any) map[string]any {
	out := map[string]any{}

	_, hasTemp := body["temperature"]
	_, hasTopP := body["top_p"]
	_, hasMaxTokens := body["max_tokens"]
	_, hasStop := body["stop"]
	if hasTemp || hasTopP || hasMaxTokens || hasStop {
		genConfig := map[string]any{}
		if v, ok := body["temperature"]; ok {
			genConfig["temperature"] = v
		}
		if v, ok := body["top_p"]; ok {
			genConfig["topP"] = v
		}
		if v, ok := body["max_tokens"]; ok {
			genConfig["maxOutputTokens"] = v
		}
		if v, ok := body["stop"]; ok {
			genConfig["stopSequences"] = v
		}
		out["generationConfig"] = genConfig
	}

	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		var decls []any
		for _, raw := range tools {
			t, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if fn, ok := t["function"]; ok {
				decls = append(decls, fn)
			}
		}
		if len(decls) > 0 {
			out["tools"] = []any{map[string]any{"functionDeclarations": decls}}
		}
	}

	var contents []any
	messages, _ := body["messages"].([]any)
	for _, raw := range messages {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		switch role {
		case "system":
			out["systemInstruction"] = map[string]any{"parts": []any{map[string]any{"text": extractText(m["content"])}}}
		case "user":
			contents = append(contents, map[string]any{"role": "user", "parts": []any{map[string]any{"text": extractText(m["content"])}}})
		case "assistant":
			contents = append(contents, map[string]any{"role": "model", "parts": []any{map[string]any{"text": extractText(m["content"])}}})
		case "tool":
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []any{map[string]any{"functionResponse": map[string]any{
					"name":     m["tool_call_id"],
					"response": m["content"],
				}}},
			})
		}
	}
	out["contents"] = contents
	return out
}

func geminiResponseToCanonical(data []byte, requestModel string) (map[string]any, plexus.Usage, error) {
	r := gjson.ParseBytes(data)
	stopReason := mapGeminiFinishReason(r.Get("candidates.0.finishReason").String())

	var contentText strings.Builder
	var toolCalls []any
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			contentText.WriteString(text.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			toolCalls = append(toolCalls, map[string]any{
				"id":   fc.Get("name").String(),
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": fc.Get("args").Raw,
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
	if u := r.Get("usageMetadata"); u.Exists() {
		usage = plexus.Usage{
			InputTokens:  int(u.Get("promptTokenCount").Int()),
			OutputTokens: int(u.Get("candidatesTokenCount").Int()),
			CachedTokens: int(u.Get("cachedContentTokenCount").Int()),
		}
	}

	canonical := map[string]any{
		"id":      "gemini-" + requestModel,
		"object":  "chat.completion",
		"model":   requestModel,
		"choices": []any{map[string]any{"index": 0, "message": message, "finish_reason": stopReason}},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
		},
	}
	return canonical, usage, nil
}

// CanonicalResponseToGemini converts a canonical chat-shaped response back
// into a Gemini generateContent response body. internal/server calls this
// when the client's incoming dialect is "gemini" but the dispatched target
// was not, so the client still receives the shape it asked for.
func CanonicalResponseToGemini(canonical map[string]any) map[string]any {
	choices, _ := canonical["choices"].([]any)
	var message map[string]any
	var finishReason string
	if len(choices) > 0 {
		if c, ok := choices[0].(map[string]any); ok {
			message, _ = c["message"].(map[string]any)
			finishReason, _ = c["finish_reason"].(string)
		}
	}

	var parts []any
	if text, ok := message["content"].(string); ok && text != "" {
		parts = append(parts, map[string]any{"text": text})
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
			parts = append(parts, map[string]any{"functionCall": map[string]any{"name": fn["name"], "args": args}})
		}
	}

	usage, _ := canonical["usage"].(map[string]any)
	out := map[string]any{
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": mapCanonicalFinishReason(finishReason),
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     usage["prompt_tokens"],
			"candidatesTokenCount": usage["completion_tokens"],
		},
	}
	return out
}

func mapCanonicalFinishReason(reason string) string {
	switch reason {
	case "stop", "tool_calls":
		return "STOP"
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

// geminiToCanonical converts a raw Gemini generateContent request body into
// the canonical chat shape, the inverse of canonicalToGeminiRequest, needed
// when "gemini" is the incoming dialect.
func geminiToCanonical(raw []byte, body map[string]any) (map[string]any, error) {
	r := gjson.ParseBytes(raw)
	out := map[string]any{"model": body["model"]}

	if gc := r.Get("generationConfig"); gc.Exists() {
		if v := gc.Get("temperature"); v.Exists() {
			out["temperature"] = v.Value()
		}
		if v := gc.Get("topP"); v.Exists() {
			out["top_p"] = v.Value()
		}
		if v := gc.Get("maxOutputTokens"); v.Exists() {
			out["max_tokens"] = v.Value()
		}
	}

	var messages []any
	if si := r.Get("systemInstruction"); si.Exists() {
		messages = append(messages, map[string]any{"role": "system", "content": firstPartText(si)})
	}
	r.Get("contents").ForEach(func(_, c gjson.Result) bool {
		role := c.Get("role").String()
		if role == "model" {
			role = "assistant"
		}
		messages = append(messages, map[string]any{"role": role, "content": firstPartText(c)})
		return true
	})
	out["messages"] = messages
	return out, nil
}

func firstPartText(node gjson.Result) string {
	var b strings.Builder
	node.Get("parts").ForEach(func(_, part gjson.Result) bool {
		b.WriteString(part.Get("text").String())
		return true
	})
	return b.String()
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return reason
	}
}

// extractText extracts a plain string from a canonical message's "content"
// field, which may be a bare string or an OpenAI-style multimodal content
// array, mirroring the teacher's extractText.
func extractText(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, partRaw := range v {
			part, ok := partRaw.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t == "text" {
				if text, _ := part["text"].(string); text != "" {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	case json.RawMessage:
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s
		}
		return string(v)
	default:
		return ""
	}
}
