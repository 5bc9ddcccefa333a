package inspector

import (
	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// ChatReducer folds OpenAI Chat Completions stream chunks, keyed by
// choice.index, per §4.6: role set once, content/reasoning_content/refusal
// concatenated, tool_calls indexed by tool.index with the function name
// set once and arguments string-concatenated, finish_reason overwritten on
// last presence.
type ChatReducer struct {
	id, model string
	object    string
	choices   map[int64]*chatChoice
	order     []int64
	usage     plexus.Usage
}

type chatChoice struct {
	role            string
	content         string
	reasoningContent string
	refusal         string
	finishReason    string
	toolCalls       map[int64]*chatToolCall
	toolOrder       []int64
}

type chatToolCall struct {
	id, typ, name string
	arguments     string
}

// NewChatReducer returns an empty ChatReducer.
func NewChatReducer() *ChatReducer {
	return &ChatReducer{choices: map[int64]*chatChoice{}}
}

func (r *ChatReducer) Reduce(_ string, data []byte) {
	result := gjson.ParseBytes(data)
	if id := result.Get("id"); id.Exists() {
		r.id = id.String()
	}
	if model := result.Get("model"); model.Exists() {
		r.model = model.String()
	}
	if object := result.Get("object"); object.Exists() {
		r.object = object.String()
	}

	result.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		idx := choice.Get("index").Int()
		c, ok := r.choices[idx]
		if !ok {
			c = &chatChoice{toolCalls: map[int64]*chatToolCall{}}
			r.choices[idx] = c
			r.order = append(r.order, idx)
		}

		delta := choice.Get("delta")
		if !delta.Exists() {
			delta = choice.Get("message")
		}
		if role := delta.Get("role"); role.Exists() && c.role == "" {
			c.role = role.String()
		}
		if v := delta.Get("content"); v.Exists() && v.Type == gjson.String {
			c.content += v.String()
		}
		if v := delta.Get("reasoning_content"); v.Exists() && v.Type == gjson.String {
			c.reasoningContent += v.String()
		}
		if v := delta.Get("refusal"); v.Exists() && v.Type == gjson.String {
			c.refusal += v.String()
		}
		if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type == gjson.String {
			c.finishReason = fr.String()
		}

		delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			tIdx := tc.Get("index").Int()
			t, ok := c.toolCalls[tIdx]
			if !ok {
				t = &chatToolCall{}
				c.toolCalls[tIdx] = t
				c.toolOrder = append(c.toolOrder, tIdx)
			}
			if id := tc.Get("id"); id.Exists() {
				t.id = id.String()
			}
			if typ := tc.Get("type"); typ.Exists() {
				t.typ = typ.String()
			}
			if name := tc.Get("function.name"); name.Exists() && t.name == "" {
				t.name = name.String()
			}
			if args := tc.Get("function.arguments"); args.Exists() {
				t.arguments += args.String()
			}
			return true
		})
		return true
	})

	if u := result.Get("usage"); u.Exists() {
		r.usage = plexus.Usage{
			InputTokens:  int(u.Get("prompt_tokens").Int()),
			OutputTokens: int(u.Get("completion_tokens").Int()),
		}
		if d := u.Get("completion_tokens_details"); d.Exists() {
			r.usage.ReasoningTokens = int(d.Get("reasoning_tokens").Int())
		}
		if d := u.Get("prompt_tokens_details"); d.Exists() {
			r.usage.CachedTokens = int(d.Get("cached_tokens").Int())
		}
	}
}

func (r *ChatReducer) Snapshot() (map[string]any, plexus.Usage) {
	var choices []any
	for _, idx := range r.order {
		c := r.choices[idx]
		message := map[string]any{"role": c.role}
		if c.content != "" {
			message["content"] = c.content
		}
		if c.reasoningContent != "" {
			message["reasoning_content"] = c.reasoningContent
		}
		if c.refusal != "" {
			message["refusal"] = c.refusal
		}
		if len(c.toolOrder) > 0 {
			var calls []any
			for _, tIdx := range c.toolOrder {
				t := c.toolCalls[tIdx]
				calls = append(calls, map[string]any{
					"id": t.id, "type": t.typ,
					"function": map[string]any{"name": t.name, "arguments": t.arguments},
				})
			}
			message["tool_calls"] = calls
		}
		choices = append(choices, map[string]any{
			"index": idx, "message": message, "finish_reason": c.finishReason,
		})
	}
	snapshot := map[string]any{
		"id": r.id, "object": nonEmpty(r.object, "chat.completion"), "model": r.model, "choices": choices,
	}
	return snapshot, r.usage
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
