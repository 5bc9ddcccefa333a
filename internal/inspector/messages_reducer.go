package inspector

import (
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// MessagesReducer folds Anthropic Messages API stream events per §4.6:
// seeded from message_start.message, content_block_start initializes a
// block at index (tool_use blocks get partial_json/input accumulators,
// thinking/thought blocks get a text accumulator), content_block_delta
// appends per delta subtype (input_json_delta concatenates to partial_json
// and attempts to parse it as JSON on every touch), message_delta updates
// the stop reason and usage.
type MessagesReducer struct {
	id, model  string
	stopReason string
	blocks     map[int64]*messagesBlock
	usage      plexus.Usage
}

type messagesBlock struct {
	typ         string
	text        string
	partialJSON string
	input       map[string]any
	name, toolID string
}

// NewMessagesReducer returns an empty MessagesReducer.
func NewMessagesReducer() *MessagesReducer {
	return &MessagesReducer{blocks: map[int64]*messagesBlock{}}
}

func (r *MessagesReducer) Reduce(event string, data []byte) {
	result := gjson.ParseBytes(data)
	eventType := event
	if eventType == "" {
		eventType = result.Get("type").String()
	}

	switch eventType {
	case "message_start":
		msg := result.Get("message")
		r.id = msg.Get("id").String()
		r.model = msg.Get("model").String()
		if u := msg.Get("usage"); u.Exists() {
			r.usage.InputTokens = int(u.Get("input_tokens").Int())
			r.usage.CachedTokens = int(u.Get("cache_read_input_tokens").Int())
			r.usage.CacheWriteTokens = int(u.Get("cache_creation_input_tokens").Int())
		}

	case "content_block_start":
		idx := result.Get("index").Int()
		block := result.Get("content_block")
		b := &messagesBlock{typ: block.Get("type").String(), input: map[string]any{}}
		switch b.typ {
		case "tool_use":
			b.partialJSON = ""
			b.name = block.Get("name").String()
			b.toolID = block.Get("id").String()
		}
		r.blocks[idx] = b

	case "content_block_delta":
		idx := result.Get("index").Int()
		b, ok := r.blocks[idx]
		if !ok {
			b = &messagesBlock{input: map[string]any{}}
			r.blocks[idx] = b
		}
		delta := result.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			b.text += delta.Get("text").String()
		case "thinking_delta":
			b.text += delta.Get("thinking").String()
		case "thought_delta":
			b.text += delta.Get("thought").String()
		case "input_json_delta":
			b.partialJSON += delta.Get("partial_json").String()
			var parsed map[string]any
			if json.Unmarshal([]byte(b.partialJSON), &parsed) == nil {
				b.input = parsed
			}
		}

	case "message_delta":
		if sr := result.Get("delta.stop_reason"); sr.Exists() {
			r.stopReason = sr.String()
		}
		if u := result.Get("usage"); u.Exists() {
			r.usage.OutputTokens = int(u.Get("output_tokens").Int())
		}
	}
}

func (r *MessagesReducer) Snapshot() (map[string]any, plexus.Usage) {
	var indices []int64
	for idx := range r.blocks {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var content []any
	for _, idx := range indices {
		b := r.blocks[idx]
		block := map[string]any{"type": b.typ}
		if b.typ == "tool_use" {
			block["id"] = b.toolID
			block["name"] = b.name
			block["input"] = b.input
		} else {
			block["text"] = b.text
		}
		content = append(content, block)
	}

	snapshot := map[string]any{
		"id": r.id, "type": "message", "model": r.model,
		"stop_reason": r.stopReason, "content": content,
	}
	return snapshot, r.usage
}
