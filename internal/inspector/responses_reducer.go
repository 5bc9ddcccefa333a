package inspector

import (
	"sort"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// ResponsesReducer folds OpenAI Responses API stream events per §4.6:
// seeded from response.created, response.output_item.added inserts at
// output_index, output_text.delta appends to content[content_index].text,
// function_call_arguments.delta appends to the item's arguments,
// output_item.done finalizes the item, response.completed merges
// top-level fields (including usage).
type ResponsesReducer struct {
	id, model string
	status    string
	items     map[int64]*responsesItem
	usage     plexus.Usage
}

type responsesItem struct {
	kind      string
	arguments string
	content   map[int64]*responsesContentPart
}

type responsesContentPart struct {
	typ  string
	text string
}

// NewResponsesReducer returns an empty ResponsesReducer.
func NewResponsesReducer() *ResponsesReducer {
	return &ResponsesReducer{items: map[int64]*responsesItem{}}
}

func (r *ResponsesReducer) Reduce(event string, data []byte) {
	result := gjson.ParseBytes(data)
	eventType := event
	if eventType == "" {
		eventType = result.Get("type").String()
	}

	switch eventType {
	case "response.created":
		resp := result.Get("response")
		r.id = resp.Get("id").String()
		r.model = resp.Get("model").String()
		r.status = resp.Get("status").String()

	case "response.output_item.added":
		idx := result.Get("output_index").Int()
		r.items[idx] = &responsesItem{
			kind:    result.Get("item.type").String(),
			content: map[int64]*responsesContentPart{},
		}

	case "response.output_text.delta":
		idx := result.Get("output_index").Int()
		item := r.itemFor(idx)
		cIdx := result.Get("content_index").Int()
		part, ok := item.content[cIdx]
		if !ok {
			part = &responsesContentPart{typ: "output_text"}
			item.content[cIdx] = part
		}
		part.text += result.Get("delta").String()

	case "response.function_call_arguments.delta":
		idx := result.Get("output_index").Int()
		item := r.itemFor(idx)
		item.arguments += result.Get("delta").String()

	case "response.output_item.done":
		idx := result.Get("output_index").Int()
		item := r.itemFor(idx)
		if kind := result.Get("item.type"); kind.Exists() {
			item.kind = kind.String()
		}

	case "response.completed":
		resp := result.Get("response")
		if resp.Get("status").Exists() {
			r.status = resp.Get("status").String()
		}
		if u := resp.Get("usage"); u.Exists() {
			r.usage = plexus.Usage{
				InputTokens:  int(u.Get("input_tokens").Int()),
				OutputTokens: int(u.Get("output_tokens").Int()),
			}
		}
	}
}

func (r *ResponsesReducer) itemFor(idx int64) *responsesItem {
	item, ok := r.items[idx]
	if !ok {
		item = &responsesItem{content: map[int64]*responsesContentPart{}}
		r.items[idx] = item
	}
	return item
}

func (r *ResponsesReducer) Snapshot() (map[string]any, plexus.Usage) {
	var indices []int64
	for idx := range r.items {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var output []any
	for _, idx := range indices {
		item := r.items[idx]
		out := map[string]any{"type": item.kind}
		if item.arguments != "" {
			out["arguments"] = item.arguments
		}
		if len(item.content) > 0 {
			var cIdx []int64
			for k := range item.content {
				cIdx = append(cIdx, k)
			}
			sort.Slice(cIdx, func(i, j int) bool { return cIdx[i] < cIdx[j] })
			var content []any
			for _, c := range cIdx {
				part := item.content[c]
				content = append(content, map[string]any{"type": part.typ, "text": part.text})
			}
			out["content"] = content
		}
		output = append(output, out)
	}

	snapshot := map[string]any{
		"id": r.id, "object": "response", "model": r.model, "status": r.status, "output": output,
	}
	return snapshot, r.usage
}
