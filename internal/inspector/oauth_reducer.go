package inspector

import (
	"sort"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// OAuthReducer folds the Claude-Code OAuth upstream's own event stream
// shape per §4.6: text_delta/thinking_delta/toolcall_start|delta|end
// events indexed by contentIndex, done/error events carrying usage in the
// upstream's own shape ({input, output, cacheRead, cacheWrite,
// totalTokens}), remapped here to the gateway's unified usage shape
// ({input_tokens, output_tokens, cached_tokens, cache_creation_tokens,
// total_tokens}).
//
// This is not one of plexus.Dialect's client-facing wire grammars -- it is
// the shape one particular OAuth-scheme upstream speaks on its own stream
// -- so it is selected explicitly via NewOAuthReducer rather than through
// ForDialect.
type OAuthReducer struct {
	blocks map[int64]*oauthBlock
	done   bool
	errMsg string
	usage  plexus.Usage
}

type oauthBlock struct {
	kind      string // "text" | "thinking" | "toolcall"
	text      string
	toolName  string
	toolInput string
	complete  bool
}

// NewOAuthReducer returns an empty OAuthReducer.
func NewOAuthReducer() *OAuthReducer {
	return &OAuthReducer{blocks: map[int64]*oauthBlock{}}
}

func (r *OAuthReducer) Reduce(event string, data []byte) {
	result := gjson.ParseBytes(data)
	eventType := event
	if eventType == "" {
		eventType = result.Get("type").String()
	}

	switch eventType {
	case "text_delta":
		idx := result.Get("contentIndex").Int()
		b := r.blockFor(idx, "text")
		b.text += result.Get("text").String()

	case "thinking_delta":
		idx := result.Get("contentIndex").Int()
		b := r.blockFor(idx, "thinking")
		b.text += result.Get("thinking").String()

	case "toolcall_start":
		idx := result.Get("contentIndex").Int()
		b := r.blockFor(idx, "toolcall")
		b.toolName = result.Get("name").String()

	case "toolcall_delta":
		idx := result.Get("contentIndex").Int()
		b := r.blockFor(idx, "toolcall")
		b.toolInput += result.Get("input").String()

	case "toolcall_end":
		idx := result.Get("contentIndex").Int()
		b := r.blockFor(idx, "toolcall")
		b.complete = true

	case "done":
		r.done = true
		r.usage = remapOAuthUsage(result.Get("usage"))

	case "error":
		r.errMsg = result.Get("message").String()
		if r.errMsg == "" {
			r.errMsg = result.Get("error").String()
		}
	}
}

func (r *OAuthReducer) blockFor(idx int64, kind string) *oauthBlock {
	b, ok := r.blocks[idx]
	if !ok {
		b = &oauthBlock{kind: kind}
		r.blocks[idx] = b
	}
	return b
}

// remapOAuthUsage converts the upstream's own usage shape into the
// gateway's unified shape.
func remapOAuthUsage(u gjson.Result) plexus.Usage {
	if !u.Exists() {
		return plexus.Usage{}
	}
	return plexus.Usage{
		InputTokens:      int(u.Get("input").Int()),
		OutputTokens:     int(u.Get("output").Int()),
		CachedTokens:     int(u.Get("cacheRead").Int()),
		CacheWriteTokens: int(u.Get("cacheWrite").Int()),
	}
}

func (r *OAuthReducer) Snapshot() (map[string]any, plexus.Usage) {
	var indices []int64
	for idx := range r.blocks {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var content []any
	for _, idx := range indices {
		b := r.blocks[idx]
		switch b.kind {
		case "toolcall":
			content = append(content, map[string]any{
				"type": "toolcall", "name": b.toolName, "input": b.toolInput, "complete": b.complete,
			})
		default:
			content = append(content, map[string]any{"type": b.kind, "text": b.text})
		}
	}

	snapshot := map[string]any{"content": content, "done": r.done}
	if r.errMsg != "" {
		snapshot["error"] = r.errMsg
	}
	total := r.usage.Total()
	snapshot["usage"] = map[string]any{
		"input_tokens":          r.usage.InputTokens,
		"output_tokens":         r.usage.OutputTokens,
		"cached_tokens":         r.usage.CachedTokens,
		"cache_creation_tokens": r.usage.CacheWriteTokens,
		"total_tokens":          total,
	}
	return snapshot, r.usage
}
