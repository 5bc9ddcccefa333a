package inspector

import (
	"sort"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// GeminiReducer folds Gemini streamGenerateContent chunks per §4.6:
// per-candidate merge where adjacent text parts concatenate, functionCall
// parts are appended whole, and usageMetadata/finishReason overwrite on
// every touch.
type GeminiReducer struct {
	candidates map[int64]*geminiCandidate
	usage      plexus.Usage
}

type geminiCandidate struct {
	text         string
	functionCalls []any
	finishReason string
}

// NewGeminiReducer returns an empty GeminiReducer.
func NewGeminiReducer() *GeminiReducer {
	return &GeminiReducer{candidates: map[int64]*geminiCandidate{}}
}

func (r *GeminiReducer) Reduce(_ string, data []byte) {
	result := gjson.ParseBytes(data)

	result.Get("candidates").ForEach(func(_, c gjson.Result) bool {
		idx := c.Get("index").Int()
		cand, ok := r.candidates[idx]
		if !ok {
			cand = &geminiCandidate{}
			r.candidates[idx] = cand
		}
		c.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() {
				cand.text += text.String()
			}
			if fc := part.Get("functionCall"); fc.Exists() {
				cand.functionCalls = append(cand.functionCalls, map[string]any{
					"name": fc.Get("name").String(),
					"args": fc.Get("args").Value(),
				})
			}
			return true
		})
		if fr := c.Get("finishReason"); fr.Exists() {
			cand.finishReason = fr.String()
		}
		return true
	})

	if u := result.Get("usageMetadata"); u.Exists() {
		r.usage = plexus.Usage{
			InputTokens:  int(u.Get("promptTokenCount").Int()),
			OutputTokens: int(u.Get("candidatesTokenCount").Int()),
			CachedTokens: int(u.Get("cachedContentTokenCount").Int()),
		}
	}
}

func (r *GeminiReducer) Snapshot() (map[string]any, plexus.Usage) {
	var indices []int64
	for idx := range r.candidates {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var candidates []any
	for _, idx := range indices {
		cand := r.candidates[idx]
		var parts []any
		if cand.text != "" {
			parts = append(parts, map[string]any{"text": cand.text})
		}
		for _, fc := range cand.functionCalls {
			parts = append(parts, map[string]any{"functionCall": fc})
		}
		candidates = append(candidates, map[string]any{
			"index": idx, "finishReason": cand.finishReason,
			"content": map[string]any{"role": "model", "parts": parts},
		})
	}

	snapshot := map[string]any{"candidates": candidates}
	return snapshot, r.usage
}
