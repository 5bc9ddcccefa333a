// Package dialect implements plexus.Transformer for every wire grammar the
// gateway speaks. The OpenAI Chat Completions shape is the canonical,
// hub-and-spoke representation every other dialect's transformer converts
// to/from: Parse turns a dialect's own wire body into the canonical map,
// TransformRequest turns the canonical map into that dialect's own wire
// body, and TransformResponse turns a raw upstream body in that dialect
// back into the canonical map plus extracted usage.
//
// Grounded on the teacher's internal/provider/{anthropic,gemini}/translate.go
// (gjson-based field-by-field translation to/from gateway.ChatRequest), with
// gateway.ChatRequest's role as canonical format generalized to an opaque
// map[string]any since the gateway has no fixed Go struct for "the" chat
// shape once eight dialects and dynamic provider config are in play.
package dialect

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	plexus "github.com/plexusgw/plexus/internal"
)

// Registry looks up the Transformer for a dialect.
type Registry struct {
	transformers map[plexus.Dialect]plexus.Transformer
}

// NewRegistry returns a Registry with every known dialect's transformer
// wired in: bespoke adapters for chat/messages/gemini, and a shared
// pass-through adapter for the dialects with no canonical cross-translation
// (responses, embeddings, speech, images, transcriptions).
func NewRegistry() *Registry {
	r := &Registry{transformers: make(map[plexus.Dialect]plexus.Transformer)}
	r.transformers[plexus.DialectChat] = Chat{}
	r.transformers[plexus.DialectMessages] = Messages{}
	r.transformers[plexus.DialectGemini] = Gemini{}
	for _, d := range []plexus.Dialect{
		plexus.DialectResponses, plexus.DialectEmbeddings, plexus.DialectSpeech,
		plexus.DialectImages, plexus.DialectTranscriptions,
	} {
		r.transformers[d] = PassThrough{Dialect: d}
	}
	return r
}

// Get returns the Transformer for dialect, or ok=false if none is
// registered.
func (r *Registry) Get(d plexus.Dialect) (plexus.Transformer, bool) {
	t, ok := r.transformers[d]
	return t, ok
}

// FormatCanonicalResponse converts a canonical chat-shaped response (the
// shape every Transformer.TransformResponse produces, since the dispatcher
// always reads the reply in whichever dialect the chosen provider actually
// speaks) into the wire shape dialect's own clients expect back.
// internal/server calls this after dispatch when the client's incoming
// dialect differs from chat, so a client that called /v1/messages or the
// Gemini endpoint receives its own response shape rather than an
// OpenAI-chat-shaped body. Dialects with no distinct response shape of
// their own (chat, and every pass-through dialect) return canonical
// unchanged.
func FormatCanonicalResponse(d plexus.Dialect, canonical map[string]any) map[string]any {
	switch d {
	case plexus.DialectMessages:
		return CanonicalResponseToAnthropic(canonical)
	case plexus.DialectGemini:
		return CanonicalResponseToGemini(canonical)
	default:
		return canonical
	}
}

// parseJSON is the shared "decode raw bytes into an opaque map" step every
// Parse implementation starts from.
func parseJSON(raw []byte) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", plexus.ErrTransformFailed, err)
	}
	return body, nil
}

// PassThrough is the identity transformer for dialects with no cross-dialect
// translation defined (§4.5a: these never appear as a mismatched
// incoming/target dialect pair in practice, since only chat/messages/gemini
// declare accessVia to each other). Parse/TransformRequest/TransformResponse
// are all identity; Endpoint is the dialect's own canonical path.
type PassThrough struct {
	Dialect plexus.Dialect
}

func (p PassThrough) Parse(raw []byte) (map[string]any, error) { return parseJSON(raw) }

func (p PassThrough) TransformRequest(body map[string]any) (map[string]any, error) { return body, nil }

// TransformResponse decodes raw as JSON, as every pass-through dialect
// except speech returns a JSON body. Speech returns raw audio bytes: rather
// than failing TransformResponse outright (which would abort dispatch),
// audio bytes are wrapped in a small JSON envelope so the rest of the
// dispatch pipeline, which is JSON-body-shaped end to end, never needs a
// binary-aware branch. Nothing unwraps this envelope: a speech request
// takes the dispatcher's pass-through path, which also returns the
// provider's raw bytes, and internal/server writes those to the client.
func (p PassThrough) TransformResponse(raw []byte) (map[string]any, plexus.Usage, error) {
	body, err := parseJSON(raw)
	if err != nil {
		if p.Dialect == plexus.DialectSpeech {
			return map[string]any{"audio_base64": base64.StdEncoding.EncodeToString(raw)}, plexus.Usage{}, nil
		}
		return nil, plexus.Usage{}, err
	}
	return body, extractOpenAIUsage(body), nil
}

func (p PassThrough) Endpoint(body map[string]any) string {
	return passThroughEndpoints[p.Dialect]
}

var passThroughEndpoints = map[plexus.Dialect]string{
	plexus.DialectResponses:      "/responses",
	plexus.DialectEmbeddings:     "/embeddings",
	plexus.DialectSpeech:         "/audio/speech",
	plexus.DialectImages:         "/images/generations",
	plexus.DialectTranscriptions: "/audio/transcriptions",
}

// extractOpenAIUsage pulls the OpenAI-shaped usage object that several
// pass-through dialects (responses, embeddings) share.
func extractOpenAIUsage(body map[string]any) plexus.Usage {
	u, _ := body["usage"].(map[string]any)
	if u == nil {
		return plexus.Usage{}
	}
	return plexus.Usage{
		InputTokens:  asInt(u["input_tokens"], u["prompt_tokens"]),
		OutputTokens: asInt(u["output_tokens"], u["completion_tokens"]),
		CachedTokens: asIntField(u, "cached_tokens"),
	}
}

func asInt(primary, fallback any) int {
	if v := asFloat(primary); v != 0 {
		return int(v)
	}
	return int(asFloat(fallback))
}

func asIntField(m map[string]any, key string) int {
	return int(asFloat(m[key]))
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

// Chat is the canonical identity transformer for the OpenAI Chat
// Completions dialect: since canonical IS chat-shaped, every operation is
// a pure pass-through plus usage extraction.
type Chat struct{}

func (Chat) Parse(raw []byte) (map[string]any, error) { return parseJSON(raw) }

func (Chat) TransformRequest(body map[string]any) (map[string]any, error) { return body, nil }

func (Chat) TransformResponse(raw []byte) (map[string]any, plexus.Usage, error) {
	body, err := parseJSON(raw)
	if err != nil {
		return nil, plexus.Usage{}, err
	}
	return body, extractChatUsage(body), nil
}

func (Chat) Endpoint(body map[string]any) string { return "/chat/completions" }

func extractChatUsage(body map[string]any) plexus.Usage {
	u, _ := body["usage"].(map[string]any)
	if u == nil {
		return plexus.Usage{}
	}
	usage := plexus.Usage{
		InputTokens:  int(asFloat(u["prompt_tokens"])),
		OutputTokens: int(asFloat(u["completion_tokens"])),
	}
	if details, ok := u["completion_tokens_details"].(map[string]any); ok {
		usage.ReasoningTokens = int(asFloat(details["reasoning_tokens"]))
	}
	if details, ok := u["prompt_tokens_details"].(map[string]any); ok {
		usage.CachedTokens = int(asFloat(details["cached_tokens"]))
	}
	return usage
}
