// Package dispatcher implements the core dispatch algorithm of spec §4.5:
// resolve candidates via Router, filter through CooldownManager, and run an
// outer failover loop that picks a target dialect, transforms the request,
// applies alias behaviors, resolves the base URL and auth headers, issues
// the upstream POST, and classifies the result. Grounded on the teacher's
// internal/app dispatch path (router.Resolve -> circuitbreaker check ->
// provider call -> classify/cooldown) generalized from a single OpenAI-
// shaped dispatch to the full multi-dialect translate/pass-through split.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/oauthstore"
	"github.com/plexusgw/plexus/internal/router"
	"github.com/plexusgw/plexus/internal/selector"
	"github.com/plexusgw/plexus/internal/upstream"
)

// StatsSource resolves the Stats collaborator the performance/latency/usage
// selectors read, scoped to nothing narrower than the whole store (the
// selector itself scopes queries by provider/model).
type StatsSource func() selector.Stats

// Dispatcher ties together every collaborator package the §4.5 algorithm
// depends on.
type Dispatcher struct {
	router     *router.Router
	cooldowns  *cooldown.Manager
	dialects   *dialect.Registry
	upstream   *upstream.Client
	oauth      *oauthstore.Store
	cfg        router.ConfigSource
	stats      StatsSource
	lookup     selector.OpenRouterLookup
}

// New returns a Dispatcher wired to its collaborators. cfg must return the
// currently active configuration (typically (*config.Watcher).Current).
func New(r *router.Router, cm *cooldown.Manager, dialects *dialect.Registry, up *upstream.Client, oauth *oauthstore.Store, cfg router.ConfigSource, stats StatsSource, lookup selector.OpenRouterLookup) *Dispatcher {
	return &Dispatcher{router: r, cooldowns: cm, dialects: dialects, upstream: up, oauth: oauth, cfg: cfg, stats: stats, lookup: lookup}
}

// Dispatch runs the full §4.5 algorithm for one client request and returns
// the dialect-neutral response (or an error classified per §7: a
// *plexus.ProviderError on a fatal non-2xx, plexus.ErrAllTargetsCoolingDown
// when every candidate was quarantined, or a wrapped ErrAliasUnknown/
// ErrNoTargets from the router).
func (d *Dispatcher) Dispatch(ctx context.Context, req plexus.UnifiedRequest) (*plexus.UnifiedResponse, error) {
	set, err := d.router.Resolve(req.Model, req.IncomingDialect)
	if err != nil {
		return nil, err
	}

	healthyTargets, err := d.cooldowns.FilterHealthy(ctx, toCooldownTargets(set.Candidates), d.accountIDFor)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: filter cooldowns: %w", err)
	}
	if len(healthyTargets) == 0 {
		return nil, fmt.Errorf("%w: alias %q", plexus.ErrAllTargetsCoolingDown, set.CanonicalAlias)
	}

	candidates := toSelectorCandidates(d.cfg(), healthyTargets)
	ordered := d.order(set, candidates)

	var lastErr error
	for _, cand := range ordered {
		resp, err := d.attempt(ctx, req, set, cand)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !shouldFailover(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("dispatcher: all candidates exhausted for alias %q: %w", set.CanonicalAlias, lastErr)
}

// order applies the alias's selector/priority policy. in_order and
// api_match both degrade to "present candidates in Router's order"; every
// other SelectorKind makes one Select call per remaining candidate,
// peeling off the chosen one each round so failover still iterates the
// full remaining set in preference order.
func (d *Dispatcher) order(set router.CandidateSet, candidates []selector.Candidate) []selector.Candidate {
	if set.PriorityMode == plexus.PriorityAPIMatch || set.Selector == plexus.SelectorInOrder {
		return candidates
	}

	var stats selector.Stats
	if d.stats != nil {
		stats = d.stats()
	}
	cfg := d.cfg()
	sel := selector.New(set.Selector, stats, d.lookup, cfg.PerformanceExplorationRate, cfg.LatencyExplorationRate)

	remaining := append([]selector.Candidate(nil), candidates...)
	ordered := make([]selector.Candidate, 0, len(candidates))
	for len(remaining) > 0 {
		chosen, ok := sel.Select(remaining)
		if !ok {
			break
		}
		ordered = append(ordered, chosen)
		remaining = removeCandidate(remaining, chosen)
	}
	return ordered
}

func removeCandidate(candidates []selector.Candidate, remove selector.Candidate) []selector.Candidate {
	out := make([]selector.Candidate, 0, len(candidates)-1)
	removed := false
	for _, c := range candidates {
		if !removed && c.Provider == remove.Provider && c.Model == remove.Model {
			removed = true
			continue
		}
		out = append(out, c)
	}
	return out
}

// attempt runs steps 3a-3j of §4.5 for a single candidate.
func (d *Dispatcher) attempt(ctx context.Context, req plexus.UnifiedRequest, set router.CandidateSet, cand selector.Candidate) (*plexus.UnifiedResponse, error) {
	cfg := d.cfg()
	provider, ok := cfg.Providers[cand.Provider]
	if !ok {
		return nil, fmt.Errorf("dispatcher: candidate provider %q vanished from config mid-dispatch", cand.Provider)
	}
	model, _ := provider.ModelByName(cand.Model)

	targetDialect, reason := chooseTargetDialect(model, provider, req.IncomingDialect)
	transformer, ok := d.dialects.Get(targetDialect)
	if !ok {
		return nil, fmt.Errorf("dispatcher: no transformer registered for dialect %q", targetDialect)
	}

	body, bypass, err := buildOutgoingBody(req, cand.Model, targetDialect, transformer)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	mergeExtraBody(body, provider.ExtraBody)
	applyBehaviors(body, set, targetDialect)

	baseURL, usedFallback := provider.BaseURLFor(targetDialect)
	if usedFallback {
		slog.Warn("dispatcher: provider base URL fell back", "provider", cand.Provider, "dialect", targetDialect)
	}
	endpoint := transformer.Endpoint(body)
	targetURL := baseURL + endpoint

	headers, err := d.assembleHeaders(ctx, provider, targetDialect, req.Headers)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: assemble headers: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: encode outgoing body: %w", err)
	}

	routeInfo := plexus.RouteInfo{
		Provider:       cand.Provider,
		Model:          cand.Model,
		Dialect:        targetDialect,
		CanonicalAlias: set.CanonicalAlias,
		AccountID:      provider.OAuthAccount,
		Pricing:        cand.Pricing,
		Discount:       cand.Discount,
		DialectReason:  reason,
	}

	resp, err := d.upstream.Post(ctx, targetURL, headers, payload, req.Stream)
	if err != nil {
		_ = d.cooldowns.MarkFailure(ctx, cand.Provider, cand.Model, provider.OAuthAccount, 0)
		return nil, &retriableError{err: fmt.Errorf("dispatcher: upstream request failed: %w", err)}
	}

	if resp.Status < 200 || resp.Status >= 300 {
		return d.classifyFailure(ctx, cand, provider, routeInfo, resp)
	}

	if req.Stream {
		return &plexus.UnifiedResponse{
			Stream:               resp.Stream,
			BypassTransformation: bypass,
			RouteInfo:            routeInfo,
		}, nil
	}

	canonical, usage, err := transformer.TransformResponse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: transform response: %w", err)
	}
	out := &plexus.UnifiedResponse{RouteInfo: routeInfo, BypassTransformation: bypass, Usage: usage}
	if bypass {
		out.RawBody = resp.Body
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: encode response: %w", err)
	}
	out.Body = encoded
	return out, nil
}

func (d *Dispatcher) classifyFailure(ctx context.Context, cand selector.Candidate, provider plexus.ProviderConfig, routeInfo plexus.RouteInfo, resp *upstream.Response) (*plexus.UnifiedResponse, error) {
	if cooldown.ClassifyFailure(resp.Status) {
		if err := d.cooldowns.MarkFailure(ctx, cand.Provider, cand.Model, provider.OAuthAccount, 0); err != nil {
			slog.Warn("dispatcher: mark failure", "error", err)
		}
		return nil, &retriableError{err: fmt.Errorf("dispatcher: upstream status %d", resp.Status)}
	}
	return nil, &plexus.ProviderError{Status: resp.Status, Body: resp.Body, Routing: routeInfo}
}

// retriableError marks an error as eligible for the next failover
// candidate, distinguishing it from a *plexus.ProviderError (which ends
// failover per §4.5h).
type retriableError struct{ err error }

func (e *retriableError) Error() string { return e.err.Error() }
func (e *retriableError) Unwrap() error { return e.err }

func shouldFailover(err error) bool {
	_, retriable := err.(*retriableError)
	return retriable
}

// chooseTargetDialect implements §4.5a: the model's own accessVia list
// takes precedence over the provider's dialect set; within whichever list
// applies, a case-insensitive match against incomingDialect wins, else the
// first element is the default. When neither declares any dialect, the
// model's own type is the only candidate; with no type either, the incoming
// dialect is used and the reason is "defaulted".
func chooseTargetDialect(model plexus.ModelEntry, provider plexus.ProviderConfig, incoming plexus.Dialect) (plexus.Dialect, string) {
	candidates := model.AccessVia
	if len(candidates) == 0 {
		candidates = providerDialectSet(provider)
	}
	if len(candidates) == 0 && model.Type != "" {
		candidates = []plexus.Dialect{model.Type}
	}
	if len(candidates) == 0 {
		return incoming, "defaulted"
	}
	for _, d := range candidates {
		if strings.EqualFold(string(d), string(incoming)) {
			return d, "matched incoming"
		}
	}
	return candidates[0], "defaulted"
}

// providerDialectSet mirrors router.providerSupports' notion of a
// provider's declared dialect set (its per-dialect base URL keys, plus
// every accessVia entry across its models), reimplemented here since
// package router keeps that helper unexported.
func providerDialectSet(provider plexus.ProviderConfig) []plexus.Dialect {
	seen := map[plexus.Dialect]bool{}
	var out []plexus.Dialect
	add := func(d plexus.Dialect) {
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for d := range provider.BaseURLByDialect {
		add(d)
	}
	for _, m := range provider.Models {
		for _, d := range m.AccessVia {
			add(d)
		}
	}
	return out
}

// buildOutgoingBody implements §4.5b: the pass-through fast path when
// incoming and target dialects match re-parses OriginalBody -- the raw
// bytes the client sent in its own dialect -- and retargets .model, rather
// than starting from req.Body. req.Body is always the canonical chat-shaped
// reconstruction a dialect's Transformer.Parse produced (identity only for
// the chat dialect itself), so for any non-chat dialect it no longer
// resembles that dialect's own wire shape by the time attempt runs;
// reusing it here would silently re-encode e.g. an Anthropic request as a
// Chat Completions body. Every other pair of dialects needs the full
// transformer.TransformRequest call.
func buildOutgoingBody(req plexus.UnifiedRequest, targetModel string, targetDialect plexus.Dialect, transformer plexus.Transformer) (map[string]any, bool, error) {
	if req.IncomingDialect == targetDialect {
		body, err := parseOriginalBody(req.OriginalBody)
		if err != nil {
			return nil, false, fmt.Errorf("pass-through parse original body: %w", err)
		}
		body["model"] = targetModel
		return body, true, nil
	}

	withModel := make(map[string]any, len(req.Body)+1)
	for k, v := range req.Body {
		withModel[k] = v
	}
	withModel["model"] = targetModel
	out, err := transformer.TransformRequest(withModel)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", plexus.ErrTransformFailed, err)
	}
	return out, false, nil
}

func parseOriginalBody(raw []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeExtraBody implements §4.5c: a shallow overlay of providerConfig's
// configured extra fields onto the outgoing payload.
func mergeExtraBody(body map[string]any, extra map[string]any) {
	for k, v := range extra {
		body[k] = v
	}
}

// applyBehaviors implements §4.5d's closed tagged-variant dispatch.
// Unknown behavior kinds are logged and ignored rather than aborting the
// request.
func applyBehaviors(body map[string]any, set router.CandidateSet, targetDialect plexus.Dialect) {
	for _, b := range set.Behaviors {
		switch b {
		case plexus.BehaviorStripAdaptiveThinking:
			if targetDialect != plexus.DialectMessages {
				continue
			}
			thinking, ok := body["thinking"].(map[string]any)
			if ok && thinking["type"] == "adaptive" {
				delete(body, "thinking")
			}
		default:
			slog.Warn("dispatcher: unknown alias behavior ignored", "behavior", b)
		}
	}
}

// assembleHeaders implements §4.5f.
func (d *Dispatcher) assembleHeaders(ctx context.Context, provider plexus.ProviderConfig, targetDialect plexus.Dialect, clientHeaders map[string]string) (map[string]string, error) {
	headers := map[string]string{}

	key := provider.APIKey
	if provider.OAuthProvider != "" && provider.OAuthAccount != "" {
		tok, err := d.oauth.Token(ctx, provider.OAuthProvider, provider.OAuthAccount)
		if err != nil {
			return nil, fmt.Errorf("oauth token: %w", err)
		}
		key = tok
	}

	switch targetDialect {
	case plexus.DialectMessages:
		headers["x-api-key"] = key
		headers["anthropic-version"] = "2023-06-01"
	case plexus.DialectGemini:
		headers["x-goog-api-key"] = key
	default:
		headers["Authorization"] = "Bearer " + key
	}

	for k, v := range provider.Headers {
		headers[k] = v
	}
	return headers, nil
}

func (d *Dispatcher) accountIDFor(t cooldown.Target) string {
	cfg := d.cfg()
	if p, ok := cfg.Providers[t.Provider]; ok {
		return p.OAuthAccount
	}
	return ""
}

func toCooldownTargets(candidates []router.Candidate) []cooldown.Target {
	out := make([]cooldown.Target, len(candidates))
	for i, c := range candidates {
		out[i] = cooldown.Target{Provider: c.Provider, Model: c.Model}
	}
	return out
}

func toSelectorCandidates(cfg *plexus.Config, targets []cooldown.Target) []selector.Candidate {
	out := make([]selector.Candidate, 0, len(targets))
	for _, t := range targets {
		provider, ok := cfg.Providers[t.Provider]
		if !ok {
			continue
		}
		model, _ := provider.ModelByName(t.Model)
		out = append(out, selector.Candidate{
			Provider: t.Provider,
			Model:    t.Model,
			Pricing:  model.Pricing,
			Discount: resolveDiscount(model.Pricing, provider.Discount),
		})
	}
	return out
}

// resolveDiscount implements the discount precedence from §4.2:
// pricing.discount overrides the provider-level discount when set.
func resolveDiscount(p plexus.Pricing, providerDiscount float64) float64 {
	if p.Discount != nil {
		return *p.Discount
	}
	return providerDiscount
}
