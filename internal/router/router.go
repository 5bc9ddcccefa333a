// Package router resolves a client-facing model alias and the dialect it
// arrived on into an ordered set of dispatch candidates, per spec §4.1.
// Grounded on the teacher's internal/app/router.go (an otter TTL cache in
// front of alias resolution) generalized from a single priority-sorted
// list to the api_match/selector precedence §4.1 requires.
package router

import (
	"fmt"
	"sort"
	"time"
	"unsafe"

	"github.com/maypok86/otter/v2"

	plexus "github.com/plexusgw/plexus/internal"
)

// Candidate is one target a dispatcher may attempt, already resolved to a
// concrete (provider, model) pair with the alias's chosen dialect type.
type Candidate struct {
	Provider string
	Model    string
	Dialect  plexus.Dialect // the alias's Type, used to pick a Transformer
}

// CandidateSet is the ordered result of a Resolve call, along with the
// canonical alias id (which may differ from the requested alias when the
// request used an additionalAliases entry) and the selector/priority mode
// that should order it.
type CandidateSet struct {
	CanonicalAlias string
	Candidates     []Candidate
	Selector       plexus.SelectorKind
	PriorityMode   plexus.Priority
	IncomingDialect plexus.Dialect
	Behaviors      []plexus.BehaviorKind
}

// ConfigSource returns the currently active configuration. Satisfied by
// (*config.Watcher).Current; kept as a function type here so package router
// has no dependency on package config.
type ConfigSource func() *plexus.Config

// Router resolves aliases against the live configuration, caching resolved
// candidate sets per (config generation, alias, incoming dialect).
type Router struct {
	cfg   ConfigSource
	cache *otter.Cache[cacheKey, CandidateSet]
}

type cacheKey struct {
	cfgGen  uintptr
	alias   string
	dialect plexus.Dialect
}

const candidateCacheTTL = 10 * time.Second

// New returns a Router that resolves aliases against whatever Config cfg
// currently returns.
func New(cfg ConfigSource) *Router {
	cache := otter.Must(&otter.Options[cacheKey, CandidateSet]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[cacheKey, CandidateSet](candidateCacheTTL),
	})
	return &Router{cfg: cfg, cache: cache}
}

// Resolve maps requestedAlias, as seen on incomingDialect, to a
// CandidateSet. Aliases are matched first by canonical id, then by any of
// their additionalAliases (§3.1). Targets with Enabled == false, or whose
// provider is disabled or missing the referenced model, are excluded.
//
// Returns plexus.ErrAliasUnknown if no alias or additionalAliases entry
// matches, and plexus.ErrNoTargets if the alias resolves but every target
// was filtered out.
func (r *Router) Resolve(requestedAlias string, incomingDialect plexus.Dialect) (CandidateSet, error) {
	cfg := r.cfg()
	key := cacheKey{cfgGen: configGeneration(cfg), alias: requestedAlias, dialect: incomingDialect}
	if cached, ok := r.cache.GetIfPresent(key); ok {
		return cached, nil
	}

	canonical, alias, ok := r.lookupAlias(cfg, requestedAlias)
	if !ok {
		return CandidateSet{}, fmt.Errorf("%w: %q", plexus.ErrAliasUnknown, requestedAlias)
	}

	var candidates []Candidate
	for _, t := range alias.Targets {
		if !t.Enabled {
			continue
		}
		prov, ok := cfg.Providers[t.Provider]
		if !ok || !prov.Enabled {
			continue
		}
		if _, ok := prov.ModelByName(t.Model); !ok {
			continue
		}
		candidates = append(candidates, Candidate{Provider: t.Provider, Model: t.Model, Dialect: alias.Type})
	}
	if len(candidates) == 0 {
		return CandidateSet{}, fmt.Errorf("%w: alias %q has no usable targets", plexus.ErrNoTargets, canonical)
	}

	if alias.PriorityMode == plexus.PriorityAPIMatch {
		reorderByDialectMatch(candidates, cfg, incomingDialect)
	}

	set := CandidateSet{
		CanonicalAlias:  canonical,
		Candidates:      candidates,
		Selector:        alias.Selector,
		PriorityMode:    alias.PriorityMode,
		IncomingDialect: incomingDialect,
		Behaviors:       alias.Behaviors,
	}
	r.cache.Set(key, set)
	return set, nil
}

// lookupAlias finds the canonical ModelAlias for requestedAlias, matching
// either the alias map key itself or one of its AdditionalAliases entries.
func (r *Router) lookupAlias(cfg *plexus.Config, requestedAlias string) (canonicalID string, alias plexus.ModelAlias, ok bool) {
	if a, ok := cfg.Models[requestedAlias]; ok {
		return requestedAlias, a, true
	}
	for id, a := range cfg.Models {
		for _, extra := range a.AdditionalAliases {
			if extra == requestedAlias {
				return id, a, true
			}
		}
	}
	return "", plexus.ModelAlias{}, false
}

// reorderByDialectMatch implements §4.1's api_match priority mode: targets
// whose provider's dialect set contains incomingDialect move to the front,
// with relative order preserved within each of the two groups (a stable
// partition, not a full sort).
func reorderByDialectMatch(candidates []Candidate, cfg *plexus.Config, incomingDialect plexus.Dialect) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return providerSupports(cfg, candidates[i].Provider, incomingDialect) &&
			!providerSupports(cfg, candidates[j].Provider, incomingDialect)
	})
}

// providerSupports reports whether providerID's declared dialect set
// includes dialect. The dialect set is the union of its per-dialect base
// URL keys (when it declares a dialect->URL map) and every accessVia entry
// across its declared models.
func providerSupports(cfg *plexus.Config, providerID string, dialect plexus.Dialect) bool {
	prov, ok := cfg.Providers[providerID]
	if !ok {
		return false
	}
	if _, ok := prov.BaseURLByDialect[dialect]; ok {
		return true
	}
	for _, m := range prov.Models {
		for _, d := range m.AccessVia {
			if d == dialect {
				return true
			}
		}
	}
	return false
}

// configGeneration derives a stable identity for the current *Config
// pointer so the candidate cache is implicitly invalidated whenever
// internal/config's watcher swaps in a new Config after a reload: the new
// pointer produces a new cacheKey, and the old entries simply expire.
func configGeneration(cfg *plexus.Config) uintptr {
	return uintptr(unsafe.Pointer(cfg))
}
