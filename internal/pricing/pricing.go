// Package pricing implements the cost-calculation formulas of spec §4.2.
// Calculate is a pure function (invariant 9: deterministic for identical
// inputs) so it can be shared unmodified between the cost selector and
// post-flight cost accounting, grounded on the teacher's lack of a pricing
// concern and on fuchsia74-one-api's relay/pricing package for the shape of
// a multi-source pricing table.
package pricing

import (
	"math"

	plexus "github.com/plexusgw/plexus/internal"
)

// Tokens bundles the token counts Calculate needs, decoupled from
// plexus.Usage so callers can price synthetic token counts (the cost
// selector prices 1000 input / 500 output tokens per §4.2).
type Tokens struct {
	Input      int64
	Output     int64
	Cached     int64
	CacheWrite int64
}

// OpenRouterRate is a per-token rate looked up by slug for
// plexus.PricingOpenRouter.
type OpenRouterRate struct {
	Input      float64
	Output     float64
	Cached     float64
	CacheWrite float64
}

// OpenRouterLookup resolves a slug to its per-token rates. Returns ok=false
// when the slug is unknown, which Calculate treats as zero cost.
type OpenRouterLookup func(slug string) (OpenRouterRate, bool)

// Calculate returns the USD cost of a request under the given pricing
// model, applying discount multiplicatively after rate calculation.
// Unknown or missing pricing (zero-value Pricing, Source == "") costs 0,
// matching the "missing pricing record yields cost 0" rule used by the
// cost selector to break ties toward free targets.
func Calculate(p plexus.Pricing, t Tokens, providerDiscount float64, lookup OpenRouterLookup) float64 {
	var cost float64
	switch p.Source {
	case plexus.PricingSimple:
		cost = perMillion(t.Input, p.Input) + perMillion(t.Output, p.Output) +
			perMillion(t.Cached, p.Cached) + perMillion(t.CacheWrite, p.CacheWrite)
		return cost * effectiveDiscount(p, providerDiscount)

	case plexus.PricingDefined:
		r, ok := findRange(p.Ranges, t.Input)
		if !ok {
			return 0
		}
		cost = perMillion(t.Input, r.Input) + perMillion(t.Output, r.Output) +
			perMillion(t.Cached, r.Cached) + perMillion(t.CacheWrite, r.CacheWrite)
		return cost * effectiveDiscount(p, providerDiscount)

	case plexus.PricingOpenRouter:
		if lookup == nil {
			return 0
		}
		rate, ok := lookup(p.Slug)
		if !ok {
			return 0
		}
		// OpenRouter rates are per-token, not per-million.
		cost = float64(t.Input)*rate.Input + float64(t.Output)*rate.Output +
			float64(t.Cached)*rate.Cached + float64(t.CacheWrite)*rate.CacheWrite
		return cost * effectiveDiscount(p, providerDiscount)

	case plexus.PricingPerRequest:
		return p.PerRequest * effectiveDiscount(p, providerDiscount)

	default:
		return 0
	}
}

// effectiveDiscount resolves pricing.discount ?? providerDiscount, per §4.2.
func effectiveDiscount(p plexus.Pricing, providerDiscount float64) float64 {
	if p.Discount != nil {
		return clamp01(1 - *p.Discount)
	}
	return clamp01(1 - providerDiscount)
}

func clamp01(d float64) float64 {
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}

func perMillion(tokens int64, ratePerMillion float64) float64 {
	return (float64(tokens) / 1e6) * ratePerMillion
}

// findRange finds the plexus.PricingRange whose [lower,upper] bounds contain
// inputTokens. UpperBound == -1 means +Inf.
func findRange(ranges []plexus.PricingRange, inputTokens int64) (plexus.PricingRange, bool) {
	for _, r := range ranges {
		upper := r.UpperBound
		if upper == -1 {
			upper = math.MaxInt64
		}
		if inputTokens >= r.LowerBound && inputTokens <= upper {
			return r, true
		}
	}
	return plexus.PricingRange{}, false
}

// SyntheticEstimate is the synthetic token count the cost selector prices
// candidates with, per §4.2.
var SyntheticEstimate = Tokens{Input: 1000, Output: 500}
