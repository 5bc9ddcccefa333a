// Package selector implements the six pluggable target-choice policies of
// spec §4.2. Grounded on the teacher's internal/ratelimit package for the
// plain-struct, no-goroutine style of stateless/near-stateless policy
// objects, and on internal/pricing for the cost policy's rate math.
package selector

import (
	"math/rand"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/pricing"
)

// Candidate is the subset of router.Candidate the selector family needs,
// duplicated here (rather than importing package router) to keep selector
// a leaf package: it depends only on plexus and pricing.
type Candidate struct {
	Provider string
	Model    string
	Pricing  plexus.Pricing
	Discount float64
}

// Stats is the aggregated per-(provider,model) usage data the performance,
// latency, and usage selectors read. Implemented in cmd/plexusd by an
// adapter over internal/storage's usage store; kept as an interface here
// so selector has no storage dependency.
type Stats interface {
	// AvgThroughput returns tokens/sec observed for (provider, model), and
	// false when no data exists yet.
	AvgThroughput(provider, model string) (float64, bool)
	// AvgTTFT returns the average time-to-first-byte in milliseconds for
	// (provider, model), and false when no data exists yet.
	AvgTTFT(provider, model string) (float64, bool)
	// RequestCount24h returns the trailing-24h request count for
	// (provider, model).
	RequestCount24h(provider, model string) int64
}

// OpenRouterLookup is re-exported so callers can construct a selector
// without importing package pricing directly.
type OpenRouterLookup = pricing.OpenRouterLookup

// Selector chooses one candidate from an already cooldown-filtered,
// router-ordered list. Selecting from an empty list returns ok=false;
// selecting from a one-element list always returns that element without
// consulting policy, per §4.2's contract.
type Selector interface {
	Select(candidates []Candidate) (chosen Candidate, ok bool)
}

// New constructs the Selector for kind, wiring in whatever collaborators
// that policy needs. Unused collaborator args are ignored, e.g. a "random"
// selector ignores stats.
func New(kind plexus.SelectorKind, stats Stats, lookup OpenRouterLookup, performanceExplorationRate, latencyExplorationRate float64) Selector {
	switch kind {
	case plexus.SelectorInOrder:
		return InOrder{}
	case plexus.SelectorCost:
		return Cost{Lookup: lookup}
	case plexus.SelectorPerformance:
		return Performance{Stats: stats, ExplorationRate: performanceExplorationRate}
	case plexus.SelectorLatency:
		return Latency{Stats: stats, ExplorationRate: latencyExplorationRate}
	case plexus.SelectorUsage:
		return Usage{Stats: stats}
	default:
		return Random{}
	}
}

func trivial(candidates []Candidate) (Candidate, bool, bool) {
	switch len(candidates) {
	case 0:
		return Candidate{}, false, true
	case 1:
		return candidates[0], true, true
	default:
		return Candidate{}, false, false
	}
}

// Random selects uniformly over candidates.
type Random struct{}

func (Random) Select(candidates []Candidate) (Candidate, bool) {
	if c, ok, done := trivial(candidates); done {
		return c, ok
	}
	return candidates[rand.Intn(len(candidates))], true
}

// InOrder always returns the first candidate, i.e. Router's ordering is
// the final word.
type InOrder struct{}

func (InOrder) Select(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	return candidates[0], true
}

// Cost picks the candidate with the lowest estimated cost over the
// synthetic token count pricing.SyntheticEstimate. A candidate with no
// pricing record costs 0 and so wins ties toward free targets.
type Cost struct {
	Lookup OpenRouterLookup
}

func (c Cost) Select(candidates []Candidate) (Candidate, bool) {
	if cd, ok, done := trivial(candidates); done {
		return cd, ok
	}
	best, bestCost := candidates[0], c.estimate(candidates[0])
	for _, cand := range candidates[1:] {
		cost := c.estimate(cand)
		if cost < bestCost {
			best, bestCost = cand, cost
		}
	}
	return best, true
}

func (c Cost) estimate(cand Candidate) float64 {
	return pricing.Calculate(cand.Pricing, pricing.SyntheticEstimate, cand.Discount, c.Lookup)
}

// Performance picks the candidate with the highest observed tokens/sec,
// falling back to uniform exploration among the rest with probability
// ExplorationRate to keep statistics fresh. Candidates lacking data score 0.
type Performance struct {
	Stats           Stats
	ExplorationRate float64
}

func (p Performance) Select(candidates []Candidate) (Candidate, bool) {
	if cd, ok, done := trivial(candidates); done {
		return cd, ok
	}
	bestIdx := argmax(candidates, func(c Candidate) float64 {
		v, _ := p.Stats.AvgThroughput(c.Provider, c.Model)
		return v
	})
	return explore(candidates, bestIdx, p.ExplorationRate), true
}

// Latency picks the candidate with the lowest observed avg TTFT, treating
// missing data as worst (sorts last), with the same ε-greedy exploration
// as Performance.
type Latency struct {
	Stats           Stats
	ExplorationRate float64
}

func (l Latency) Select(candidates []Candidate) (Candidate, bool) {
	if cd, ok, done := trivial(candidates); done {
		return cd, ok
	}
	bestIdx := argmin(candidates, func(c Candidate) (float64, bool) {
		return l.Stats.AvgTTFT(c.Provider, c.Model)
	})
	return explore(candidates, bestIdx, l.ExplorationRate), true
}

// Usage picks the least-used candidate by trailing-24h request count.
type Usage struct {
	Stats Stats
}

func (u Usage) Select(candidates []Candidate) (Candidate, bool) {
	if cd, ok, done := trivial(candidates); done {
		return cd, ok
	}
	best := candidates[0]
	bestCount := u.Stats.RequestCount24h(best.Provider, best.Model)
	for _, c := range candidates[1:] {
		n := u.Stats.RequestCount24h(c.Provider, c.Model)
		if n < bestCount {
			best, bestCount = c, n
		}
	}
	return best, true
}

// argmax returns the index of the candidate with the highest score(c).
func argmax(candidates []Candidate, score func(Candidate) float64) int {
	best := 0
	bestVal := score(candidates[0])
	for i, c := range candidates[1:] {
		if v := score(c); v > bestVal {
			best, bestVal = i+1, v
		}
	}
	return best
}

// argmin returns the index of the candidate with the lowest score(c),
// treating "no data" (ok=false) as worse than any present value so it
// sorts last.
func argmin(candidates []Candidate, score func(Candidate) (float64, bool)) int {
	best := 0
	bestVal, bestOK := score(candidates[0])
	for i, c := range candidates[1:] {
		v, ok := score(c)
		switch {
		case ok && !bestOK:
			best, bestVal, bestOK = i+1, v, true
		case ok && bestOK && v < bestVal:
			best, bestVal = i+1, v
		}
	}
	return best
}

// explore implements the shared ε-greedy policy: with probability rate,
// pick uniformly among the non-best candidates (if any exist); otherwise
// return the best.
func explore(candidates []Candidate, bestIdx int, rate float64) Candidate {
	if rate <= 0 || len(candidates) < 2 || rand.Float64() >= rate {
		return candidates[bestIdx]
	}
	others := make([]Candidate, 0, len(candidates)-1)
	for i, c := range candidates {
		if i != bestIdx {
			others = append(others, c)
		}
	}
	return others[rand.Intn(len(others))]
}
