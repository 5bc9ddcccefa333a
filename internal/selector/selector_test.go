package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plexus "github.com/plexusgw/plexus/internal"
)

type fakeStats struct {
	throughput map[string]float64
	ttft       map[string]float64
	counts     map[string]int64
}

func key(provider, model string) string { return provider + "/" + model }

func (f fakeStats) AvgThroughput(provider, model string) (float64, bool) {
	v, ok := f.throughput[key(provider, model)]
	return v, ok
}

func (f fakeStats) AvgTTFT(provider, model string) (float64, bool) {
	v, ok := f.ttft[key(provider, model)]
	return v, ok
}

func (f fakeStats) RequestCount24h(provider, model string) int64 {
	return f.counts[key(provider, model)]
}

func TestSelectEmptyReturnsNotOK(t *testing.T) {
	for _, s := range []Selector{Random{}, InOrder{}, Cost{}, Usage{Stats: fakeStats{}}} {
		_, ok := s.Select(nil)
		assert.False(t, ok)
	}
}

func TestSelectSingleAlwaysReturnsIt(t *testing.T) {
	only := Candidate{Provider: "a", Model: "m"}
	for _, s := range []Selector{Random{}, InOrder{}, Cost{}, Usage{Stats: fakeStats{}}} {
		c, ok := s.Select([]Candidate{only})
		require.True(t, ok)
		assert.Equal(t, only, c)
	}
}

func TestInOrderAlwaysFirst(t *testing.T) {
	cands := []Candidate{{Provider: "a"}, {Provider: "b"}, {Provider: "c"}}
	c, ok := InOrder{}.Select(cands)
	require.True(t, ok)
	assert.Equal(t, "a", c.Provider)
}

func TestCostPicksCheapest(t *testing.T) {
	cands := []Candidate{
		{Provider: "expensive", Pricing: plexus.Pricing{Source: plexus.PricingSimple, Input: 100, Output: 100}},
		{Provider: "cheap", Pricing: plexus.Pricing{Source: plexus.PricingSimple, Input: 1, Output: 1}},
		{Provider: "free-no-pricing"},
	}
	c, ok := Cost{}.Select(cands)
	require.True(t, ok)
	assert.Equal(t, "free-no-pricing", c.Provider, "missing pricing record must cost 0 and win")
}

func TestPerformancePicksHighestThroughput(t *testing.T) {
	stats := fakeStats{throughput: map[string]float64{key("a", "m"): 10, key("b", "m"): 50}}
	p := Performance{Stats: stats, ExplorationRate: 0}
	c, ok := p.Select([]Candidate{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}})
	require.True(t, ok)
	assert.Equal(t, "b", c.Provider)
}

func TestPerformanceMissingDataScoresZero(t *testing.T) {
	stats := fakeStats{throughput: map[string]float64{key("a", "m"): -5}}
	p := Performance{Stats: stats, ExplorationRate: 0}
	c, ok := p.Select([]Candidate{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}})
	require.True(t, ok)
	assert.Equal(t, "b", c.Provider, "no-data candidate (score 0) should beat a negative score")
}

func TestLatencyPicksLowestTTFT(t *testing.T) {
	stats := fakeStats{ttft: map[string]float64{key("a", "m"): 500, key("b", "m"): 100}}
	l := Latency{Stats: stats, ExplorationRate: 0}
	c, ok := l.Select([]Candidate{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}})
	require.True(t, ok)
	assert.Equal(t, "b", c.Provider)
}

func TestLatencyMissingDataSortsLast(t *testing.T) {
	stats := fakeStats{ttft: map[string]float64{key("a", "m"): 500}}
	l := Latency{Stats: stats, ExplorationRate: 0}
	c, ok := l.Select([]Candidate{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}})
	require.True(t, ok)
	assert.Equal(t, "a", c.Provider, "candidate with actual data beats one with none")
}

func TestUsagePicksLeastUsed(t *testing.T) {
	stats := fakeStats{counts: map[string]int64{key("a", "m"): 1000, key("b", "m"): 5}}
	u := Usage{Stats: stats}
	c, ok := u.Select([]Candidate{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}})
	require.True(t, ok)
	assert.Equal(t, "b", c.Provider)
}

func TestPerformanceExplorationCanPickNonBest(t *testing.T) {
	stats := fakeStats{throughput: map[string]float64{key("a", "m"): 100, key("b", "m"): 1}}
	p := Performance{Stats: stats, ExplorationRate: 1} // always explore
	seenNonBest := false
	for i := 0; i < 50; i++ {
		c, ok := p.Select([]Candidate{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}})
		require.True(t, ok)
		if c.Provider == "b" {
			seenNonBest = true
		}
	}
	assert.True(t, seenNonBest, "ExplorationRate=1 must eventually pick the non-best candidate")
}

func TestRandomSelectsAmongAll(t *testing.T) {
	cands := []Candidate{{Provider: "a"}, {Provider: "b"}, {Provider: "c"}}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		c, ok := Random{}.Select(cands)
		require.True(t, ok)
		seen[c.Provider] = true
	}
	assert.Len(t, seen, 3, "random selection should eventually cover all candidates")
}

func TestNewConstructsRequestedKind(t *testing.T) {
	assert.IsType(t, Random{}, New(plexus.SelectorRandom, nil, nil, 0, 0))
	assert.IsType(t, InOrder{}, New(plexus.SelectorInOrder, nil, nil, 0, 0))
	assert.IsType(t, Cost{}, New(plexus.SelectorCost, nil, nil, 0, 0))
	assert.IsType(t, Performance{}, New(plexus.SelectorPerformance, nil, nil, 0, 0))
	assert.IsType(t, Latency{}, New(plexus.SelectorLatency, nil, nil, 0, 0))
	assert.IsType(t, Usage{}, New(plexus.SelectorUsage, nil, nil, 0, 0))
}
