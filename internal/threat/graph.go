package threat

import (
	"context"

	"github.com/kestrel-hq/kestrel/internal/workers"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// graphResult carries the transaction-graph findings back to the engine.
// Negative values mean the analysis did not complete.
type graphResult struct {
	washCycles int
	coordShare float64
}

// analyzeGraph runs cycle detection and funding-cluster analysis on the
// worker pool so the heavier walks never run on a scoring task. A missed
// deadline yields the unknown result.
func analyzeGraph(ctx context.Context, pool *workers.Pool, facts *TokenFacts) graphResult {
	unknown := graphResult{washCycles: -1, coordShare: -1}
	if facts == nil {
		return unknown
	}

	resCh := make(chan graphResult, 1)
	task := workers.TaskFunc(func(ctx context.Context) error {
		res := graphResult{
			washCycles: countCycles(facts.Transfers),
			coordShare: largestFundingClusterShare(facts.FundingEdges, facts.TopHolders),
		}
		select {
		case resCh <- res:
		case <-ctx.Done():
		}
		return nil
	})
	if err := pool.Submit(task); err != nil {
		return unknown
	}

	select {
	case res := <-resCh:
		return res
	case <-ctx.Done():
		return unknown
	}
}

// countCycles counts distinct cycles in the transfer graph via DFS. Cycles of
// transfers returning to their origin are the wash-trading signature.
func countCycles(transfers []Transfer) int {
	adj := make(map[types.MintAddress][]types.MintAddress)
	for _, t := range transfers {
		adj[t.From] = append(adj[t.From], t.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[types.MintAddress]int)
	cycles := 0

	var dfs func(node types.MintAddress)
	dfs = func(node types.MintAddress) {
		color[node] = gray
		for _, next := range adj[node] {
			switch color[next] {
			case white:
				dfs(next)
			case gray:
				cycles++
			}
		}
		color[node] = black
	}

	for node := range adj {
		if color[node] == white {
			dfs(node)
		}
	}
	return cycles
}

// largestFundingClusterShare groups buyers by funding source with union-find
// and reports the supply share held by the largest cluster.
func largestFundingClusterShare(edges []Transfer, holders []HolderShare) float64 {
	if len(edges) == 0 || len(holders) == 0 {
		return 0
	}

	parent := make(map[types.MintAddress]types.MintAddress)
	var find func(a types.MintAddress) types.MintAddress
	find = func(a types.MintAddress) types.MintAddress {
		if p, ok := parent[a]; ok && p != a {
			root := find(p)
			parent[a] = root
			return root
		}
		if _, ok := parent[a]; !ok {
			parent[a] = a
		}
		return parent[a]
	}
	union := func(a, b types.MintAddress) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, e := range edges {
		union(e.From, e.To)
	}

	clusterShare := make(map[types.MintAddress]float64)
	best := 0.0
	for _, h := range holders {
		root := find(h.Address)
		clusterShare[root] += h.Share
		if clusterShare[root] > best {
			best = clusterShare[root]
		}
	}
	return best
}
