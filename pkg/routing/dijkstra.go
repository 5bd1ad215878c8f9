package routing

import (
	"container/heap"
	"math"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
)

// cost orders candidate paths: fewest hops first, then lowest
// aggregate latency.
type cost struct {
	hops    int
	latency float64
}

func (c cost) less(o cost) bool {
	if c.hops != o.hops {
		return c.hops < o.hops
	}
	return c.latency < o.latency
}

type pqItem struct {
	node  int
	cost  cost
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].cost.less(pq[j].cost) }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i]; pq[i].index = i; pq[j].index = j }
func (pq *priorityQueue) Push(x interface{}) { item := x.(*pqItem); item.index = len(*pq); *pq = append(*pq, item) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// linkUsable reports whether a link can carry traffic and its cost
// weight. Degraded links are usable at a latency penalty; down and
// recovering links are not.
func (p *Planner) linkUsable(l topology.Link) (float64, bool) {
	switch l.State {
	case topology.LinkUp:
		return l.Metrics.LatencyMS, true
	case topology.LinkDegraded:
		return l.Metrics.LatencyMS * p.cfg.DegradedPenalty, true
	default:
		return 0, false
	}
}

// shortestPath runs Dijkstra from src to dst over the snapshot,
// skipping removed nodes, and returns the node index sequence and its
// aggregate latency.
func (p *Planner) shortestPath(snap *topology.Graph, src, dst int, removed []bool) ([]int, float64, bool) {
	n := snap.NodeCount()
	best := make([]cost, n)
	prev := make([]int, n)
	visited := make([]bool, n)
	for i := range best {
		best[i] = cost{hops: math.MaxInt32, latency: math.Inf(1)}
		prev[i] = -1
	}
	best[src] = cost{}

	pq := priorityQueue{{node: src}}
	heap.Init(&pq)

	for pq.Len() > 0 {
		cur := heap.Pop(&pq).(*pqItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true
		if cur.node == dst {
			break
		}
		for _, nb := range snap.Neighbors(cur.node) {
			if visited[nb] || (removed[nb] && nb != dst) {
				continue
			}
			link, ok := snap.LinkAt(cur.node, nb)
			if !ok {
				continue
			}
			weight, usable := p.linkUsable(link)
			if !usable {
				continue
			}
			next := cost{hops: best[cur.node].hops + 1, latency: best[cur.node].latency + weight}
			if next.less(best[nb]) {
				best[nb] = next
				prev[nb] = cur.node
				heap.Push(&pq, &pqItem{node: nb, cost: next})
			}
		}
	}

	if !visited[dst] {
		return nil, 0, false
	}

	var nodes []int
	for at := dst; at != -1; at = prev[at] {
		nodes = append(nodes, at)
	}
	// reverse into src..dst order
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return nodes, best[dst].latency, true
}
