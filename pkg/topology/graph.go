package topology

// Graph is an immutable snapshot of the mesh. Nodes live in an arena
// slice addressed by integer index; adjacency and links reference
// indices, never pointers, so cyclic meshes carry no ownership cycles.
type Graph struct {
	version uint64
	nodes   []Node
	index   map[NodeID]int
	adj     [][]int
	links   map[[2]int]Link
}

// NewGraph returns an empty graph at version 0.
func NewGraph() *Graph {
	return &Graph{
		index: make(map[NodeID]int),
		links: make(map[[2]int]Link),
	}
}

// Version returns the monotonic snapshot version.
func (g *Graph) Version() uint64 { return g.version }

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// LinkCount returns the number of directed links.
func (g *Graph) LinkCount() int { return len(g.links) }

// HasNode reports whether id is present.
func (g *Graph) HasNode(id NodeID) bool {
	_, ok := g.index[id]
	return ok
}

// NodeByID returns the node for id.
func (g *Graph) NodeByID(id NodeID) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

// IndexOf returns the arena index for id.
func (g *Graph) IndexOf(id NodeID) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// NodeAt returns the node at arena index i.
func (g *Graph) NodeAt(i int) Node { return g.nodes[i] }

// Neighbors returns the arena indices adjacent to index i. The returned
// slice is shared with the snapshot and must not be mutated.
func (g *Graph) Neighbors(i int) []int {
	if i < 0 || i >= len(g.adj) {
		return nil
	}
	return g.adj[i]
}

// LinkBetween returns the directed link from src to dst.
func (g *Graph) LinkBetween(src, dst NodeID) (Link, bool) {
	si, ok := g.index[src]
	if !ok {
		return Link{}, false
	}
	di, ok := g.index[dst]
	if !ok {
		return Link{}, false
	}
	l, ok := g.links[[2]int{si, di}]
	return l, ok
}

// LinkAt returns the directed link between arena indices.
func (g *Graph) LinkAt(src, dst int) (Link, bool) {
	l, ok := g.links[[2]int{src, dst}]
	return l, ok
}

// Nodes returns a copy of the node arena.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// ForEachLink calls fn for every directed link.
func (g *Graph) ForEachLink(fn func(Link)) {
	for _, l := range g.links {
		fn(l)
	}
}

// clone produces a deep, mutable copy for copy-on-write updates.
func (g *Graph) clone() *Graph {
	ng := &Graph{
		version: g.version,
		nodes:   make([]Node, len(g.nodes)),
		index:   make(map[NodeID]int, len(g.index)),
		adj:     make([][]int, len(g.adj)),
		links:   make(map[[2]int]Link, len(g.links)),
	}
	copy(ng.nodes, g.nodes)
	for id, i := range g.index {
		ng.index[id] = i
	}
	for i, ns := range g.adj {
		ng.adj[i] = append([]int(nil), ns...)
	}
	for k, l := range g.links {
		ng.links[k] = l
	}
	return ng
}

// ensureNode adds id to the arena if absent and returns its index.
func (g *Graph) ensureNode(n Node) int {
	if i, ok := g.index[n.ID]; ok {
		return i
	}
	i := len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.index[n.ID] = i
	g.adj = append(g.adj, nil)
	return i
}

// setLink stores the directed link and maintains adjacency.
func (g *Graph) setLink(si, di int, l Link) {
	key := [2]int{si, di}
	if _, existed := g.links[key]; !existed {
		g.adj[si] = append(g.adj[si], di)
	}
	g.links[key] = l
}

// removeNode drops the node at index i and every incident link,
// compacting the arena by swapping the last node into the hole.
func (g *Graph) removeNode(i int) {
	for key := range g.links {
		if key[0] == i || key[1] == i {
			delete(g.links, key)
		}
	}
	last := len(g.nodes) - 1
	moved := g.nodes[last]
	delete(g.index, g.nodes[i].ID)
	if i != last {
		g.nodes[i] = moved
		g.index[moved.ID] = i
		// relocate links referencing the moved index
		for key, l := range g.links {
			nk := key
			if key[0] == last {
				nk[0] = i
			}
			if key[1] == last {
				nk[1] = i
			}
			if nk != key {
				delete(g.links, key)
				g.links[nk] = l
			}
		}
	}
	g.nodes = g.nodes[:last]
	g.rebuildAdjacency()
}

// clearLinks removes all links but keeps nodes, for resync.
func (g *Graph) clearLinks() {
	g.links = make(map[[2]int]Link)
	g.adj = make([][]int, len(g.nodes))
}

func (g *Graph) rebuildAdjacency() {
	g.adj = make([][]int, len(g.nodes))
	for key := range g.links {
		g.adj[key[0]] = append(g.adj[key[0]], key[1])
	}
}
