package trace

import (
	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"
)

// Graph builds a call graph from recorded edges. Both ends are named with
// Label, so callers usually appear as block_ names: From is a return
// address inside the caller, not its entry point.
func Graph(res Resolver, edges []Edge) *lattice.Graph {
	g := &lattice.Graph{}
	seen := make(map[string]bool)
	node := func(name string) {
		if !seen[name] {
			seen[name] = true
			g.Nodes = append(g.Nodes, name)
		}
	}
	for _, e := range edges {
		caller := Label(res, e.From)
		callee := Label(res, e.To)
		node(caller)
		node(callee)
		g.Edges = append(g.Edges, lattice.Edge{Caller: caller, Callee: callee})
	}
	g.Dedup()
	return g
}

// DOT renders the call graph of edges in Graphviz format.
func DOT(res Resolver, edges []Edge, name string) string {
	return render.DOT(Graph(res, edges), name)
}
