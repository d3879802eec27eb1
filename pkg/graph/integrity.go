package graph

// DanglingEdges returns the edges whose source or target is missing from the
// snapshot. The store tolerates them; consumers that need strict referential
// integrity filter them out with Strict.
func DanglingEdges(s State) []Edge {
	nodes := make(map[string]struct{}, len(s.Nodes))
	for _, n := range s.Nodes {
		nodes[n.ID] = struct{}{}
	}

	var dangling []Edge
	for _, e := range s.Edges {
		_, okSource := nodes[e.Source]
		_, okTarget := nodes[e.Target]
		if !okSource || !okTarget {
			dangling = append(dangling, e)
		}
	}
	return dangling
}

// Strict returns a copy of the snapshot without dangling edges.
func Strict(s State) State {
	dangling := DanglingEdges(s)
	if len(dangling) == 0 {
		return s.Clone()
	}
	skip := make(map[string]struct{}, len(dangling))
	for _, e := range dangling {
		skip[e.ID] = struct{}{}
	}

	out := State{
		Nodes: append([]Node(nil), s.Nodes...),
		Edges: make([]Edge, 0, len(s.Edges)-len(dangling)),
	}
	for _, e := range s.Edges {
		if _, ok := skip[e.ID]; !ok {
			out.Edges = append(out.Edges, e)
		}
	}
	return out
}
