package hotwords

// State is a position in a Graph. The zero value is the root.
type State int32

// Root is the state of a path that matches no hotword prefix.
const Root State = 0

type node struct {
	token    int
	children map[int]State
	fail     State
	isEnd    bool
	// matched is set when a hotword ends here or at a fail-link suffix.
	matched bool

	// score is the summed token bonus from the root to this node.
	score float32
	// output is the largest score of a hotword ending here, either this
	// node's own phrase or one reached through fail links.
	output float32
	// locked is the part of score that no longer retracts: the largest
	// completed hotword seen along the trie path, capped by the score the
	// path holds at that point.
	locked float32
	// pending is the bonus a path holds on arriving here beyond what was
	// locked at the parent.
	pending float32
	// speculative is score minus locked.
	speculative float32
}

// Graph is an Aho-Corasick trie over hotword token sequences.
//
// A path earns each phrase's per-token bonus as it extends a matching
// prefix. The bonus is speculative until a phrase completes, at which
// point it is locked. A phrase also completes when it ends as a suffix of
// a longer match in progress ("B" inside "A B C"). Leaving the trie (or falling back to a shorter suffix
// match) retracts whatever speculative bonus the path still holds. A
// hypothesis pruned from the beam simply takes its bonus with it.
type Graph struct {
	nodes []node
}

// NewGraph builds a context graph. It returns nil when phrases is empty.
// When phrases share a prefix with different scores the larger per-token
// bonus wins, independent of input order.
func NewGraph(phrases []Phrase) *Graph {
	if len(phrases) == 0 {
		return nil
	}
	g := &Graph{nodes: []node{{token: -1, children: map[int]State{}}}}
	for _, p := range phrases {
		cur := Root
		for _, tok := range p.Tokens {
			next, ok := g.nodes[cur].children[tok]
			if !ok {
				next = State(len(g.nodes))
				g.nodes = append(g.nodes, node{token: tok, children: map[int]State{}, score: p.Score})
				g.nodes[cur].children[tok] = next
			} else if p.Score > g.nodes[next].score {
				g.nodes[next].score = p.Score
			}
			cur = next
		}
		if cur != Root {
			g.nodes[cur].isEnd = true
		}
	}
	g.link()
	return g
}

// link turns per-token bonuses into cumulative scores and fills fail links,
// visiting nodes breadth-first so parents and fail targets are final
// before children.
func (g *Graph) link() {
	type item struct {
		s      State
		parent State
	}
	queue := make([]item, 0, len(g.nodes))
	for _, child := range g.sortedChildren(Root) {
		queue = append(queue, item{s: child, parent: Root})
	}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		n := &g.nodes[it.s]
		parent := &g.nodes[it.parent]

		n.score += parent.score
		if it.parent == Root {
			n.fail = Root
		} else {
			f := parent.fail
			for {
				if c, ok := g.nodes[f].children[n.token]; ok && c != it.s {
					n.fail = c
					break
				}
				if f == Root {
					n.fail = Root
					break
				}
				f = g.nodes[f].fail
			}
		}

		fail := &g.nodes[n.fail]
		n.matched = n.isEnd || fail.matched
		n.output = fail.output
		if n.isEnd && n.score > n.output {
			n.output = n.score
		}
		n.locked = parent.locked
		if n.matched {
			n.locked = max(n.locked, min(n.output, n.score))
		}
		n.pending = n.score - parent.locked
		n.speculative = n.score - n.locked

		for _, child := range g.sortedChildren(it.s) {
			queue = append(queue, item{s: child, parent: it.s})
		}
	}
}

func (g *Graph) sortedChildren(s State) []State {
	children := g.nodes[s].children
	out := make([]State, 0, len(children))
	for _, c := range children {
		out = append(out, c)
	}
	// insertion sort by token id; fan-out is small
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && g.nodes[out[j]].token < g.nodes[out[j-1]].token; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Forward advances s by token and returns the new state and the score
// delta to add to the path. Leaving s's trie path retracts s's speculative
// bonus; any hotword completed at the new state is locked.
func (g *Graph) Forward(s State, token int) (State, float32) {
	if g == nil {
		return Root, 0
	}
	next := Root
	for cur := s; ; cur = g.nodes[cur].fail {
		if c, ok := g.nodes[cur].children[token]; ok {
			next = c
			break
		}
		if cur == Root {
			break
		}
	}
	return next, g.nodes[next].pending - g.nodes[s].speculative
}

// Speculative returns the retractable bonus a path in state s holds.
func (g *Graph) Speculative(s State) float32 {
	if g == nil {
		return 0
	}
	return g.nodes[s].speculative
}

// Completed reports whether a hotword ends at s, as the full match or as
// one of its suffixes.
func (g *Graph) Completed(s State) bool {
	if g == nil {
		return false
	}
	return g.nodes[s].matched
}

// Len returns the number of trie nodes, root included.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.nodes)
}
