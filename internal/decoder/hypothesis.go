package decoder

import (
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/hotwords"
)

const noToken int32 = -1

// compactAt is the arena size that triggers the first compaction.
const compactAt = 4096

type arenaNode struct {
	token  int32
	frame  int32
	parent int32
}

// arena stores hypothesis token chains as parent-linked nodes. Nodes are
// never mutated after insertion, so hypotheses share prefixes freely.
type arena struct {
	nodes     []arenaNode
	compactAt int
}

func (a *arena) push(parent int32, token, frame int) int32 {
	a.nodes = append(a.nodes, arenaNode{token: int32(token), frame: int32(frame), parent: parent})
	return int32(len(a.nodes) - 1)
}

// walk returns the tokens and frames ending at last, oldest first.
func (a *arena) walk(last int32, n int) ([]int, []int) {
	tokens := make([]int, n)
	frames := make([]int, n)
	for i := n - 1; i >= 0 && last != noToken; i-- {
		nd := a.nodes[last]
		tokens[i] = int(nd.token)
		frames[i] = int(nd.frame)
		last = nd.parent
	}
	return tokens, frames
}

func (a *arena) reset() {
	a.nodes = a.nodes[:0]
	a.compactAt = 0
}

// compact drops nodes no live hypothesis references.
func (a *arena) compact(hyps []Hypothesis) {
	threshold := a.compactAt
	if threshold == 0 {
		threshold = compactAt
	}
	if len(a.nodes) < threshold {
		return
	}
	remap := make(map[int32]int32)
	var fresh []arenaNode
	var copyChain func(idx int32) int32
	copyChain = func(idx int32) int32 {
		if idx == noToken {
			return noToken
		}
		if m, ok := remap[idx]; ok {
			return m
		}
		nd := a.nodes[idx]
		parent := copyChain(nd.parent)
		fresh = append(fresh, arenaNode{token: nd.token, frame: nd.frame, parent: parent})
		m := int32(len(fresh) - 1)
		remap[idx] = m
		return m
	}
	for i := range hyps {
		hyps[i].last = copyChain(hyps[i].last)
	}
	a.nodes = fresh
	a.compactAt = max(compactAt, 2*len(fresh))
}

// Hypothesis is an immutable candidate: a token chain in the stream's arena
// plus its score components.
type Hypothesis struct {
	last      int32
	numTokens int
	hash      uint64

	// LogProb is the accumulated acoustic log-probability.
	LogProb float64
	// LMScore is the accumulated scaled language-model score.
	LMScore float64
	// Context is the hotword bonus held by the path, locked and speculative.
	Context float64

	ctx            hotwords.State
	trailingBlanks int
}

// Score is the ranking score used during search.
func (h Hypothesis) Score() float64 { return h.LogProb + h.LMScore + h.Context }

// NumTokens returns the length of the token chain.
func (h Hypothesis) NumTokens() int { return h.numTokens }

// TrailingBlanks returns the number of output frames since the last token.
func (h Hypothesis) TrailingBlanks() int { return h.trailingBlanks }

func extendHash(h uint64, token int) uint64 {
	return h*1099511628211 + uint64(token) + 1
}

// State is one stream's decode state. It is owned by the stream and mutated
// only by a Policy or Reset.
type State struct {
	arena  arena
	hyps   []Hypothesis
	graph  *hotwords.Graph
	frames int // output frames decoded in the current segment
}

// NewState returns an empty decode state biased by graph (may be nil).
func NewState(graph *hotwords.Graph) *State {
	s := &State{graph: graph}
	s.Reset()
	return s
}

// Reset returns the state to the empty hypothesis. The hotword graph is kept.
func (s *State) Reset() {
	s.arena.reset()
	s.hyps = append(s.hyps[:0], Hypothesis{last: noToken})
	s.frames = 0
}

// Graph returns the hotword graph attached to the state.
func (s *State) Graph() *hotwords.Graph { return s.graph }

// Frames returns the number of output frames decoded since the last Reset.
func (s *State) Frames() int { return s.frames }

// Hypotheses returns the current beam, best first.
func (s *State) Hypotheses() []Hypothesis { return s.hyps }

// FinalScore is h's score with any speculative hotword bonus retracted.
func (s *State) FinalScore(h Hypothesis) float64 {
	return h.Score() - float64(s.graph.Speculative(h.ctx))
}

// Best returns the hypothesis with the highest final score. Ties keep beam order.
func (s *State) Best() Hypothesis {
	best := s.hyps[0]
	bestScore := s.FinalScore(best)
	for _, h := range s.hyps[1:] {
		if sc := s.FinalScore(h); sc > bestScore {
			best, bestScore = h, sc
		}
	}
	return best
}

// Tokens returns h's token ids and the segment-relative output frame at
// which each was emitted.
func (s *State) Tokens(h Hypothesis) (tokens, frames []int) {
	return s.arena.walk(h.last, h.numTokens)
}
