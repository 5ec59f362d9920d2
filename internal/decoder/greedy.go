package decoder

// Greedy picks the best-scoring token for every output frame. Ties resolve
// to the lowest token id.
type Greedy struct {
	blank int
}

// NewGreedy returns a greedy policy.
func NewGreedy(blank int) *Greedy {
	return &Greedy{blank: blank}
}

func (g *Greedy) Method() string { return GreedySearch }

func (g *Greedy) Decode(outputs []Output, states []*State) {
	var row []float32
	for i, out := range outputs {
		st := states[i]
		if cap(row) < out.Vocab {
			row = make([]float32, out.Vocab)
		}
		row = row[:out.Vocab]
		h := st.hyps[0]
		for t := 0; t < out.Frames; t++ {
			logSoftmax(out.Row(t), row)
			best := 0
			for v := 1; v < len(row); v++ {
				if row[v] > row[best] {
					best = v
				}
			}
			h.LogProb += float64(row[best])
			if best == g.blank {
				h.trailingBlanks++
			} else {
				h.last = st.arena.push(h.last, best, st.frames+t)
				h.numTokens++
				h.hash = extendHash(h.hash, best)
				h.trailingBlanks = 0
			}
		}
		st.frames += out.Frames
		st.hyps[0] = h
		st.arena.compact(st.hyps)
	}
}
