package decoder

import (
	"cmp"
	"fmt"
	"slices"
)

// BeamSearch is modified beam search: at most one token per output frame,
// up to MaxActivePaths hypotheses kept per stream, optional hotword biasing
// from the stream's context graph and optional LM shallow fusion.
//
// Candidates rank by score (higher first), then by shorter token sequence,
// then by lexicographically smaller token ids. Candidates with identical
// token sequences are merged by log-adding their acoustic scores.
type BeamSearch struct {
	blank     int
	maxActive int
	lm        LanguageModel
	lmScale   float32
}

// NewBeamSearch validates opts and returns a beam search policy.
func NewBeamSearch(opts Options) (*BeamSearch, error) {
	if opts.MaxActivePaths <= 0 {
		return nil, fmt.Errorf("%w: max_active_paths must be > 0, got %d", ErrInvalidOptions, opts.MaxActivePaths)
	}
	if opts.LM != nil && opts.LMScale <= 0 {
		return nil, fmt.Errorf("%w: lm scale must be > 0 when a language model is set, got %v", ErrInvalidOptions, opts.LMScale)
	}
	return &BeamSearch{
		blank:     opts.BlankID,
		maxActive: opts.MaxActivePaths,
		lm:        opts.LM,
		lmScale:   opts.LMScale,
	}, nil
}

func (b *BeamSearch) Method() string { return ModifiedBeamSearch }

// MaxActivePaths returns the beam width.
func (b *BeamSearch) MaxActivePaths() int { return b.maxActive }

type candidate struct {
	hyp    Hypothesis
	parent int32 // chain the token extends; equals hyp.last for blanks
	token  int   // -1 for a blank extension
	seq    []int // materialized lazily for tie-breaks and merges
}

func (c *candidate) tokens(a *arena) []int {
	if c.seq != nil {
		return c.seq
	}
	if c.token < 0 {
		c.seq, _ = a.walk(c.hyp.last, c.hyp.numTokens)
	} else {
		c.seq, _ = a.walk(c.parent, c.hyp.numTokens-1)
		c.seq = append(c.seq, c.token)
	}
	return c.seq
}

func compareCandidates(a *arena, x, y *candidate) int {
	if c := cmp.Compare(y.hyp.Score(), x.hyp.Score()); c != 0 {
		return c
	}
	if c := cmp.Compare(x.hyp.numTokens, y.hyp.numTokens); c != 0 {
		return c
	}
	return slices.Compare(x.tokens(a), y.tokens(a))
}

func (b *BeamSearch) Decode(outputs []Output, states []*State) {
	var (
		row   []float32
		pool  []candidate
		local []candidate
	)
	for i, out := range outputs {
		st := states[i]
		if cap(row) < out.Vocab {
			row = make([]float32, out.Vocab)
		}
		row = row[:out.Vocab]
		for t := 0; t < out.Frames; t++ {
			logSoftmax(out.Row(t), row)
			pool = pool[:0]
			for _, h := range st.hyps {
				local = b.expand(st, h, row, st.frames+t, local[:0])
				pool = append(pool, local...)
			}
			pool = b.merge(st, pool)
			slices.SortStableFunc(pool, func(x, y candidate) int {
				return compareCandidates(&st.arena, &x, &y)
			})
			if len(pool) > b.maxActive {
				pool = pool[:b.maxActive]
			}
			st.hyps = st.hyps[:0]
			for _, c := range pool {
				if c.token >= 0 {
					c.hyp.last = st.arena.push(c.parent, c.token, st.frames+t)
				}
				st.hyps = append(st.hyps, c.hyp)
			}
		}
		st.frames += out.Frames
		st.arena.compact(st.hyps)
	}
}

// expand returns h's best maxActive one-frame extensions. Merging runs on
// the survivors only, so a candidate cut here never lends its probability
// to a kept hypothesis with the same tokens.
func (b *BeamSearch) expand(st *State, h Hypothesis, row []float32, frame int, out []candidate) []candidate {
	better := func(x, y *candidate) bool {
		sx, sy := x.hyp.Score(), y.hyp.Score()
		if sx != sy {
			return sx > sy
		}
		// Same parent: the blank (shorter) wins, then the smaller token id.
		return x.token < y.token
	}
	insert := func(c candidate) {
		if len(out) == b.maxActive && !better(&c, &out[len(out)-1]) {
			return
		}
		if len(out) < b.maxActive {
			out = append(out, c)
		} else {
			out[len(out)-1] = c
		}
		for j := len(out) - 1; j > 0 && better(&out[j], &out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}

	for v := range row {
		next := h
		if v == b.blank {
			next.LogProb += float64(row[v])
			next.trailingBlanks++
			insert(candidate{hyp: next, parent: h.last, token: -1})
			continue
		}
		next.LogProb += float64(row[v])
		if b.lm != nil {
			next.LMScore += float64(b.lmScale * b.lm.Score(v))
		}
		var bonus float32
		next.ctx, bonus = st.graph.Forward(h.ctx, v)
		next.Context += float64(bonus)
		next.numTokens++
		next.hash = extendHash(h.hash, v)
		next.trailingBlanks = 0
		insert(candidate{hyp: next, parent: h.last, token: v})
	}
	return out
}

// merge folds candidates with identical token sequences into the better
// ranked one. The result keeps first-seen order.
func (b *BeamSearch) merge(st *State, pool []candidate) []candidate {
	byHash := make(map[uint64][]int, len(pool))
	out := pool[:0]
	for _, c := range pool {
		merged := false
		for _, j := range byHash[c.hyp.hash] {
			kept := &out[j]
			if kept.hyp.numTokens != c.hyp.numTokens || !slices.Equal(kept.tokens(&st.arena), c.tokens(&st.arena)) {
				continue
			}
			if compareCandidates(&st.arena, &c, kept) < 0 {
				c.hyp.LogProb = logAddExp(c.hyp.LogProb, kept.hyp.LogProb)
				*kept = c
			} else {
				kept.hyp.LogProb = logAddExp(kept.hyp.LogProb, c.hyp.LogProb)
			}
			merged = true
			break
		}
		if !merged {
			out = append(out, c)
			byHash[c.hyp.hash] = append(byHash[c.hyp.hash], len(out)-1)
		}
	}
	return out
}
