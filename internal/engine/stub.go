package engine

import (
	"fmt"
	"sync/atomic"
)

// StubModel is a deterministic model for tests and development. Output
// frame j of a stream reads input frame j*SubsamplingFactor and returns its
// first VocabSize values as scores, so callers can script exact token
// sequences through the features they feed.
//
// Its per-stream state counts the chunks the stream has been through.
type StubModel struct {
	featureDim  int
	chunkFrames int
	subsampling int
	vocab       int
	calls       atomic.Int64
}

// NewStubModel validates the dimensions and returns a StubModel.
func NewStubModel(featureDim, vocab, chunkFrames, subsampling int) (*StubModel, error) {
	if featureDim <= 0 || vocab <= 0 || chunkFrames <= 0 || subsampling <= 0 {
		return nil, fmt.Errorf("engine: stub: dimensions must be positive (feature_dim=%d vocab=%d chunk=%d subsampling=%d)",
			featureDim, vocab, chunkFrames, subsampling)
	}
	if featureDim < vocab {
		return nil, fmt.Errorf("engine: stub: feature_dim %d must be >= vocabulary size %d", featureDim, vocab)
	}
	return &StubModel{
		featureDim:  featureDim,
		chunkFrames: chunkFrames,
		subsampling: subsampling,
		vocab:       vocab,
	}, nil
}

func (m *StubModel) FeatureDim() int        { return m.featureDim }
func (m *StubModel) ChunkFrames() int       { return m.chunkFrames }
func (m *StubModel) SubsamplingFactor() int { return m.subsampling }
func (m *StubModel) VocabSize() int         { return m.vocab }

// Calls returns how many times Infer has run.
func (m *StubModel) Calls() int { return int(m.calls.Load()) }

func (m *StubModel) Infer(b Batch) (Output, error) {
	if err := checkBatch(b, m.featureDim); err != nil {
		return Output{}, err
	}
	m.calls.Add(1)
	outFrames := OutputFrames(b.Frames, m.subsampling)
	out := Output{
		Scores:  make([]float32, b.Size()*outFrames*m.vocab),
		Frames:  outFrames,
		Vocab:   m.vocab,
		Lengths: make([]int, b.Size()),
		States:  make([]State, b.Size()),
	}
	for i, n := range b.Lengths {
		chunk := b.Features[i*b.Frames*m.featureDim : (i+1)*b.Frames*m.featureDim]
		valid := OutputFrames(n, m.subsampling)
		for j := 0; j < valid; j++ {
			src := chunk[j*m.subsampling*m.featureDim:]
			copy(out.Scores[(i*outFrames+j)*m.vocab:(i*outFrames+j+1)*m.vocab], src[:m.vocab])
		}
		out.Lengths[i] = valid

		count := 0
		if len(b.States) > 0 {
			if c, ok := b.States[i].(int); ok {
				count = c
			}
		}
		out.States[i] = count + 1
	}
	return out, nil
}

// Close is a no-op for the stub model.
func (m *StubModel) Close() error { return nil }
