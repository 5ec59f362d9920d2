package engine

import "errors"

// ErrBatchShape indicates a malformed batch or model output.
var ErrBatchShape = errors.New("engine: batch shape mismatch")

// State is per-stream hidden state a model threads between chunks. It is
// opaque to callers and owned by the stream it belongs to.
type State any

// Batch is one joint invocation over several streams. Features holds
// len(Lengths) chunks back to back, each padded with zeros to Frames frames
// of FeatureDim values. Lengths carries each stream's true frame count so
// padding never reaches the scores.
type Batch struct {
	Features []float32
	Frames   int
	Lengths  []int
	States   []State
}

// Size returns the number of streams in the batch.
func (b Batch) Size() int { return len(b.Lengths) }

// Output is the model's answer to a Batch. Scores holds one block per
// stream of Frames x Vocab values; only the first Lengths[i] rows of block i
// are meaningful.
type Output struct {
	Scores  []float32
	Frames  int
	Vocab   int
	Lengths []int
	States  []State
}

// Stream returns the valid rows of stream i, row-major.
func (o Output) Stream(i int) []float32 {
	start := i * o.Frames * o.Vocab
	return o.Scores[start : start+o.Lengths[i]*o.Vocab]
}

// Model is the acoustic model collaborator. Implementations are shared
// across batches and must be safe for concurrent Infer calls; Infer must
// not retain the batch.
type Model interface {
	// FeatureDim is the width of one input feature vector.
	FeatureDim() int
	// ChunkFrames is the number of input frames consumed per decode step.
	ChunkFrames() int
	// SubsamplingFactor maps input frames to output frames.
	SubsamplingFactor() int
	// VocabSize is the width of one output row.
	VocabSize() int
	// Infer runs the whole batch in a single call.
	Infer(b Batch) (Output, error)
	// Close releases resources.
	Close() error
}

// OutputFrames returns how many output frames n valid input frames yield.
func OutputFrames(n, subsampling int) int {
	if n <= 0 {
		return 0
	}
	return (n + subsampling - 1) / subsampling
}

func checkBatch(b Batch, dim int) error {
	if b.Frames <= 0 || len(b.Features) != b.Size()*b.Frames*dim {
		return ErrBatchShape
	}
	if len(b.States) != 0 && len(b.States) != b.Size() {
		return ErrBatchShape
	}
	for _, n := range b.Lengths {
		if n < 0 || n > b.Frames {
			return ErrBatchShape
		}
	}
	return nil
}
