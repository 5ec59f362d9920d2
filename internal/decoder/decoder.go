package decoder

import (
	"errors"
	"fmt"
	"math"
)

// Decoding method names accepted by New.
const (
	GreedySearch       = "greedy_search"
	ModifiedBeamSearch = "modified_beam_search"
)

// ErrInvalidOptions is returned when a policy cannot be built.
var ErrInvalidOptions = errors.New("decoder: invalid options")

// Output is one stream's model output for a decode step: Frames rows of
// Vocab scores each, row-major. Rows beyond the stream's true length must
// already be trimmed by the caller.
type Output struct {
	Scores []float32
	Frames int
	Vocab  int
}

// Row returns the scores of output frame t.
func (o Output) Row(t int) []float32 {
	return o.Scores[t*o.Vocab : (t+1)*o.Vocab]
}

// Policy turns one batch of model outputs into updated per-stream decode
// state. Policies hold no per-stream data; streams are independent and are
// processed in input order.
type Policy interface {
	Method() string
	Decode(outputs []Output, states []*State)
}

// Options configure New.
type Options struct {
	Method         string
	BlankID        int
	MaxActivePaths int
	LM             LanguageModel
	LMScale        float32
}

// New returns the policy named by opts.Method.
func New(opts Options) (Policy, error) {
	switch opts.Method {
	case GreedySearch, "":
		return NewGreedy(opts.BlankID), nil
	case ModifiedBeamSearch:
		return NewBeamSearch(opts)
	default:
		return nil, fmt.Errorf("%w: unsupported decoding method %q", ErrInvalidOptions, opts.Method)
	}
}

// logSoftmax writes the log-softmax of in to out. Applying it to scores that
// are already log-probabilities leaves them unchanged.
func logSoftmax(in, out []float32) {
	maxV := float32(math.Inf(-1))
	for _, v := range in {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for _, v := range in {
		sum += math.Exp(float64(v - maxV))
	}
	logZ := float32(math.Log(sum)) + maxV
	for i, v := range in {
		out[i] = v - logZ
	}
}

func logAddExp(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	if math.IsInf(b, -1) {
		return a
	}
	return a + math.Log1p(math.Exp(b-a))
}
