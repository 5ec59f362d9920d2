package decoder

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/nupi-ai/plugin-asr-local-transducer/internal/hotwords"
)

// LanguageModel scores emitted tokens during beam search.
type LanguageModel interface {
	// Score returns the log-probability of token.
	Score(token int) float32
}

// ErrInvalidLM is returned for unreadable or malformed language model files.
var ErrInvalidLM = errors.New("decoder: invalid language model")

// Unigram is a context-free token language model.
type Unigram struct {
	scores []float32
	floor  float32
}

// LoadUnigram reads "<token> <logprob>" lines. Tokens absent from the file
// score floor.
func LoadUnigram(path string, vocab hotwords.Vocabulary, size int, floor float32) (*Unigram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLM, err)
	}
	defer f.Close()

	u := &Unigram{scores: make([]float32, size), floor: floor}
	for i := range u.scores {
		u.scores[i] = floor
	}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: line %d: want \"<token> <logprob>\"", ErrInvalidLM, lineNo)
		}
		id, ok := vocab.ID(fields[0])
		if !ok || id >= size {
			return nil, fmt.Errorf("%w: line %d: unknown token %q", ErrInvalidLM, lineNo, fields[0])
		}
		v, err := strconv.ParseFloat(fields[1], 32)
		if err != nil || math.IsNaN(v) || v > 0 {
			return nil, fmt.Errorf("%w: line %d: invalid log-probability %q", ErrInvalidLM, lineNo, fields[1])
		}
		u.scores[id] = float32(v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLM, err)
	}
	return u, nil
}

// NewUnigram builds a model from per-token log-probabilities.
func NewUnigram(scores []float32, floor float32) *Unigram {
	return &Unigram{scores: scores, floor: floor}
}

func (u *Unigram) Score(token int) float32 {
	if token < 0 || token >= len(u.scores) {
		return u.floor
	}
	return u.scores[token]
}
