package recognizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/nupi-ai/plugin-asr-local-transducer/internal/decoder"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/endpoint"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/engine"
)

// Stream is one audio session. Feed, InputFinished and the readiness
// queries are safe to call from any goroutine. Decoding and Reset must be
// serialized by the caller: one writer per stream at a time.
type Stream struct {
	id          uuid.UUID
	owner       *Recognizer
	featureDim  int
	chunkFrames int

	mu       sync.Mutex
	buf      []float32
	finished bool

	modelState   engine.State
	decode       *decoder.State
	detector     *endpoint.Detector
	segment      int
	segmentStart int // output frames decoded before the current segment
	processed    int // output frames decoded since creation
}

// ID returns the stream's unique identity.
func (s *Stream) ID() uuid.UUID { return s.id }

func (s *Stream) String() string {
	return fmt.Sprintf("Stream(id=%s, segment=%d, buffered=%d)", s.id, s.Segment(), s.NumFramesReady())
}

// Feed appends feature frames. Every frame must have the configured width
// and finite values; on error nothing is appended.
func (s *Stream) Feed(frames ...[]float32) error {
	for i, f := range frames {
		if len(f) != s.featureDim {
			return fmt.Errorf("%w: frame %d has width %d, want %d", ErrInvalidInput, i, len(f), s.featureDim)
		}
		for _, v := range f {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("%w: frame %d has non-finite value", ErrInvalidInput, i)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return fmt.Errorf("%w: input already finished", ErrInvalidInput)
	}
	for _, f := range frames {
		s.buf = append(s.buf, f...)
	}
	return nil
}

// InputFinished marks the end of audio. A trailing partial chunk becomes
// ready and further Feed calls fail.
func (s *Stream) InputFinished() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

// IsInputFinished reports whether InputFinished was called.
func (s *Stream) IsInputFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// NumFramesReady returns the number of buffered frames.
func (s *Stream) NumFramesReady() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf) / s.featureDim
}

// IsReady reports whether a decode step can run: a full chunk is buffered,
// or input is finished and any frames remain.
func (s *Stream) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.buf) / s.featureDim
	return n >= s.chunkFrames || (s.finished && n > 0)
}

// Consume removes and returns exactly n frames, row-major.
func (s *Stream) Consume(n int) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	have := len(s.buf) / s.featureDim
	if n <= 0 || n > have {
		return nil, fmt.Errorf("%w: requested %d frames, %d buffered", ErrUnderrun, n, have)
	}
	return s.take(n), nil
}

// nextChunk removes the next decode chunk: chunkFrames frames, or the
// remaining tail once input is finished.
func (s *Stream) nextChunk() ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	have := len(s.buf) / s.featureDim
	switch {
	case have >= s.chunkFrames:
		return s.take(s.chunkFrames), nil
	case s.finished && have > 0:
		return s.take(have), nil
	default:
		return nil, fmt.Errorf("%w: %d frames buffered, chunk is %d", ErrNotReady, have, s.chunkFrames)
	}
}

func (s *Stream) take(n int) []float32 {
	size := n * s.featureDim
	out := make([]float32, size)
	copy(out, s.buf[:size])
	s.buf = s.buf[:copy(s.buf, s.buf[size:])]
	return out
}

// unconsume puts a chunk back at the head of the buffer.
func (s *Stream) unconsume(chunk []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(chunk, s.buf...)
}

// Reset starts a new segment: the decode state returns to the empty
// hypothesis, endpoint counters are zeroed and the segment counter is
// incremented. Buffered features are kept.
func (s *Stream) Reset() {
	s.decode.Reset()
	s.detector.Reset()
	s.segment++
	s.segmentStart = s.processed
}

// Segment returns the current segment counter.
func (s *Stream) Segment() int { return s.segment }

// IsEndpoint reports whether an endpoint was declared since the last Reset.
func (s *Stream) IsEndpoint() bool { return s.detector.IsEndpoint() }
