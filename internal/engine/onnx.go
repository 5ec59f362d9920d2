//go:build onnx

package engine

import (
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortInitOnce initializes the ONNX Runtime environment for the process.
// ortInitErr is kept so later NewONNXModel calls report the same failure.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// ONNXModel runs a stateless exported transducer encoder+joiner that emits
// per-frame log-probabilities. States pass through untouched.
type ONNXModel struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	opts    ONNXOptions
}

// NewONNXModel initializes ONNX Runtime and loads the model at opts.Path.
func NewONNXModel(opts ONNXOptions) (*ONNXModel, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("onnx: model path is empty")
	}
	if opts.FeatureDim <= 0 || opts.ChunkFrames <= 0 || opts.Subsampling <= 0 || opts.Vocab <= 0 {
		return nil, fmt.Errorf("onnx: dimensions must be positive")
	}
	if p := strings.ToLower(opts.Provider); p != "" && p != "cpu" {
		return nil, fmt.Errorf("onnx: unsupported provider %q", opts.Provider)
	}

	ortInitOnce.Do(func() {
		libPath, err := resolveORTLibPath()
		if err != nil {
			ortInitErr = fmt.Errorf("resolve ORT lib: %w", err)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("onnx: %w", ortInitErr)
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	defer sessOpts.Destroy()
	if opts.NumThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			return nil, fmt.Errorf("onnx: set threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		opts.Path,
		[]string{"x", "x_lens"},
		[]string{"log_probs", "log_probs_len"},
		sessOpts,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}
	return &ONNXModel{session: session, opts: opts}, nil
}

func (m *ONNXModel) FeatureDim() int        { return m.opts.FeatureDim }
func (m *ONNXModel) ChunkFrames() int       { return m.opts.ChunkFrames }
func (m *ONNXModel) SubsamplingFactor() int { return m.opts.Subsampling }
func (m *ONNXModel) VocabSize() int         { return m.opts.Vocab }

func (m *ONNXModel) Infer(b Batch) (Output, error) {
	if err := checkBatch(b, m.opts.FeatureDim); err != nil {
		return Output{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Output{}, fmt.Errorf("onnx: model closed")
	}

	n := int64(b.Size())
	x, err := ort.NewTensor(ort.NewShape(n, int64(b.Frames), int64(m.opts.FeatureDim)), b.Features)
	if err != nil {
		return Output{}, fmt.Errorf("onnx: input tensor: %w", err)
	}
	defer x.Destroy()
	lens := make([]int64, b.Size())
	for i, l := range b.Lengths {
		lens[i] = int64(l)
	}
	xLens, err := ort.NewTensor(ort.NewShape(n), lens)
	if err != nil {
		return Output{}, fmt.Errorf("onnx: lengths tensor: %w", err)
	}
	defer xLens.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := m.session.Run([]ort.Value{x, xLens}, outputs); err != nil {
		return Output{}, fmt.Errorf("onnx: inference: %w", err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	probs, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return Output{}, fmt.Errorf("onnx: log_probs is not float32")
	}
	probLens, ok := outputs[1].(*ort.Tensor[int64])
	if !ok {
		return Output{}, fmt.Errorf("onnx: log_probs_len is not int64")
	}
	shape := probs.GetShape()
	if len(shape) != 3 || shape[0] != n || int(shape[2]) != m.opts.Vocab {
		return Output{}, fmt.Errorf("%w: log_probs shape %v", ErrBatchShape, shape)
	}

	out := Output{
		Scores:  append([]float32(nil), probs.GetData()...),
		Frames:  int(shape[1]),
		Vocab:   m.opts.Vocab,
		Lengths: make([]int, b.Size()),
		States:  make([]State, b.Size()),
	}
	for i, l := range probLens.GetData() {
		if l < 0 || int(l) > out.Frames {
			return Output{}, fmt.Errorf("%w: log_probs_len[%d]=%d", ErrBatchShape, i, l)
		}
		out.Lengths[i] = int(l)
	}
	copy(out.States, b.States)
	return out, nil
}

// Close releases the ONNX Runtime session. Safe to call multiple times.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		err := m.session.Destroy()
		m.session = nil
		return err
	}
	return nil
}
