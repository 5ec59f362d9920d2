package recognizer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nupi-ai/plugin-asr-local-transducer/internal/config"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/decoder"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/endpoint"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/engine"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/hotwords"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/symbols"
)

// lmFloor scores tokens missing from a unigram LM file.
const lmFloor = -20

// Recognizer schedules batched model invocations over many streams and
// turns model output into recognition results. It holds a non-owning
// reference to the model; closing the model is the caller's job.
type Recognizer struct {
	cfg         config.RecognizerConfig
	model       engine.Model
	symbols     *symbols.Table
	policy      decoder.Policy
	hotwords    *hotwords.Graph   // applied to streams created without hotwords
	filePhrases []hotwords.Phrase // appended to per-stream hotwords
	rules       []endpoint.Rule
	frameShift  float32 // seconds per model output frame
	log         *slog.Logger
}

// New validates cfg against model and builds a recognizer. Every failure
// wraps ErrConfiguration.
func New(cfg config.RecognizerConfig, model engine.Model, logger *slog.Logger) (*Recognizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError(err)
	}
	if model == nil {
		return nil, configError(errors.New("model is nil"))
	}
	if model.FeatureDim() != cfg.Feat.FeatureDim {
		return nil, configError(fmt.Errorf("model feature dim %d, configured %d", model.FeatureDim(), cfg.Feat.FeatureDim))
	}
	if model.ChunkFrames() != cfg.Model.ChunkFrames {
		return nil, configError(fmt.Errorf("model chunk frames %d, configured %d", model.ChunkFrames(), cfg.Model.ChunkFrames))
	}
	if model.SubsamplingFactor() != cfg.Model.SubsamplingFactor {
		return nil, configError(fmt.Errorf("model subsampling %d, configured %d", model.SubsamplingFactor(), cfg.Model.SubsamplingFactor))
	}

	table, err := symbols.Load(cfg.Model.Tokens)
	if err != nil {
		return nil, configError(err)
	}
	if table.Size() != model.VocabSize() {
		return nil, configError(fmt.Errorf("tokens file has %d entries, model vocabulary is %d", table.Size(), model.VocabSize()))
	}
	if cfg.Model.BlankID >= table.Size() {
		return nil, configError(fmt.Errorf("blank_id %d outside vocabulary of %d", cfg.Model.BlankID, table.Size()))
	}

	opts := decoder.Options{
		Method:         cfg.DecodingMethod,
		BlankID:        cfg.Model.BlankID,
		MaxActivePaths: cfg.MaxActivePaths,
	}
	if cfg.DecodingMethod == config.ModifiedBeamSearch && cfg.LM.Model != "" {
		lm, err := decoder.LoadUnigram(cfg.LM.Model, table, table.Size(), lmFloor)
		if err != nil {
			return nil, configError(err)
		}
		opts.LM = lm
		opts.LMScale = cfg.LM.Scale
	}
	policy, err := decoder.New(opts)
	if err != nil {
		return nil, configError(err)
	}

	r := &Recognizer{
		cfg:        cfg,
		model:      model,
		symbols:    table,
		policy:     policy,
		frameShift: float32(cfg.Model.FrameShiftMs*cfg.Model.SubsamplingFactor) / 1000,
		log:        logger.With("component", "recognizer"),
	}
	if cfg.EnableEndpoint {
		for _, rc := range []config.RuleConfig{cfg.Endpoint.Rule1, cfg.Endpoint.Rule2, cfg.Endpoint.Rule3} {
			r.rules = append(r.rules, endpoint.Rule{
				MustContainNonSilence: rc.MustContainNonSilence,
				MinTrailingSilence:    rc.MinTrailingSilence,
				MinUtteranceLength:    rc.MinUtteranceLength,
			})
		}
	}

	if cfg.HotwordsFile != "" {
		phrases, err := hotwords.ParseFile(cfg.HotwordsFile, table, cfg.HotwordsScore)
		if err != nil {
			return nil, configError(err)
		}
		r.filePhrases = phrases
		r.hotwords = r.graph(phrases)
		r.log.Info("loaded hotwords", "file", cfg.HotwordsFile, "phrases", len(phrases))
	}
	return r, nil
}

func configError(err error) error {
	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}

// graph builds the context graph for phrases, or nil when the policy does
// not use hotwords.
func (r *Recognizer) graph(phrases []hotwords.Phrase) *hotwords.Graph {
	if len(phrases) == 0 {
		return nil
	}
	if r.policy.Method() != decoder.ModifiedBeamSearch {
		r.log.Warn("hotwords are only used by modified_beam_search; ignoring",
			"decoding_method", r.policy.Method(),
			"phrases", len(phrases))
		return nil
	}
	return hotwords.NewGraph(phrases)
}

// Config returns the configuration the recognizer was built with.
func (r *Recognizer) Config() config.RecognizerConfig { return r.cfg }

// CreateStream returns a new stream biased by the configured hotwords file.
func (r *Recognizer) CreateStream() *Stream {
	return r.newStream(r.hotwords)
}

// CreateStreamWithHotwords parses hotword text (one phrase per line, tokens
// separated by spaces) and returns a stream biased by it together with the
// configured hotwords file. Empty text behaves like CreateStream. Malformed
// text returns a *hotwords.ParseError.
func (r *Recognizer) CreateStreamWithHotwords(text string) (*Stream, error) {
	if strings.TrimSpace(text) == "" {
		return r.CreateStream(), nil
	}
	phrases, err := hotwords.Parse(text, r.symbols, r.cfg.HotwordsScore)
	if err != nil {
		return nil, err
	}
	phrases = append(phrases, r.filePhrases...)
	return r.newStream(r.graph(phrases)), nil
}

func (r *Recognizer) newStream(g *hotwords.Graph) *Stream {
	return &Stream{
		id:          uuid.New(),
		owner:       r,
		featureDim:  r.model.FeatureDim(),
		chunkFrames: r.model.ChunkFrames(),
		decode:      decoder.NewState(g),
		detector:    endpoint.NewDetector(r.cfg.EnableEndpoint, r.frameShift, r.rules...),
	}
}

// IsReady reports whether s has a decode chunk buffered.
func (r *Recognizer) IsReady(s *Stream) bool { return s.IsReady() }

// DecodeStreams runs one decode step over every ready stream in ss with a
// single model invocation. Nil, duplicate, foreign or not-ready entries are
// skipped and reported in the returned error without touching other
// streams. If the model fails, consumed chunks are restored and no decode
// state changes.
func (r *Recognizer) DecodeStreams(ss []*Stream) error {
	var (
		errs   []error
		batch  []*Stream
		chunks [][]float32
		seen   = make(map[*Stream]struct{}, len(ss))
	)
	for i, s := range ss {
		switch {
		case s == nil:
			errs = append(errs, fmt.Errorf("stream %d: %w: nil stream", i, ErrNotReady))
			continue
		case s.owner != r:
			errs = append(errs, fmt.Errorf("stream %d: %w", i, ErrForeignStream))
			continue
		}
		if _, dup := seen[s]; dup {
			errs = append(errs, fmt.Errorf("stream %d: %w: duplicate in batch", i, ErrNotReady))
			continue
		}
		seen[s] = struct{}{}
		chunk, err := s.nextChunk()
		if err != nil {
			errs = append(errs, fmt.Errorf("stream %d (%s): %w", i, s.id, err))
			continue
		}
		batch = append(batch, s)
		chunks = append(chunks, chunk)
	}
	if len(batch) == 0 {
		return errors.Join(errs...)
	}

	if err := r.decodeBatch(batch, chunks); err != nil {
		for i, s := range batch {
			s.unconsume(chunks[i])
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Recognizer) decodeBatch(batch []*Stream, chunks [][]float32) error {
	dim := r.model.FeatureDim()
	frames := r.model.ChunkFrames()
	in := engine.Batch{
		Features: make([]float32, len(batch)*frames*dim),
		Frames:   frames,
		Lengths:  make([]int, len(batch)),
		States:   make([]engine.State, len(batch)),
	}
	for i, s := range batch {
		copy(in.Features[i*frames*dim:], chunks[i])
		in.Lengths[i] = len(chunks[i]) / dim
		in.States[i] = s.modelState
	}

	out, err := r.model.Infer(in)
	if err != nil {
		return fmt.Errorf("recognizer: model inference: %w", err)
	}
	if err := checkOutput(out, len(batch), r.symbols.Size()); err != nil {
		return err
	}

	outputs := make([]decoder.Output, len(batch))
	states := make([]*decoder.State, len(batch))
	for i, s := range batch {
		outputs[i] = decoder.Output{Scores: out.Stream(i), Frames: out.Lengths[i], Vocab: out.Vocab}
		states[i] = s.decode
	}
	r.policy.Decode(outputs, states)

	for i, s := range batch {
		s.modelState = out.States[i]
		s.processed += out.Lengths[i]
		best := s.decode.Best()
		latched := s.detector.IsEndpoint()
		if s.detector.Observe(out.Lengths[i], best.TrailingBlanks(), best.NumTokens() > 0) && !latched {
			r.log.Debug("endpoint detected",
				"stream", s.id,
				"segment", s.segment,
				"rule", s.detector.FiredRule())
		}
	}
	return nil
}

func checkOutput(out engine.Output, n, vocab int) error {
	if out.Vocab != vocab || len(out.Lengths) != n || len(out.States) != n ||
		len(out.Scores) != n*out.Frames*out.Vocab {
		return fmt.Errorf("recognizer: %w: got %d streams x %d frames x %d vocab", engine.ErrBatchShape, len(out.Lengths), out.Frames, out.Vocab)
	}
	for _, l := range out.Lengths {
		if l < 0 || l > out.Frames {
			return fmt.Errorf("recognizer: %w: output length %d exceeds %d frames", engine.ErrBatchShape, l, out.Frames)
		}
	}
	return nil
}

// GetResult snapshots the current segment of s.
func (r *Recognizer) GetResult(s *Stream) Result {
	best := s.decode.Best()
	ids, frames := s.decode.Tokens(best)
	res := Result{
		Tokens:     make([]string, len(ids)),
		Timestamps: make([]float32, len(ids)),
		StartTime:  float32(s.segmentStart) * r.frameShift,
		Segment:    s.segment,
		IsFinal:    s.detector.IsEndpoint(),
	}
	for i, id := range ids {
		res.Tokens[i] = r.symbols.Token(id)
		res.Timestamps[i] = float32(frames[i]) * r.frameShift
	}
	res.Text = symbols.Detokenize(res.Tokens)
	return res
}

// IsEndpoint reports whether s has reached an endpoint.
func (r *Recognizer) IsEndpoint(s *Stream) bool { return s.IsEndpoint() }

// Reset starts a new segment on s.
func (r *Recognizer) Reset(s *Stream) { s.Reset() }

func (r *Recognizer) String() string {
	return fmt.Sprintf("Recognizer(method=%s, vocab=%d, chunk_frames=%d, frame_shift=%gs, endpoint_rules=%d)",
		r.policy.Method(), r.symbols.Size(), r.model.ChunkFrames(), r.frameShift, len(r.rules))
}
