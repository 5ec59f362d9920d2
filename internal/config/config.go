package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	DefaultListenAddr       = "localhost:0"
	DefaultEngine           = EngineAuto
	DefaultMaxBatchSize     = 8
	DefaultDecodeIntervalMs = 20

	DefaultSampleRate        = 16000
	DefaultFeatureDim        = 80
	DefaultChunkFrames       = 32
	DefaultSubsamplingFactor = 4
	DefaultFrameShiftMs      = 10
	DefaultMaxActivePaths    = 4
	DefaultHotwordsScore     = 1.5
	DefaultDecodingMethod    = GreedySearch
)

const (
	EngineAuto = "auto"
	EngineStub = "stub"
	EngineONNX = "onnx"

	GreedySearch       = "greedy_search"
	ModifiedBeamSearch = "modified_beam_search"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds the adapter configuration.
type Config struct {
	ListenAddr       string           `yaml:"listen_addr" json:"listen_addr" env:"ADAPTER_LISTEN_ADDR"`
	LogLevel         string           `yaml:"log_level" json:"log_level" env:"LOG_LEVEL"`
	Engine           string           `yaml:"engine" json:"engine" env:"ASR_ENGINE"`
	MaxBatchSize     int              `yaml:"max_batch_size" json:"max_batch_size" env:"ASR_MAX_BATCH_SIZE"`
	DecodeIntervalMs int              `yaml:"decode_interval_ms" json:"decode_interval_ms" env:"ASR_DECODE_INTERVAL_MS"`
	Recognizer       RecognizerConfig `yaml:"recognizer" json:"recognizer" envPrefix:"ASR_"`
	Archive          ArchiveConfig    `yaml:"archive" json:"archive" envPrefix:"ARCHIVE_"`
}

// ArchiveConfig enables persistence of finalized segments when DSN is set.
type ArchiveConfig struct {
	DSN string `yaml:"dsn" json:"dsn" env:"DSN"`
}

// RecognizerConfig configures one recognizer instance.
type RecognizerConfig struct {
	Feat           FeatureConfig  `yaml:"feat_config" json:"feat_config" envPrefix:"FEAT_"`
	Model          ModelConfig    `yaml:"model_config" json:"model_config" envPrefix:"MODEL_"`
	LM             LMConfig       `yaml:"lm_config" json:"lm_config" envPrefix:"LM_"`
	Endpoint       EndpointConfig `yaml:"endpoint_config" json:"endpoint_config" envPrefix:"ENDPOINT_"`
	EnableEndpoint bool           `yaml:"enable_endpoint" json:"enable_endpoint" env:"ENABLE_ENDPOINT"`
	MaxActivePaths int            `yaml:"max_active_paths" json:"max_active_paths" env:"MAX_ACTIVE_PATHS"`
	HotwordsScore  float32        `yaml:"hotwords_score" json:"hotwords_score" env:"HOTWORDS_SCORE"`
	HotwordsFile   string         `yaml:"hotwords_file" json:"hotwords_file" env:"HOTWORDS_FILE"`
	DecodingMethod string         `yaml:"decoding_method" json:"decoding_method" env:"DECODING_METHOD"`
}

type FeatureConfig struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
	FeatureDim int `yaml:"feature_dim" json:"feature_dim" env:"DIM"`
}

type ModelConfig struct {
	Model             string `yaml:"model" json:"model" env:"PATH"`
	Tokens            string `yaml:"tokens" json:"tokens" env:"TOKENS"`
	ChunkFrames       int    `yaml:"chunk_frames" json:"chunk_frames" env:"CHUNK_FRAMES"`
	SubsamplingFactor int    `yaml:"subsampling_factor" json:"subsampling_factor" env:"SUBSAMPLING_FACTOR"`
	FrameShiftMs      int    `yaml:"frame_shift_ms" json:"frame_shift_ms" env:"FRAME_SHIFT_MS"`
	BlankID           int    `yaml:"blank_id" json:"blank_id" env:"BLANK_ID"`
	NumThreads        int    `yaml:"num_threads" json:"num_threads" env:"NUM_THREADS"`
	Provider          string `yaml:"provider" json:"provider" env:"PROVIDER"`
}

type LMConfig struct {
	Model string  `yaml:"model" json:"model" env:"PATH"`
	Scale float32 `yaml:"scale" json:"scale" env:"SCALE"`
}

type EndpointConfig struct {
	Rule1 RuleConfig `yaml:"rule1" json:"rule1" envPrefix:"RULE1_"`
	Rule2 RuleConfig `yaml:"rule2" json:"rule2" envPrefix:"RULE2_"`
	Rule3 RuleConfig `yaml:"rule3" json:"rule3" envPrefix:"RULE3_"`
}

// RuleConfig is one endpoint rule. Times are in seconds.
type RuleConfig struct {
	MustContainNonSilence bool    `yaml:"must_contain_nonsilence" json:"must_contain_nonsilence" env:"MUST_CONTAIN_NONSILENCE"`
	MinTrailingSilence    float32 `yaml:"min_trailing_silence" json:"min_trailing_silence" env:"MIN_TRAILING_SILENCE"`
	MinUtteranceLength    float32 `yaml:"min_utterance_length" json:"min_utterance_length" env:"MIN_UTTERANCE_LENGTH"`
}

// Default returns the adapter configuration before any source is applied.
func Default() Config {
	return Config{
		ListenAddr:       DefaultListenAddr,
		Engine:           DefaultEngine,
		MaxBatchSize:     DefaultMaxBatchSize,
		DecodeIntervalMs: DefaultDecodeIntervalMs,
		Recognizer:       DefaultRecognizer(),
	}
}

// DefaultRecognizer returns the recognizer defaults.
func DefaultRecognizer() RecognizerConfig {
	return RecognizerConfig{
		Feat: FeatureConfig{SampleRate: DefaultSampleRate, FeatureDim: DefaultFeatureDim},
		Model: ModelConfig{
			ChunkFrames:       DefaultChunkFrames,
			SubsamplingFactor: DefaultSubsamplingFactor,
			FrameShiftMs:      DefaultFrameShiftMs,
			NumThreads:        1,
			Provider:          "cpu",
		},
		Endpoint: EndpointConfig{
			Rule1: RuleConfig{MustContainNonSilence: true, MinTrailingSilence: 2.4},
			Rule2: RuleConfig{MustContainNonSilence: true, MinTrailingSilence: 1.2},
			Rule3: RuleConfig{MustContainNonSilence: true, MinUtteranceLength: 20},
		},
		EnableEndpoint: true,
		MaxActivePaths: DefaultMaxActivePaths,
		HotwordsScore:  DefaultHotwordsScore,
		DecodingMethod: DefaultDecodingMethod,
	}
}

// Validate checks the adapter settings and the embedded recognizer config.
func (c Config) Validate() error {
	switch c.Engine {
	case EngineAuto, EngineStub, EngineONNX:
	default:
		return invalid("engine must be one of auto, stub, onnx (got %q)", c.Engine)
	}
	if c.Engine == EngineONNX && c.Recognizer.Model.Model == "" {
		return invalid("engine onnx requires model_config.model")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return invalid("listen_addr is empty")
	}
	if c.MaxBatchSize <= 0 {
		return invalid("max_batch_size must be > 0 (got %d)", c.MaxBatchSize)
	}
	if c.DecodeIntervalMs <= 0 {
		return invalid("decode_interval_ms must be > 0 (got %d)", c.DecodeIntervalMs)
	}
	return c.Recognizer.Validate()
}

// Validate reports the first inconsistency in the recognizer config.
func (c RecognizerConfig) Validate() error {
	if c.Feat.SampleRate <= 0 {
		return invalid("feat_config.sample_rate must be > 0 (got %d)", c.Feat.SampleRate)
	}
	if c.Feat.FeatureDim <= 0 {
		return invalid("feat_config.feature_dim must be > 0 (got %d)", c.Feat.FeatureDim)
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	switch c.DecodingMethod {
	case GreedySearch:
	case ModifiedBeamSearch:
		if c.MaxActivePaths <= 0 {
			return invalid("max_active_paths must be > 0 for %s (got %d)", ModifiedBeamSearch, c.MaxActivePaths)
		}
		if c.LM.Model != "" {
			if err := c.LM.Validate(); err != nil {
				return err
			}
		}
	default:
		return invalid("unsupported decoding_method %q", c.DecodingMethod)
	}
	for i, r := range []RuleConfig{c.Endpoint.Rule1, c.Endpoint.Rule2, c.Endpoint.Rule3} {
		if r.MinTrailingSilence < 0 || r.MinUtteranceLength < 0 {
			return invalid("endpoint_config.rule%d thresholds must be >= 0", i+1)
		}
	}
	if c.HotwordsScore < 0 {
		return invalid("hotwords_score must be >= 0 (got %g)", c.HotwordsScore)
	}
	return nil
}

func (c ModelConfig) Validate() error {
	if c.Tokens == "" {
		return invalid("model_config.tokens is empty")
	}
	if err := fileExists(c.Tokens); err != nil {
		return invalid("model_config.tokens: %v", err)
	}
	if c.Model != "" {
		if err := fileExists(c.Model); err != nil {
			return invalid("model_config.model: %v", err)
		}
	}
	if c.ChunkFrames <= 0 {
		return invalid("model_config.chunk_frames must be > 0 (got %d)", c.ChunkFrames)
	}
	if c.SubsamplingFactor <= 0 {
		return invalid("model_config.subsampling_factor must be > 0 (got %d)", c.SubsamplingFactor)
	}
	if c.FrameShiftMs <= 0 {
		return invalid("model_config.frame_shift_ms must be > 0 (got %d)", c.FrameShiftMs)
	}
	if c.BlankID < 0 {
		return invalid("model_config.blank_id must be >= 0 (got %d)", c.BlankID)
	}
	return nil
}

func (c LMConfig) Validate() error {
	if err := fileExists(c.Model); err != nil {
		return invalid("lm_config.model: %v", err)
	}
	if c.Scale <= 0 {
		return invalid("lm_config.scale must be > 0 (got %g)", c.Scale)
	}
	return nil
}

func (c RecognizerConfig) String() string {
	return fmt.Sprintf("RecognizerConfig(feat_config=%s, model_config=%s, lm_config=%s, endpoint_config=%s, "+
		"enable_endpoint=%t, max_active_paths=%d, hotwords_score=%g, hotwords_file=%q, decoding_method=%q)",
		c.Feat, c.Model, c.LM, c.Endpoint, c.EnableEndpoint, c.MaxActivePaths, c.HotwordsScore, c.HotwordsFile, c.DecodingMethod)
}

func (c FeatureConfig) String() string {
	return fmt.Sprintf("FeatureConfig(sample_rate=%d, feature_dim=%d)", c.SampleRate, c.FeatureDim)
}

func (c ModelConfig) String() string {
	return fmt.Sprintf("ModelConfig(model=%q, tokens=%q, chunk_frames=%d, subsampling_factor=%d, frame_shift_ms=%d, blank_id=%d, num_threads=%d, provider=%q)",
		c.Model, c.Tokens, c.ChunkFrames, c.SubsamplingFactor, c.FrameShiftMs, c.BlankID, c.NumThreads, c.Provider)
}

func (c LMConfig) String() string {
	return fmt.Sprintf("LMConfig(model=%q, scale=%g)", c.Model, c.Scale)
}

func (c EndpointConfig) String() string {
	return fmt.Sprintf("EndpointConfig(rule1=%s, rule2=%s, rule3=%s)", c.Rule1, c.Rule2, c.Rule3)
}

func (r RuleConfig) String() string {
	return fmt.Sprintf("EndpointRule(must_contain_nonsilence=%t, min_trailing_silence=%g, min_utterance_length=%g)",
		r.MustContainNonSilence, r.MinTrailingSilence, r.MinUtteranceLength)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func fileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%q does not exist", path)
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory", path)
	}
	return nil
}
