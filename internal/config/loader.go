package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix     = "NUPI_"
	envJSONConfig = "NUPI_ADAPTER_CONFIG"
	envConfigFile = "NUPI_ASR_CONFIG_FILE"
	envDotEnvFile = "NUPI_DOTENV_FILE"
)

// Loader builds the adapter configuration from defaults, an optional .env
// file, an optional YAML file, the NUPI_ADAPTER_CONFIG JSON blob and
// per-key NUPI_* variables, each layer overriding the previous one. Tests
// set Env to inject a deterministic environment.
type Loader struct {
	Env map[string]string
}

// LoadResult is a validated configuration plus non-fatal notes about it.
type LoadResult struct {
	Config   Config
	Warnings []string
}

// Load applies every configuration source and validates the result.
func (l Loader) Load() (LoadResult, error) {
	environ := l.Env
	if environ == nil {
		environ = processEnv()
	}
	environ = nonBlank(environ)

	if path, ok := environ[envDotEnvFile]; ok {
		extra, err := godotenv.Read(path)
		if err != nil {
			return LoadResult{}, fmt.Errorf("config: read %s: %w", envDotEnvFile, err)
		}
		merged := make(map[string]string, len(environ)+len(extra))
		for k, v := range extra {
			merged[k] = v
		}
		for k, v := range environ {
			merged[k] = v
		}
		environ = nonBlank(merged)
	}

	cfg := Default()

	if path, ok := environ[envConfigFile]; ok {
		if err := applyYAML(path, &cfg); err != nil {
			return LoadResult{}, err
		}
	}
	if raw, ok := environ[envJSONConfig]; ok {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return LoadResult{}, fmt.Errorf("config: decode %s: %w", envJSONConfig, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
	}); err != nil {
		return LoadResult{}, fmt.Errorf("config: env: %w", err)
	}

	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
	cfg.Engine = strings.ToLower(strings.TrimSpace(cfg.Engine))

	if err := cfg.Validate(); err != nil {
		return LoadResult{}, err
	}
	return LoadResult{Config: cfg, Warnings: warnings(cfg)}, nil
}

// warnings lists settings that are valid but have no effect.
func warnings(cfg Config) []string {
	var out []string
	r := cfg.Recognizer
	if r.DecodingMethod == GreedySearch {
		if r.LM.Model != "" {
			out = append(out, "lm_config.model is ignored with greedy_search")
		}
		if r.HotwordsFile != "" {
			out = append(out, "hotwords_file is ignored with greedy_search")
		}
	}
	if cfg.Engine == EngineStub && r.Model.Model != "" {
		out = append(out, "model_config.model is ignored by the stub engine")
	}
	return out
}

func applyYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", envConfigFile, err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

func processEnv() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// nonBlank drops empty values so an exported-but-empty variable never
// overrides a lower layer.
func nonBlank(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	return out
}
