package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per pipeline stage.
// Used by [Validate] to reject unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "mistral", "groq"},
	"tts": {"deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, applies defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = []byte(os.ExpandEnv(string(raw)))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.withDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !strings.HasPrefix(cfg.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path %q must start with /", cfg.Server.WSPath))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels must be 1 or 2, got %d", cfg.Audio.Channels))
	}
	if cfg.Audio.Playback.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback.capacity must be positive, got %d", cfg.Audio.Playback.Capacity))
	}
	if cfg.Audio.Playback.WaitTimeout.Std() <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback.wait_timeout must be positive, got %s", cfg.Audio.Playback.WaitTimeout))
	}

	errs = append(errs, validateProvider("stt", cfg.Providers.STT)...)
	errs = append(errs, validateProvider("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateProvider("tts", cfg.Providers.TTS)...)

	if !cfg.History.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, redis", cfg.History.Backend))
	}
	if cfg.History.Backend == HistoryRedis && cfg.History.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("history.redis_addr is required when history.backend is redis"))
	}
	if cfg.History.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("history.max_turns must not be negative, got %d", cfg.History.MaxTurns))
	}

	return errors.Join(errs...)
}

// validateProvider checks one provider entry. An empty name disables the
// stage and is always valid.
func validateProvider(kind string, entry ProviderEntry) []error {
	if entry.Name == "" {
		return nil
	}
	var errs []error
	if !slices.Contains(ValidProviderNames[kind], entry.Name) {
		errs = append(errs, fmt.Errorf("providers.%s.name %q is unknown; valid values: %s",
			kind, entry.Name, strings.Join(ValidProviderNames[kind], ", ")))
	}
	if entry.APIKey == "" && entry.Name != "ollama" {
		errs = append(errs, fmt.Errorf("providers.%s.api_key is required for %q", kind, entry.Name))
	}
	return errs
}
