// Package config provides the configuration schema and loader for the
// sonobridge relay server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "100ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the standard duration formatting.
func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity for the relay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// HistoryBackend selects where conversation history lives.
type HistoryBackend string

const (
	HistoryMemory HistoryBackend = "memory"
	HistoryRedis  HistoryBackend = "redis"
)

// IsValid reports whether b is a recognised history backend.
func (b HistoryBackend) IsValid() bool {
	return b == HistoryMemory || b == HistoryRedis
}

// Config is the root configuration structure for the relay server.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Providers ProvidersConfig `yaml:"providers"`
	History   HistoryConfig   `yaml:"history"`
	Rooms     RoomsConfig     `yaml:"rooms"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8765").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// WSPath is the WebSocket endpoint path. Connections to any other path
	// are rejected with a policy violation close.
	WSPath string `yaml:"ws_path"`
}

// AudioConfig holds the negotiated wire audio format and playback tuning.
type AudioConfig struct {
	// SampleRate is the default PCM rate for inbound binary audio in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the default channel count.
	Channels int `yaml:"channels"`

	Playback PlaybackConfig `yaml:"playback"`
}

// PlaybackConfig tunes the per-session playback buffer.
type PlaybackConfig struct {
	// Capacity is the maximum number of queued chunks before the oldest is
	// evicted.
	Capacity int `yaml:"capacity"`

	// WaitTimeout is how long the consumer waits for audio before counting
	// an underrun.
	WaitTimeout Duration `yaml:"wait_timeout"`
}

// ProvidersConfig declares which provider to use for each pipeline stage.
// A stage with an empty name is disabled; the session degrades rather than
// failing to start.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any. The
	// loader expands ${VAR} references from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini",
	// "nova-2", "aura-asteria-en").
	Model string `yaml:"model"`

	// Language hints the spoken language for STT providers.
	Language string `yaml:"language"`

	// SystemPrompt is the default assistant steering prompt (LLM only).
	SystemPrompt string `yaml:"system_prompt"`
}

// HistoryConfig selects the conversation history backend.
type HistoryConfig struct {
	Backend HistoryBackend `yaml:"backend"`

	// RedisAddr is the redis host:port, required when Backend is "redis".
	RedisAddr string `yaml:"redis_addr"`

	// MaxTurns caps retained conversation turns per session.
	MaxTurns int `yaml:"max_turns"`
}

// RoomsConfig selects the room store backend.
type RoomsConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the room store.
	// Empty selects the in-memory store.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// withDefaults returns cfg with unset fields filled in.
func (c *Config) withDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8765"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.Playback.Capacity == 0 {
		c.Audio.Playback.Capacity = 20
	}
	if c.Audio.Playback.WaitTimeout == 0 {
		c.Audio.Playback.WaitTimeout = Duration(100 * time.Millisecond)
	}
	if c.History.Backend == "" {
		c.History.Backend = HistoryMemory
	}
	if c.History.MaxTurns == 0 {
		c.History.MaxTurns = 10
	}
}
