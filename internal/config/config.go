package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Context ContextConfig `yaml:"context"`
	Engine  EngineConfig  `yaml:"engine"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains the HTTP/WebSocket server configuration. One
// listener carries the streaming WebSocket endpoint and the REST API.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	Address      string `yaml:"address"`
	ReadLimit    int64  `yaml:"read_limit"`    // max WebSocket message size in bytes
	WriteTimeout int    `yaml:"write_timeout"` // seconds, per outbound WebSocket write
	MaxSessions  int    `yaml:"max_sessions"`
}

// AudioConfig contains the audio defaults and the engine-side format.
// Clients may negotiate any supported format; audio is normalized to the
// engine format before transcription.
type AudioConfig struct {
	DefaultSampleRate int    `yaml:"default_sample_rate"`
	DefaultChannels   int    `yaml:"default_channels"`
	DefaultEncoding   string `yaml:"default_encoding"`
	EngineSampleRate  int    `yaml:"engine_sample_rate"`
}

// ContextConfig contains rolling transcript context configuration
type ContextConfig struct {
	MaxPromptTokens int `yaml:"max_prompt_tokens"`
}

// EngineConfig contains recognition engine configuration
type EngineConfig struct {
	Type          string `yaml:"type"` // "http" or "websocket"
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	ModelID       string `yaml:"model_id"`
	Timeout       int    `yaml:"timeout"`      // seconds, per request
	OpenTimeout   int    `yaml:"open_timeout"` // seconds, stream establishment
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// SessionConfig contains session lifecycle configuration
type SessionConfig struct {
	IdleTimeout     int `yaml:"idle_timeout"`     // seconds
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
	InboxSize       int `yaml:"inbox_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. The ELEVENLABS_API_KEY
// environment variable, when set, overrides the api_key from the file so
// secrets can stay out of configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if key := os.Getenv("ELEVENLABS_API_KEY"); key != "" {
		config.Engine.APIKey = key
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Context.Validate(); err != nil {
		return fmt.Errorf("context config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadLimit < 0 {
		return fmt.Errorf("read_limit cannot be negative, got %d", s.ReadLimit)
	}

	if s.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout cannot be negative, got %d", s.WriteTimeout)
	}

	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.DefaultSampleRate < 8000 || a.DefaultSampleRate > 48000 {
		return fmt.Errorf("default_sample_rate must be between 8000 and 48000 Hz, got %d", a.DefaultSampleRate)
	}

	if a.DefaultChannels < 1 || a.DefaultChannels > 2 {
		return fmt.Errorf("default_channels must be 1 or 2, got %d", a.DefaultChannels)
	}

	if a.DefaultEncoding != "pcm16" && a.DefaultEncoding != "pcm" {
		return fmt.Errorf("default_encoding must be 'pcm16' or 'pcm', got '%s'", a.DefaultEncoding)
	}

	if a.EngineSampleRate < 8000 || a.EngineSampleRate > 48000 {
		return fmt.Errorf("engine_sample_rate must be between 8000 and 48000 Hz, got %d", a.EngineSampleRate)
	}

	return nil
}

// Validate validates context configuration
func (c *ContextConfig) Validate() error {
	if c.MaxPromptTokens < 1 {
		return fmt.Errorf("max_prompt_tokens must be at least 1, got %d", c.MaxPromptTokens)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	if e.Type != "http" && e.Type != "websocket" {
		return fmt.Errorf("type must be 'http' or 'websocket', got '%s'", e.Type)
	}

	if e.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if e.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set it in the config file or via ELEVENLABS_API_KEY)")
	}

	if e.ModelID == "" {
		return fmt.Errorf("model_id cannot be empty")
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.OpenTimeout < 1 {
		return fmt.Errorf("open_timeout must be at least 1 second, got %d", e.OpenTimeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	if e.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", e.MaxConcurrent)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	if s.InboxSize < 1 {
		return fmt.Errorf("inbox_size must be at least 1, got %d", s.InboxSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetWriteTimeoutDuration returns the WebSocket write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetTimeoutDuration returns the engine request timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetOpenTimeoutDuration returns the stream open timeout as a time.Duration
func (e *EngineConfig) GetOpenTimeoutDuration() time.Duration {
	return time.Duration(e.OpenTimeout) * time.Second
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the cleanup interval as a time.Duration
func (s *SessionConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}
