package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/opentranscript/streamwatch/pkg/stream"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	DASH          DASHConfig          `mapstructure:"dash"`
	Streamers     []StreamerConfig    `mapstructure:"streamers"`
	IDBlacklist   []string            `mapstructure:"id_blacklist"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	YTDLPPath     string              `mapstructure:"ytdlp_path"`
	FFmpegPath    string              `mapstructure:"ffmpeg_path"`
}

type ServerConfig struct {
	URL                        string `mapstructure:"url"`
	Enabled                    bool   `mapstructure:"enabled"`
	APIKey                     string `mapstructure:"api_key"`
	SecondsBetweenChannelRetry int    `mapstructure:"seconds_between_channel_retry"`
	BufferSizeSeconds          int    `mapstructure:"buffer_size_seconds"`
	EnableDumpMedia            bool   `mapstructure:"enable_dump_media"`
	ScratchDir                 string `mapstructure:"scratch_dir"`
	UploadMaxAttempts          int    `mapstructure:"upload_max_attempts"`
	UploadBackoffMS            int    `mapstructure:"upload_backoff_ms"`
	StatusIntervalSeconds      int    `mapstructure:"status_interval_seconds"`
}

type TranscriptionConfig struct {
	Model            string         `mapstructure:"model"`
	Device           string         `mapstructure:"device"`
	ComputeType      string         `mapstructure:"compute_type"`
	Endpoint         string         `mapstructure:"endpoint"`
	CacheDir         string         `mapstructure:"cache_dir"`
	IdleUnloadMinutes int           `mapstructure:"idle_unload_minutes"`
	Concurrency      int            `mapstructure:"concurrency"`
	Settings         map[string]any `mapstructure:"settings"`
}

type DASHConfig struct {
	FragmentSeconds float64 `mapstructure:"fragment_seconds"`
	StaleWindow     int     `mapstructure:"stale_window"`
}

type MetricsConfig struct {
	JSONLPath  string  `mapstructure:"jsonl_path"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type StreamerConfig struct {
	Key       string   `mapstructure:"key"`
	URLs      []string `mapstructure:"urls"`
	Active    bool     `mapstructure:"active"`
	MediaType string   `mapstructure:"media_type"`
	Source    string   `mapstructure:"source"`
}

// Media returns the parsed media type; Validate guarantees it parses.
func (s StreamerConfig) Media() stream.MediaType {
	mt, _ := stream.ParseMediaType(s.MediaType)
	return mt
}

// SourceKind returns the parsed acquisition strategy; Validate guarantees it parses.
func (s StreamerConfig) SourceKind() stream.SourceKind {
	k, _ := stream.ParseSourceKind(s.Source)
	return k
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.seconds_between_channel_retry", 20)
	v.SetDefault("server.buffer_size_seconds", 6)
	v.SetDefault("server.enable_dump_media", false)
	v.SetDefault("server.scratch_dir", "./tmp")
	v.SetDefault("server.upload_max_attempts", 3)
	v.SetDefault("server.upload_backoff_ms", 2000)
	v.SetDefault("server.status_interval_seconds", 60)
	v.SetDefault("transcription.model", "base")
	v.SetDefault("transcription.device", "cpu")
	v.SetDefault("transcription.compute_type", "int8")
	v.SetDefault("transcription.endpoint", "http://127.0.0.1:9876")
	v.SetDefault("transcription.cache_dir", "./models")
	v.SetDefault("transcription.idle_unload_minutes", 10)
	v.SetDefault("transcription.concurrency", 1)
	v.SetDefault("dash.fragment_seconds", 1.0)
	v.SetDefault("dash.stale_window", 60)
	v.SetDefault("metrics.sample_rate", 1.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("ytdlp_path", "./bin/yt-dlp")
	v.SetDefault("ffmpeg_path", "ffmpeg")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field a pipeline will rely on. Configuration errors
// are fatal at startup, before any watcher runs.
func (c Config) Validate() error {
	if c.Server.SecondsBetweenChannelRetry <= 0 {
		return fmt.Errorf("server.seconds_between_channel_retry must be positive")
	}
	if c.Server.BufferSizeSeconds <= 0 {
		return fmt.Errorf("server.buffer_size_seconds must be positive")
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.URL) == "" {
		return fmt.Errorf("server.url is required when server.enabled is true")
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.APIKey) == "" {
		return fmt.Errorf("server.api_key is required when server.enabled is true")
	}
	if c.Server.UploadMaxAttempts <= 0 {
		return fmt.Errorf("server.upload_max_attempts must be positive")
	}
	if c.Transcription.Concurrency <= 0 {
		return fmt.Errorf("transcription.concurrency must be positive")
	}
	if c.DASH.FragmentSeconds <= 0 {
		return fmt.Errorf("dash.fragment_seconds must be positive")
	}
	seen := make(map[string]bool, len(c.Streamers))
	for i, s := range c.Streamers {
		if strings.TrimSpace(s.Key) == "" {
			return fmt.Errorf("streamers[%d].key is required", i)
		}
		if seen[s.Key] {
			return fmt.Errorf("streamers[%d].key %q is duplicated", i, s.Key)
		}
		seen[s.Key] = true
		if len(s.URLs) == 0 {
			return fmt.Errorf("streamer %q has no urls", s.Key)
		}
		if _, err := stream.ParseMediaType(s.MediaType); err != nil {
			return fmt.Errorf("streamer %q: %w", s.Key, err)
		}
		if _, err := stream.ParseSourceKind(s.Source); err != nil {
			return fmt.Errorf("streamer %q: %w", s.Key, err)
		}
	}
	return nil
}

// Streamer returns the config block for a key, if present.
func (c Config) Streamer(key string) (StreamerConfig, bool) {
	for _, s := range c.Streamers {
		if s.Key == key {
			return s, true
		}
	}
	return StreamerConfig{}, false
}

// Blacklisted reports whether an identifier (config key or platform stream id)
// is excluded from watching.
func (c Config) Blacklisted(id string) bool {
	for _, b := range c.IDBlacklist {
		if b == id {
			return true
		}
	}
	return false
}
