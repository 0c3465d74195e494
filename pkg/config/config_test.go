package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
streamers:
  - key: alpha
    urls: ["https://example.com/live"]
    active: true
    media_type: audio
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.SecondsBetweenChannelRetry != 20 {
		t.Fatalf("retry default = %d", cfg.Server.SecondsBetweenChannelRetry)
	}
	if cfg.Server.BufferSizeSeconds != 6 {
		t.Fatalf("buffer default = %d", cfg.Server.BufferSizeSeconds)
	}
	if cfg.Transcription.Model != "base" || cfg.Transcription.Device != "cpu" {
		t.Fatalf("transcription defaults = %+v", cfg.Transcription)
	}
	if cfg.Transcription.IdleUnloadMinutes != 10 {
		t.Fatalf("idle unload default = %d", cfg.Transcription.IdleUnloadMinutes)
	}
	if cfg.Transcription.Concurrency != 1 {
		t.Fatalf("concurrency default = %d", cfg.Transcription.Concurrency)
	}
	if cfg.Server.UploadMaxAttempts != 3 {
		t.Fatalf("upload attempts default = %d", cfg.Server.UploadMaxAttempts)
	}
}

func TestLoadRejectsMissingKey(t *testing.T) {
	path := writeConfig(t, `
streamers:
  - urls: ["https://example.com/live"]
    active: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing streamer key")
	}
}

func TestLoadRejectsServerWithoutAPIKey(t *testing.T) {
	path := writeConfig(t, `
server:
  enabled: true
  url: "https://relay.example.com"
streamers:
  - key: alpha
    urls: ["https://example.com/live"]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for enabled server without api key")
	}
}

func TestLoadRejectsBadMediaType(t *testing.T) {
	path := writeConfig(t, `
streamers:
  - key: alpha
    urls: ["https://example.com/live"]
    media_type: "smell-o-vision"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown media type")
	}
}

func TestLoadRejectsDuplicateKeys(t *testing.T) {
	path := writeConfig(t, `
streamers:
  - key: alpha
    urls: ["https://example.com/a"]
  - key: alpha
    urls: ["https://example.com/b"]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for duplicate keys")
	}
}

func TestBlacklisted(t *testing.T) {
	cfg := Config{IDBlacklist: []string{"bad-id", "alpha"}}
	if !cfg.Blacklisted("bad-id") || !cfg.Blacklisted("alpha") {
		t.Fatalf("expected blacklist hits")
	}
	if cfg.Blacklisted("fine") {
		t.Fatalf("unexpected blacklist hit")
	}
}
