package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadWithProfile_MissingFile(t *testing.T) {
	if _, err := LoadWithProfile("", ""); err == nil {
		t.Error("Expected error for empty config path")
	}
	if _, err := LoadWithProfile("/nonexistent/viewin.yaml", ""); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoadWithProfile_MissingConfigs(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: default
`)
	defer os.Remove(configFile)

	_, err := Load(configFile)
	if err == nil {
		t.Fatal("Expected error for missing configs section")
	}
	if !strings.Contains(err.Error(), "configs") {
		t.Errorf("Expected error to mention configs, got: %v", err)
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: ghost
configs:
  default: {}
`)
	defer os.Remove(configFile)

	_, err := Load(configFile)
	if err == nil {
		t.Fatal("Expected error for unknown profile")
	}
	if !strings.Contains(err.Error(), "'ghost' not found") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestValidate_InvalidSettings(t *testing.T) {
	tests := []struct {
		name     string
		profile  string
		contains string
	}{
		{
			name: "bad base url",
			profile: `
    api:
      base_url: ftp://example.com`,
			contains: "api.base_url",
		},
		{
			name: "zero poll interval",
			profile: `
    api:
      poll_interval: 0s`,
			contains: "api.poll_interval",
		},
		{
			name: "empty upload content type",
			profile: `
    api:
      upload_content_type: ""`,
			contains: "api.upload_content_type",
		},
		{
			name: "unsupported sample rate",
			profile: `
    capture:
      sample_rate: 44100`,
			contains: "capture.sample_rate",
		},
		{
			name: "too many channels",
			profile: `
    capture:
      channels: 6`,
			contains: "capture.channels",
		},
		{
			name: "bitrate out of range",
			profile: `
    capture:
      bitrate: 1000`,
			contains: "capture.bitrate",
		},
		{
			name: "unknown backend",
			profile: `
    audio:
      backend: jack`,
			contains: "audio.backend",
		},
		{
			name: "negative retries",
			profile: `
    interview:
      max_retries: -1`,
			contains: "interview.max_retries",
		},
		{
			name: "frame rate out of range",
			profile: `
    playback:
      frame_rate: 0`,
			contains: "playback.frame_rate",
		},
		{
			name: "unknown log level",
			profile: `
    logging:
      level: verbose`,
			contains: "logging.level",
		},
		{
			name: "port out of range",
			profile: `
    server:
      port: 70000`,
			contains: "server.port",
		},
		{
			name: "keep answers without directory",
			profile: `
    output:
      directory: ""
      keep_answers: true`,
			contains: "output.directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile := createTempConfig(t, "configs:\n  default:"+tt.profile+"\n")
			defer os.Remove(configFile)

			_, err := Load(configFile)
			if err == nil {
				t.Fatalf("Expected validation error containing %q", tt.contains)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("Expected error containing %q, got: %v", tt.contains, err)
			}
		})
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	configFile := createTempConfig(t, `
configs:
  default:
    server:
      port: 9000
`)
	defer os.Remove(configFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, configFile, "", nil, func(cfg *Config) { changes <- cfg })
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	invalid := "configs:\n  default:\n    server:\n      port: 0\n"
	if err := os.WriteFile(configFile, []byte(invalid), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	valid := "configs:\n  default:\n    server:\n      port: 9200\n"
	if err := os.WriteFile(configFile, []byte(valid), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	select {
	case cfg := <-changes:
		if cfg.Server.Port != 9200 {
			t.Errorf("Expected reloaded port 9200, got %d", cfg.Server.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for config reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned error: %v", err)
	}
}

// Helper function to create temporary config files
func createTempConfig(t *testing.T, content string) string {
	tmpfile, err := os.CreateTemp("", "viewin-test-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpfile.Name()
}
