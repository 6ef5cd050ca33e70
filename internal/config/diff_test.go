package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":9090", LogLevel: config.LogInfo},
		API:    config.APIConfig{BaseURL: "https://voice.example.com"},
		Call:   config.CallConfig{TenantID: "acme", BotID: "support", Voice: "alloy", Language: "en"},
		Audio:  config.AudioConfig{Backend: "portaudio", SampleRate: 16000, OutputSampleRate: 24000, ChunkSamples: 1024},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.VoiceChanged || d.LanguageChanged {
		t.Errorf("unexpected voice/language change: %+v", d)
	}
}

func TestDiff_VoiceAndLanguage(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Call.Voice = "nova"
	new.Call.Language = "de"

	d := config.Diff(old, new)
	if !d.VoiceChanged || d.NewVoice != "nova" {
		t.Errorf("voice diff = %+v", d)
	}
	if !d.LanguageChanged || d.NewLanguage != "de" {
		t.Errorf("language diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("voice/language must hot-reload, RestartRequired = %v", d.RestartRequired)
	}
}

func TestDiff_ClearedVoiceIsIgnored(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Call.Voice = ""

	if d := config.Diff(old, new); d.VoiceChanged {
		t.Errorf("clearing voice should not produce an update: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, "server"},
		{"tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "a", KeyFile: "b"} }, "server"},
		{"base url", func(c *config.Config) { c.API.BaseURL = "https://other" }, "api"},
		{"tenant", func(c *config.Config) { c.Call.TenantID = "other" }, "call"},
		{"sample rate", func(c *config.Config) { c.Audio.SampleRate = 8000 }, "audio"},
		{"reconnect", func(c *config.Config) { c.Reconnect.MaxAttempts = 9 }, "reconnect"},
		{"transcripts", func(c *config.Config) { c.Transcripts.PostgresDSN = "postgres://x" }, "transcripts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.section) {
				t.Errorf("RestartRequired = %v, want %s", d.RestartRequired, tt.section)
			}
			if !d.Empty() {
				t.Errorf("unexpected hot-reload change: %+v", d)
			}
		})
	}
}
