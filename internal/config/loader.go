package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownAudioBackends lists the audio backends shipped with parley.
// Used by [Validate] to warn about unrecognised backend names.
var KnownAudioBackends = []string{"portaudio", "null"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// API
	if cfg.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if err := checkURL(cfg.API.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	}
	if cfg.API.WebsocketURL != "" {
		if err := checkURL(cfg.API.WebsocketURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("api.websocket_url: %w", err))
		}
	}
	if p := cfg.API.TicketPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("api.ticket_path %q must start with /", p))
	}
	if p := cfg.API.LeadPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("api.lead_path %q must start with /", p))
	}
	if cfg.API.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("api.circuit_breaker.max_failures %d must not be negative", cfg.API.CircuitBreaker.MaxFailures))
	}

	// Call
	if cfg.Call.TenantID == "" {
		errs = append(errs, errors.New("call.tenant_id is required"))
	}
	if cfg.Call.BotID == "" {
		errs = append(errs, errors.New("call.bot_id is required"))
	}

	// Audio
	validateBackend(cfg.Audio.Backend)
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.OutputSampleRate < 8000 || cfg.Audio.OutputSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is out of range [8000, 48000]", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.ChunkSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_samples %d must be positive", cfg.Audio.ChunkSamples))
	}

	// Reconnect
	if cfg.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d must not be negative", cfg.Reconnect.MaxAttempts))
	}
	if cfg.Reconnect.InitialDelay < 0 || cfg.Reconnect.MaxDelay < 0 {
		errs = append(errs, errors.New("reconnect delays must not be negative"))
	}
	if cfg.Reconnect.MaxDelay > 0 && cfg.Reconnect.InitialDelay > cfg.Reconnect.MaxDelay {
		errs = append(errs, fmt.Errorf("reconnect.initial_delay %s exceeds reconnect.max_delay %s", cfg.Reconnect.InitialDelay, cfg.Reconnect.MaxDelay))
	}
	if cfg.Keepalive.Interval < 0 {
		errs = append(errs, fmt.Errorf("keepalive.interval %s must not be negative", cfg.Keepalive.Interval))
	}

	// Transcripts
	if cfg.Transcripts.PostgresDSN == "" {
		slog.Debug("transcripts.postgres_dsn is empty; transcripts will not be persisted")
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is invalid; valid values: %s", u.Scheme, strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// validateBackend logs a warning if name is not a known audio backend.
func validateBackend(name string) {
	if slices.Contains(KnownAudioBackends, name) {
		return
	}
	slog.Warn("unknown audio backend; it must be registered before use",
		"name", name,
		"known", KnownAudioBackends,
	)
}
