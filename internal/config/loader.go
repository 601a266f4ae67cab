package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live": {"gemini-live", "gemini-genai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
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

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("live", cfg.Providers.Live.Name)
	if cfg.Providers.Live.Name != "" && cfg.Providers.Live.APIKey == "" {
		slog.Warn("providers.live.api_key is empty; connecting to the model will fail")
	}
	for i, fb := range cfg.Providers.LiveFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.live_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("live", fb.Name)
	}

	v := cfg.Voice
	if v.CaptureSampleRate < 0 || v.CaptureSampleRate > 192000 {
		errs = append(errs, fmt.Errorf("voice.capture_sample_rate %d is out of range (0, 192000]", v.CaptureSampleRate))
	}
	if v.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("voice.frame_size %d must be positive", v.FrameSize))
	}
	if v.OutputSampleRate < 0 || v.OutputSampleRate > 192000 {
		errs = append(errs, fmt.Errorf("voice.output_sample_rate %d is out of range (0, 192000]", v.OutputSampleRate))
	}
	if v.OutputChannels < 0 || v.OutputChannels > 2 {
		errs = append(errs, fmt.Errorf("voice.output_channels %d is invalid; valid values: 1, 2", v.OutputChannels))
	}

	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; chat history is kept in memory and lost on restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
