package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidLiveProviders lists known realtime provider names.
// Used by [Validate] to warn about unrecognised names.
var ValidLiveProviders = []string{"gemini"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
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

// ApplyDefaults fills zero-valued tunables with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Live.Provider == "" {
		cfg.Live.Provider = "gemini"
	}
	if cfg.Session.MaxDuration == 0 {
		cfg.Session.MaxDuration = Duration(30 * time.Minute)
	}
	if cfg.Session.InactivityTimeout == 0 {
		cfg.Session.InactivityTimeout = Duration(5 * time.Minute)
	}
	if cfg.Session.KeepAliveInterval == 0 {
		cfg.Session.KeepAliveInterval = Duration(15 * time.Second)
	}
	if cfg.Session.HealthCheckInterval == 0 {
		cfg.Session.HealthCheckInterval = Duration(10 * time.Second)
	}
	if cfg.Session.ReconnectAttempts == 0 {
		cfg.Session.ReconnectAttempts = 3
	}
	if cfg.Session.ReconnectBackoff == 0 {
		cfg.Session.ReconnectBackoff = Duration(time.Second)
	}
	if cfg.Session.SilenceTimeout == 0 {
		cfg.Session.SilenceTimeout = Duration(5 * time.Second)
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = 1024
	}
	if cfg.Audio.MinBufferedChunks == 0 {
		cfg.Audio.MinBufferedChunks = 3
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StorePostgres
	}
	if cfg.Store.SaveTimeout == 0 {
		cfg.Store.SaveTimeout = Duration(10 * time.Second)
	}
	if cfg.Store.AudioCap == 0 {
		cfg.Store.AudioCap = Duration(2 * time.Minute)
	}
	if cfg.Tutor.MaxContinuations == 0 {
		cfg.Tutor.MaxContinuations = 10
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Live.Provider != "" && !slices.Contains(ValidLiveProviders, cfg.Live.Provider) {
		slog.Warn("unknown live provider name — may be a typo or third-party provider",
			"name", cfg.Live.Provider,
			"known", ValidLiveProviders,
		)
	}
	if cfg.Live.APIKey == "" {
		slog.Warn("live.api_key is empty; set it in config or via SONARA_LIVE_API_KEY")
	}

	if cfg.Session.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect_attempts %d must not be negative", cfg.Session.ReconnectAttempts))
	}
	if d := cfg.Session.InactivityTimeout.Std(); d < time.Second {
		errs = append(errs, fmt.Errorf("session.inactivity_timeout %s is below the 1s minimum", d))
	}
	if d := cfg.Session.KeepAliveInterval.Std(); d < time.Second {
		errs = append(errs, fmt.Errorf("session.keepalive_interval %s is below the 1s minimum", d))
	}
	if d := cfg.Session.SilenceTimeout.Std(); d < time.Second {
		errs = append(errs, fmt.Errorf("session.silence_timeout %s is below the 1s minimum", d))
	}
	if cfg.Session.KeepAliveInterval.Std() >= cfg.Session.InactivityTimeout.Std() {
		slog.Warn("session.keepalive_interval is not shorter than session.inactivity_timeout; keep-alives cannot hold the provider connection open",
			"keepalive_interval", cfg.Session.KeepAliveInterval.Std(),
			"inactivity_timeout", cfg.Session.InactivityTimeout.Std(),
		)
	}

	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}
	if cfg.Audio.MinBufferedChunks < 1 {
		errs = append(errs, fmt.Errorf("audio.min_buffered_chunks %d must be at least 1", cfg.Audio.MinBufferedChunks))
	}

	if !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: postgres, api", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Store.Backend == StoreAPI && cfg.Store.APIBaseURL == "" {
		errs = append(errs, errors.New("store.api_base_url is required when store.backend is api"))
	}
	if d := cfg.Store.AudioCap.Std(); d < time.Second {
		errs = append(errs, fmt.Errorf("store.audio_cap %s is below the 1s minimum", d))
	}

	if cfg.Analyze.Enabled && cfg.Analyze.APIKey == "" {
		errs = append(errs, errors.New("analyze.api_key is required when analyze.enabled is true"))
	}

	if cfg.Tutor.MaxContinuations < 0 {
		errs = append(errs, fmt.Errorf("tutor.max_continuations %d must not be negative", cfg.Tutor.MaxContinuations))
	}

	return errors.Join(errs...)
}
