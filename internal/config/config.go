// Package config loads the bridge's typed configuration from viper, the way
// lookatitude-beluga-ai wraps its settings layer: nothing in the rest of the
// module touches viper directly.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// StorageBackend selects the C2 session storage implementation.
type StorageBackend string

const (
	StorageInMemory   StorageBackend = "in_memory"
	StorageExternalKV StorageBackend = "external_kv"
)

// Bridge holds the configuration options recognised by the bridge core,
// per spec.md §6.
type Bridge struct {
	AIModelID       string `mapstructure:"ai_model_id"`
	VoiceID         string `mapstructure:"voice_id"`
	MaxSessionAge   int    `mapstructure:"max_session_age_seconds"`
	VADEnabled      bool   `mapstructure:"vad_enabled"`
	UseLocalAI      bool   `mapstructure:"use_local_ai"`
	StorageBackend  StorageBackend `mapstructure:"storage_backend"`

	// SessionSweepInterval is how often the storage backend's background
	// expiry sweep runs, per spec.md §4.2.
	SessionSweepInterval int `mapstructure:"session_sweep_interval_seconds"`

	// AIAudioSampleRate is the AI service's configured output audio rate.
	// Fixed by configuration, never inferred (SPEC_FULL.md "Open
	// Questions resolved" / spec.md §9).
	AIAudioSampleRate int `mapstructure:"ai_audio_sample_rate"`

	Storage StorageConfig `mapstructure:"storage"`
}

// StorageConfig parameterises the external key-value storage backend
// per spec.md §6: {url, key_prefix, ttl_seconds, max_connections}.
type StorageConfig struct {
	URL            string `mapstructure:"url"`
	KeyPrefix      string `mapstructure:"key_prefix"`
	TTLSeconds     int    `mapstructure:"ttl_seconds"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// MaxSessionAgeDuration returns MaxSessionAge as a time.Duration.
func (b Bridge) MaxSessionAgeDuration() time.Duration {
	return time.Duration(b.MaxSessionAge) * time.Second
}

// SessionSweepIntervalDuration returns SessionSweepInterval as a
// time.Duration.
func (b Bridge) SessionSweepIntervalDuration() time.Duration {
	return time.Duration(b.SessionSweepInterval) * time.Second
}

// Defaults returns the bridge defaults named in spec.md §6.
func Defaults() Bridge {
	return Bridge{
		MaxSessionAge:        3600,
		VADEnabled:           true,
		UseLocalAI:           false,
		StorageBackend:       StorageInMemory,
		AIAudioSampleRate:    24000,
		SessionSweepInterval: 300,
		Storage: StorageConfig{
			KeyPrefix:      "bridge:session:",
			TTLSeconds:     3600,
			MaxConnections: 10,
		},
	}
}

// Load reads bridge configuration from the given viper instance, applying
// defaults for any unset field. Callers own how v is populated (file, env,
// flags); this package only knows the shape.
func Load(v *viper.Viper) (Bridge, error) {
	cfg := Defaults()

	v.SetDefault("max_session_age_seconds", cfg.MaxSessionAge)
	v.SetDefault("vad_enabled", cfg.VADEnabled)
	v.SetDefault("use_local_ai", cfg.UseLocalAI)
	v.SetDefault("storage_backend", string(cfg.StorageBackend))
	v.SetDefault("ai_audio_sample_rate", cfg.AIAudioSampleRate)
	v.SetDefault("session_sweep_interval_seconds", cfg.SessionSweepInterval)
	v.SetDefault("storage.key_prefix", cfg.Storage.KeyPrefix)
	v.SetDefault("storage.ttl_seconds", cfg.Storage.TTLSeconds)
	v.SetDefault("storage.max_connections", cfg.Storage.MaxConnections)

	if err := v.Unmarshal(&cfg); err != nil {
		return Bridge{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.StorageBackend != StorageInMemory && cfg.StorageBackend != StorageExternalKV {
		return Bridge{}, fmt.Errorf("config: unknown storage_backend %q", cfg.StorageBackend)
	}

	return cfg, nil
}
