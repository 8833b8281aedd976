package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audioknife/audioknife/internal/broker"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve produces the effective configuration with the documented
// precedence: environment over file over defaults. A missing file is fine,
// any other failure is not.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, running on defaults and environment", "path", path)
		cfg = Default()
	} else if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// ApplyEnv overlays the process environment onto cfg. Environment values win
// over file values so containerised deployments can inject credentials
// without a config file. Unset variables leave cfg untouched.
func ApplyEnv(cfg *Config) {
	fromEnv(&cfg.Server.Address, "AUDIO_KNIFE_ADDRESS")
	fromEnv(&cfg.Providers.Azure.Region, "AZURE_REGION")
	fromEnv(&cfg.Providers.Azure.SubscriptionKey, "AZURE_SUBSCRIPTION_KEY")
	fromEnv(&cfg.Providers.Azure.Host, "AZURE_HOST")
	fromEnv(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	fromEnv(&cfg.Providers.OpenAI.RealtimeModel, "OPENAI_REALTIME_API_MODEL")
	fromEnv(&cfg.Providers.Google.ProjectID, "GOOGLE_CLOUD_PROJECT")
	fromEnv(&cfg.Providers.Google.Location, "GOOGLE_CLOUD_LOCATION")
}

func fromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
//
// Incomplete provider credentials are not failures: the environment may
// complete them after the file is parsed, and an unconfigured provider just
// stays out of the registry.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Broker.StopGrace != "" {
		d, err := time.ParseDuration(cfg.Broker.StopGrace)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("broker.stop_grace %q is not a duration: %w", cfg.Broker.StopGrace, err))
		case d <= 0:
			errs = append(errs, fmt.Errorf("broker.stop_grace %q must be positive", cfg.Broker.StopGrace))
		}
	}

	// Channel capacities only grow. Shrinking the input buffer cuts into
	// the audio the broker can absorb while an adapter reconnects, and a
	// shrunken output buffer turns scheduler stalls into hard failures.
	if n := cfg.Broker.InputBuffer; n != 0 && n < broker.DefaultInputBuffer {
		errs = append(errs, fmt.Errorf("broker.input_buffer %d is below the built-in capacity %d", n, broker.DefaultInputBuffer))
	}
	if n := cfg.Broker.OutputBuffer; n != 0 && n < broker.DefaultOutputBuffer {
		errs = append(errs, fmt.Errorf("broker.output_buffer %d is below the built-in capacity %d", n, broker.DefaultOutputBuffer))
	}

	return errors.Join(errs...)
}
