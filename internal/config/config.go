// Package config provides the configuration schema, loader and service
// registry builder for the audioknife server.
package config

import "time"

// DefaultAddress is the bind address used when neither the config file nor
// AUDIO_KNIFE_ADDRESS names one.
const DefaultAddress = "127.0.0.1:8123"

// DefaultStopGrace bounds how long a stopping conversation may keep running
// before it is cancelled.
const DefaultStopGrace = time.Second

// LogLevel controls log verbosity for the audioknife server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration for the audioknife server. [Resolve]
// produces the effective one; [Load] and [LoadFromReader] handle the file
// alone.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Providers ProvidersConfig `yaml:"providers"`
	Billing   BillingConfig   `yaml:"billing"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Address is the TCP address the server listens on (e.g. ":8123").
	Address string `yaml:"address"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// WrapJSON wraps every outbound JSON event in a
	// {"type":"json","data":…} envelope. Some telephony agents expect it.
	WrapJSON bool `yaml:"wrap_json"`
}

// BrokerConfig tunes the per-connection conversation broker.
type BrokerConfig struct {
	// StopGrace is how long a stop request waits for the adapter to finish
	// on its own before the conversation is cancelled. Duration string
	// (e.g. "250ms", "2s"); empty means one second.
	StopGrace string `yaml:"stop_grace"`

	// InputBuffer and OutputBuffer size the per-conversation channels.
	// Zero keeps the built-in capacities; smaller values are rejected.
	InputBuffer  int `yaml:"input_buffer"`
	OutputBuffer int `yaml:"output_buffer"`
}

// StopGraceDuration returns the parsed stop grace. Unset or unparseable
// values fall back to [DefaultStopGrace]; [Validate] reports the latter as an
// error, so a validated config never hits the fallback silently.
func (b BrokerConfig) StopGraceDuration() time.Duration {
	if b.StopGrace == "" {
		return DefaultStopGrace
	}
	d, err := time.ParseDuration(b.StopGrace)
	if err != nil || d <= 0 {
		return DefaultStopGrace
	}
	return d
}

// ProvidersConfig carries the credentials of the speech providers. A provider
// block without credentials simply has its services left out of the registry.
type ProvidersConfig struct {
	Azure  AzureConfig  `yaml:"azure"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Google GoogleConfig `yaml:"google"`
}

// AzureConfig identifies one Azure Speech resource.
type AzureConfig struct {
	// Region names the regional endpoint cluster (e.g. "westeurope").
	Region string `yaml:"region"`

	// SubscriptionKey authenticates every connection.
	SubscriptionKey string `yaml:"subscription_key"`

	// Host replaces the regional hosts with one of your own, e.g. a
	// sovereign cloud or a local emulator. Each adapter appends its
	// service path to it.
	Host string `yaml:"host"`
}

// Configured reports whether the block carries enough to build the Azure
// adapters: a subscription key plus either a region or a host override.
func (a AzureConfig) Configured() bool {
	return a.SubscriptionKey != "" && (a.Region != "" || a.Host != "")
}

// OpenAIConfig carries the OpenAI API credentials and model choices.
type OpenAIConfig struct {
	// APIKey authenticates against the OpenAI API.
	APIKey string `yaml:"api_key"`

	// RealtimeModel overrides the default dialog model.
	RealtimeModel string `yaml:"realtime_model"`

	// SpeechModel overrides the default synthesis model.
	SpeechModel string `yaml:"speech_model"`
}

// Configured reports whether the block carries an API key.
func (o OpenAIConfig) Configured() bool { return o.APIKey != "" }

// GoogleConfig selects the Cloud project the speech adapters run against.
// API credentials resolve the way the Google SDKs always do, through
// application default credentials.
type GoogleConfig struct {
	// ProjectID is the Cloud project recognizers live in.
	ProjectID string `yaml:"project_id"`

	// Location selects the regional endpoint. Empty means "global".
	Location string `yaml:"location"`
}

// Configured reports whether the block names a project.
func (g GoogleConfig) Configured() bool { return g.ProjectID != "" }

// BillingConfig configures the out-of-band billing report store.
type BillingConfig struct {
	// PostgresDSN is the PostgreSQL connection string reports are saved
	// to. Empty disables persistence; reports still reach the client
	// inband.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:  DefaultAddress,
			LogLevel: LogInfo,
		},
	}
}
