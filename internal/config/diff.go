package config

// ConfigDiff describes what changed between two configs, split by whether a
// running server can apply it. Log level changes apply immediately; provider
// changes mean the service registry must be rebuilt, which new connections
// pick up while running conversations keep their adapters.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProvidersChanged bool
	ProviderChanges  []ProviderDiff

	// RestartRequired lists config paths whose new values only take
	// effect after a restart.
	RestartRequired []string
}

// ProviderDiff describes the change to one provider credential block.
type ProviderDiff struct {
	// Provider is "azure", "openai" or "google".
	Provider string

	// Added means the credentials became complete, Removed that they
	// stopped being complete, Changed that they were complete before and
	// after but differ.
	Added   bool
	Removed bool
	Changed bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if pd, ok := diffProvider("azure",
		old.Providers.Azure.Configured(), new.Providers.Azure.Configured(),
		old.Providers.Azure == new.Providers.Azure); ok {
		d.ProviderChanges = append(d.ProviderChanges, pd)
	}
	if pd, ok := diffProvider("openai",
		old.Providers.OpenAI.Configured(), new.Providers.OpenAI.Configured(),
		old.Providers.OpenAI == new.Providers.OpenAI); ok {
		d.ProviderChanges = append(d.ProviderChanges, pd)
	}
	if pd, ok := diffProvider("google",
		old.Providers.Google.Configured(), new.Providers.Google.Configured(),
		old.Providers.Google == new.Providers.Google); ok {
		d.ProviderChanges = append(d.ProviderChanges, pd)
	}
	d.ProvidersChanged = len(d.ProviderChanges) > 0

	if old.Server.Address != new.Server.Address {
		d.RestartRequired = append(d.RestartRequired, "server.address")
	}
	if old.Server.WrapJSON != new.Server.WrapJSON {
		d.RestartRequired = append(d.RestartRequired, "server.wrap_json")
	}
	if old.Broker != new.Broker {
		d.RestartRequired = append(d.RestartRequired, "broker")
	}
	if old.Billing != new.Billing {
		d.RestartRequired = append(d.RestartRequired, "billing.postgres_dsn")
	}

	return d
}

// diffProvider classifies the change to one credential block. Edits inside a
// block that is incomplete before and after do not register: the block never
// contributed services either way.
func diffProvider(name string, oldOK, newOK, equal bool) (ProviderDiff, bool) {
	switch {
	case !oldOK && newOK:
		return ProviderDiff{Provider: name, Added: true}, true
	case oldOK && !newOK:
		return ProviderDiff{Provider: name, Removed: true}, true
	case oldOK && newOK && !equal:
		return ProviderDiff{Provider: name, Changed: true}, true
	}
	return ProviderDiff{}, false
}
