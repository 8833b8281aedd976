package config_test

import (
	"slices"
	"testing"

	"github.com/audioknife/audioknife/internal/config"
)

func azureDemo() config.AzureConfig {
	return config.AzureConfig{Region: "westeurope", SubscriptionKey: "az-key"}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := config.Default()
	old.Providers.Azure = azureDemo()
	new := config.Default()
	new.Providers.Azure = azureDemo()

	d := config.Diff(old, new)
	if d.LogLevelChanged {
		t.Error("log level should not be reported as changed")
	}
	if d.ProvidersChanged {
		t.Errorf("providers should not be reported as changed: %+v", d.ProviderChanges)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("nothing should require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("log level change not detected")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("new log level: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
}

func TestDiff_ProviderAdded(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Providers.Azure = azureDemo()

	d := config.Diff(old, new)
	if !d.ProvidersChanged || len(d.ProviderChanges) != 1 {
		t.Fatalf("expected one provider change, got %+v", d.ProviderChanges)
	}
	pd := d.ProviderChanges[0]
	if pd.Provider != "azure" || !pd.Added {
		t.Errorf("expected azure added, got %+v", pd)
	}
}

func TestDiff_ProviderRemoved(t *testing.T) {
	t.Parallel()
	old := config.Default()
	old.Providers.Google = config.GoogleConfig{ProjectID: "demo"}
	new := config.Default()

	d := config.Diff(old, new)
	if len(d.ProviderChanges) != 1 {
		t.Fatalf("expected one provider change, got %+v", d.ProviderChanges)
	}
	pd := d.ProviderChanges[0]
	if pd.Provider != "google" || !pd.Removed {
		t.Errorf("expected google removed, got %+v", pd)
	}
}

func TestDiff_CredentialRotated(t *testing.T) {
	t.Parallel()
	old := config.Default()
	old.Providers.OpenAI = config.OpenAIConfig{APIKey: "sk-old"}
	new := config.Default()
	new.Providers.OpenAI = config.OpenAIConfig{APIKey: "sk-new"}

	d := config.Diff(old, new)
	if len(d.ProviderChanges) != 1 {
		t.Fatalf("expected one provider change, got %+v", d.ProviderChanges)
	}
	pd := d.ProviderChanges[0]
	if pd.Provider != "openai" || !pd.Changed {
		t.Errorf("expected openai changed, got %+v", pd)
	}
}

func TestDiff_ModelChangeIsProviderChange(t *testing.T) {
	t.Parallel()
	old := config.Default()
	old.Providers.OpenAI = config.OpenAIConfig{APIKey: "sk", SpeechModel: "tts-1"}
	new := config.Default()
	new.Providers.OpenAI = config.OpenAIConfig{APIKey: "sk", SpeechModel: "gpt-4o-mini-tts"}

	d := config.Diff(old, new)
	if len(d.ProviderChanges) != 1 || !d.ProviderChanges[0].Changed {
		t.Errorf("model change should register as provider change, got %+v", d.ProviderChanges)
	}
}

func TestDiff_IncompleteEditIgnored(t *testing.T) {
	t.Parallel()
	// A region edit without a subscription key never contributed services,
	// so it is not a provider change.
	old := config.Default()
	old.Providers.Azure = config.AzureConfig{Region: "westeurope"}
	new := config.Default()
	new.Providers.Azure = config.AzureConfig{Region: "northeurope"}

	d := config.Diff(old, new)
	if d.ProvidersChanged {
		t.Errorf("incomplete credential edits should not register, got %+v", d.ProviderChanges)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.Address = ":9999"
	new.Server.WrapJSON = true
	new.Broker.StopGrace = "5s"
	new.Billing.PostgresDSN = "postgres://localhost/audioknife"

	d := config.Diff(old, new)
	want := []string{"server.address", "server.wrap_json", "broker", "billing.postgres_dsn"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("restart required: got %v, want %v", d.RestartRequired, want)
	}
}
