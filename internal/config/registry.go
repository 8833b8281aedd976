package config

import (
	"fmt"
	"log/slog"

	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/service/azure"
	"github.com/audioknife/audioknife/pkg/service/chat"
	"github.com/audioknife/audioknife/pkg/service/google"
	"github.com/audioknife/audioknife/pkg/service/openai"
	"github.com/audioknife/audioknife/pkg/service/playback"
)

// Speech service paths appended to a configured Azure host override. The
// regional defaults built into the adapters use the same paths.
const (
	azureTranscribePath = "/speech/recognition/conversation/cognitiveservices/v1"
	azureSynthesizePath = "/cognitiveservices/websocket/v1"
	azureTranslatePath  = "/speech/translation/cognitiveservices/v1"
)

// BuildRegistry assembles the conversation service registry cfg describes.
// The playback and chat services are always present; the cloud adapters
// register only when their provider block carries credentials, so a bare
// instance runs without any cloud account. Partial credentials skip the
// provider with a warning instead of failing startup.
func BuildRegistry(cfg *Config) (*conversation.Registry, error) {
	reg := conversation.NewRegistry()

	add := func(name string, svc conversation.Service) error {
		if err := reg.Add(name, svc); err != nil {
			return fmt.Errorf("config: register %s: %w", name, err)
		}
		slog.Info("service registered", "service", name)
		return nil
	}

	// ── Built-ins ──────────────────────────────────────────────────────────────
	if err := add("playback", playback.New()); err != nil {
		return nil, err
	}
	if err := add("chat", chat.NewDialog()); err != nil {
		return nil, err
	}

	// ── Azure Speech ───────────────────────────────────────────────────────────
	if a := cfg.Providers.Azure; a.Configured() {
		creds := azure.Credentials{Region: a.Region, Key: a.SubscriptionKey}
		endpoint := func(path string) []azure.Option {
			if a.Host == "" {
				return nil
			}
			return []azure.Option{azure.WithEndpoint("wss://" + a.Host + path)}
		}

		transcribe, err := azure.NewTranscribe(creds, endpoint(azureTranscribePath)...)
		if err != nil {
			return nil, fmt.Errorf("config: build azure-transcribe: %w", err)
		}
		if err := add("azure-transcribe", transcribe); err != nil {
			return nil, err
		}

		synthesize, err := azure.NewSynthesize(creds, endpoint(azureSynthesizePath)...)
		if err != nil {
			return nil, fmt.Errorf("config: build azure-synthesize: %w", err)
		}
		if err := add("azure-synthesize", synthesize); err != nil {
			return nil, err
		}

		translate, err := azure.NewTranslate(creds, endpoint(azureTranslatePath)...)
		if err != nil {
			return nil, fmt.Errorf("config: build azure-translate: %w", err)
		}
		if err := add("azure-translate", translate); err != nil {
			return nil, err
		}
	} else if a.SubscriptionKey != "" || a.Region != "" || a.Host != "" {
		slog.Warn("incomplete azure credentials, azure services not registered",
			"have_key", a.SubscriptionKey != "",
			"have_region", a.Region != "",
			"have_host", a.Host != "",
		)
	}

	// ── OpenAI ────────────────────────────────────────────────────────────────
	if o := cfg.Providers.OpenAI; o.Configured() {
		var rtOpts []openai.Option
		if o.RealtimeModel != "" {
			rtOpts = append(rtOpts, openai.WithModel(o.RealtimeModel))
		}
		realtime, err := openai.NewRealtime(o.APIKey, rtOpts...)
		if err != nil {
			return nil, fmt.Errorf("config: build openai-realtime: %w", err)
		}
		if err := add("openai-realtime", realtime); err != nil {
			return nil, err
		}

		var spOpts []openai.Option
		if o.SpeechModel != "" {
			spOpts = append(spOpts, openai.WithModel(o.SpeechModel))
		}
		synthesize, err := openai.NewSynthesize(o.APIKey, spOpts...)
		if err != nil {
			return nil, fmt.Errorf("config: build openai-synthesize: %w", err)
		}
		if err := add("openai-synthesize", synthesize); err != nil {
			return nil, err
		}
	} else if o.RealtimeModel != "" || o.SpeechModel != "" {
		slog.Warn("openai models configured without api_key, openai services not registered")
	}

	// ── Google Cloud Speech ───────────────────────────────────────────────────
	if g := cfg.Providers.Google; g.Configured() {
		var gOpts []google.Option
		if g.Location != "" {
			gOpts = append(gOpts, google.WithLocation(g.Location))
		}

		transcribe, err := google.NewTranscribe(g.ProjectID, gOpts...)
		if err != nil {
			return nil, fmt.Errorf("config: build google-transcribe: %w", err)
		}
		if err := add("google-transcribe", transcribe); err != nil {
			return nil, err
		}
		if err := add("google-synthesize", google.NewSynthesize(gOpts...)); err != nil {
			return nil, err
		}
	} else if g.Location != "" {
		slog.Warn("google location configured without project_id, google services not registered")
	}

	if !cfg.Providers.Azure.Configured() && !cfg.Providers.OpenAI.Configured() && !cfg.Providers.Google.Configured() {
		slog.Warn("no provider credentials configured, only the playback and chat services are available")
	}

	return reg, nil
}
