// Package chat implements the LLM dialog adapter over
// github.com/mozilla-ai/any-llm-go, a unified multi-provider completion
// interface covering OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral,
// Groq, and local llama.cpp/llamafile servers.
//
// Each text input runs one streaming completion against the dialog history.
// The reply streams out as interim text when the conversation declared it,
// then lands as one final text. With synthesizeWith set, the final reply is
// additionally spoken through a nested conversation against the named
// synthesis service.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
)

var _ conversation.Service = (*Dialog)(nil)

// Dialog is the text dialog adapter. Provider, model and credentials come
// from the conversation params; constructor options apply to every backend
// the adapter creates.
type Dialog struct {
	opts []anyllmlib.Option
}

// NewDialog creates the dialog adapter. opts are appended after the
// per-conversation API key, so adapter-level settings like a base URL
// override win.
func NewDialog(opts ...anyllmlib.Option) *Dialog {
	return &Dialog{opts: opts}
}

// chatParams configure one dialog conversation.
type chatParams struct {
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	APIKey           string          `json:"apiKey,omitempty"`
	SystemPrompt     string          `json:"systemPrompt,omitempty"`
	SynthesizeWith   string          `json:"synthesizeWith,omitempty"`
	SynthesizeParams json.RawMessage `json:"synthesizeParams,omitempty"`
}

// Serve implements conversation.Service. The dialog history accumulates
// across requests: every completion sees the system prompt plus all earlier
// turns.
func (d *Dialog) Serve(ctx context.Context, params json.RawMessage, conv *conversation.Conversation) error {
	var p chatParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("chat: parse params: %w", err)
		}
	}
	if p.Provider == "" {
		return errors.New("chat: params must set a provider")
	}
	if p.Model == "" {
		return errors.New("chat: params must set a model")
	}

	if err := conv.RequireTextInputOnly(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	interim, err := conv.RequireTextOutput(true)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	synthesize := p.SynthesizeWith != ""
	if synthesize && !hasAudioOutput(conv.OutputModalities()) {
		return errors.New("chat: synthesizeWith requires an audio output modality")
	}

	backend, err := createBackend(p.Provider, d.backendOptions(p.APIKey)...)
	if err != nil {
		return fmt.Errorf("chat: create %q backend: %w", p.Provider, err)
	}

	in, out, err := conv.Start()
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}

	var messages []anyllmlib.Message
	if p.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: p.SystemPrompt})
	}

	var promptTokens, completionTokens int
	for {
		msg, err := in.Recv(ctx)
		if err != nil {
			if errors.Is(err, conversation.ErrInputClosed) {
				break
			}
			return err
		}
		switch input := msg.(type) {
		case conversation.InputText:
			messages = append(messages, anyllmlib.Message{Role: "user", Content: input.Content})
			promptTokens += estimateTokens(messages)

			reply, err := d.stream(ctx, backend, p.Model, messages, out, interim)
			if err != nil {
				return err
			}
			messages = append(messages, anyllmlib.Message{Role: "assistant", Content: reply})
			completionTokens += estimateTokens(messages[len(messages)-1:])

			completed := false
			if reply != "" {
				if err := out.Text(reply, false); err != nil {
					return fmt.Errorf("chat: post reply: %w", err)
				}
				if synthesize {
					spoken := conversation.InputText{Content: reply, RequestID: input.RequestID}
					if err := in.Converse(ctx, out, p.SynthesizeWith, p.SynthesizeParams, spoken); err != nil {
						return fmt.Errorf("chat: synthesize reply: %w", err)
					}
					// The synthesis service marks the request complete once
					// the audio is out.
					completed = input.RequestID != ""
				}
			}
			if input.RequestID != "" && !completed {
				if err := out.RequestCompleted(input.RequestID); err != nil {
					return fmt.Errorf("chat: post completion: %w", err)
				}
			}
		case conversation.InputAudio:
			return errors.New("chat: audio input not supported")
		case conversation.InputService:
			// Dialogs have no control surface beyond text.
		}
	}

	records := []protocol.BillingRecord{
		protocol.CountRecord("promptTokens", int64(promptTokens)),
		protocol.CountRecord("completionTokens", int64(completionTokens)),
	}
	if err := out.BillingRecords("", p.Model, records, conversation.BillingOnStop); err != nil {
		return fmt.Errorf("chat: billing: %w", err)
	}
	return nil
}

// stream runs one completion and forwards the growing reply as interim text.
func (d *Dialog) stream(ctx context.Context, backend anyllmlib.Provider, model string, messages []anyllmlib.Message, out *conversation.ConversationOutput, interim bool) (string, error) {
	chunks, errs := backend.CompletionStream(ctx, anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	})

	var reply strings.Builder
	for chunk := range chunks {
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if interim {
			if err := out.Text(reply.String(), true); err != nil {
				return "", fmt.Errorf("chat: post interim reply: %w", err)
			}
		}
	}
	if err := <-errs; err != nil {
		return "", fmt.Errorf("chat: completion stream: %w", err)
	}
	return reply.String(), nil
}

// backendOptions assembles provider options: the conversation's key first,
// then the adapter-level options.
func (d *Dialog) backendOptions(apiKey string) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	return append(opts, d.opts...)
}

// createBackend maps a provider name onto its any-llm-go constructor.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// estimateTokens approximates token usage at ~4 characters per token plus a
// fixed per-message overhead. The streaming API carries no usage payload, so
// billing runs on this estimate.
func estimateTokens(messages []anyllmlib.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.ContentString()) + 3) / 4
		total += 4
	}
	return total
}

func hasAudioOutput(mods []protocol.OutputModality) bool {
	for _, m := range mods {
		if m.Kind == protocol.ModalityAudio {
			return true
		}
	}
	return false
}
