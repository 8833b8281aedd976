// Package conversation defines the contract between the broker and service
// adapters: the conversation handle an adapter consumes, the typed input and
// output streams it exchanges with the client, the billing context usage
// records attribute to, and the registry adapters are resolved from.
//
// A conversation is created by the broker when the client starts one, handed
// to exactly one adapter, split by Start into its input and output sides and
// driven until the input closes, the context is cancelled or the provider
// finishes. The broker owns the channels; adapters only ever see the handles.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/protocol"
)

var (
	// ErrAlreadyStarted is returned by Start when the conversation was
	// already consumed.
	ErrAlreadyStarted = errors.New("conversation: already started")

	// ErrInputClosed is returned by Recv once the input sender is gone.
	// Adapters treat it as the natural end of the conversation.
	ErrInputClosed = errors.New("conversation: input closed")

	// ErrOutputFull is returned by Post when the bounded output channel is
	// full. It is a hard failure of the conversation.
	ErrOutputFull = errors.New("conversation: output channel full")
)

// Service is implemented by every provider adapter. Serve consumes the open
// conversation: it decodes params into the adapter's own parameter shape,
// validates the declared modalities, calls conv.Start exactly once and drives
// the provider until the input is exhausted or ctx is cancelled.
//
// A nil return produces a Stopped terminal event, an error produces an Error
// terminal event with the flattened error chain as message. Serve must keep a
// cancellation point inside every provider read loop.
type Service interface {
	Serve(ctx context.Context, params json.RawMessage, conv *Conversation) error
}

// Config assembles a Conversation. The broker fills it for top-level
// conversations; Converse fills it for nested ones.
type Config struct {
	Registry         *Registry
	Service          string
	InputModality    protocol.InputModality
	OutputModalities []protocol.OutputModality
	Input            <-chan Input
	Output           chan<- Output
	EmitStarted      bool
	Billing          *BillingContext
}

// Conversation is the open handle consumed by a service adapter. It is not
// safe for concurrent use before Start; the input and output handles returned
// by Start each confine themselves to one goroutine's use pattern.
type Conversation struct {
	registry         *Registry
	service          string
	inputModality    protocol.InputModality
	outputModalities []protocol.OutputModality
	input            <-chan Input
	output           chan<- Output
	emitStarted      bool
	billing          *BillingContext

	started bool
	out     *ConversationOutput
}

// New builds a conversation from cfg. A nil registry is replaced with an
// empty one so nested lookups fail cleanly instead of panicking.
func New(cfg Config) *Conversation {
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	return &Conversation{
		registry:         reg,
		service:          cfg.Service,
		inputModality:    cfg.InputModality,
		outputModalities: cfg.OutputModalities,
		input:            cfg.Input,
		output:           cfg.Output,
		emitStarted:      cfg.EmitStarted,
		billing:          cfg.Billing,
	}
}

// Service returns the registered name of the adapter serving this
// conversation.
func (c *Conversation) Service() string { return c.service }

// InputModality returns the declared input modality.
func (c *Conversation) InputModality() protocol.InputModality { return c.inputModality }

// OutputModalities returns the declared output modalities.
func (c *Conversation) OutputModalities() []protocol.OutputModality { return c.outputModalities }

// Start splits the conversation into its input and output handles and, for
// top-level conversations, announces it with a Started event. Callable
// exactly once.
func (c *Conversation) Start() (*ConversationInput, *ConversationOutput, error) {
	if c.started {
		return nil, nil, ErrAlreadyStarted
	}
	c.started = true

	out := &ConversationOutput{ch: c.output, billing: c.billing, service: c.service}
	c.out = out
	if c.emitStarted {
		if err := out.Post(OutputStarted{Modalities: c.outputModalities}); err != nil {
			return nil, nil, fmt.Errorf("conversation: post started: %w", err)
		}
	}
	return &ConversationInput{ch: c.input, conv: c}, out, nil
}

// Finish flushes billing records that were scheduled for the end of the
// conversation. The caller that invoked the adapter calls it after Serve
// returns: the broker for top-level conversations, Converse for nested ones.
// Idempotent.
func (c *Conversation) Finish() error {
	if c.out == nil {
		return nil
	}
	return c.out.flushDeferred()
}

// ── Modality requirements ──────────────────────────────────────────────────────

// RequireTextInputOnly fails unless the input modality is text.
func (c *Conversation) RequireTextInputOnly() error {
	if c.inputModality.Kind != protocol.ModalityText {
		return fmt.Errorf("conversation: text input required, got %q", c.inputModality.Kind)
	}
	return nil
}

// RequireAudioInput fails unless the input modality is audio; returns the
// declared format.
func (c *Conversation) RequireAudioInput() (audio.Format, error) {
	if c.inputModality.Kind != protocol.ModalityAudio {
		return audio.Format{}, fmt.Errorf("conversation: audio input required, got %q", c.inputModality.Kind)
	}
	return c.inputModality.Format(), nil
}

// RequireSingleAudioOutput fails unless exactly one audio output modality is
// declared; returns its format. Text modalities alongside the audio one are
// tolerated so adapters remain usable as nested synthesis targets.
func (c *Conversation) RequireSingleAudioOutput() (audio.Format, error) {
	var format audio.Format
	found := false
	for _, m := range c.outputModalities {
		if m.Kind != protocol.ModalityAudio {
			continue
		}
		if found {
			return audio.Format{}, errors.New("conversation: more than one audio output declared")
		}
		format = m.Format()
		found = true
	}
	if !found {
		return audio.Format{}, errors.New("conversation: audio output required")
	}
	return format, nil
}

// RequireTextOutput fails unless a text output modality is declared. The
// returned flag reports whether interim text was also declared; when
// allowInterim is false a declared interim modality is an error.
func (c *Conversation) RequireTextOutput(allowInterim bool) (bool, error) {
	hasText, hasInterim := false, false
	for _, m := range c.outputModalities {
		switch m.Kind {
		case protocol.ModalityText:
			hasText = true
		case protocol.ModalityInterimText:
			hasInterim = true
		}
	}
	if !hasText {
		return false, errors.New("conversation: text output required")
	}
	if hasInterim && !allowInterim {
		return false, errors.New("conversation: interim text output not supported by this service")
	}
	return hasInterim, nil
}
