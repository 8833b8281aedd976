// Package servicetest provides a scriptable test double for the
// conversation.Service interface.
//
// The zero value starts the conversation, drains its input and returns nil
// when the input closes. Fields configure additional behavior: echoing inputs
// back as outputs, synthesizing fixed audio for text requests, failing,
// panicking, hanging until forced cancellation or booking billing records.
package servicetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
)

// Compile-time assertion that Adapter satisfies conversation.Service.
var _ conversation.Service = (*Adapter)(nil)

// Adapter is a mock implementation of conversation.Service.
type Adapter struct {
	mu sync.Mutex

	// --- Configurable behavior ---

	// ServeFunc, if non-nil, replaces the default Serve behavior entirely.
	ServeFunc func(ctx context.Context, params json.RawMessage, conv *conversation.Conversation) error

	// Outputs are posted right after Start, before any input is read.
	Outputs []conversation.Output

	// Echo posts every text input back as a text output and every audio
	// input back as an audio output. Text inputs with a request id are
	// followed by a RequestCompleted.
	Echo bool

	// SynthesizeAudio, when non-empty, is posted as one audio output for
	// every text input (followed by RequestCompleted when the input carries
	// a request id). Simulates a synthesize provider.
	SynthesizeAudio audio.Frame

	// Billing, when non-empty, is booked once after the input closes, with
	// BillingScope and BillingSchedule.
	Billing         []protocol.BillingRecord
	BillingScope    string
	BillingSchedule conversation.BillingSchedule

	// FailWith, if non-nil, is returned right after Start.
	FailWith error

	// PanicOnInput panics with the given value when the first input
	// arrives. Use a non-nil value.
	PanicOnInput any

	// HangOnClose blocks on ctx after the input closes instead of
	// returning, simulating a stuck provider that needs forced
	// cancellation.
	HangOnClose bool

	// --- Call records ---

	// Params records the raw params of every Serve call in order.
	Params []json.RawMessage

	// Inputs records every input received in order.
	Inputs []conversation.Input

	// ServeCalls counts Serve invocations.
	ServeCalls int
}

// Serve implements conversation.Service.
func (a *Adapter) Serve(ctx context.Context, params json.RawMessage, conv *conversation.Conversation) error {
	a.mu.Lock()
	a.ServeCalls++
	a.Params = append(a.Params, params)
	serveFunc := a.ServeFunc
	a.mu.Unlock()

	if serveFunc != nil {
		return serveFunc(ctx, params, conv)
	}

	in, out, err := conv.Start()
	if err != nil {
		return err
	}
	if a.FailWith != nil {
		return a.FailWith
	}
	for _, o := range a.Outputs {
		if err := out.Post(o); err != nil {
			return err
		}
	}

	for {
		msg, err := in.Recv(ctx)
		if err != nil {
			if errors.Is(err, conversation.ErrInputClosed) {
				break
			}
			return err
		}
		a.mu.Lock()
		a.Inputs = append(a.Inputs, msg)
		panicVal := a.PanicOnInput
		a.mu.Unlock()
		if panicVal != nil {
			panic(panicVal)
		}
		if err := a.handleInput(msg, out); err != nil {
			return err
		}
	}

	if len(a.Billing) > 0 {
		if err := out.BillingRecords("", a.BillingScope, a.Billing, a.BillingSchedule); err != nil {
			return err
		}
	}
	if a.HangOnClose {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (a *Adapter) handleInput(msg conversation.Input, out *conversation.ConversationOutput) error {
	switch input := msg.(type) {
	case conversation.InputText:
		if len(a.SynthesizeAudio.Data) > 0 {
			if err := out.AudioFrame(a.SynthesizeAudio); err != nil {
				return err
			}
		} else if a.Echo {
			if err := out.Text(input.Content, false); err != nil {
				return err
			}
		}
		if (a.Echo || len(a.SynthesizeAudio.Data) > 0) && input.RequestID != "" {
			return out.RequestCompleted(input.RequestID)
		}
	case conversation.InputAudio:
		if a.Echo {
			return out.AudioFrame(input.Frame)
		}
	}
	return nil
}

// ReceivedInputs returns a copy of the recorded inputs.
func (a *Adapter) ReceivedInputs() []conversation.Input {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]conversation.Input(nil), a.Inputs...)
}
