package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/protocol"
)

// Input is one message flowing from the client into an adapter.
type Input interface{ isInput() }

// InputAudio carries one frame in the conversation's declared input format.
type InputAudio struct {
	Frame audio.Frame
}

// InputText carries a text request. RequestID, when set, is echoed back in
// the RequestCompleted event once the request has fully streamed out.
type InputText struct {
	Content   string
	RequestID string
	TextType  protocol.TextType
}

// InputService carries an opaque provider-specific payload.
type InputService struct {
	Value json.RawMessage
}

func (InputAudio) isInput()   {}
func (InputText) isInput()    {}
func (InputService) isInput() {}

// Output is one message flowing from an adapter toward the client.
type Output interface{ isOutput() }

// OutputStarted announces the conversation. Posted by Start, never by
// adapters.
type OutputStarted struct {
	Modalities []protocol.OutputModality
}

// OutputAudio carries one frame of synthesized or relayed audio.
type OutputAudio struct {
	Frame audio.Frame
}

// OutputClearAudio tells the client to flush queued playback immediately,
// e.g. on barge-in.
type OutputClearAudio struct{}

// OutputText carries a final or interim transcript, translation or reply.
type OutputText struct {
	Content   string
	Interim   bool
	RequestID string
}

// OutputRequestCompleted signals that the unit of work identified by
// RequestID has fully streamed out.
type OutputRequestCompleted struct {
	RequestID string
}

// OutputService relays an opaque provider payload.
type OutputService struct {
	Value json.RawMessage
}

// OutputBillingRecords delivers usage records inband, used when the
// conversation carries no billing context. Service names the adapter the
// usage belongs to, which for nested conversations differs from the
// conversation's own service.
type OutputBillingRecords struct {
	RequestID string
	Service   string
	Scope     string
	Records   []protocol.BillingRecord
}

func (OutputStarted) isOutput()          {}
func (OutputAudio) isOutput()            {}
func (OutputClearAudio) isOutput()       {}
func (OutputText) isOutput()             {}
func (OutputRequestCompleted) isOutput() {}
func (OutputService) isOutput()          {}
func (OutputBillingRecords) isOutput()   {}

// ── Input side ─────────────────────────────────────────────────────────────────

// ConversationInput is the receiving half of a started conversation.
type ConversationInput struct {
	ch   <-chan Input
	conv *Conversation
}

// Recv blocks for the next input. Returns ErrInputClosed once the sender is
// gone and ctx.Err() on cancellation.
func (in *ConversationInput) Recv(ctx context.Context) (Input, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-in.ch:
		if !ok {
			return nil, ErrInputClosed
		}
		return msg, nil
	}
}

// Converse runs a nested conversation against another service from the outer
// conversation's registry, feeding it a single initial input and sharing the
// outer output sink. The nested conversation emits no Started event, inherits
// the outer output modalities and re-attributes billing to the nested
// service. Its registry is empty, so nesting cannot recurse.
func (in *ConversationInput) Converse(ctx context.Context, out *ConversationOutput, service string, params json.RawMessage, initial Input) error {
	adapter, err := in.conv.registry.Service(service)
	if err != nil {
		return err
	}

	var inputModality protocol.InputModality
	switch init := initial.(type) {
	case InputText:
		inputModality = protocol.InputModality{Kind: protocol.ModalityText}
	case InputAudio:
		inputModality = protocol.InputModality{
			Kind:       protocol.ModalityAudio,
			Channels:   init.Frame.Format.Channels,
			SampleRate: init.Frame.Format.SampleRate,
		}
	default:
		return fmt.Errorf("conversation: converse initial input must be text or audio, got %T", initial)
	}

	nestedInput := make(chan Input, 1)
	nestedInput <- initial
	close(nestedInput)

	var nestedBilling *BillingContext
	if in.conv.billing != nil {
		clone := in.conv.billing.WithService(service)
		nestedBilling = &clone
	}

	nested := New(Config{
		Registry:         nil, // empty: nested conversations cannot nest again
		Service:          service,
		InputModality:    inputModality,
		OutputModalities: in.conv.outputModalities,
		Input:            nestedInput,
		Output:           out.ch,
		EmitStarted:      false,
		Billing:          nestedBilling,
	})

	serveErr := adapter.Serve(ctx, params, nested)
	if finishErr := nested.Finish(); serveErr == nil {
		serveErr = finishErr
	}
	if serveErr != nil {
		return fmt.Errorf("conversation: nested %s: %w", service, serveErr)
	}
	return nil
}

// ── Output side ────────────────────────────────────────────────────────────────

// ConversationOutput is the sending half of a started conversation. Post
// never blocks: the channel is bounded and a full channel fails the
// conversation rather than stalling the provider read loop.
//
// deferred holds OnStop-scheduled billing records until flushDeferred. One
// goroutine drives a conversation's output at a time, so it needs no lock.
type ConversationOutput struct {
	ch       chan<- Output
	billing  *BillingContext
	service  string
	deferred []deferredRecords
}

// Post enqueues one output. Returns ErrOutputFull when the bounded channel
// has no room.
func (out *ConversationOutput) Post(o Output) error {
	select {
	case out.ch <- o:
		return nil
	default:
		return ErrOutputFull
	}
}

// AudioFrame posts one frame of audio.
func (out *ConversationOutput) AudioFrame(frame audio.Frame) error {
	return out.Post(OutputAudio{Frame: frame})
}

// ClearAudio posts a playback flush.
func (out *ConversationOutput) ClearAudio() error {
	return out.Post(OutputClearAudio{})
}

// Text posts a final or interim text.
func (out *ConversationOutput) Text(content string, interim bool) error {
	return out.Post(OutputText{Content: content, Interim: interim})
}

// RequestCompleted posts the completion marker for requestID. Never invents
// ids: callers pass the id given by the client, and skip the call entirely
// when the client sent none.
func (out *ConversationOutput) RequestCompleted(requestID string) error {
	return out.Post(OutputRequestCompleted{RequestID: requestID})
}

// ServiceEvent posts an opaque provider payload.
func (out *ConversationOutput) ServiceEvent(value json.RawMessage) error {
	return out.Post(OutputService{Value: value})
}

// BillingSchedule selects when billing records reach the collector.
type BillingSchedule int

const (
	// BillingOnStop buffers records and flushes them when the conversation
	// finishes. The default for adapters that bill per stream.
	BillingOnStop BillingSchedule = iota

	// BillingNow aggregates immediately. Used for per-request billing where
	// the conversation may outlive many requests.
	BillingNow
)

type deferredRecords struct {
	scope   string
	records []protocol.BillingRecord
}

// BillingRecords books usage records. Zero-valued records are dropped first;
// if nothing remains the call is a no-op. With a billing context the records
// go to the shared collector, either immediately (BillingNow) or at Finish
// (BillingOnStop). Without one they are posted inband as a billingRecords
// output event carrying requestID and scope.
func (out *ConversationOutput) BillingRecords(requestID, scope string, records []protocol.BillingRecord, schedule BillingSchedule) error {
	kept := records[:0:0]
	for _, r := range records {
		if !r.IsZero() {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	if out.billing == nil {
		return out.Post(OutputBillingRecords{RequestID: requestID, Service: out.service, Scope: scope, Records: kept})
	}

	if schedule == BillingNow {
		return out.billing.recordAll(scope, kept)
	}
	out.deferred = append(out.deferred, deferredRecords{scope: scope, records: kept})
	return nil
}

// flushDeferred sends OnStop-scheduled records to the collector.
func (out *ConversationOutput) flushDeferred() error {
	if out.billing == nil || len(out.deferred) == 0 {
		return nil
	}
	var errs []error
	for _, d := range out.deferred {
		if err := out.billing.recordAll(d.scope, d.records); err != nil {
			errs = append(errs, err)
		}
	}
	out.deferred = nil
	return errors.Join(errs...)
}
