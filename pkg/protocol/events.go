// Package protocol defines the wire protocol between the telephony client and
// the broker: client/server event shapes, modality declarations, billing
// record serialization and the "HH:MM:SS.mmm" duration codec.
//
// Events travel as JSON text frames tagged by a "type" discriminator, with one
// exception: audio leaves the server as raw binary PCM16 frames and enters it
// the same way (a JSON form with base64 samples exists for clients that cannot
// send binary frames).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/audioknife/audioknife/pkg/audio"
)

// Client event types (inbound).
const (
	ClientTypeStart        = "start"
	ClientTypeStop         = "stop"
	ClientTypeAudio        = "audio"
	ClientTypeText         = "text"
	ClientTypeServiceEvent = "serviceEvent"
)

// Server event types (outbound).
const (
	ServerTypeStarted          = "started"
	ServerTypeStopped          = "stopped"
	ServerTypeError            = "error"
	ServerTypeAudio            = "audio"
	ServerTypeClearAudio       = "clearAudio"
	ServerTypeText             = "text"
	ServerTypeRequestCompleted = "requestCompleted"
	ServerTypeService          = "service"
	ServerTypeBillingRecords   = "billingRecords"
)

// TextType qualifies the content of a client text event.
type TextType string

const (
	TextPlain TextType = "text"
	TextSSML  TextType = "ssml"
)

// ClientEvent is one inbound event. Type selects the variant; the other
// fields are populated per variant and validated by Validate.
type ClientEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	// start
	Service          string           `json:"service,omitempty"`
	Params           json.RawMessage  `json:"params,omitempty"`
	InputModality    *InputModality   `json:"inputModality,omitempty"`
	OutputModalities []OutputModality `json:"outputModalities,omitempty"`
	BillingID        string           `json:"billingId,omitempty"`

	// audio (JSON form; binary frames bypass the event codec entirely)
	Samples []byte `json:"samples,omitempty"`

	// text
	Content   string   `json:"content,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	TextType  TextType `json:"textType,omitempty"`

	// serviceEvent
	Value json.RawMessage `json:"value,omitempty"`
}

// DecodeClientEvent parses and validates one inbound text frame.
func DecodeClientEvent(data []byte) (*ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("protocol: decode client event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks the per-variant required fields.
func (e *ClientEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("protocol: %s event without conversation id", e.Type)
	}
	switch e.Type {
	case ClientTypeStart:
		if e.Service == "" {
			return fmt.Errorf("protocol: start %q without service", e.ID)
		}
		if e.InputModality == nil {
			return fmt.Errorf("protocol: start %q without input modality", e.ID)
		}
		if err := e.InputModality.Validate(); err != nil {
			return fmt.Errorf("protocol: start %q: %w", e.ID, err)
		}
		if err := ValidateOutputModalities(e.OutputModalities); err != nil {
			return fmt.Errorf("protocol: start %q: %w", e.ID, err)
		}
	case ClientTypeStop:
	case ClientTypeAudio:
		if len(e.Samples) == 0 {
			return fmt.Errorf("protocol: audio event for %q without samples", e.ID)
		}
	case ClientTypeText:
		switch e.TextType {
		case "", TextPlain, TextSSML:
		default:
			return fmt.Errorf("protocol: text event for %q with unknown textType %q", e.ID, e.TextType)
		}
	case ClientTypeServiceEvent:
		if len(e.Value) == 0 {
			return fmt.Errorf("protocol: serviceEvent for %q without value", e.ID)
		}
	default:
		return fmt.Errorf("protocol: unknown client event type %q", e.Type)
	}
	return nil
}

// ServerEvent is one outbound event. Audio events are written to the
// transport as binary frames; Format is internal bookkeeping for the pacing
// layer and never serialized.
type ServerEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	// started
	OutputModalities []OutputModality `json:"outputModalities,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// audio
	Samples []byte       `json:"samples,omitempty"`
	Format  audio.Format `json:"-"`

	// text
	Content string `json:"content,omitempty"`
	Interim bool   `json:"interim,omitempty"`

	// requestCompleted, text, billingRecords
	RequestID string `json:"requestId,omitempty"`

	// service
	Value json.RawMessage `json:"value,omitempty"`

	// billingRecords
	Service string          `json:"service,omitempty"`
	Scope   string          `json:"scope,omitempty"`
	Records []BillingRecord `json:"records,omitempty"`
}

// IsMedia reports whether the event takes the media path: paced against the
// playback clock by the scheduler and redirected when the source conversation
// has a redirect target. All other events are control path: dispatched
// immediately and always delivered to the source conversation's sink.
func (e *ServerEvent) IsMedia() bool {
	switch e.Type {
	case ServerTypeAudio, ServerTypeClearAudio, ServerTypeText:
		return true
	}
	return false
}

// AudioDuration returns the playback time of an audio event, zero for
// anything else.
func (e *ServerEvent) AudioDuration() time.Duration {
	if e.Type != ServerTypeAudio {
		return 0
	}
	return e.Format.Duration(len(e.Samples))
}

// EncodeServerEvent renders the event as a JSON text frame.
func EncodeServerEvent(e *ServerEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s event: %w", e.Type, err)
	}
	return data, nil
}

// DecodeServerEvent parses one outbound text frame. Intended for clients and
// tests; the broker itself only encodes.
func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("protocol: decode server event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("protocol: server event without type")
	}
	return &ev, nil
}

// Envelope is the vendor bridging form {"type":"json","data":…} required by
// playback agents that demand an outer type tag on every text frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeEnvelope renders the event wrapped in the bridging envelope.
func EncodeEnvelope(e *ServerEvent) ([]byte, error) {
	inner, err := EncodeServerEvent(e)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(Envelope{Type: "json", Data: inner})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return data, nil
}

// ── Server event constructors ──────────────────────────────────────────────────

// Started announces a conversation with its accepted output modalities.
func Started(id string, modalities []OutputModality) *ServerEvent {
	return &ServerEvent{Type: ServerTypeStarted, ID: id, OutputModalities: modalities}
}

// Stopped is the terminal event of a conversation that ended normally.
func Stopped(id string) *ServerEvent {
	return &ServerEvent{Type: ServerTypeStopped, ID: id}
}

// ErrorEvent is the terminal event of a conversation that failed.
func ErrorEvent(id, message string) *ServerEvent {
	return &ServerEvent{Type: ServerTypeError, ID: id, Message: message}
}

// Audio carries one frame of PCM16 toward the client.
func Audio(id string, frame audio.Frame) *ServerEvent {
	return &ServerEvent{Type: ServerTypeAudio, ID: id, Samples: frame.Data, Format: frame.Format}
}

// ClearAudio tells the client to flush its playback buffers.
func ClearAudio(id string) *ServerEvent {
	return &ServerEvent{Type: ServerTypeClearAudio, ID: id}
}

// Text carries a final or interim transcript/reply.
func Text(id, content string, interim bool) *ServerEvent {
	return &ServerEvent{Type: ServerTypeText, ID: id, Content: content, Interim: interim}
}

// RequestCompleted echoes the client's request id once the requested unit of
// work has fully streamed out.
func RequestCompleted(id, requestID string) *ServerEvent {
	return &ServerEvent{Type: ServerTypeRequestCompleted, ID: id, RequestID: requestID}
}

// ServiceEvent relays an opaque provider payload to the client.
func ServiceEvent(id string, value json.RawMessage) *ServerEvent {
	return &ServerEvent{Type: ServerTypeService, ID: id, Value: value}
}

// BillingRecords delivers one (service, scope) group of usage records.
func BillingRecords(id, requestID, service, scope string, records []BillingRecord) *ServerEvent {
	return &ServerEvent{
		Type:      ServerTypeBillingRecords,
		ID:        id,
		RequestID: requestID,
		Service:   service,
		Scope:     scope,
		Records:   records,
	}
}
