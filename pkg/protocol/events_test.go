package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/protocol"
)

func TestDecodeClientEventStart(t *testing.T) {
	raw := `{
		"type": "start",
		"id": "c1",
		"service": "azure-synthesize",
		"params": {"voice": "en-US-JennyNeural"},
		"inputModality": {"kind": "text"},
		"outputModalities": [{"kind": "audio", "channels": 1, "sampleRate": 16000}],
		"billingId": "tenant-7"
	}`
	ev, err := protocol.DecodeClientEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != protocol.ClientTypeStart || ev.ID != "c1" {
		t.Fatalf("got type %q id %q", ev.Type, ev.ID)
	}
	if ev.Service != "azure-synthesize" || ev.BillingID != "tenant-7" {
		t.Errorf("service/billing: got %q/%q", ev.Service, ev.BillingID)
	}
	if ev.InputModality.Kind != protocol.ModalityText {
		t.Errorf("input modality: got %q", ev.InputModality.Kind)
	}
	format, ok := protocol.AudioOutput(ev.OutputModalities)
	if !ok {
		t.Fatal("expected an audio output modality")
	}
	want := audio.Format{SampleRate: 16000, Channels: 1}
	if format != want {
		t.Errorf("audio output format: got %v, want %v", format, want)
	}
}

func TestDecodeClientEventRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"bogus","id":"c1"}`},
		{"missing id", `{"type":"stop"}`},
		{"start without service", `{"type":"start","id":"c1","inputModality":{"kind":"text"},"outputModalities":[{"kind":"text"}]}`},
		{"start without input modality", `{"type":"start","id":"c1","service":"s","outputModalities":[{"kind":"text"}]}`},
		{"start without outputs", `{"type":"start","id":"c1","service":"s","inputModality":{"kind":"text"}}`},
		{"interim input", `{"type":"start","id":"c1","service":"s","inputModality":{"kind":"interimText"},"outputModalities":[{"kind":"text"}]}`},
		{"audio without samples", `{"type":"audio","id":"c1"}`},
		{"text with bad textType", `{"type":"text","id":"c1","content":"x","textType":"markdown"}`},
		{"serviceEvent without value", `{"type":"serviceEvent","id":"c1"}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := protocol.DecodeClientEvent([]byte(tt.raw)); err == nil {
				t.Errorf("expected error for %s", tt.raw)
			}
		})
	}
}

func TestClientAudioSamplesBase64(t *testing.T) {
	raw := `{"type":"audio","id":"c1","samples":"AAECAw=="}`
	ev, err := protocol.DecodeClientEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []byte{0x00, 0x01, 0x02, 0x03}
	if len(ev.Samples) != len(want) {
		t.Fatalf("samples length: got %d, want %d", len(ev.Samples), len(want))
	}
	for i := range want {
		if ev.Samples[i] != want[i] {
			t.Errorf("sample byte %d: got %#x, want %#x", i, ev.Samples[i], want[i])
		}
	}
}

func TestEncodeServerEventShapes(t *testing.T) {
	tests := []struct {
		name string
		ev   *protocol.ServerEvent
		want map[string]any
	}{
		{
			"started",
			protocol.Started("c1", []protocol.OutputModality{{Kind: protocol.ModalityAudio, Channels: 1, SampleRate: 16000}}),
			map[string]any{"type": "started", "id": "c1"},
		},
		{
			"stopped",
			protocol.Stopped("c1"),
			map[string]any{"type": "stopped", "id": "c1"},
		},
		{
			"error",
			protocol.ErrorEvent("c1", "adapter: boom"),
			map[string]any{"type": "error", "id": "c1", "message": "adapter: boom"},
		},
		{
			"text",
			protocol.Text("c1", "hello", true),
			map[string]any{"type": "text", "id": "c1", "content": "hello", "interim": true},
		},
		{
			"requestCompleted",
			protocol.RequestCompleted("c1", "r1"),
			map[string]any{"type": "requestCompleted", "id": "c1", "requestId": "r1"},
		},
		{
			"clearAudio",
			protocol.ClearAudio("c1"),
			map[string]any{"type": "clearAudio", "id": "c1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := protocol.EncodeServerEvent(tt.ev)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			for k, want := range tt.want {
				if got[k] != want {
					t.Errorf("field %q: got %v, want %v", k, got[k], want)
				}
			}
		})
	}
}

func TestServerEventAudioFormatNotSerialized(t *testing.T) {
	ev := protocol.Audio("c1", audio.Frame{
		Format: audio.Format{SampleRate: 16000, Channels: 1},
		Data:   []byte{1, 2, 3, 4},
	})
	data, err := protocol.EncodeServerEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(data), "16000") {
		t.Errorf("audio format leaked into wire form: %s", data)
	}
	if !strings.Contains(string(data), `"samples"`) {
		t.Errorf("samples missing from JSON form: %s", data)
	}
}

func TestServerEventIsMedia(t *testing.T) {
	media := []*protocol.ServerEvent{
		protocol.Audio("c1", audio.Frame{}),
		protocol.ClearAudio("c1"),
		protocol.Text("c1", "x", false),
	}
	control := []*protocol.ServerEvent{
		protocol.Started("c1", nil),
		protocol.Stopped("c1"),
		protocol.ErrorEvent("c1", "m"),
		protocol.RequestCompleted("c1", "r1"),
		protocol.ServiceEvent("c1", json.RawMessage(`{}`)),
		protocol.BillingRecords("c1", "", "svc", "", nil),
	}
	for _, ev := range media {
		if !ev.IsMedia() {
			t.Errorf("%s should take the media path", ev.Type)
		}
	}
	for _, ev := range control {
		if ev.IsMedia() {
			t.Errorf("%s should take the control path", ev.Type)
		}
	}
}

func TestEncodeEnvelope(t *testing.T) {
	data, err := protocol.EncodeEnvelope(protocol.Stopped("c1"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != "json" {
		t.Errorf("envelope type: got %q, want %q", env.Type, "json")
	}
	inner, err := protocol.DecodeServerEvent(env.Data)
	if err != nil {
		t.Fatalf("decode inner: %v", err)
	}
	if inner.Type != protocol.ServerTypeStopped || inner.ID != "c1" {
		t.Errorf("inner event: got %q/%q", inner.Type, inner.ID)
	}
}
