// Package openai implements two OpenAI adapters: a full-duplex dialog over
// the Realtime WebSocket API and a text-to-speech adapter over the audio
// speech REST endpoint.
//
// Both exchange raw PCM16 at 24 kHz mono, the only uncompressed format the
// OpenAI audio APIs speak, so conversations must declare exactly that format
// on their audio modalities.
package openai

import (
	"github.com/audioknife/audioknife/pkg/audio"
)

const (
	defaultRealtimeModel = "gpt-4o-realtime-preview"
	defaultSpeechModel   = "gpt-4o-mini-tts"

	realtimeBaseURL = "wss://api.openai.com/v1/realtime"
)

// pcmFormat is the fixed raw audio format of the OpenAI audio APIs.
var pcmFormat = audio.Format{SampleRate: 24000, Channels: 1}

// Option is a functional option for configuring an adapter.
type Option func(*settings)

type settings struct {
	baseURL string
	model   string
}

// WithBaseURL overrides the API endpoint. Primarily used in tests to point
// at a local mock server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithModel overrides the adapter's default model. Conversation params may
// still override it per conversation.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

func applyOptions(opts []Option) settings {
	var s settings
	for _, o := range opts {
		o(&s)
	}
	return s
}
