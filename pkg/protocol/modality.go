package protocol

import (
	"fmt"

	"github.com/audioknife/audioknife/pkg/audio"
)

// ModalityKind names the kind of data flowing in one direction of a
// conversation.
type ModalityKind string

const (
	ModalityAudio       ModalityKind = "audio"
	ModalityText        ModalityKind = "text"
	ModalityInterimText ModalityKind = "interimText"
)

// InputModality declares what the client feeds into a conversation. Fixed at
// start; audio carries its PCM16 format inline.
type InputModality struct {
	Kind       ModalityKind `json:"kind"`
	Channels   int          `json:"channels,omitempty"`
	SampleRate int          `json:"sampleRate,omitempty"`
}

// Format returns the declared audio format. Meaningful only for Kind audio.
func (m InputModality) Format() audio.Format {
	return audio.Format{SampleRate: m.SampleRate, Channels: m.Channels}
}

// Validate checks kind and format coherence.
func (m InputModality) Validate() error {
	switch m.Kind {
	case ModalityAudio:
		if !m.Format().Valid() {
			return fmt.Errorf("audio input modality with invalid format %s", m.Format())
		}
	case ModalityText:
		if m.Channels != 0 || m.SampleRate != 0 {
			return fmt.Errorf("text input modality must not declare an audio format")
		}
	case ModalityInterimText:
		return fmt.Errorf("interimText is not an input modality")
	default:
		return fmt.Errorf("unknown input modality %q", m.Kind)
	}
	return nil
}

// OutputModality declares one kind of data the conversation may emit.
type OutputModality struct {
	Kind       ModalityKind `json:"kind"`
	Channels   int          `json:"channels,omitempty"`
	SampleRate int          `json:"sampleRate,omitempty"`
}

// Format returns the declared audio format. Meaningful only for Kind audio.
func (m OutputModality) Format() audio.Format {
	return audio.Format{SampleRate: m.SampleRate, Channels: m.Channels}
}

// Validate checks kind and format coherence.
func (m OutputModality) Validate() error {
	switch m.Kind {
	case ModalityAudio:
		if !m.Format().Valid() {
			return fmt.Errorf("audio output modality with invalid format %s", m.Format())
		}
	case ModalityText, ModalityInterimText:
		if m.Channels != 0 || m.SampleRate != 0 {
			return fmt.Errorf("%s output modality must not declare an audio format", m.Kind)
		}
	default:
		return fmt.Errorf("unknown output modality %q", m.Kind)
	}
	return nil
}

// ValidateOutputModalities checks a declared output set: non-empty, each
// modality valid, no duplicate kinds, and interimText only alongside text.
func ValidateOutputModalities(mods []OutputModality) error {
	if len(mods) == 0 {
		return fmt.Errorf("no output modalities declared")
	}
	seen := make(map[ModalityKind]bool, len(mods))
	for _, m := range mods {
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.Kind] {
			return fmt.Errorf("duplicate output modality %q", m.Kind)
		}
		seen[m.Kind] = true
	}
	if seen[ModalityInterimText] && !seen[ModalityText] {
		return fmt.Errorf("interimText output requires text output")
	}
	return nil
}

// AudioOutput returns the single declared audio output format, if any.
func AudioOutput(mods []OutputModality) (audio.Format, bool) {
	for _, m := range mods {
		if m.Kind == ModalityAudio {
			return m.Format(), true
		}
	}
	return audio.Format{}, false
}
