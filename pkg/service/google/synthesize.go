package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
)

var _ conversation.Service = (*Synthesize)(nil)

// Synthesize is the Text-to-Speech adapter. Each text input runs one
// streaming synthesis turn that produces raw PCM16 at the conversation's
// output rate.
type Synthesize struct {
	settings settings
}

// NewSynthesize creates the synthesis adapter.
func NewSynthesize(opts ...Option) *Synthesize {
	return &Synthesize{settings: applyOptions(opts)}
}

// synthesizeParams configure one synthesis conversation.
type synthesizeParams struct {
	Voice        string  `json:"voice"`
	Language     string  `json:"language,omitempty"`
	SpeakingRate float64 `json:"speakingRate,omitempty"`
}

// Serve implements conversation.Service. Requests run strictly in input
// order; each opens its own synthesis stream so a long turn never leaks into
// the next one.
func (g *Synthesize) Serve(ctx context.Context, params json.RawMessage, conv *conversation.Conversation) error {
	var p synthesizeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("google: parse params: %w", err)
		}
	}
	if p.Voice == "" {
		return errors.New("google: synthesize params: voice is required")
	}
	if p.Language == "" {
		p.Language = voiceLanguage(p.Voice)
	}

	if err := conv.RequireTextInputOnly(); err != nil {
		return fmt.Errorf("google: %w", err)
	}
	outFormat, err := conv.RequireSingleAudioOutput()
	if err != nil {
		return fmt.Errorf("google: %w", err)
	}
	if err := checkPCMFormat(outFormat); err != nil {
		return err
	}

	client, err := texttospeech.NewClient(ctx, g.settings.clientOptions...)
	if err != nil {
		return fmt.Errorf("google: texttospeech client: %w", err)
	}
	defer client.Close()

	in, out, err := conv.Start()
	if err != nil {
		return fmt.Errorf("google: %w", err)
	}

	for {
		msg, err := in.Recv(ctx)
		if err != nil {
			if errors.Is(err, conversation.ErrInputClosed) {
				return nil
			}
			return err
		}
		switch input := msg.(type) {
		case conversation.InputText:
			if err := g.speak(ctx, client, out, input, p, outFormat); err != nil {
				return err
			}
		case conversation.InputAudio:
			return errors.New("google: audio input not supported by the synthesizer")
		case conversation.InputService:
			// Synthesis has no mid-request control surface.
		}
	}
}

// speak runs one synthesis turn: config, text, then a drain of the audio
// chunks until the service ends the stream.
func (g *Synthesize) speak(ctx context.Context, client *texttospeech.Client, out *conversation.ConversationOutput, req conversation.InputText, p synthesizeParams, format audio.Format) error {
	stream, err := client.StreamingSynthesize(ctx)
	if err != nil {
		return fmt.Errorf("google: open synthesis stream: %w", err)
	}
	if err := stream.Send(synthesisConfig(p, format)); err != nil {
		return fmt.Errorf("google: send synthesis config: %w", err)
	}
	if err := stream.Send(synthesisInput(req.Content)); err != nil {
		return fmt.Errorf("google: send synthesis input: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("google: close synthesis input: %w", err)
	}

	audioBytes, err := drainSynthesis(stream, out, format)
	if err != nil {
		return err
	}

	if req.RequestID != "" {
		if err := out.RequestCompleted(req.RequestID); err != nil {
			return fmt.Errorf("google: post completion: %w", err)
		}
	}
	records := []protocol.BillingRecord{
		protocol.CountRecord("synthesizedText", int64(utf8.RuneCountInString(req.Content))),
		protocol.DurationRecord("synthesizedAudio", format.Duration(audioBytes)),
	}
	if err := out.BillingRecords(req.RequestID, p.Voice, records, conversation.BillingNow); err != nil {
		return fmt.Errorf("google: billing: %w", err)
	}
	return nil
}

// synthesisConfig assembles the opening request. AudioEncoding_PCM is raw
// headerless PCM16, unlike LINEAR16 on the unary API which wraps the samples
// in a WAV container.
func synthesisConfig(p synthesizeParams, format audio.Format) *texttospeechpb.StreamingSynthesizeRequest {
	return &texttospeechpb.StreamingSynthesizeRequest{
		StreamingRequest: &texttospeechpb.StreamingSynthesizeRequest_StreamingConfig{
			StreamingConfig: &texttospeechpb.StreamingSynthesizeConfig{
				Voice: &texttospeechpb.VoiceSelectionParams{
					LanguageCode: p.Language,
					Name:         p.Voice,
				},
				StreamingAudioConfig: &texttospeechpb.StreamingAudioConfig{
					AudioEncoding:   texttospeechpb.AudioEncoding_PCM,
					SampleRateHertz: int32(format.SampleRate),
					SpeakingRate:    p.SpeakingRate,
				},
			},
		},
	}
}

func synthesisInput(text string) *texttospeechpb.StreamingSynthesizeRequest {
	return &texttospeechpb.StreamingSynthesizeRequest{
		StreamingRequest: &texttospeechpb.StreamingSynthesizeRequest_Input{
			Input: &texttospeechpb.StreamingSynthesisInput{
				InputSource: &texttospeechpb.StreamingSynthesisInput_Text{Text: text},
			},
		},
	}
}

// synthesizeStream is the receive side of the generated streaming client.
type synthesizeStream interface {
	Recv() (*texttospeechpb.StreamingSynthesizeResponse, error)
}

// drainSynthesis forwards audio chunks until the service ends the turn and
// reports how many bytes it produced.
func drainSynthesis(stream synthesizeStream, out *conversation.ConversationOutput, format audio.Format) (int, error) {
	var audioBytes int
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return audioBytes, nil
		}
		if err != nil {
			return 0, fmt.Errorf("google: synthesis stream: %w", err)
		}
		chunk := resp.GetAudioContent()
		if len(chunk) == 0 {
			continue
		}
		if err := out.AudioFrame(audio.Frame{Format: format, Data: chunk}); err != nil {
			return 0, fmt.Errorf("google: post audio: %w", err)
		}
		audioBytes += len(chunk)
	}
}

// voiceLanguage derives the language code from a standard voice name such as
// "en-US-Chirp3-HD-Achernar".
func voiceLanguage(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) == 3 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}
