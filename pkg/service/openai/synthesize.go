package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// Compile-time assertion that Synthesize satisfies conversation.Service.
var _ conversation.Service = (*Synthesize)(nil)

// speechFrame is how much of the streamed response body goes into one audio
// frame.
const speechFrame = 100 * time.Millisecond

// Synthesize is the text-to-speech adapter over the audio speech REST
// endpoint. Each text input is one request; the response body streams raw
// PCM16 which is forwarded in fixed-size frames as it arrives.
type Synthesize struct {
	client oai.Client
	model  string
}

// NewSynthesize creates the speech adapter with the given API key.
func NewSynthesize(apiKey string, opts ...Option) (*Synthesize, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	s := applyOptions(opts)
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	model := s.model
	if model == "" {
		model = defaultSpeechModel
	}
	return &Synthesize{client: oai.NewClient(reqOpts...), model: model}, nil
}

// synthesizeParams configure one speech conversation. Voice names the
// speaker (e.g. "alloy"). Speed scales the voice between 0.25 and 4.0.
type synthesizeParams struct {
	Model string  `json:"model,omitempty"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed,omitempty"`
}

// Serve synthesizes every text input with one speech request until the
// input closes.
func (s *Synthesize) Serve(ctx context.Context, params json.RawMessage, conv *conversation.Conversation) error {
	var p synthesizeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("openai: synthesize params: %w", err)
		}
	}
	if p.Voice == "" {
		return errors.New("openai: synthesize params: voice is required")
	}
	model := p.Model
	if model == "" {
		model = s.model
	}

	if err := conv.RequireTextInputOnly(); err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	outFormat, err := conv.RequireSingleAudioOutput()
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	if outFormat != pcmFormat {
		return fmt.Errorf("openai: speech output is fixed at %s, got %s", pcmFormat, outFormat)
	}

	in, out, err := conv.Start()
	if err != nil {
		return fmt.Errorf("openai: %w", err)
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
			if err := s.speak(ctx, out, input, model, p.Voice, p.Speed); err != nil {
				return err
			}
		case conversation.InputAudio:
			return errors.New("openai: audio input not supported by the synthesizer")
		case conversation.InputService:
			// The speech endpoint has no mid-request control surface.
		}
	}
}

// speak runs one speech request and forwards the PCM body frame by frame.
func (s *Synthesize) speak(ctx context.Context, out *conversation.ConversationOutput, req conversation.InputText, model, voice string, speed float64) error {
	body := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		Input:          req.Content,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if speed != 0 {
		body.Speed = param.NewOpt(speed)
	}
	res, err := s.client.Audio.Speech.New(ctx, body)
	if err != nil {
		return fmt.Errorf("openai: speech request: %w", err)
	}
	defer res.Body.Close()

	var audioBytes int
	buf := make([]byte, pcmFormat.Bytes(speechFrame))
	for {
		n, err := io.ReadFull(res.Body, buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if perr := out.AudioFrame(audio.Frame{Format: pcmFormat, Data: frame}); perr != nil {
				return fmt.Errorf("openai: post audio: %w", perr)
			}
			audioBytes += n
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("openai: speech stream: %w", err)
		}
	}

	if req.RequestID != "" {
		if err := out.RequestCompleted(req.RequestID); err != nil {
			return fmt.Errorf("openai: post completion: %w", err)
		}
	}
	records := []protocol.BillingRecord{
		protocol.CountRecord("synthesizedText", int64(utf8.RuneCountInString(req.Content))),
		protocol.DurationRecord("synthesizedAudio", pcmFormat.Duration(audioBytes)),
	}
	if err := out.BillingRecords(req.RequestID, voice, records, conversation.BillingNow); err != nil {
		return fmt.Errorf("openai: billing: %w", err)
	}
	return nil
}
