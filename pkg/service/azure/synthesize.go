package azure

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
	"github.com/coder/websocket"
)

// Compile-time assertion that Synthesize satisfies conversation.Service.
var _ conversation.Service = (*Synthesize)(nil)

// Synthesize is the text-to-speech adapter. Each text input runs one
// synthesis turn: SSML out, audio chunks back until the turn ends. Turns are
// sequential on a single connection, matching the service protocol.
type Synthesize struct {
	creds    Credentials
	settings settings
}

// NewSynthesize creates the synthesis adapter for the given Speech resource.
func NewSynthesize(creds Credentials, opts ...Option) (*Synthesize, error) {
	s := applyOptions(opts)
	if err := creds.validate(s.endpoint); err != nil {
		return nil, err
	}
	return &Synthesize{creds: creds, settings: s}, nil
}

// synthesizeParams configure one synthesis conversation. Voice names the
// neural voice (e.g. "en-US-JennyNeural"). Language defaults to the voice's
// locale prefix. OutputFormat overrides the raw PCM format derived from the
// declared audio output modality.
type synthesizeParams struct {
	Voice        string `json:"voice"`
	Language     string `json:"language,omitempty"`
	OutputFormat string `json:"outputFormat,omitempty"`
}

func (s *Synthesize) endpoint() string {
	if s.settings.endpoint != "" {
		return s.settings.endpoint
	}
	return fmt.Sprintf(synthesizeEndpointFormat, s.creds.Region)
}

// Serve synthesizes every text input into audio frames until the input
// closes. Plain text is wrapped in SSML; ssml-typed inputs pass through.
func (s *Synthesize) Serve(ctx context.Context, params json.RawMessage, conv *conversation.Conversation) error {
	var p synthesizeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("azure: synthesize params: %w", err)
		}
	}
	if p.Voice == "" {
		return errors.New("azure: synthesize params: voice is required")
	}
	lang := p.Language
	if lang == "" {
		lang = voiceLanguage(p.Voice)
	}

	if err := conv.RequireTextInputOnly(); err != nil {
		return fmt.Errorf("azure: %w", err)
	}
	outFormat, err := conv.RequireSingleAudioOutput()
	if err != nil {
		return fmt.Errorf("azure: %w", err)
	}
	wireFormat := p.OutputFormat
	if wireFormat == "" {
		wireFormat, err = rawWireFormat(outFormat)
		if err != nil {
			return err
		}
	}

	conn, err := dial(ctx, s.endpoint(), s.creds.Key, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "conversation finished")

	in, out, err := conv.Start()
	if err != nil {
		return fmt.Errorf("azure: %w", err)
	}

	cfg := speechConfig{}
	cfg.Context.System.Name = clientName
	cfg.Context.System.Version = clientVersion
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("azure: marshal speech.config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, encodeTextMessage(pathSpeechConfig, newRequestID(), contentTypeJSON, body)); err != nil {
		return fmt.Errorf("azure: send speech.config: %w", err)
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
			if err := s.speakTurn(ctx, conn, out, input, p.Voice, lang, wireFormat, outFormat); err != nil {
				return err
			}
		case conversation.InputAudio:
			return errors.New("azure: audio input not supported by the synthesizer")
		case conversation.InputService:
			// The synthesis turn has no mid-stream control frames.
		}
	}
}

// speakTurn runs one synthesis turn: context and SSML out, audio chunks
// forwarded until turn.end, then completion and billing.
func (s *Synthesize) speakTurn(ctx context.Context, conn *websocket.Conn, out *conversation.ConversationOutput, req conversation.InputText, voice, lang, wireFormat string, outFormat audio.Format) error {
	rid := newRequestID()

	sctx := synthesisContext{}
	sctx.Synthesis.Audio.MetadataOptions.SentenceBoundaryEnabled = false
	sctx.Synthesis.Audio.MetadataOptions.WordBoundaryEnabled = false
	sctx.Synthesis.Audio.OutputFormat = wireFormat
	body, err := json.Marshal(sctx)
	if err != nil {
		return fmt.Errorf("azure: marshal synthesis.context: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, encodeTextMessage(pathSynthesisContext, rid, contentTypeJSON, body)); err != nil {
		return fmt.Errorf("azure: send synthesis.context: %w", err)
	}

	ssml := req.Content
	if req.TextType != protocol.TextSSML {
		ssml = wrapSSML(lang, voice, req.Content)
	}
	if err := conn.Write(ctx, websocket.MessageText, encodeTextMessage(pathSSML, rid, contentTypeSSML, []byte(ssml))); err != nil {
		return fmt.Errorf("azure: send ssml: %w", err)
	}

	var audioBytes int
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("azure: synthesis stream: %w", err)
		}
		msg, err := parseMessage(typ, data)
		if err != nil {
			continue
		}
		switch msg.path {
		case pathAudio:
			if len(msg.body) == 0 {
				continue
			}
			if err := out.AudioFrame(audio.Frame{Format: outFormat, Data: msg.body}); err != nil {
				return fmt.Errorf("azure: post audio: %w", err)
			}
			audioBytes += len(msg.body)
		case pathTurnEnd:
			if req.RequestID != "" {
				if err := out.RequestCompleted(req.RequestID); err != nil {
					return fmt.Errorf("azure: post completion: %w", err)
				}
			}
			records := []protocol.BillingRecord{
				protocol.CountRecord("synthesizedText", int64(utf8.RuneCountInString(req.Content))),
				protocol.DurationRecord("synthesizedAudio", outFormat.Duration(audioBytes)),
			}
			if err := out.BillingRecords(req.RequestID, voice, records, conversation.BillingNow); err != nil {
				return fmt.Errorf("azure: billing: %w", err)
			}
			return nil
		case pathTurnStart, pathAudioMetadata:
			// Nothing to surface.
		}
	}
}

// synthesisContext opens one synthesis turn and pins the output format.
type synthesisContext struct {
	Synthesis struct {
		Audio struct {
			MetadataOptions struct {
				SentenceBoundaryEnabled bool `json:"sentenceBoundaryEnabled"`
				WordBoundaryEnabled     bool `json:"wordBoundaryEnabled"`
			} `json:"metadataOptions"`
			OutputFormat string `json:"outputFormat"`
		} `json:"audio"`
	} `json:"synthesis"`
}

// wrapSSML wraps plain text in the minimal SSML document the service
// requires, escaping the text content.
func wrapSSML(lang, voice, text string) string {
	var b strings.Builder
	b.WriteString(`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="`)
	b.WriteString(lang)
	b.WriteString(`"><voice name="`)
	b.WriteString(voice)
	b.WriteString(`">`)
	_ = xml.EscapeText(&b, []byte(text))
	b.WriteString(`</voice></speak>`)
	return b.String()
}

// voiceLanguage derives the xml:lang attribute from a standard voice name
// such as "en-US-JennyNeural".
func voiceLanguage(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) == 3 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}

// rawWireFormat maps a declared PCM output onto the service's raw output
// format names. Only mono rates the service synthesizes are listed.
func rawWireFormat(f audio.Format) (string, error) {
	if f.Channels != 1 {
		return "", fmt.Errorf("azure: no raw output format for %s, synthesis is mono only", f)
	}
	switch f.SampleRate {
	case 8000:
		return "raw-8khz-16bit-mono-pcm", nil
	case 16000:
		return "raw-16khz-16bit-mono-pcm", nil
	case 22050:
		return "raw-22050hz-16bit-mono-pcm", nil
	case 24000:
		return "raw-24khz-16bit-mono-pcm", nil
	case 44100:
		return "raw-44100hz-16bit-mono-pcm", nil
	case 48000:
		return "raw-48khz-16bit-mono-pcm", nil
	}
	return "", fmt.Errorf("azure: no raw output format for %s", f)
}
